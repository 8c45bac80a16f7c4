package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func sseServer(t *testing.T, deltas []string, flushDelay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req struct {
			Stream bool `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Stream {
			t.Errorf("request not streaming: %v", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
			flusher.Flush()
			if flushDelay > 0 {
				time.Sleep(flushDelay)
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func TestStreamConcatenatesDeltas(t *testing.T) {
	srv := sseServer(t, []string{"The ", "weather ", "is ", "sunny."}, 0)
	defer srv.Close()

	c := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	var got []string
	full, err := c.Stream(context.Background(),
		[]Message{{Role: RoleUser, Content: "weather?"}},
		Params{MaxTokens: 50},
		func(delta string) error {
			got = append(got, delta)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if full != "The weather is sunny." {
		t.Fatalf("full = %q", full)
	}
	if len(got) != 4 || got[0] != "The " {
		t.Fatalf("deltas = %v", got)
	}
}

func TestStreamOnDeltaErrorStops(t *testing.T) {
	srv := sseServer(t, []string{"one", "two", "three"}, 0)
	defer srv.Close()

	sentinel := errors.New("stop")
	c := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	full, err := c.Stream(context.Background(),
		[]Message{{Role: RoleUser, Content: "x"}},
		Params{},
		func(string) error { return sentinel },
	)
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	if full != "one" {
		t.Fatalf("full = %q, want partial %q", full, "one")
	}
}

func TestStreamContextCancel(t *testing.T) {
	srv := sseServer(t, []string{"a", "b", "c", "d", "e"}, 50*time.Millisecond)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	_, err := c.Stream(ctx,
		[]Message{{Role: RoleUser, Content: "x"}},
		Params{},
		func(string) error {
			cancel()
			return nil
		},
	)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestStreamSendsStreamOptions(t *testing.T) {
	got := make(chan *bool, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			StreamOptions *struct {
				IncludeUsage bool `json:"include_usage"`
			} `json:"stream_options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.StreamOptions == nil {
			got <- nil
		} else {
			got <- &req.StreamOptions.IncludeUsage
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	if _, err := c.Stream(context.Background(),
		[]Message{{Role: RoleUser, Content: "x"}},
		Params{IncludeUsage: true},
		nil,
	); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if usage := <-got; usage == nil || !*usage {
		t.Fatalf("stream_options.include_usage not sent")
	}

	if _, err := c.Stream(context.Background(),
		[]Message{{Role: RoleUser, Content: "x"}},
		Params{},
		nil,
	); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if usage := <-got; usage != nil {
		t.Fatalf("stream_options sent without IncludeUsage")
	}
}

func TestStreamNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"rate limit"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	_, err := c.Stream(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, Params{}, nil)
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("err = %v, want status 429 error", err)
	}
}

func TestStreamRequiresMessages(t *testing.T) {
	c := NewClient(Config{APIKey: "test-key"})
	if _, err := c.Stream(context.Background(), nil, Params{}, nil); err == nil {
		t.Fatalf("Stream with no messages did not fail")
	}
}
