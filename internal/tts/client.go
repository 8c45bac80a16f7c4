// Package tts synthesizes assistant speech over ElevenLabs' stream-input
// websocket, delivering audio chunks in order as they arrive.
package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aria-voice/aria/internal/reliability"
)

const connectTimeout = 10 * time.Second

// EndReason explains why a synthesis stream stopped.
type EndReason string

const (
	EndComplete EndReason = "complete"
	EndBarge    EndReason = "barge"
	EndError    EndReason = "error"
)

type Config struct {
	APIKey          string
	BaseURL         string
	ModelID         string
	OutputFormat    string
	OptimizeLatency int
	MaxReconnects   int
}

// StreamOptions configure one synthesis stream.
type StreamOptions struct {
	VoiceID         string
	Stability       float64
	SimilarityBoost float64
}

// Dialer is swapped out in tests to target a local websocket server.
type Dialer func(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error)

type Client struct {
	cfg    Config
	dialer Dialer
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_turbo_v2_5"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_22050_32"
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = reliability.MaxReconnects
	}
	return &Client{cfg: cfg, dialer: defaultDial}
}

func defaultDial(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.DialContext(ctx, urlStr, header)
}

// SetDialer must be called before Start.
func (c *Client) SetDialer(d Dialer) { c.dialer = d }

func (c *Client) streamURL(voiceID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model_id", c.cfg.ModelID)
	q.Set("output_format", c.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", strconv.Itoa(c.cfg.OptimizeLatency))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Stream is one live synthesis stream. Text sent before the first audio
// chunk is buffered so a dropped socket can be replayed on reconnect;
// after audio has been delivered a failure ends the stream instead.
type Stream struct {
	client *Client
	opts   StreamOptions
	ctx    context.Context

	onChunk func(audio []byte, seq int)
	onEnd   func(reason EndReason, err error)

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	sent      []string
	finished  bool
	gotAudio  bool
	completed bool
	seq       int
	ended     bool
	endReason EndReason
}

// Start opens a synthesis stream and primes it with the voice settings.
// onChunk and onEnd fire from the stream's read goroutine.
func (c *Client) Start(ctx context.Context, opts StreamOptions, onChunk func(audio []byte, seq int), onEnd func(reason EndReason, err error)) (*Stream, error) {
	if strings.TrimSpace(opts.VoiceID) == "" {
		return nil, errors.New("tts: voice id is required")
	}
	if opts.Stability <= 0 {
		opts.Stability = 0.5
	}
	if opts.SimilarityBoost <= 0 {
		opts.SimilarityBoost = 0.8
	}

	s := &Stream{
		client:  c,
		opts:    opts,
		ctx:     ctx,
		onChunk: onChunk,
		onEnd:   onEnd,
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if err := s.prime(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tts prime: %w", err)
	}
	go s.readLoop(conn)
	return s, nil
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	urlStr, err := s.client.streamURL(s.opts.VoiceID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("xi-api-key", s.client.cfg.APIKey)

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	conn, resp, err := s.client.dialer(dialCtx, urlStr, header)
	if err != nil {
		if resp != nil && reliability.IsFatalUpgradeStatus(resp.StatusCode) {
			return nil, fmt.Errorf("tts handshake rejected: status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("tts connect: %w", err)
	}
	return conn, nil
}

func (s *Stream) prime(conn *websocket.Conn) error {
	return s.writeJSON(conn, map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        s.opts.Stability,
			"similarity_boost": s.opts.SimilarityBoost,
		},
		"prefill": true,
	})
}

func (s *Stream) writeJSON(conn *websocket.Conn, payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(payload)
}

// SendText appends text to the stream. Sent text is retained until the
// first audio chunk arrives so a reconnect can replay it.
func (s *Stream) SendText(text string) error {
	if text == "" {
		return nil
	}
	s.mu.Lock()
	if s.ended || s.finished {
		s.mu.Unlock()
		return errors.New("tts: stream closed for input")
	}
	if !s.gotAudio {
		s.sent = append(s.sent, text)
	}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("tts: no connection")
	}
	return s.writeJSON(conn, map[string]any{
		"text":                   text,
		"try_trigger_generation": true,
	})
}

// Finish signals end of input. The upstream flushes remaining audio and
// then closes with a final marker, which surfaces as EndComplete.
func (s *Stream) Finish() error {
	s.mu.Lock()
	if s.ended || s.finished {
		s.mu.Unlock()
		return nil
	}
	s.finished = true
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("tts: no connection")
	}
	if err := s.writeJSON(conn, map[string]any{"text": " ", "flush": true}); err != nil {
		return err
	}
	return s.writeJSON(conn, map[string]any{"text": ""})
}

// Cancel aborts synthesis immediately. Any buffered upstream audio is
// discarded and onEnd fires with EndBarge.
func (s *Stream) Cancel() {
	s.end(EndBarge, nil)
}

func (s *Stream) end(reason EndReason, err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.endReason = reason
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if s.onEnd != nil {
		s.onEnd(reason, err)
	}
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	attempt := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			ended, gotAudio, completed := s.ended, s.gotAudio, s.completed
			s.mu.Unlock()
			if ended {
				return
			}
			// Once audio has been delivered the stream is never
			// resumed: a replay would repeat chunks the client
			// already played, so a close counts as completion.
			if gotAudio || completed {
				s.end(EndComplete, nil)
				return
			}
			if attempt >= s.client.cfg.MaxReconnects {
				s.end(EndError, fmt.Errorf("tts stream: %w", err))
				return
			}
			select {
			case <-time.After(reliability.ReconnectDelay(attempt)):
			case <-s.ctx.Done():
				s.end(EndError, s.ctx.Err())
				return
			}
			attempt++
			next, dialErr := s.reconnect()
			if dialErr != nil {
				continue
			}
			conn = next
			continue
		}

		var msg struct {
			Audio   string `json:"audio"`
			IsFinal bool   `json:"isFinal"`
			Error   string `json:"error"`
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		// Upstream errors arrive either as {"error": ...} or as
		// quota-style {"code": ..., "message": ...} payloads.
		if msg.Error != "" || msg.Code != "" {
			detail := msg.Error
			if detail == "" {
				detail = msg.Code
			}
			if msg.Message != "" {
				detail += ": " + msg.Message
			}
			s.end(EndError, errors.New("tts upstream: "+detail))
			return
		}
		if msg.Audio != "" {
			audio, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil || len(audio) == 0 {
				continue
			}
			s.mu.Lock()
			if s.ended {
				s.mu.Unlock()
				return
			}
			s.gotAudio = true
			s.sent = nil
			seq := s.seq
			s.seq++
			s.mu.Unlock()
			if s.onChunk != nil {
				s.onChunk(audio, seq)
			}
		}
		if msg.IsFinal {
			// Final marker: remaining audio is flushed, the upstream
			// closes the socket next.
			s.mu.Lock()
			s.completed = true
			s.mu.Unlock()
		}
	}
}

// reconnect redials and replays the primed settings plus all text sent so
// far, including the end-of-input marker when Finish already ran.
func (s *Stream) reconnect() (*websocket.Conn, error) {
	conn, err := s.dial(s.ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, errors.New("tts: stream ended")
	}
	s.conn = conn
	replay := make([]string, len(s.sent))
	copy(replay, s.sent)
	finished := s.finished
	s.mu.Unlock()

	if err := s.prime(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	for _, text := range replay {
		if err := s.writeJSON(conn, map[string]any{"text": text, "try_trigger_generation": true}); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	if finished {
		if err := s.writeJSON(conn, map[string]any{"text": ""}); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}
