package voice

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/aria-voice/aria/internal/protocol"
	"github.com/aria-voice/aria/internal/transcript"
	"github.com/aria-voice/aria/internal/tts"
)

func newTestOrchestrator(t *testing.T, cfg Config, llmMock *mockLLM) (*Orchestrator, chan any) {
	t.Helper()
	outbound := make(chan any, 256)
	o := NewOrchestrator("s1", cfg, llmMock, &mockTTS{}, outbound)
	return o, outbound
}

// drainUntil collects outbound events until pred matches or the timeout
// elapses.
func drainUntil(t *testing.T, outbound chan any, pred func(any) bool) []any {
	t.Helper()
	var events []any
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-outbound:
			events = append(events, ev)
			if pred(ev) {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out; collected %d events: %v", len(events), eventTypes(events))
			return nil
		}
	}
}

func eventTypes(events []any) []string {
	var out []string
	for _, ev := range events {
		switch e := ev.(type) {
		case protocol.Envelope:
			out = append(out, string(e.Type))
		case AudioChunk:
			out = append(out, "tts.chunk")
		default:
			out = append(out, "?")
		}
	}
	return out
}

func isEnvelope(ev any, typ protocol.MessageType) bool {
	env, ok := ev.(protocol.Envelope)
	return ok && env.Type == typ
}

func TestHappyPathOrdering(t *testing.T) {
	llmMock := &mockLLM{deltas: []string{"It is ", "sunny."}}
	o, outbound := newTestOrchestrator(t, Config{VoiceID: "v1"}, llmMock)

	o.OnSTTPartial("what is")
	o.OnSTTFinal("what is the weather", 100, 900)

	events := drainUntil(t, outbound, func(ev any) bool {
		return isEnvelope(ev, protocol.TypeMetricsUpdate)
	})

	var order []string
	sawFinalText := ""
	lastSeq := -1
	ttsEnded := false
	for _, ev := range events {
		switch e := ev.(type) {
		case protocol.Envelope:
			order = append(order, string(e.Type))
			if e.Type == protocol.TypeLLMFinal {
				var data protocol.LLMFinalData
				_ = json.Unmarshal(e.Data, &data)
				sawFinalText = data.Text
			}
			if e.Type == protocol.TypeTTSEnd {
				var data protocol.TTSEndData
				_ = json.Unmarshal(e.Data, &data)
				if data.Reason != protocol.TTSEndComplete {
					t.Fatalf("tts.end reason = %q, want complete", data.Reason)
				}
				ttsEnded = true
			}
		case AudioChunk:
			order = append(order, "tts.chunk")
			if ttsEnded {
				t.Fatalf("tts.chunk after tts.end: %v", eventTypes(events))
			}
			if e.Seq <= lastSeq {
				t.Fatalf("non-monotonic seq %d after %d", e.Seq, lastSeq)
			}
			lastSeq = e.Seq
			if e.Mime != "audio/mpeg" {
				t.Fatalf("mime = %q", e.Mime)
			}
		}
	}

	mustPrecede(t, order, "stt.partial", "stt.final")
	mustPrecede(t, order, "stt.final", "llm.partial")
	mustPrecede(t, order, "llm.partial", "llm.final")
	mustPrecede(t, order, "tts.chunk", "tts.end")
	mustPrecede(t, order, "tts.end", "metrics.update")
	if sawFinalText != "It is sunny." {
		t.Fatalf("llm.final text = %q", sawFinalText)
	}
	if lastSeq < 0 {
		t.Fatalf("no tts.chunk emitted: %v", order)
	}
}

func mustPrecede(t *testing.T, order []string, first, second string) {
	t.Helper()
	firstIdx, secondIdx := -1, -1
	for i, typ := range order {
		if typ == first && firstIdx == -1 {
			firstIdx = i
		}
		if typ == second {
			secondIdx = i
		}
	}
	if firstIdx == -1 || secondIdx == -1 || firstIdx > secondIdx {
		t.Fatalf("want %q before %q, got %v", first, second, order)
	}
}

func TestBargeInterruptsAndIsIdempotent(t *testing.T) {
	llmMock := &mockLLM{deltas: []string{"One. ", "Two. ", "Three. ", "Four. ", "Five."}, delay: 40 * time.Millisecond}
	o, outbound := newTestOrchestrator(t, Config{VoiceID: "v1"}, llmMock)

	o.OnSTTFinal("tell me a story", 0, 0)

	// Wait for playback to begin.
	drainUntil(t, outbound, func(ev any) bool {
		_, ok := ev.(AudioChunk)
		return ok
	})

	o.Interrupt()
	o.Interrupt()

	events := drainUntil(t, outbound, func(ev any) bool {
		return isEnvelope(ev, protocol.TypeTTSEnd)
	})
	last := events[len(events)-1].(protocol.Envelope)
	var data protocol.TTSEndData
	_ = json.Unmarshal(last.Data, &data)
	if data.Reason != protocol.TTSEndBarge {
		t.Fatalf("tts.end reason = %q, want barge", data.Reason)
	}

	// Late events of the cancelled turn are dropped.
	time.Sleep(150 * time.Millisecond)
	for {
		select {
		case ev := <-outbound:
			if _, ok := ev.(AudioChunk); ok {
				t.Fatalf("tts.chunk after barge")
			}
			if isEnvelope(ev, protocol.TypeTTSEnd) {
				t.Fatalf("second tts.end after double interrupt")
			}
			if isEnvelope(ev, protocol.TypeLLMFinal) {
				t.Fatalf("llm.final after barge")
			}
		default:
			return
		}
	}
}

// slowStartTTS delays the synthesis handshake, standing in for a slow
// upstream dial.
type slowStartTTS struct {
	delay time.Duration
	inner mockTTS
}

func (p *slowStartTTS) Start(ctx context.Context, opts tts.StreamOptions, onChunk func([]byte, int), onEnd func(tts.EndReason, error)) (SpeechStream, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.inner.Start(ctx, opts, onChunk, onEnd)
}

func TestInterruptNotBlockedByTTSDial(t *testing.T) {
	llmMock := &mockLLM{deltas: []string{"One."}}
	outbound := make(chan any, 256)
	o := NewOrchestrator("s1", Config{VoiceID: "v1"}, llmMock, &slowStartTTS{delay: 2 * time.Second}, outbound)

	o.OnSTTFinal("say one", 0, 0)
	drainUntil(t, outbound, func(ev any) bool {
		return isEnvelope(ev, protocol.TypeLLMPartial)
	})

	start := time.Now()
	o.Interrupt()
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("Interrupt took %s while the synthesis dial was in flight", elapsed)
	}

	events := drainUntil(t, outbound, func(ev any) bool {
		return isEnvelope(ev, protocol.TypeTTSEnd)
	})
	last := events[len(events)-1].(protocol.Envelope)
	var data protocol.TTSEndData
	_ = json.Unmarshal(last.Data, &data)
	if data.Reason != protocol.TTSEndBarge {
		t.Fatalf("tts.end reason = %q, want barge", data.Reason)
	}
}

func TestEmitKeepsControlEnvelopesUnderBackpressure(t *testing.T) {
	outbound := make(chan any, 1)
	o := NewOrchestrator("s1", Config{VoiceID: "v1"}, &mockLLM{}, &mockTTS{}, outbound)

	outbound <- AudioChunk{Seq: 0}
	o.emit(AudioChunk{Seq: 1}) // best-effort, dropped while full

	go func() {
		time.Sleep(50 * time.Millisecond)
		<-outbound
	}()
	o.emit(protocol.NewEnvelope(protocol.TypeTTSEnd, "s1", "turn_1", protocol.TTSEndData{Reason: protocol.TTSEndBarge}))

	select {
	case ev := <-outbound:
		env, ok := ev.(protocol.Envelope)
		if !ok || env.Type != protocol.TypeTTSEnd {
			t.Fatalf("event = %#v, want the tts.end envelope", ev)
		}
	default:
		t.Fatalf("control envelope dropped under backpressure")
	}
}

func TestTurnStartHookReportsNewTurns(t *testing.T) {
	llmMock := &mockLLM{deltas: []string{"Ok."}}
	o, outbound := newTestOrchestrator(t, Config{VoiceID: "v1"}, llmMock)
	ids := make(chan string, 4)
	o.SetTurnStartHook(func(id string) { ids <- id })

	o.HandleTestUtterance("hello there.")
	drainUntil(t, outbound, func(ev any) bool {
		return isEnvelope(ev, protocol.TypeMetricsUpdate)
	})

	select {
	case id := <-ids:
		if !strings.HasPrefix(id, "turn_") {
			t.Fatalf("turn id = %q", id)
		}
	default:
		t.Fatalf("hook not invoked for the new turn")
	}
	select {
	case id := <-ids:
		t.Fatalf("extra turn started: %q", id)
	default:
	}
}

func TestAudioEndStopsSpeculation(t *testing.T) {
	llmMock := &mockLLM{deltas: []string{"Ok."}}
	o, _ := newTestOrchestrator(t, Config{
		VoiceID:          "v1",
		Speculative:      true,
		SpeculativeDelay: 5 * time.Millisecond,
	}, llmMock)

	o.StartTurn()
	o.FinishAudio()
	o.OnSTTPartial("What is the capital of France.")

	time.Sleep(50 * time.Millisecond)
	if got := llmMock.calls(); got != 0 {
		t.Fatalf("llm calls = %d, want 0 until the final lands", got)
	}
}

func TestSpeculativeStartBeforeFinal(t *testing.T) {
	llmMock := &mockLLM{deltas: []string{"Paris."}, delay: 10 * time.Millisecond}
	o, outbound := newTestOrchestrator(t, Config{
		VoiceID:          "v1",
		Speculative:      true,
		SpeculativeDelay: 10 * time.Millisecond,
	}, llmMock)

	o.OnSTTPartial("What is the capital of France.")

	// llm.partial arrives without any final having been delivered.
	drainUntil(t, outbound, func(ev any) bool {
		return isEnvelope(ev, protocol.TypeLLMPartial)
	})

	o.OnSTTFinal("What is the capital of France.", 0, 0)
	drainUntil(t, outbound, func(ev any) bool {
		return isEnvelope(ev, protocol.TypeMetricsUpdate)
	})

	if got := llmMock.calls(); got != 1 {
		t.Fatalf("llm calls = %d, want 1 (prefix-compatible final continues stream)", got)
	}
}

func TestSpeculativeRestartOnDivergentFinal(t *testing.T) {
	llmMock := &mockLLM{deltas: []string{"Answer."}, delay: 30 * time.Millisecond}
	o, outbound := newTestOrchestrator(t, Config{
		VoiceID:          "v1",
		Speculative:      true,
		SpeculativeDelay: 5 * time.Millisecond,
	}, llmMock)

	o.OnSTTPartial("tell me about the roman empire.")
	time.Sleep(20 * time.Millisecond) // let the speculative stream start

	o.OnSTTFinal("what is the weather today", 0, 0)
	drainUntil(t, outbound, func(ev any) bool {
		return isEnvelope(ev, protocol.TypeMetricsUpdate)
	})

	if got := llmMock.calls(); got != 2 {
		t.Fatalf("llm calls = %d, want 2 (divergent final restarts)", got)
	}
	prompt := llmMock.lastPrompt()
	if prompt[len(prompt)-1].Content != "what is the weather today" {
		t.Fatalf("restarted prompt user text = %q", prompt[len(prompt)-1].Content)
	}
}

func TestPromptHistoryBounded(t *testing.T) {
	llmMock := &mockLLM{deltas: []string{"Reply."}}
	o, outbound := newTestOrchestrator(t, Config{VoiceID: "v1", SystemPrompt: "persona"}, llmMock)

	for i := 0; i < 8; i++ {
		o.HandleTestUtterance("question number " + string(rune('a'+i)) + ".")
		drainUntil(t, outbound, func(ev any) bool {
			return isEnvelope(ev, protocol.TypeMetricsUpdate)
		})
	}

	prompt := llmMock.lastPrompt()
	// system + at most 4 history messages + current user text
	if len(prompt) != 1+promptHistory+1 {
		t.Fatalf("prompt length = %d, want %d", len(prompt), 1+promptHistory+1)
	}
	if prompt[0].Content != "persona" {
		t.Fatalf("system prompt = %q", prompt[0].Content)
	}

	if got := len(o.RecentTurns()); got > recentTurnsBound {
		t.Fatalf("recent turns = %d, want <= %d", got, recentTurnsBound)
	}
}

func TestRestoreHistorySeedsPrompt(t *testing.T) {
	store := transcript.NewInMemoryStore()
	_ = store.SaveTurn(context.Background(), transcript.TurnRecord{
		SessionID:     "s1",
		TurnID:        "turn_1",
		UserText:      "my name is Ada",
		AssistantText: "Nice to meet you, Ada.",
	})

	llmMock := &mockLLM{deltas: []string{"Hello again."}}
	o, outbound := newTestOrchestrator(t, Config{VoiceID: "v1"}, llmMock)
	o.SetTranscriptStore(store)
	o.RestoreHistory(context.Background())

	o.HandleTestUtterance("do you remember me")
	drainUntil(t, outbound, func(ev any) bool {
		return isEnvelope(ev, protocol.TypeMetricsUpdate)
	})

	prompt := llmMock.lastPrompt()
	if len(prompt) != 4 {
		t.Fatalf("prompt length = %d, want system + 2 restored + user", len(prompt))
	}
	if prompt[1].Content != "my name is Ada" || prompt[2].Content != "Nice to meet you, Ada." {
		t.Fatalf("restored history = %q / %q", prompt[1].Content, prompt[2].Content)
	}
}

func TestIntentAnnotation(t *testing.T) {
	llmMock := &mockLLM{deltas: []string{"Sunny."}}
	o, outbound := newTestOrchestrator(t, Config{VoiceID: "v1", SystemPrompt: "persona"}, llmMock)
	o.SetIntentAnalyzer(NewKeywordIntentAnalyzer())

	o.HandleTestUtterance("what is the weather forecast for tomorrow")
	drainUntil(t, outbound, func(ev any) bool {
		return isEnvelope(ev, protocol.TypeMetricsUpdate)
	})

	prompt := llmMock.lastPrompt()
	system := prompt[0].Content
	if want := "[Intent: weather]"; !strings.Contains(system, want) {
		t.Fatalf("system prompt %q missing %q", system, want)
	}
}
