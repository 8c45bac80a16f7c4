package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aria-voice/aria/internal/llm"
	"github.com/aria-voice/aria/internal/tts"
)

// mockLLM replays scripted deltas with an optional per-delta delay.
type mockLLM struct {
	deltas []string
	delay  time.Duration
	err    error

	mu      sync.Mutex
	prompts [][]llm.Message
}

func (m *mockLLM) Stream(ctx context.Context, messages []llm.Message, _ llm.Params, onDelta func(string) error) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, messages)
	m.mu.Unlock()

	var full string
	for _, d := range m.deltas {
		if m.delay > 0 {
			select {
			case <-time.After(m.delay):
			case <-ctx.Done():
				return full, ctx.Err()
			}
		}
		if ctx.Err() != nil {
			return full, ctx.Err()
		}
		full += d
		if err := onDelta(d); err != nil {
			return full, err
		}
	}
	return full, m.err
}

func (m *mockLLM) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *mockLLM) lastPrompt() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return nil
	}
	return m.prompts[len(m.prompts)-1]
}

// mockTTS emits one audio chunk per SendText from a per-stream goroutine,
// mirroring the real client's read-loop delivery.
type mockTTS struct {
	mu      sync.Mutex
	streams []*mockStream
}

func (p *mockTTS) Start(_ context.Context, _ tts.StreamOptions, onChunk func([]byte, int), onEnd func(tts.EndReason, error)) (SpeechStream, error) {
	s := &mockStream{
		onChunk: onChunk,
		onEnd:   onEnd,
		events:  make(chan func(), 64),
	}
	go func() {
		for f := range s.events {
			f()
		}
	}()
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	return s, nil
}

type mockStream struct {
	onChunk func([]byte, int)
	onEnd   func(tts.EndReason, error)
	events  chan func()

	mu    sync.Mutex
	seq   int
	ended bool
}

func (s *mockStream) SendText(text string) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return errors.New("mock stream ended")
	}
	seq := s.seq
	s.seq++
	s.mu.Unlock()
	s.events <- func() { s.onChunk([]byte("audio:"+text), seq) }
	return nil
}

func (s *mockStream) Finish() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.mu.Unlock()
	s.events <- func() { s.onEnd(tts.EndComplete, nil) }
	close(s.events)
	return nil
}

func (s *mockStream) Cancel() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()
	s.events <- func() { s.onEnd(tts.EndBarge, nil) }
	close(s.events)
}
