package voice

import (
	"context"

	"github.com/aria-voice/aria/internal/llm"
	"github.com/aria-voice/aria/internal/tts"
)

// AudioSink receives caller audio, normally the STT client. SendAudio
// reports false once the sink is closed.
type AudioSink interface {
	SendAudio(data []byte) bool
	Close() error
}

// LLMStreamer produces a streaming completion, invoking onDelta per
// fragment and returning the full text.
type LLMStreamer interface {
	Stream(ctx context.Context, messages []llm.Message, params llm.Params, onDelta func(delta string) error) (string, error)
}

// SpeechStream is one live synthesis stream.
type SpeechStream interface {
	SendText(text string) error
	Finish() error
	Cancel()
}

// TTSProvider opens synthesis streams.
type TTSProvider interface {
	Start(ctx context.Context, opts tts.StreamOptions, onChunk func(audio []byte, seq int), onEnd func(reason tts.EndReason, err error)) (SpeechStream, error)
}

// ElevenLabsTTS adapts the concrete client to the provider interface.
type ElevenLabsTTS struct {
	Client *tts.Client
}

func (p *ElevenLabsTTS) Start(ctx context.Context, opts tts.StreamOptions, onChunk func([]byte, int), onEnd func(tts.EndReason, error)) (SpeechStream, error) {
	return p.Client.Start(ctx, opts, onChunk, onEnd)
}

// AudioChunk is an outbound binary audio event, framed by the gateway.
type AudioChunk struct {
	SessionID string
	TurnID    string
	Seq       int
	Mime      string
	Audio     []byte
}
