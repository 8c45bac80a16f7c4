package voice

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Phase is the lifecycle position of a turn.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseListening   Phase = "listening"
	PhaseSpeculating Phase = "speculating"
	PhaseThinking    Phase = "thinking"
	PhaseResponding  Phase = "responding"
	PhaseSpeaking    Phase = "speaking"
	PhaseCompleted   Phase = "completed"
	PhaseCancelled   Phase = "cancelled"
)

// TurnMetrics are the per-turn latency measurements, all relative to the
// turn's start.
type TurnMetrics struct {
	STTMs           int64
	LLMFirstTokenMs int64
	LLMCompleteMs   int64
	TTSFirstAudioMs int64
	TotalMs         int64
	Interrupted     bool
}

// Turn is the state of one user utterance and the assistant's reply.
// All fields are guarded by the owning orchestrator's lock.
type Turn struct {
	ID        string
	StartedAt time.Time
	Phase     Phase

	Interim string
	Final   string
	LLMText strings.Builder

	sttStarted   bool
	sttCompleted bool
	llmStarted   bool
	llmCompleted bool
	ttsStarted   bool
	ttsCompleted bool
	interrupted  bool
	noMoreAudio  bool

	// Text the LLM was speculatively started on, empty when it was
	// started from a final.
	speculativeSource string

	// Prefix of LLMText already handed to the TTS forwarder, plus the
	// queue the forwarder drains off the orchestrator lock. ttsEOF marks
	// the queue closed.
	ttsSent int
	ttsSend chan string
	ttsEOF  bool

	// Generation counters drop callbacks from superseded streams after
	// a speculative restart.
	llmGen int
	ttsGen int

	llmCancel context.CancelFunc
	ttsCancel context.CancelFunc
	ttsStream SpeechStream
	specTimer *time.Timer

	ttsEndSent bool
	Metrics    TurnMetrics
}

func newTurn(ts int64) *Turn {
	return &Turn{
		ID:        fmt.Sprintf("turn_%d", ts),
		StartedAt: time.Now(),
		Phase:     PhaseListening,
	}
}

// terminal reports whether the turn accepts no further events.
func (t *Turn) terminal() bool {
	return t == nil || t.interrupted || t.Phase == PhaseCompleted || t.Phase == PhaseCancelled
}

func (t *Turn) sinceStart() int64 {
	return time.Since(t.StartedAt).Milliseconds()
}
