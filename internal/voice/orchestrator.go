// Package voice couples the STT, LLM and TTS clients into the per-session
// turn pipeline: transcripts in, spoken replies out.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aria-voice/aria/internal/llm"
	"github.com/aria-voice/aria/internal/observability"
	"github.com/aria-voice/aria/internal/protocol"
	"github.com/aria-voice/aria/internal/stt"
	"github.com/aria-voice/aria/internal/transcript"
	"github.com/aria-voice/aria/internal/tts"
)

const (
	historyBound     = 10
	promptHistory    = 4
	recentTurnsBound = 10
	defaultMime      = "audio/mpeg"
	ttsSendDepth     = 64
	controlEmitWait  = time.Second
)

var errTurnSuperseded = errors.New("turn superseded")

// Config tunes one session's orchestrator.
type Config struct {
	SystemPrompt        string
	VoiceID             string
	Speculative         bool
	SpeculativeDelay    time.Duration
	ConfidenceThreshold float64
	LLMParams           llm.Params
	OutputMime          string
}

// Orchestrator runs the turn state machine for a single session. All
// event entry points serialize on one lock; upstream callbacks tagged
// with a stale turn or generation are dropped.
type Orchestrator struct {
	sessionID string
	cfg       Config
	llm       LLMStreamer
	tts       TTSProvider
	intent    IntentAnalyzer
	store     transcript.Store
	metrics   *observability.Metrics
	outbound  chan<- any

	mu          sync.Mutex
	stt         AudioSink
	turn        *Turn
	lastTurnTS  int64
	history     []llm.Message
	recent      []TurnMetrics
	onTurnStart func(turnID string)
}

func NewOrchestrator(sessionID string, cfg Config, llmClient LLMStreamer, ttsProvider TTSProvider, outbound chan<- any) *Orchestrator {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.SpeculativeDelay <= 0 {
		cfg.SpeculativeDelay = 120 * time.Millisecond
	}
	if cfg.OutputMime == "" {
		cfg.OutputMime = defaultMime
	}
	return &Orchestrator{
		sessionID: sessionID,
		cfg:       cfg,
		llm:       llmClient,
		tts:       ttsProvider,
		outbound:  outbound,
	}
}

// SetAudioSink wires the STT client once the supervisor has opened it.
func (o *Orchestrator) SetAudioSink(sink AudioSink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stt = sink
}

func (o *Orchestrator) SetIntentAnalyzer(a IntentAnalyzer)    { o.intent = a }
func (o *Orchestrator) SetTranscriptStore(s transcript.Store) { o.store = s }
func (o *Orchestrator) SetMetrics(m *observability.Metrics)   { o.metrics = m }

// SetTurnStartHook registers a callback invoked with each new turn id,
// used by the gateway to keep the session's turn bookkeeping current.
func (o *Orchestrator) SetTurnStartHook(fn func(turnID string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onTurnStart = fn
}

// RestoreHistory seeds the prompt history from persisted turns so a
// resumed session keeps its recent context.
func (o *Orchestrator) RestoreHistory(ctx context.Context) {
	if o.store == nil {
		return
	}
	records, err := o.store.RecentTurns(ctx, o.sessionID, historyBound/2)
	if err != nil {
		log.Printf("voice: session=%s restore history: %v", o.sessionID, err)
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range records {
		if r.UserText == "" || r.AssistantText == "" {
			continue
		}
		o.history = append(o.history,
			llm.Message{Role: llm.RoleUser, Content: r.UserText},
			llm.Message{Role: llm.RoleAssistant, Content: r.AssistantText},
		)
	}
	if len(o.history) > historyBound {
		o.history = o.history[len(o.history)-historyBound:]
	}
}

// StartTurn interrupts any live turn and allocates the next one. Turn
// ids are monotonic per session.
func (o *Orchestrator) StartTurn() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startTurnLocked().ID
}

func (o *Orchestrator) startTurnLocked() *Turn {
	if !o.turn.terminal() {
		o.interruptLocked(o.turn)
	}
	ts := time.Now().UnixMilli()
	if ts <= o.lastTurnTS {
		ts = o.lastTurnTS + 1
	}
	o.lastTurnTS = ts
	o.turn = newTurn(ts)
	if o.onTurnStart != nil {
		o.onTurnStart(o.turn.ID)
	}
	return o.turn
}

func (o *Orchestrator) ensureTurnLocked() *Turn {
	if o.turn.terminal() {
		return o.startTurnLocked()
	}
	return o.turn
}

// CurrentTurnID returns the live turn id, or empty when idle.
func (o *Orchestrator) CurrentTurnID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.turn.terminal() {
		return ""
	}
	return o.turn.ID
}

// RecentTurns returns metrics of up to the last 10 completed turns.
func (o *Orchestrator) RecentTurns() []TurnMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]TurnMetrics, len(o.recent))
	copy(out, o.recent)
	return out
}

// SendAudio forwards caller audio to the STT client.
func (o *Orchestrator) SendAudio(data []byte) bool {
	o.mu.Lock()
	sink := o.stt
	o.mu.Unlock()
	if sink == nil {
		return false
	}
	return sink.SendAudio(data)
}

// FinishAudio marks that the caller sent audio.end. STT keeps running
// until it emits its final or the promotion timer fires.
func (o *Orchestrator) FinishAudio() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.turn.terminal() {
		o.turn.noMoreAudio = true
	}
}

// OnSTTPartial handles an interim transcript.
func (o *Orchestrator) OnSTTPartial(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.ensureTurnLocked()
	t.Interim = text
	if !t.sttStarted {
		t.sttStarted = true
		t.Metrics.STTMs = t.sinceStart()
	}
	o.emit(protocol.NewEnvelope(protocol.TypeSTTPartial, o.sessionID, t.ID, protocol.STTPartialData{Text: text}))

	// After audio.end the final is imminent; speculating on a late
	// interim would only waste an LLM stream.
	if t.noMoreAudio || !o.cfg.Speculative || t.llmStarted || t.sttCompleted {
		return
	}
	if Confidence(text) < o.cfg.ConfidenceThreshold {
		return
	}
	if t.specTimer != nil {
		t.specTimer.Stop()
	}
	t.specTimer = time.AfterFunc(o.cfg.SpeculativeDelay, func() { o.speculate(t) })
}

func (o *Orchestrator) speculate(t *Turn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t != o.turn || t.terminal() || t.llmStarted || t.sttCompleted {
		return
	}
	t.Phase = PhaseSpeculating
	o.startLLMLocked(t, t.Interim, t.Interim)
}

// OnSTTFinal handles a final transcript. A speculative stream started on
// a prefix-compatible interim keeps running; a materially different
// final aborts it and restarts from the final text.
func (o *Orchestrator) OnSTTFinal(text string, startTS, endTS int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.ensureTurnLocked()
	if t.specTimer != nil {
		t.specTimer.Stop()
		t.specTimer = nil
	}
	t.Final = text
	t.sttCompleted = true
	if !t.sttStarted {
		t.sttStarted = true
	}
	if t.Metrics.STTMs == 0 {
		t.Metrics.STTMs = t.sinceStart()
	}
	if o.metrics != nil {
		o.metrics.ObserveTurnStage("stt_final", time.Duration(t.Metrics.STTMs)*time.Millisecond)
	}
	o.emit(protocol.NewEnvelope(protocol.TypeSTTFinal, o.sessionID, t.ID, protocol.STTFinalData{Text: text, StartTS: startTS, EndTS: endTS}))

	if !t.llmStarted {
		t.Phase = PhaseThinking
		o.startLLMLocked(t, text, "")
		return
	}
	if prefixCompatible(stt.Normalize(t.speculativeSource), stt.Normalize(text)) {
		log.Printf("voice: session=%s turn=%s final refines speculative interim, continuing stream", o.sessionID, t.ID)
		return
	}
	log.Printf("voice: session=%s turn=%s final diverges from speculative interim, restarting", o.sessionID, t.ID)
	if o.metrics != nil {
		o.metrics.ObserveTurnIndicator("speculative_restart")
	}
	o.restartLLMLocked(t, text)
}

func (o *Orchestrator) restartLLMLocked(t *Turn, text string) {
	if t.llmCancel != nil {
		t.llmCancel()
	}
	if t.ttsStarted {
		// Speculative audio is already wrong; kill the stream without
		// surfacing a tts.end and start the turn's pipeline over.
		t.ttsGen++
		if t.ttsCancel != nil {
			t.ttsCancel()
		}
		if t.ttsStream != nil {
			t.ttsStream.Cancel()
			t.ttsStream = nil
		}
		t.ttsSend = nil
		t.ttsEOF = false
		t.ttsStarted = false
		t.ttsSent = 0
	}
	t.LLMText.Reset()
	t.Phase = PhaseThinking
	o.startLLMLocked(t, text, "")
}

func (o *Orchestrator) startLLMLocked(t *Turn, text, speculativeSource string) {
	t.llmStarted = true
	t.speculativeSource = speculativeSource
	t.llmGen++
	gen := t.llmGen

	messages := o.buildPromptLocked(text)
	ctx, cancel := context.WithCancel(context.Background())
	t.llmCancel = cancel

	go func() {
		defer cancel()
		full, err := o.llm.Stream(ctx, messages, o.cfg.LLMParams, func(delta string) error {
			return o.onLLMDelta(t, gen, delta)
		})
		o.onLLMDone(t, gen, text, full, err)
	}()
}

// buildPromptLocked assembles system prompt, optional intent annotation,
// bounded history and the current utterance.
func (o *Orchestrator) buildPromptLocked(userText string) []llm.Message {
	system := o.cfg.SystemPrompt
	if system == "" {
		system = "You are a concise, helpful voice assistant."
	}
	if o.intent != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		intent, err := o.intent.Analyze(ctx, userText)
		cancel()
		if err == nil && intent.Confidence > 0.7 {
			system = fmt.Sprintf("%s [Intent: %s] [Context: %s]", system, intent.Name, intent.Context)
		}
	}

	messages := make([]llm.Message, 0, promptHistory+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	history := o.history
	if len(history) > promptHistory {
		history = history[len(history)-promptHistory:]
	}
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userText})
	return messages
}

func (o *Orchestrator) onLLMDelta(t *Turn, gen int, delta string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t != o.turn || t.terminal() || gen != t.llmGen {
		return errTurnSuperseded
	}
	if t.Metrics.LLMFirstTokenMs == 0 {
		t.Metrics.LLMFirstTokenMs = t.sinceStart()
		t.Phase = PhaseResponding
		if o.metrics != nil {
			o.metrics.ObserveTurnStage("llm_first_token", time.Duration(t.Metrics.LLMFirstTokenMs)*time.Millisecond)
		}
	}
	t.LLMText.WriteString(delta)
	o.emit(protocol.NewEnvelope(protocol.TypeLLMPartial, o.sessionID, t.ID, protocol.LLMPartialData{Text: delta}))

	if !t.ttsStarted {
		if ShouldStartTTS(t.LLMText.String()) {
			o.startTTSLocked(t)
		}
		return nil
	}
	o.forwardToTTSLocked(t)
	return nil
}

func (o *Orchestrator) forwardToTTSLocked(t *Turn) {
	if t.ttsSend == nil || t.ttsEOF {
		return
	}
	text := t.LLMText.String()
	if len(text) <= t.ttsSent {
		return
	}
	select {
	case t.ttsSend <- text[t.ttsSent:]:
		t.ttsSent = len(text)
	default:
		// Queue full; the unsent suffix goes out with the next delta.
	}
}

// finishTTSLocked closes the forwarder queue so the stream is flushed
// once all buffered text has been sent.
func (o *Orchestrator) finishTTSLocked(t *Turn) {
	if t.ttsSend == nil || t.ttsEOF {
		return
	}
	t.ttsEOF = true
	close(t.ttsSend)
}

func (o *Orchestrator) startTTSLocked(t *Turn) {
	text := t.LLMText.String()
	if text == "" {
		return
	}
	t.ttsStarted = true
	t.Phase = PhaseSpeaking
	t.ttsGen++

	ctx, cancel := context.WithCancel(context.Background())
	t.ttsCancel = cancel
	t.ttsSend = make(chan string, ttsSendDepth)
	t.ttsSent = len(text)
	t.ttsSend <- text

	// The dial and all text writes happen off the lock so a barge-in is
	// never stuck behind the synthesis handshake.
	go o.runTTS(ctx, t, t.ttsGen, t.ttsSend)
}

func (o *Orchestrator) runTTS(ctx context.Context, t *Turn, gen int, send chan string) {
	stream, err := o.tts.Start(ctx, tts.StreamOptions{VoiceID: o.cfg.VoiceID},
		func(audio []byte, seq int) { o.onTTSChunk(t, gen, audio, seq) },
		func(reason tts.EndReason, err error) { o.onTTSEnd(t, gen, reason, err) },
	)

	o.mu.Lock()
	stale := t != o.turn || t.terminal() || gen != t.ttsGen
	if err != nil {
		if !stale {
			if o.metrics != nil {
				o.metrics.ProviderErrors.WithLabelValues("tts", "start").Inc()
			}
			o.emit(protocol.ErrorEnvelope(o.sessionID, t.ID, "tts_error", err.Error(), true))
			o.endTurnLocked(t, protocol.TTSEndError)
		}
		o.mu.Unlock()
		return
	}
	if stale {
		o.mu.Unlock()
		stream.Cancel()
		return
	}
	t.ttsStream = stream
	o.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-send:
			if !ok {
				_ = stream.Finish()
				return
			}
			if err := stream.SendText(text); err != nil {
				log.Printf("voice: session=%s turn=%s tts send: %v", o.sessionID, t.ID, err)
			}
		}
	}
}

func (o *Orchestrator) onTTSChunk(t *Turn, gen int, audio []byte, seq int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t != o.turn || t.terminal() || gen != t.ttsGen {
		return
	}
	if t.Metrics.TTSFirstAudioMs == 0 {
		t.Metrics.TTSFirstAudioMs = t.sinceStart()
		if o.metrics != nil {
			d := time.Duration(t.Metrics.TTSFirstAudioMs) * time.Millisecond
			o.metrics.ObserveTurnStage("tts_first_audio", d)
			o.metrics.ObserveFirstAudioLatency(d)
		}
	}
	o.emit(AudioChunk{
		SessionID: o.sessionID,
		TurnID:    t.ID,
		Seq:       seq,
		Mime:      o.cfg.OutputMime,
		Audio:     audio,
	})
}

func (o *Orchestrator) onTTSEnd(t *Turn, gen int, reason tts.EndReason, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t != o.turn || t.terminal() || gen != t.ttsGen {
		return
	}
	t.ttsCompleted = true
	switch reason {
	case tts.EndComplete:
		o.endTurnLocked(t, protocol.TTSEndComplete)
	case tts.EndBarge:
		// interruptLocked already surfaced tts.end(barge)
	case tts.EndError:
		msg := "synthesis failed"
		if err != nil {
			msg = err.Error()
		}
		if o.metrics != nil {
			o.metrics.ProviderErrors.WithLabelValues("tts", "stream").Inc()
		}
		o.emit(protocol.ErrorEnvelope(o.sessionID, t.ID, "tts_error", msg, true))
		o.endTurnLocked(t, protocol.TTSEndError)
	}
}

func (o *Orchestrator) onLLMDone(t *Turn, gen int, userText, full string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t != o.turn || t.terminal() || gen != t.llmGen {
		return
	}
	if err != nil && !errors.Is(err, errTurnSuperseded) {
		if o.metrics != nil {
			o.metrics.ProviderErrors.WithLabelValues("llm", "stream").Inc()
		}
		o.emit(protocol.ErrorEnvelope(o.sessionID, t.ID, "llm_error", err.Error(), true))
		if !t.ttsStarted {
			o.endTurnLocked(t, protocol.TTSEndError)
			return
		}
		// Started TTS keeps playing what was already generated.
		o.finishTTSLocked(t)
		return
	}
	t.llmCompleted = true
	t.Metrics.LLMCompleteMs = t.sinceStart()
	o.emit(protocol.NewEnvelope(protocol.TypeLLMFinal, o.sessionID, t.ID, protocol.LLMFinalData{Text: full}))

	o.history = append(o.history,
		llm.Message{Role: llm.RoleUser, Content: userText},
		llm.Message{Role: llm.RoleAssistant, Content: full},
	)
	if len(o.history) > historyBound {
		o.history = o.history[len(o.history)-historyBound:]
	}

	if full == "" {
		o.endTurnLocked(t, protocol.TTSEndComplete)
		return
	}
	if !t.ttsStarted {
		o.startTTSLocked(t)
	} else {
		o.forwardToTTSLocked(t)
	}
	o.finishTTSLocked(t)
}

// Interrupt cancels the live turn. Calling it twice is the same as once.
func (o *Orchestrator) Interrupt() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.turn.terminal() {
		return
	}
	o.interruptLocked(o.turn)
}

func (o *Orchestrator) interruptLocked(t *Turn) {
	t.interrupted = true
	t.Metrics.Interrupted = true
	t.Phase = PhaseCancelled
	if t.specTimer != nil {
		t.specTimer.Stop()
		t.specTimer = nil
	}
	if t.llmCancel != nil {
		t.llmCancel()
	}
	if t.ttsCancel != nil {
		t.ttsCancel()
	}
	if t.ttsStream != nil {
		t.ttsStream.Cancel()
		t.ttsStream = nil
	}
	t.Interim = ""
	t.Final = ""
	t.LLMText.Reset()
	if !t.ttsEndSent {
		t.ttsEndSent = true
		o.emit(protocol.NewEnvelope(protocol.TypeTTSEnd, o.sessionID, t.ID, protocol.TTSEndData{Reason: protocol.TTSEndBarge}))
	}
	if o.metrics != nil {
		o.metrics.ObserveTurnIndicator("barge")
	}
}

// HandleTestUtterance injects a synthetic final transcript, used by
// integration tests to exercise the pipeline without upstream STT.
func (o *Orchestrator) HandleTestUtterance(text string) {
	now := time.Now().UnixMilli()
	o.OnSTTFinal(text, now, now)
}

// endTurnLocked emits the turn's tts.end and metrics.update, archives the
// metrics and persists the transcript.
func (o *Orchestrator) endTurnLocked(t *Turn, reason string) {
	t.Metrics.TotalMs = t.sinceStart()
	if !t.ttsEndSent {
		t.ttsEndSent = true
		o.emit(protocol.NewEnvelope(protocol.TypeTTSEnd, o.sessionID, t.ID, protocol.TTSEndData{Reason: reason}))
	}
	if reason == protocol.TTSEndComplete {
		t.Phase = PhaseCompleted
	} else {
		t.Phase = PhaseCancelled
	}
	o.emit(protocol.NewEnvelope(protocol.TypeMetricsUpdate, o.sessionID, t.ID, protocol.MetricsUpdateData{
		STTMs:           t.Metrics.STTMs,
		LLMFirstTokenMs: t.Metrics.LLMFirstTokenMs,
		TTSFirstAudioMs: t.Metrics.TTSFirstAudioMs,
		E2EMs:           t.Metrics.TotalMs,
	}))
	if o.metrics != nil {
		o.metrics.ObserveTurnStage("turn_e2e", time.Duration(t.Metrics.TotalMs)*time.Millisecond)
	}

	if t.ttsCancel != nil {
		t.ttsCancel()
	}

	o.recent = append(o.recent, t.Metrics)
	if len(o.recent) > recentTurnsBound {
		o.recent = o.recent[len(o.recent)-recentTurnsBound:]
	}

	if o.store != nil {
		record := transcript.TurnRecord{
			SessionID:       o.sessionID,
			TurnID:          t.ID,
			UserText:        t.Final,
			AssistantText:   t.LLMText.String(),
			EndReason:       reason,
			STTMs:           t.Metrics.STTMs,
			LLMFirstTokenMs: t.Metrics.LLMFirstTokenMs,
			TTSFirstAudioMs: t.Metrics.TTSFirstAudioMs,
			E2EMs:           t.Metrics.TotalMs,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := o.store.SaveTurn(ctx, record); err != nil {
				log.Printf("voice: session=%s turn=%s save transcript: %v", o.sessionID, record.TurnID, err)
			}
		}()
	}
}

// Close tears down the session's turn and STT client.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if !o.turn.terminal() {
		o.interruptLocked(o.turn)
	}
	sink := o.stt
	o.stt = nil
	o.mu.Unlock()
	if sink != nil {
		_ = sink.Close()
	}
}

// emit delivers an event to the outbound writer. Audio chunks are
// best-effort and dropped under backpressure; control envelopes such as
// tts.end get a bounded wait so the turn contract survives a slow reader.
func (o *Orchestrator) emit(event any) {
	if _, ok := event.(AudioChunk); ok {
		select {
		case o.outbound <- event:
		default:
			log.Printf("voice: session=%s outbound full, dropping audio chunk", o.sessionID)
		}
		return
	}
	select {
	case o.outbound <- event:
		return
	default:
	}
	timer := time.NewTimer(controlEmitWait)
	defer timer.Stop()
	select {
	case o.outbound <- event:
	case <-timer.C:
		log.Printf("voice: session=%s outbound stalled, dropping %T", o.sessionID, event)
	}
}
