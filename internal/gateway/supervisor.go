package gateway

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aria-voice/aria/internal/protocol"
	"github.com/aria-voice/aria/internal/session"
	"github.com/aria-voice/aria/internal/stt"
	"github.com/aria-voice/aria/internal/voice"
)

const (
	readLimit     = 2 << 20
	writeTimeout  = 10 * time.Second
	outboundDepth = 256
)

// supervisor glues one client socket to its session: demultiplexes
// inbound frames, owns the orchestrator and serializes outbound writes.
type supervisor struct {
	server *Server
	connID string
	conn   *websocket.Conn

	outbound chan any

	mu        sync.Mutex
	sessionID string
	orch      *voice.Orchestrator
	sttCancel context.CancelFunc
}

func newSupervisor(s *Server, connID string, conn *websocket.Conn) *supervisor {
	return &supervisor{
		server:   s,
		connID:   connID,
		conn:     conn,
		outbound: make(chan any, outboundDepth),
	}
}

func (sv *supervisor) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sv.writeLoop(ctx)
	}()

	sv.conn.SetReadLimit(readLimit)
	readDeadline := sv.server.cfg.ConnectionTimeout * 2
	_ = sv.conn.SetReadDeadline(time.Now().Add(readDeadline))
	sv.conn.SetPongHandler(func(string) error {
		_ = sv.conn.SetReadDeadline(time.Now().Add(readDeadline))
		sv.server.pool.Pong(sv.connID)
		return nil
	})

	sv.readLoop(ctx)

	cancel()
	<-writerDone
	sv.teardown()
}

func (sv *supervisor) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sv.outbound:
			if !ok {
				return
			}
			_ = sv.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			var err error
			switch m := msg.(type) {
			case voice.AudioChunk:
				err = sv.writeAudioChunk(m)
				sv.countOutbound("tts.chunk")
			case protocol.Envelope:
				err = sv.conn.WriteJSON(m)
				sv.countOutbound(string(m.Type))
			default:
				continue
			}
			if err != nil {
				return
			}
		}
	}
}

func (sv *supervisor) writeAudioChunk(chunk voice.AudioChunk) error {
	frame, err := protocol.EncodeBinaryFrame(protocol.BinaryHeader{
		Type:      protocol.TypeTTSChunk,
		TS:        time.Now().UnixMilli(),
		SessionID: chunk.SessionID,
		TurnID:    chunk.TurnID,
		Seq:       uint32(chunk.Seq),
		Mime:      chunk.Mime,
	}, chunk.Audio)
	if err != nil {
		return err
	}
	return sv.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (sv *supervisor) countOutbound(typ string) {
	if sv.server.metrics != nil {
		sv.server.metrics.WSMessages.WithLabelValues("outbound", typ).Inc()
	}
}

func (sv *supervisor) readLoop(ctx context.Context) {
	for {
		msgType, data, err := sv.conn.ReadMessage()
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		sv.server.pool.Touch(sv.connID)

		switch msgType {
		case websocket.BinaryMessage:
			sv.handleBinary(data)
		case websocket.TextMessage:
			sv.handleText(data)
		}
	}
}

func (sv *supervisor) handleBinary(data []byte) {
	header, payload, err := protocol.DecodeBinaryFrame(data)
	if err != nil {
		sv.emitError("", "protocol_error", "malformed binary frame: "+err.Error(), false)
		return
	}
	if header.Type != protocol.TypeAudioChunk {
		sv.emitError(header.TurnID, "protocol_error", "unexpected binary frame type "+string(header.Type), false)
		return
	}
	if sv.server.metrics != nil {
		sv.server.metrics.WSMessages.WithLabelValues("inbound", "audio.chunk").Inc()
	}

	sv.mu.Lock()
	orch := sv.orch
	sessionID := sv.sessionID
	sv.mu.Unlock()
	if orch == nil {
		sv.emitError("", "no_session", "audio before session.start", true)
		return
	}
	_ = sv.server.sessions.Touch(sessionID)
	orch.SendAudio(payload)
}

func (sv *supervisor) handleText(data []byte) {
	env, parsed, err := protocol.ParseClientEnvelope(data)
	if err != nil {
		sv.emitError(env.TurnID, "protocol_error", err.Error(), false)
		return
	}
	if sv.server.metrics != nil {
		sv.server.metrics.WSMessages.WithLabelValues("inbound", string(env.Type)).Inc()
	}

	switch env.Type {
	case protocol.TypeSessionStart:
		sv.handleSessionStart(env, parsed.(protocol.SessionStartData))
	case protocol.TypeAudioEnd:
		sv.withOrchestrator(env.TurnID, func(o *voice.Orchestrator) { o.FinishAudio() })
	case protocol.TypeBargeCancel:
		sv.withOrchestrator(env.TurnID, func(o *voice.Orchestrator) {
			o.Interrupt()
			_ = sv.server.sessions.Interrupt(sv.currentSessionID())
		})
	case protocol.TypeTestUtterance:
		sv.withOrchestrator(env.TurnID, func(o *voice.Orchestrator) {
			o.HandleTestUtterance(parsed.(protocol.TestUtteranceData).Text)
		})
	}
}

func (sv *supervisor) withOrchestrator(turnID string, fn func(*voice.Orchestrator)) {
	sv.mu.Lock()
	orch := sv.orch
	sv.mu.Unlock()
	if orch == nil {
		sv.emitError(turnID, "no_session", "message before session.start", true)
		return
	}
	fn(orch)
}

func (sv *supervisor) currentSessionID() string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.sessionID
}

func (sv *supervisor) handleSessionStart(env protocol.Envelope, data protocol.SessionStartData) {
	sv.mu.Lock()
	already := sv.orch != nil
	sv.mu.Unlock()
	if already {
		sv.emitError(env.TurnID, "session_exists", "session already started on this connection", false)
		return
	}

	cfg := sv.server.cfg
	voiceID := data.VoiceID
	if strings.TrimSpace(voiceID) == "" {
		voiceID = cfg.TTSVoiceID
	}
	settings := session.Settings{
		SystemPrompt: data.SystemPrompt,
		VoiceID:      voiceID,
		Language:     data.Language,
		VADEnabled:   data.VADEnabled,
		PTTMode:      data.PTTMode,
		Endpointing:  data.Endpointing,
	}
	sess, err := sv.server.sessions.Register(env.SessionID, settings)
	if err != nil {
		sv.emitError(env.TurnID, "session_rejected", err.Error(), false)
		return
	}
	sv.server.pool.BindSession(sv.connID, sess.ID)

	orch := voice.NewOrchestrator(sess.ID, voice.Config{
		SystemPrompt:     data.SystemPrompt,
		VoiceID:          voiceID,
		Speculative:      cfg.SpeculativeLLM,
		SpeculativeDelay: cfg.LLMStreamingDelay,
	}, sv.server.providers.LLM, sv.server.providers.TTS, sv.outbound)
	orch.SetMetrics(sv.server.metrics)
	orch.SetTranscriptStore(sv.server.store)
	orch.SetIntentAnalyzer(voice.NewKeywordIntentAnalyzer())
	orch.SetTurnStartHook(func(turnID string) {
		_ = sv.server.sessions.StartTurn(sess.ID, turnID)
	})
	orch.RestoreHistory(context.Background())

	sttCtx, sttCancel := context.WithCancel(context.Background())
	sink, err := sv.server.providers.NewSTT(sttCtx, stt.OpenOptions{
		Encoding:       "linear16",
		SampleRate:     16000,
		Channels:       1,
		NoPunctSeconds: data.Endpointing.NoPunctSeconds,
		Language:       data.Language,
	}, stt.Callbacks{
		OnPartial: orch.OnSTTPartial,
		OnFinal:   orch.OnSTTFinal,
		OnError: func(err error, fatal bool) {
			sv.emitError("", "stt_error", err.Error(), !fatal)
			if sv.server.metrics != nil {
				sv.server.metrics.ProviderErrors.WithLabelValues("stt", "stream").Inc()
			}
		},
	})
	if err != nil {
		sttCancel()
		sv.emitError(env.TurnID, "stt_error", err.Error(), false)
		return
	}
	orch.SetAudioSink(sink)

	sv.mu.Lock()
	sv.sessionID = sess.ID
	sv.orch = orch
	sv.sttCancel = sttCancel
	sv.mu.Unlock()

	if sv.server.metrics != nil {
		sv.server.metrics.SessionEvents.WithLabelValues("started").Inc()
		sv.server.metrics.ActiveSessions.Set(float64(sv.server.sessions.ActiveCount()))
	}
	log.Printf("gateway: session=%s started on conn=%s", sess.ID, sv.connID)
}

func (sv *supervisor) emitError(turnID, code, message string, recoverable bool) {
	env := protocol.ErrorEnvelope(sv.currentSessionID(), turnID, code, message, recoverable)
	select {
	case sv.outbound <- env:
	default:
		// Keep websocket writes single-threaded; drop if the queue is full.
	}
}

func (sv *supervisor) teardown() {
	sv.mu.Lock()
	orch := sv.orch
	sessionID := sv.sessionID
	sttCancel := sv.sttCancel
	sv.orch = nil
	sv.mu.Unlock()

	if orch != nil {
		orch.Close()
	}
	if sttCancel != nil {
		sttCancel()
	}
	if sessionID != "" {
		if _, err := sv.server.sessions.End(sessionID); err == nil {
			if sv.server.metrics != nil {
				sv.server.metrics.SessionEvents.WithLabelValues("ended").Inc()
			}
		}
		log.Printf("gateway: session=%s closed on conn=%s", sessionID, sv.connID)
	}
}
