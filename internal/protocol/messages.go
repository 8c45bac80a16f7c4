package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket envelope variants on /agent.
type MessageType string

const (
	// Client -> server.
	TypeSessionStart  MessageType = "session.start"
	TypeAudioChunk    MessageType = "audio.chunk"
	TypeAudioEnd      MessageType = "audio.end"
	TypeBargeCancel   MessageType = "barge.cancel"
	TypeTestUtterance MessageType = "test.utterance"

	// Server -> client.
	TypeSTTPartial    MessageType = "stt.partial"
	TypeSTTFinal      MessageType = "stt.final"
	TypeLLMPartial    MessageType = "llm.partial"
	TypeLLMFinal      MessageType = "llm.final"
	TypeTTSChunk      MessageType = "tts.chunk"
	TypeTTSEnd        MessageType = "tts.end"
	TypeMetricsUpdate MessageType = "metrics.update"
	TypeError         MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// Envelope is the common JSON shape of every control message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	TS        int64           `json:"ts"`
	SessionID string          `json:"sessionId,omitempty"`
	TurnID    string          `json:"turnId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EndpointingConfig tunes how aggressively the upstream STT treats silence
// as end of utterance.
type EndpointingConfig struct {
	WaitSeconds        float64 `json:"waitSeconds"`
	PunctuationSeconds float64 `json:"punctuationSeconds"`
	NoPunctSeconds     float64 `json:"noPunctSeconds"`
	NumberSeconds      float64 `json:"numberSeconds"`
	SmartEndpointing   bool    `json:"smartEndpointing"`
}

type SessionStartData struct {
	SystemPrompt string            `json:"systemPrompt"`
	VoiceID      string            `json:"voiceId,omitempty"`
	VADEnabled   bool              `json:"vadEnabled"`
	PTTMode      bool              `json:"pttMode"`
	AgentID      string            `json:"agentId,omitempty"`
	Token        string            `json:"token,omitempty"`
	Language     string            `json:"language,omitempty"`
	Endpointing  EndpointingConfig `json:"endpointing"`
}

type TestUtteranceData struct {
	Text string `json:"text"`
}

type STTPartialData struct {
	Text string `json:"text"`
}

type STTFinalData struct {
	Text    string `json:"text"`
	StartTS int64  `json:"startTs"`
	EndTS   int64  `json:"endTs"`
}

type LLMPartialData struct {
	Text string `json:"text"`
}

type LLMFinalData struct {
	Text string `json:"text"`
}

type TTSEndData struct {
	Reason string `json:"reason"`
}

const (
	TTSEndComplete = "complete"
	TTSEndBarge    = "barge"
	TTSEndError    = "error"
)

type MetricsUpdateData struct {
	STTMs           int64 `json:"sttMs,omitempty"`
	LLMFirstTokenMs int64 `json:"llmFirstTokenMs,omitempty"`
	TTSFirstAudioMs int64 `json:"ttsFirstAudioMs,omitempty"`
	E2EMs           int64 `json:"e2eMs,omitempty"`
	Alive           bool  `json:"alive,omitempty"`
}

type ErrorData struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Details     string `json:"details,omitempty"`
}

// NewEnvelope stamps an outbound envelope with the current wall clock.
func NewEnvelope(t MessageType, sessionID, turnID string, data any) Envelope {
	env := Envelope{
		Type:      t,
		TS:        time.Now().UnixMilli(),
		SessionID: sessionID,
		TurnID:    turnID,
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			env.Data = raw
		}
	}
	return env
}

// ErrorEnvelope is a shorthand for the error envelope every malformed or
// failed operation answers with.
func ErrorEnvelope(sessionID, turnID, code, message string, recoverable bool) Envelope {
	return NewEnvelope(TypeError, sessionID, turnID, ErrorData{
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
	})
}

// ParseClientEnvelope validates a raw text message from the client and
// returns the envelope plus its decoded data payload. Unknown fields are
// tolerated; missing required fields are rejected so the supervisor can
// answer with an error envelope instead of delivering garbage.
func ParseClientEnvelope(raw []byte) (Envelope, any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSessionStart:
		var data SessionStartData
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return env, nil, fmt.Errorf("invalid session.start data: %w", err)
			}
		}
		if env.SessionID == "" {
			return env, nil, errors.New("session.start requires sessionId")
		}
		return env, data, nil
	case TypeAudioEnd, TypeBargeCancel:
		if env.SessionID == "" {
			return env, nil, fmt.Errorf("%s requires sessionId", env.Type)
		}
		return env, nil, nil
	case TypeTestUtterance:
		var data TestUtteranceData
		if len(env.Data) == 0 {
			return env, nil, errors.New("test.utterance requires data")
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return env, nil, fmt.Errorf("invalid test.utterance data: %w", err)
		}
		if strings.TrimSpace(data.Text) == "" {
			return env, nil, errors.New("test.utterance requires text")
		}
		return env, data, nil
	case "":
		return env, nil, errors.New("envelope missing type")
	default:
		return env, nil, ErrUnsupportedType
	}
}
