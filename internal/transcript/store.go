// Package transcript persists completed conversation turns so follow-up
// prompts can carry recent context.
package transcript

import (
	"context"
	"time"
)

// TurnRecord stores one finished turn: what the caller said and what the
// assistant answered, with the latency observed along the way.
type TurnRecord struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	TurnID          string    `json:"turn_id"`
	UserText        string    `json:"user_text"`
	AssistantText   string    `json:"assistant_text"`
	EndReason       string    `json:"end_reason"`
	STTMs           int64     `json:"stt_ms"`
	LLMFirstTokenMs int64     `json:"llm_first_token_ms"`
	TTSFirstAudioMs int64     `json:"tts_first_audio_ms"`
	E2EMs           int64     `json:"e2e_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store persists and retrieves turn transcripts.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}
