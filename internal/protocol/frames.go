package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Binary frames carry audio on the wire: a 4-byte big-endian length of the
// JSON header, the UTF-8 header itself, then the raw payload bytes.

var (
	ErrFrameTooShort     = errors.New("frame shorter than header length prefix")
	ErrHeaderLenInvalid  = errors.New("frame shorter than declared header length")
	ErrHeaderJSONInvalid = errors.New("frame header is not valid JSON")
)

// BinaryHeader is the JSON header of a binary frame. Inbound audio.chunk
// frames populate the codec fields; outbound tts.chunk frames populate Mime.
type BinaryHeader struct {
	Type       MessageType `json:"type"`
	TS         int64       `json:"ts"`
	SessionID  string      `json:"sessionId"`
	TurnID     string      `json:"turnId,omitempty"`
	Seq        uint32      `json:"seq"`
	Codec      string      `json:"codec,omitempty"`
	SampleRate int         `json:"sampleRate,omitempty"`
	Channels   int         `json:"channels,omitempty"`
	Mime       string      `json:"mime,omitempty"`
}

// EncodeBinaryFrame serializes header as canonical JSON, prepends its
// big-endian length and appends the payload verbatim.
func EncodeBinaryFrame(header BinaryHeader, payload []byte) ([]byte, error) {
	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal frame header: %w", err)
	}
	out := make([]byte, 4+len(hdr)+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(hdr)))
	copy(out[4:], hdr)
	copy(out[4+len(hdr):], payload)
	return out, nil
}

// DecodeBinaryFrame splits a binary frame back into its header and payload.
// The payload slice aliases the input frame.
func DecodeBinaryFrame(frame []byte) (BinaryHeader, []byte, error) {
	if len(frame) < 4 {
		return BinaryHeader{}, nil, ErrFrameTooShort
	}
	headerLen := int(binary.BigEndian.Uint32(frame[:4]))
	if headerLen < 0 || len(frame) < 4+headerLen {
		return BinaryHeader{}, nil, ErrHeaderLenInvalid
	}
	var header BinaryHeader
	if err := json.Unmarshal(frame[4:4+headerLen], &header); err != nil {
		return BinaryHeader{}, nil, fmt.Errorf("%w: %v", ErrHeaderJSONInvalid, err)
	}
	return header, frame[4+headerLen:], nil
}
