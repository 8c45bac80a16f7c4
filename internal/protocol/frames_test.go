package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestBinaryFrameRoundTrip(t *testing.T) {
	header := BinaryHeader{
		Type:       TypeAudioChunk,
		TS:         1712345678901,
		SessionID:  "s1",
		TurnID:     "turn_1",
		Seq:        7,
		Codec:      "pcm16",
		SampleRate: 16000,
		Channels:   1,
	}
	payload := bytes.Repeat([]byte{0x01, 0x02, 0xff}, 213)

	frame, err := EncodeBinaryFrame(header, payload)
	if err != nil {
		t.Fatalf("EncodeBinaryFrame: %v", err)
	}

	got, gotPayload, err := DecodeBinaryFrame(frame)
	if err != nil {
		t.Fatalf("DecodeBinaryFrame: %v", err)
	}
	if got != header {
		t.Fatalf("header = %+v, want %+v", got, header)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(gotPayload), len(payload))
	}
}

func TestBinaryFrameEmptyPayload(t *testing.T) {
	header := BinaryHeader{Type: TypeTTSChunk, SessionID: "s1", Seq: 0, Mime: "audio/mpeg"}
	frame, err := EncodeBinaryFrame(header, nil)
	if err != nil {
		t.Fatalf("EncodeBinaryFrame: %v", err)
	}
	got, payload, err := DecodeBinaryFrame(frame)
	if err != nil {
		t.Fatalf("DecodeBinaryFrame: %v", err)
	}
	if got.Mime != "audio/mpeg" {
		t.Fatalf("Mime = %q, want audio/mpeg", got.Mime)
	}
	if len(payload) != 0 {
		t.Fatalf("payload length = %d, want 0", len(payload))
	}
}

func TestDecodeBinaryFrameTooShort(t *testing.T) {
	for _, frame := range [][]byte{nil, {0x00}, {0x00, 0x00, 0x01}} {
		if _, _, err := DecodeBinaryFrame(frame); !errors.Is(err, ErrFrameTooShort) {
			t.Fatalf("DecodeBinaryFrame(%v) err = %v, want ErrFrameTooShort", frame, err)
		}
	}
}

func TestDecodeBinaryFrameHeaderLenInvalid(t *testing.T) {
	frame := make([]byte, 8)
	binary.BigEndian.PutUint32(frame[:4], 100)
	if _, _, err := DecodeBinaryFrame(frame); !errors.Is(err, ErrHeaderLenInvalid) {
		t.Fatalf("err = %v, want ErrHeaderLenInvalid", err)
	}
}

func TestDecodeBinaryFrameHeaderJSONInvalid(t *testing.T) {
	hdr := []byte("{not json")
	frame := make([]byte, 4+len(hdr))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(hdr)))
	copy(frame[4:], hdr)
	if _, _, err := DecodeBinaryFrame(frame); !errors.Is(err, ErrHeaderJSONInvalid) {
		t.Fatalf("err = %v, want ErrHeaderJSONInvalid", err)
	}
}
