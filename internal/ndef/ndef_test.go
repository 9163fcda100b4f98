package ndef

import (
	"bytes"
	"errors"
	"testing"
)

const testUUID = "3f2b8c1e-5d4a-4e6f-9a7b-1c2d3e4f5a6b"

func TestTagMessageLayout(t *testing.T) {
	msg, err := TagMessage(testUUID)
	if err != nil {
		t.Fatalf("TagMessage: %v", err)
	}

	wantURI := "app://tag/" + testUUID
	if msg[0] != 0xD1 {
		t.Errorf("header = 0x%02x, want 0xD1", msg[0])
	}
	if msg[1] != 1 || msg[3] != 'U' {
		t.Errorf("type = len %d %q, want 1 \"U\"", msg[1], msg[3])
	}
	if int(msg[2]) != len(wantURI)+1 {
		t.Errorf("payload length = %d, want %d", msg[2], len(wantURI)+1)
	}
	if msg[4] != 0x00 {
		t.Errorf("identifier code = 0x%02x, want 0x00", msg[4])
	}
	if string(msg[5:]) != wantURI {
		t.Errorf("uri = %q, want %q", msg[5:], wantURI)
	}
}

func TestTagMessageRejectsBadUUID(t *testing.T) {
	if _, err := TagMessage("room-101"); err == nil {
		t.Error("expected error for non-uuid")
	}
}

func TestParseTagMessage(t *testing.T) {
	msg, _ := TagMessage(testUUID)
	got, err := ParseTagMessage(msg)
	if err != nil {
		t.Fatalf("ParseTagMessage: %v", err)
	}
	if got != testUUID {
		t.Errorf("got %q, want %q", got, testUUID)
	}
}

func TestParseTagMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		msg  []byte
		want error
	}{
		{"empty", nil, ErrMalformed},
		{"truncated", []byte{0xD1, 0x01, 0x30, 'U', 0x00}, ErrMalformed},
		{"other uri", EncodeURI("https://example.com/tag/" + testUUID), ErrNotTagURI},
		{"bad uuid", EncodeURI("app://tag/not-a-uuid"), ErrNotTagURI},
		{"text record", []byte{0xD1, 0x01, 0x03, 'T', 0x02, 'e', 'n'}, ErrNotTagURI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseTagMessage(tt.msg); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDecodeURIPrefixCodes(t *testing.T) {
	msg := []byte{0xD1, 0x01, 0x0C, 'U', 0x04, 'e', 'x', 'a', 'm', 'p', 'l', 'e', '.', 'c', 'o', 'm'}
	got, err := DecodeURI(msg)
	if err != nil {
		t.Fatalf("DecodeURI: %v", err)
	}
	if got != "https://example.com" {
		t.Errorf("got %q", got)
	}
}

func TestTLV(t *testing.T) {
	msg, _ := TagMessage(testUUID)
	tlv := WrapTLV(msg)

	if tlv[0] != TLVMessage || int(tlv[1]) != len(msg) || tlv[len(tlv)-1] != TLVTerminator {
		t.Fatalf("unexpected tlv framing % x", tlv[:2])
	}
	if len(tlv) != TLVSize(len(msg)) {
		t.Errorf("TLVSize = %d, len = %d", TLVSize(len(msg)), len(tlv))
	}

	// Leading null and lock control TLVs are skipped; trailing memory is ignored.
	mem := append([]byte{TLVNull, TLVLockCtrl, 0x03, 0xA0, 0x10, 0x44}, tlv...)
	mem = append(mem, 0x00, 0x00, 0x00)
	got, err := UnwrapTLV(mem)
	if err != nil {
		t.Fatalf("UnwrapTLV: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Error("unwrapped message differs")
	}
}

func TestUnwrapTLVErrors(t *testing.T) {
	tests := []struct {
		name string
		mem  []byte
	}{
		{"blank", []byte{0x03, 0x00, 0xFE, 0x00}},
		{"terminator only", []byte{0xFE}},
		{"overrun", []byte{0x03, 0x20, 0xD1}},
		{"zeros", make([]byte, 16)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := UnwrapTLV(tt.mem); !errors.Is(err, ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestLongTLV(t *testing.T) {
	msg := bytes.Repeat([]byte{0xAB}, 300)
	tlv := WrapTLV(msg)
	if tlv[1] != 0xFF {
		t.Fatalf("expected 3-byte length form")
	}
	got, err := UnwrapTLV(tlv)
	if err != nil || !bytes.Equal(got, msg) {
		t.Errorf("long tlv round trip failed: %v", err)
	}
}
