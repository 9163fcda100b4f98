package ndef

import "fmt"

// Type 2 tag TLV block types.
const (
	TLVNull       = 0x00
	TLVLockCtrl   = 0x01
	TLVMemoryCtrl = 0x02
	TLVMessage    = 0x03
	TLVTerminator = 0xFE
)

// WrapTLV wraps an NDEF message in a message TLV followed by a terminator,
// ready to be written from the first user page.
func WrapTLV(msg []byte) []byte {
	n := len(msg)
	var out []byte
	if n < 0xFF {
		out = make([]byte, 0, n+3)
		out = append(out, TLVMessage, byte(n))
	} else {
		out = make([]byte, 0, n+5)
		out = append(out, TLVMessage, 0xFF, byte(n>>8), byte(n))
	}
	out = append(out, msg...)
	return append(out, TLVTerminator)
}

// UnwrapTLV finds the first NDEF message TLV in user memory and returns its
// value. Null, lock and memory control TLVs are skipped.
func UnwrapTLV(data []byte) ([]byte, error) {
	pos := 0
	for pos < len(data) {
		t := data[pos]
		pos++
		switch t {
		case TLVNull:
			continue
		case TLVTerminator:
			return nil, fmt.Errorf("%w: no message tlv", ErrMalformed)
		}

		if pos >= len(data) {
			return nil, fmt.Errorf("%w: truncated tlv", ErrMalformed)
		}
		length := int(data[pos])
		pos++
		if length == 0xFF {
			if pos+2 > len(data) {
				return nil, fmt.Errorf("%w: truncated tlv length", ErrMalformed)
			}
			length = int(data[pos])<<8 | int(data[pos+1])
			pos += 2
		}
		if pos+length > len(data) {
			return nil, fmt.Errorf("%w: tlv overruns memory", ErrMalformed)
		}
		if t == TLVMessage {
			if length == 0 {
				return nil, fmt.Errorf("%w: empty message", ErrMalformed)
			}
			return data[pos : pos+length], nil
		}
		pos += length
	}
	return nil, fmt.Errorf("%w: no message tlv", ErrMalformed)
}

// TLVSize returns how many bytes WrapTLV produces for a message of n bytes.
func TLVSize(n int) int {
	if n < 0xFF {
		return n + 3
	}
	return n + 5
}
