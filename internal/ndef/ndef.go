// Package ndef encodes and decodes the single-record NDEF message a PG tag
// carries: one well-known URI record pointing at app://tag/{uuid}.
package ndef

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// TagURIPrefix is the scheme and path every credential URI starts with.
const TagURIPrefix = "app://tag/"

var (
	// ErrMalformed is returned for bytes that are not a well-formed NDEF message.
	ErrMalformed = errors.New("ndef: malformed message")
	// ErrNotTagURI is returned for a valid message that is not a credential URI.
	ErrNotTagURI = errors.New("ndef: not a tag credential uri")
)

// Record header flags.
const (
	flagMB = 0x80
	flagME = 0x40
	flagCF = 0x20
	flagSR = 0x10
	flagIL = 0x08

	tnfMask      = 0x07
	tnfWellKnown = 0x01
)

// uriPrefixes maps URI identifier codes to their abbreviations.
var uriPrefixes = map[byte]string{
	0x00: "",
	0x01: "http://www.",
	0x02: "https://www.",
	0x03: "http://",
	0x04: "https://",
}

// EncodeURI builds a one-record NDEF message holding uri with identifier
// code 0x00, so the URI is stored verbatim.
func EncodeURI(uri string) []byte {
	payload := append([]byte{0x00}, uri...)

	var msg []byte
	if len(payload) < 256 {
		msg = make([]byte, 0, 4+len(payload))
		msg = append(msg, flagMB|flagME|flagSR|tnfWellKnown, 1, byte(len(payload)), 'U')
	} else {
		n := len(payload)
		msg = make([]byte, 0, 7+n)
		msg = append(msg, flagMB|flagME|tnfWellKnown, 1, byte(n>>24), byte(n>>16), byte(n>>8), byte(n), 'U')
	}
	return append(msg, payload...)
}

// DecodeURI returns the URI carried by the first record of msg.
func DecodeURI(msg []byte) (string, error) {
	rec, err := firstRecord(msg)
	if err != nil {
		return "", err
	}
	if rec.tnf != tnfWellKnown || string(rec.typ) != "U" {
		return "", fmt.Errorf("%w: record type %q", ErrNotTagURI, rec.typ)
	}
	if len(rec.payload) == 0 {
		return "", fmt.Errorf("%w: empty uri payload", ErrMalformed)
	}
	prefix, ok := uriPrefixes[rec.payload[0]]
	if !ok {
		return "", fmt.Errorf("%w: uri identifier code 0x%02x", ErrNotTagURI, rec.payload[0])
	}
	return prefix + string(rec.payload[1:]), nil
}

// TagMessage builds the NDEF message for a physical UUID.
func TagMessage(physicalUUID string) ([]byte, error) {
	id, err := uuid.Parse(physicalUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid physical uuid: %w", err)
	}
	return EncodeURI(TagURIPrefix + id.String()), nil
}

// ParseTagMessage extracts the physical UUID from a credential message.
func ParseTagMessage(msg []byte) (string, error) {
	uri, err := DecodeURI(msg)
	if err != nil {
		return "", err
	}
	rest, ok := strings.CutPrefix(uri, TagURIPrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotTagURI, uri)
	}
	id, err := uuid.Parse(rest)
	if err != nil || len(rest) != 36 {
		return "", fmt.Errorf("%w: bad uuid %q", ErrNotTagURI, rest)
	}
	return id.String(), nil
}

type record struct {
	tnf     byte
	typ     []byte
	payload []byte
}

func firstRecord(msg []byte) (record, error) {
	if len(msg) < 3 {
		return record{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(msg))
	}
	hdr := msg[0]
	if hdr&flagMB == 0 {
		return record{}, fmt.Errorf("%w: first record lacks MB", ErrMalformed)
	}
	if hdr&flagCF != 0 {
		return record{}, fmt.Errorf("%w: chunked records unsupported", ErrMalformed)
	}

	typeLen := int(msg[1])
	pos := 2
	var payloadLen int
	if hdr&flagSR != 0 {
		payloadLen = int(msg[pos])
		pos++
	} else {
		if len(msg) < pos+4 {
			return record{}, fmt.Errorf("%w: truncated length", ErrMalformed)
		}
		payloadLen = int(msg[pos])<<24 | int(msg[pos+1])<<16 | int(msg[pos+2])<<8 | int(msg[pos+3])
		pos += 4
	}
	idLen := 0
	if hdr&flagIL != 0 {
		if len(msg) < pos+1 {
			return record{}, fmt.Errorf("%w: truncated id length", ErrMalformed)
		}
		idLen = int(msg[pos])
		pos++
	}

	if payloadLen < 0 || len(msg) < pos+typeLen+idLen+payloadLen {
		return record{}, fmt.Errorf("%w: truncated record", ErrMalformed)
	}
	rec := record{tnf: hdr & tnfMask}
	rec.typ = msg[pos : pos+typeLen]
	pos += typeLen + idLen
	rec.payload = msg[pos : pos+payloadLen]
	return rec, nil
}
