// Package nfc defines the boundary to the device's NFC radio and the failure
// taxonomy shared by everything that talks to a tag.
package nfc

import (
	"context"
	"errors"
)

// Hardware failure taxonomy.
var (
	// ErrUserCancelled is returned when the operator dismisses the prompt.
	// It is reported silently.
	ErrUserCancelled = errors.New("nfc: cancelled by user")
	// ErrTimeout is returned when no tag was presented in time.
	ErrTimeout = errors.New("nfc: timed out waiting for tag")
	// ErrTransient covers recoverable radio glitches (CRC, collision, NAK on
	// a marginal write).
	ErrTransient = errors.New("nfc: transient radio error")
	// ErrUnsupportedTag is returned for anything that is not an NTAG213/215/216.
	ErrUnsupportedTag = errors.New("nfc: unsupported tag type")
	// ErrTagNotWritable is returned for read-only, locked, already protected or
	// undersized tags.
	ErrTagNotWritable = errors.New("nfc: tag is not writable")
	// ErrContentUnparseable is returned when the tag holds no recognisable
	// credential record.
	ErrContentUnparseable = errors.New("nfc: tag content unparseable")
	// ErrHardwareUnavailable is returned when the device has no usable radio.
	ErrHardwareUnavailable = errors.New("nfc: hardware unavailable")
	// ErrTagLost is returned when the tag leaves the field mid-exchange.
	ErrTagLost = errors.New("nfc: tag left the field")
)

// Retryable reports whether err may succeed if the same step is attempted again.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransient)
}

// Mode is the kind of session the radio is opened for.
type Mode int

// Session modes.
const (
	ModeRead Mode = iota
	ModeWrite
)

func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// Radio is the device's NFC controller. Only one owner may hold it at a time.
type Radio interface {
	// Available reports whether the hardware is present and enabled.
	Available() bool
	// Acquire powers up the field for a session.
	Acquire(ctx context.Context, mode Mode) error
	// Detect blocks until a tag enters the field or ctx is done.
	Detect(ctx context.Context) (Target, error)
	// Release powers the field down. It is safe to call more than once.
	Release() error
}

// Target is a tag currently in the field.
type Target interface {
	// UID returns the tag's factory serial number.
	UID() []byte
	// Transceive sends a raw command frame and returns the response frame.
	Transceive(ctx context.Context, cmd []byte) ([]byte, error)
}
