package ntag

import (
	"context"
	"errors"
	"fmt"

	"github.com/erazemk/pgtag/internal/ndef"
	"github.com/erazemk/pgtag/internal/nfc"
)

// ErrAuthFailed is returned when the tag rejects PWD_AUTH or answers with an
// unexpected PACK.
var ErrAuthFailed = errors.New("ntag: password authentication failed")

// NAKError is a negative acknowledge from the tag.
type NAKError struct {
	Code byte
}

func (e *NAKError) Error() string {
	return fmt.Sprintf("ntag: NAK 0x%X", e.Code)
}

// Unwrap maps the NAK onto the hardware taxonomy. Code 0x0 is an invalid
// argument or access violation, 0x4 an exhausted authentication counter;
// parity, CRC and EEPROM errors are transient.
func (e *NAKError) Unwrap() error {
	switch e.Code {
	case 0x0, 0x4:
		return nfc.ErrTagNotWritable
	default:
		return nfc.ErrTransient
	}
}

// Tag is an identified NTAG21x in the field.
type Tag struct {
	target    nfc.Target
	chip      Chip
	formatted bool
	cfg       [readSize]byte
}

// Identify issues GET_VERSION and returns the tag if it is an NTAG213/215/216.
func Identify(ctx context.Context, target nfc.Target) (*Tag, error) {
	resp, err := target.Transceive(ctx, []byte{CmdGetVersion})
	if err != nil {
		return nil, fmt.Errorf("getting version: %w", err)
	}
	if len(resp) != 8 || resp[1] != 0x04 || resp[2] != 0x04 {
		return nil, fmt.Errorf("%w: version % X", nfc.ErrUnsupportedTag, resp)
	}
	chip, ok := chipsByStorage[resp[6]]
	if !ok {
		return nil, fmt.Errorf("%w: storage size 0x%02X", nfc.ErrUnsupportedTag, resp[6])
	}
	return &Tag{target: target, chip: chip}, nil
}

// Inspect identifies the tag and checks that a message of msgLen bytes can be
// written and protected: no lock bits, a writable capability container, no
// existing password protection and enough user memory.
func Inspect(ctx context.Context, target nfc.Target, msgLen int) (*Tag, error) {
	t, err := Identify(ctx, target)
	if err != nil {
		return nil, err
	}

	head, err := t.read(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("reading header pages: %w", err)
	}
	if head[10] != 0 || head[11] != 0 {
		return nil, fmt.Errorf("%w: static lock bits set", nfc.ErrTagNotWritable)
	}
	cc := head[12:16]
	switch {
	case cc[0] == 0xE1:
		if cc[3]&0x0F != 0 {
			return nil, fmt.Errorf("%w: capability container is read-only", nfc.ErrTagNotWritable)
		}
		t.formatted = true
	case cc[0] == 0 && cc[1] == 0 && cc[2] == 0 && cc[3] == 0:
		t.formatted = false
	default:
		return nil, fmt.Errorf("%w: unrecognised capability container % X", nfc.ErrTagNotWritable, cc)
	}

	cfg, err := t.read(ctx, t.chip.DynLock)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	if cfg[0] != 0 || cfg[1] != 0 || cfg[2] != 0 {
		return nil, fmt.Errorf("%w: dynamic lock bits set", nfc.ErrTagNotWritable)
	}
	if auth0 := cfg[7]; auth0 <= t.chip.LastUserPage() {
		return nil, fmt.Errorf("%w: already protected from page 0x%02X", nfc.ErrTagNotWritable, auth0)
	}
	t.cfg = cfg

	if need := ndef.TLVSize(msgLen); need > t.chip.UserBytes() {
		return nil, fmt.Errorf("%w: %s too small for %d bytes", nfc.ErrTagNotWritable, t.chip.Name, need)
	}
	return t, nil
}

// Chip returns the identified chip.
func (t *Tag) Chip() Chip {
	return t.chip
}

// WriteNDEF writes msg as an NDEF TLV starting at the first user page,
// formatting the capability container first if the tag is blank.
func (t *Tag) WriteNDEF(ctx context.Context, msg []byte) error {
	tlv := ndef.WrapTLV(msg)
	if len(tlv) > t.chip.UserBytes() {
		return fmt.Errorf("%w: message needs %d bytes", nfc.ErrTagNotWritable, len(tlv))
	}

	if !t.formatted {
		if err := t.write(ctx, pageCC, [4]byte{0xE1, 0x10, t.chip.ccSize, 0x00}); err != nil {
			return fmt.Errorf("formatting capability container: %w", err)
		}
		t.formatted = true
	}

	for off := 0; off < len(tlv); off += pageSize {
		var data [4]byte
		copy(data[:], tlv[off:])
		page := byte(FirstUserPage + off/pageSize)
		if err := t.write(ctx, page, data); err != nil {
			return fmt.Errorf("writing page 0x%02X: %w", page, err)
		}
	}
	return nil
}

// ReadNDEF reads user memory until a complete NDEF message TLV is found.
func (t *Tag) ReadNDEF(ctx context.Context) ([]byte, error) {
	var mem []byte
	for page := FirstUserPage; page <= int(t.chip.LastUserPage()) && len(mem) < t.chip.UserBytes(); page += readSize / pageSize {
		chunk, err := t.read(ctx, byte(page))
		if err != nil {
			if errors.Is(err, nfc.ErrTagNotWritable) {
				return nil, fmt.Errorf("%w: user memory is read protected", nfc.ErrContentUnparseable)
			}
			return nil, fmt.Errorf("reading page 0x%02X: %w", page, err)
		}
		mem = append(mem, chunk[:]...)
		if msg, err := ndef.UnwrapTLV(mem); err == nil {
			return msg, nil
		}
	}

	_, err := ndef.UnwrapTLV(mem)
	return nil, fmt.Errorf("%w: %w", nfc.ErrContentUnparseable, err)
}

// SetPassword writes the PWD and PACK registers. Protection is not enabled
// until Protect lowers AUTH0.
func (t *Tag) SetPassword(ctx context.Context, p Password) error {
	if err := t.write(ctx, t.chip.PWDPage, p.PWD); err != nil {
		return fmt.Errorf("writing PWD: %w", err)
	}
	if err := t.write(ctx, t.chip.PACKPage, [4]byte{p.PACK[0], p.PACK[1], 0x00, 0x00}); err != nil {
		return fmt.Errorf("writing PACK: %w", err)
	}
	return nil
}

// Protect requires the password for writes from startPage onward, and for
// reads too when readProtect is set. ACCESS is written before AUTH0 because
// once AUTH0 drops the configuration pages themselves become protected.
// The tag must have come from Inspect.
func (t *Tag) Protect(ctx context.Context, startPage byte, readProtect bool) error {
	if t.cfg == [readSize]byte{} {
		return errors.New("ntag: configuration not read; call Inspect first")
	}
	cfg0 := [4]byte(t.cfg[4:8])
	cfg1 := [4]byte(t.cfg[8:12])

	if readProtect {
		cfg1[0] |= accessProt
	} else {
		cfg1[0] &^= accessProt
	}
	if err := t.write(ctx, t.chip.CFG1, cfg1); err != nil {
		return fmt.Errorf("writing ACCESS: %w", err)
	}

	cfg0[3] = startPage
	if err := t.write(ctx, t.chip.CFG0, cfg0); err != nil {
		return fmt.Errorf("writing AUTH0: %w", err)
	}
	return nil
}

// Authenticate sends PWD_AUTH and returns the PACK the tag answers with.
func (t *Tag) Authenticate(ctx context.Context, pwd [4]byte) ([2]byte, error) {
	resp, err := t.target.Transceive(ctx, []byte{CmdPwdAuth, pwd[0], pwd[1], pwd[2], pwd[3]})
	if err != nil {
		return [2]byte{}, fmt.Errorf("authenticating: %w", err)
	}
	if len(resp) != 2 {
		return [2]byte{}, ErrAuthFailed
	}
	return [2]byte{resp[0], resp[1]}, nil
}

// VerifyProtection checks that the tag accepts p and that AUTH0 now guards
// user memory.
func (t *Tag) VerifyProtection(ctx context.Context, p Password) error {
	pack, err := t.Authenticate(ctx, p.PWD)
	if err != nil {
		return err
	}
	if pack != p.PACK {
		return fmt.Errorf("%w: PACK % X", ErrAuthFailed, pack)
	}
	cfg, err := t.read(ctx, t.chip.CFG0)
	if err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}
	if cfg[3] > t.chip.LastUserPage() {
		return fmt.Errorf("%w: AUTH0 0x%02X does not cover user memory", ErrAuthFailed, cfg[3])
	}
	return nil
}

func (t *Tag) read(ctx context.Context, page byte) ([readSize]byte, error) {
	var out [readSize]byte
	resp, err := t.target.Transceive(ctx, []byte{CmdRead, page})
	if err != nil {
		return out, err
	}
	if len(resp) == 1 {
		return out, &NAKError{Code: resp[0] & 0x0F}
	}
	if len(resp) != readSize {
		return out, fmt.Errorf("%w: short read of %d bytes", nfc.ErrTransient, len(resp))
	}
	copy(out[:], resp)
	return out, nil
}

func (t *Tag) write(ctx context.Context, page byte, data [4]byte) error {
	resp, err := t.target.Transceive(ctx, []byte{CmdWrite, page, data[0], data[1], data[2], data[3]})
	if err != nil {
		return err
	}
	if len(resp) != 1 {
		return fmt.Errorf("%w: unexpected write response % X", nfc.ErrTransient, resp)
	}
	if resp[0]&0x0F != ack {
		return &NAKError{Code: resp[0] & 0x0F}
	}
	return nil
}
