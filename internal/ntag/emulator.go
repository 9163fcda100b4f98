package ntag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/erazemk/pgtag/internal/nfc"
)

var emulatorSerial atomic.Uint32

// Emulator is an in-memory NTAG21x that answers raw command frames. It models
// static locks, OTP capability container bits, AUTH0/PROT protection and
// PWD_AUTH, and can inject faults for specific commands.
type Emulator struct {
	mu      sync.Mutex
	chip    Chip
	uid     []byte
	version []byte
	mem     [][4]byte
	authed  bool
	removed bool
	faults  []fault
	log     [][]byte
}

type fault struct {
	cmd   byte
	page  int
	err   error
	times int
}

// NewEmulator returns a factory-fresh tag of the given chip: formatted
// capability container, empty NDEF TLV, no password protection.
func NewEmulator(chip Chip) *Emulator {
	n := emulatorSerial.Add(1)
	uid := []byte{0x04, 0xE1, byte(n >> 16), byte(n >> 8), byte(n), 0x5A, 0x80}

	e := &Emulator{
		chip:    chip,
		uid:     uid,
		version: chip.version(),
		mem:     make([][4]byte, chip.Pages),
	}
	e.mem[0] = [4]byte{uid[0], uid[1], uid[2], 0x88 ^ uid[0] ^ uid[1] ^ uid[2]}
	e.mem[1] = [4]byte{uid[3], uid[4], uid[5], uid[6]}
	e.mem[2] = [4]byte{uid[3] ^ uid[4] ^ uid[5] ^ uid[6], 0x48, 0x00, 0x00}
	e.mem[pageCC] = [4]byte{0xE1, 0x10, chip.ccSize, 0x00}
	e.mem[FirstUserPage] = [4]byte{0x03, 0x00, 0xFE, 0x00}
	e.mem[chip.DynLock] = [4]byte{0x00, 0x00, 0x00, 0xBD}
	e.mem[chip.CFG0] = [4]byte{0x04, 0x00, 0x00, 0xFF}
	e.mem[chip.CFG1] = [4]byte{0x00, 0x05, 0x00, 0x00}
	e.mem[chip.PWDPage] = [4]byte{0xFF, 0xFF, 0xFF, 0xFF}
	return e
}

// NewForeignEmulator returns a tag that answers GET_VERSION like a MIFARE
// Ultralight EV1, which this driver does not support.
func NewForeignEmulator() *Emulator {
	e := NewEmulator(NTAG213)
	e.version = []byte{0x00, 0x04, 0x03, 0x01, 0x01, 0x00, 0x0B, 0x03}
	return e
}

// Image returns the tag's full memory, four bytes per page.
func (e *Emulator) Image() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	img := make([]byte, 0, len(e.mem)*pageSize)
	for _, p := range e.mem {
		img = append(img, p[:]...)
	}
	return img
}

// RestoreEmulator rebuilds a tag from an Image. The chip is chosen by size.
func RestoreEmulator(img []byte) (*Emulator, error) {
	for _, chip := range []Chip{NTAG213, NTAG215, NTAG216} {
		if len(img) != chip.Pages*pageSize {
			continue
		}
		e := NewEmulator(chip)
		for i := range e.mem {
			copy(e.mem[i][:], img[i*pageSize:])
		}
		e.uid = []byte{img[0], img[1], img[2], img[4], img[5], img[6], img[7]}
		return e, nil
	}
	return nil, fmt.Errorf("%w: %d byte image", nfc.ErrUnsupportedTag, len(img))
}

// FailNext makes the next times commands matching cmd and page fail with err.
// A negative page matches any page. Injecting nfc.ErrTagLost also removes the
// tag from the field.
func (e *Emulator) FailNext(cmd byte, page int, err error, times int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = append(e.faults, fault{cmd: cmd, page: page, err: err, times: times})
}

// Remove takes the tag out of the field; every later command fails with
// nfc.ErrTagLost.
func (e *Emulator) Remove() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	e.authed = false
}

// Reenter puts a removed tag back in the field. Authentication does not
// survive leaving the field.
func (e *Emulator) Reenter() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = false
	e.authed = false
}

// Lock sets the static lock bits for pages 3 to 15, as a read-only tag would.
func (e *Emulator) Lock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mem[pageStaticLock][2] = 0xF8
	e.mem[pageStaticLock][3] = 0xFF
}

// Page returns the raw contents of a page, including PWD and PACK.
func (e *Emulator) Page(n byte) [4]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mem[n]
}

// AUTH0 returns the first protected page.
func (e *Emulator) AUTH0() byte {
	return e.Page(e.chip.CFG0)[3]
}

// ReadProtected reports whether PROT is set.
func (e *Emulator) ReadProtected() bool {
	return e.Page(e.chip.CFG1)[0]&accessProt != 0
}

// Commands returns a copy of every command frame received.
func (e *Emulator) Commands() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.log))
	copy(out, e.log)
	return out
}

// UID implements nfc.Target.
func (e *Emulator) UID() []byte {
	return bytes.Clone(e.uid)
}

// Transceive implements nfc.Target.
func (e *Emulator) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return nil, nfc.ErrTagLost
	}
	if len(cmd) == 0 {
		return []byte{0x00}, nil
	}
	e.log = append(e.log, bytes.Clone(cmd))

	if err := e.takeFault(cmd); err != nil {
		return nil, err
	}

	switch cmd[0] {
	case CmdGetVersion:
		return bytes.Clone(e.version), nil
	case CmdRead:
		if len(cmd) != 2 {
			return []byte{0x00}, nil
		}
		return e.read(cmd[1]), nil
	case CmdWrite:
		if len(cmd) != 6 {
			return []byte{0x00}, nil
		}
		return e.write(cmd[1], [4]byte(cmd[2:6])), nil
	case CmdPwdAuth:
		if len(cmd) != 5 {
			return []byte{0x00}, nil
		}
		if [4]byte(cmd[1:5]) != e.mem[e.chip.PWDPage] {
			e.authed = false
			return []byte{0x04}, nil
		}
		e.authed = true
		pack := e.mem[e.chip.PACKPage]
		return []byte{pack[0], pack[1]}, nil
	}
	return []byte{0x00}, nil
}

func (e *Emulator) takeFault(cmd []byte) error {
	for i := range e.faults {
		f := &e.faults[i]
		if f.times <= 0 || f.cmd != cmd[0] {
			continue
		}
		if f.page >= 0 && (len(cmd) < 2 || int(cmd[1]) != f.page) {
			continue
		}
		f.times--
		if errors.Is(f.err, nfc.ErrTagLost) {
			e.removed = true
			e.authed = false
		}
		return f.err
	}
	return nil
}

func (e *Emulator) auth0() byte {
	return e.mem[e.chip.CFG0][3]
}

func (e *Emulator) read(page byte) []byte {
	if int(page) >= len(e.mem) {
		return []byte{0x00}
	}
	prot := e.mem[e.chip.CFG1][0]&accessProt != 0
	if prot && page >= e.auth0() && !e.authed {
		return []byte{0x00}
	}

	out := make([]byte, 0, readSize)
	for i := 0; i < readSize/pageSize; i++ {
		p := (int(page) + i) % len(e.mem)
		if p == int(e.chip.PWDPage) || p == int(e.chip.PACKPage) {
			out = append(out, 0, 0, 0, 0)
			continue
		}
		out = append(out, e.mem[p][:]...)
	}
	return out
}

func (e *Emulator) write(page byte, data [4]byte) []byte {
	if page < pageStaticLock || int(page) >= len(e.mem) {
		return []byte{0x00}
	}
	if page >= e.auth0() && !e.authed {
		return []byte{0x00}
	}
	if e.staticLocked(page) {
		return []byte{0x00}
	}

	switch page {
	case pageStaticLock:
		e.mem[page][2] |= data[2]
		e.mem[page][3] |= data[3]
	case pageCC:
		for i := range data {
			e.mem[page][i] |= data[i]
		}
	default:
		e.mem[page] = data
	}
	return []byte{ack}
}

func (e *Emulator) staticLocked(page byte) bool {
	lock := e.mem[pageStaticLock]
	switch {
	case page == pageCC:
		return lock[2]&0x08 != 0
	case page >= 4 && page <= 7:
		return lock[2]&(1<<page) != 0
	case page >= 8 && page <= 15:
		return lock[3]&(1<<(page-8)) != 0
	}
	return false
}
