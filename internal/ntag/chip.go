// Package ntag drives NXP NTAG213/215/216 tags: capability inspection, NDEF
// writes and password protection of user memory.
package ntag

import "fmt"

// Command codes.
const (
	CmdGetVersion = 0x60
	CmdRead       = 0x30
	CmdWrite      = 0xA2
	CmdPwdAuth    = 0x1B

	ack = 0x0A
)

// Fixed page layout shared by the NTAG21x family.
const (
	pageStaticLock = 2
	pageCC         = 3
	// FirstUserPage is where user memory and the NDEF TLV begin.
	FirstUserPage = 4

	pageSize = 4
	readSize = 16
)

// ACCESS byte bits (CFG1 byte 0).
const accessProt = 0x80

// Chip describes the memory map of one NTAG21x variant.
type Chip struct {
	Name string
	// Pages is the total page count including configuration pages.
	Pages int

	// GET_VERSION storage size byte.
	storage byte
	// Capability container data area size in 8-byte units.
	ccSize byte

	DynLock  byte
	CFG0     byte
	CFG1     byte
	PWDPage  byte
	PACKPage byte
}

// Supported chips.
var (
	NTAG213 = Chip{Name: "NTAG213", Pages: 45, storage: 0x0F, ccSize: 0x12, DynLock: 0x28, CFG0: 0x29, CFG1: 0x2A, PWDPage: 0x2B, PACKPage: 0x2C}
	NTAG215 = Chip{Name: "NTAG215", Pages: 135, storage: 0x11, ccSize: 0x3E, DynLock: 0x82, CFG0: 0x83, CFG1: 0x84, PWDPage: 0x85, PACKPage: 0x86}
	NTAG216 = Chip{Name: "NTAG216", Pages: 231, storage: 0x13, ccSize: 0x6D, DynLock: 0xE2, CFG0: 0xE3, CFG1: 0xE4, PWDPage: 0xE5, PACKPage: 0xE6}
)

var chipsByStorage = map[byte]Chip{
	NTAG213.storage: NTAG213,
	NTAG215.storage: NTAG215,
	NTAG216.storage: NTAG216,
}

// UserBytes is the size of the NDEF data area.
func (c Chip) UserBytes() int {
	return int(c.ccSize) * 8
}

// LastUserPage is the last page of user memory.
func (c Chip) LastUserPage() byte {
	return c.DynLock - 1
}

func (c Chip) String() string {
	return fmt.Sprintf("%s (%d bytes)", c.Name, c.UserBytes())
}

// version is the GET_VERSION response of an NTAG21x chip.
func (c Chip) version() []byte {
	return []byte{0x00, 0x04, 0x04, 0x02, 0x01, 0x00, c.storage, 0x03}
}
