package ntag

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const passwordInfo = "pgtag ntag21x pwd+pack v1"

// Password is the 32-bit PWD register value and the 16-bit PACK the tag
// answers a successful PWD_AUTH with.
type Password struct {
	PWD  [4]byte
	PACK [2]byte
}

// DerivePassword derives the tag password from a credential write secret.
// The same secret always yields the same password.
func DerivePassword(secret []byte) (Password, error) {
	if len(secret) == 0 {
		return Password{}, errors.New("empty write secret")
	}

	var buf [6]byte
	r := hkdf.New(sha256.New, secret, nil, []byte(passwordInfo))
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Password{}, fmt.Errorf("deriving tag password: %w", err)
	}

	var p Password
	copy(p.PWD[:], buf[:4])
	copy(p.PACK[:], buf[4:])
	return p, nil
}
