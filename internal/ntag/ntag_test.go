package ntag

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/erazemk/pgtag/internal/ndef"
	"github.com/erazemk/pgtag/internal/nfc"
)

const testUUID = "3f2b8c1e-5d4a-4e6f-9a7b-1c2d3e4f5a6b"

func testMessage(t *testing.T) []byte {
	t.Helper()
	msg, err := ndef.TagMessage(testUUID)
	if err != nil {
		t.Fatalf("TagMessage: %v", err)
	}
	return msg
}

func TestIdentifyChips(t *testing.T) {
	ctx := context.Background()
	for _, chip := range []Chip{NTAG213, NTAG215, NTAG216} {
		tag, err := Identify(ctx, NewEmulator(chip))
		if err != nil {
			t.Fatalf("Identify %s: %v", chip.Name, err)
		}
		if tag.Chip().Name != chip.Name {
			t.Errorf("identified %s as %s", chip.Name, tag.Chip().Name)
		}
	}

	if _, err := Identify(ctx, NewForeignEmulator()); !errors.Is(err, nfc.ErrUnsupportedTag) {
		t.Errorf("expected ErrUnsupportedTag, got %v", err)
	}
}

func TestInspectRejectsUnwritable(t *testing.T) {
	ctx := context.Background()
	msg := testMessage(t)

	locked := NewEmulator(NTAG213)
	locked.Lock()
	if _, err := Inspect(ctx, locked, len(msg)); !errors.Is(err, nfc.ErrTagNotWritable) {
		t.Errorf("locked tag: expected ErrTagNotWritable, got %v", err)
	}

	// A tag provisioned once is already protected.
	used := NewEmulator(NTAG213)
	tag, err := Inspect(ctx, used, len(msg))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	pw, _ := DerivePassword([]byte("secret"))
	if err := tag.SetPassword(ctx, pw); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if err := tag.Protect(ctx, FirstUserPage, false); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if _, err := Inspect(ctx, used, len(msg)); !errors.Is(err, nfc.ErrTagNotWritable) {
		t.Errorf("protected tag: expected ErrTagNotWritable, got %v", err)
	}

	// 144 bytes of user memory cannot hold a 200-byte message.
	if _, err := Inspect(ctx, NewEmulator(NTAG213), 200); !errors.Is(err, nfc.ErrTagNotWritable) {
		t.Errorf("small tag: expected ErrTagNotWritable, got %v", err)
	}
	if _, err := Inspect(ctx, NewEmulator(NTAG215), 200); err != nil {
		t.Errorf("NTAG215 should fit 200 bytes: %v", err)
	}
}

func TestWriteAndReadNDEF(t *testing.T) {
	ctx := context.Background()
	msg := testMessage(t)
	e := NewEmulator(NTAG213)

	tag, err := Inspect(ctx, e, len(msg))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if err := tag.WriteNDEF(ctx, msg); err != nil {
		t.Fatalf("WriteNDEF: %v", err)
	}
	if p := e.Page(FirstUserPage); p[0] != ndef.TLVMessage || int(p[1]) != len(msg) {
		t.Errorf("page 4 = % X", p)
	}

	reader, err := Identify(ctx, e)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	got, err := reader.ReadNDEF(ctx)
	if err != nil {
		t.Fatalf("ReadNDEF: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Error("read message differs from written")
	}
}

func TestReadNDEFBlankTag(t *testing.T) {
	ctx := context.Background()
	tag, _ := Identify(ctx, NewEmulator(NTAG213))
	if _, err := tag.ReadNDEF(ctx); !errors.Is(err, nfc.ErrContentUnparseable) {
		t.Errorf("expected ErrContentUnparseable, got %v", err)
	}
}

func TestProtectWriteOnly(t *testing.T) {
	ctx := context.Background()
	msg := testMessage(t)
	e := NewEmulator(NTAG213)
	pw, err := DerivePassword([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("DerivePassword: %v", err)
	}

	tag, _ := Inspect(ctx, e, len(msg))
	tag.WriteNDEF(ctx, msg)
	if err := tag.SetPassword(ctx, pw); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if err := tag.Protect(ctx, FirstUserPage, false); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if err := tag.VerifyProtection(ctx, pw); err != nil {
		t.Fatalf("VerifyProtection: %v", err)
	}

	if e.AUTH0() != FirstUserPage || e.ReadProtected() {
		t.Errorf("AUTH0=0x%02X prot=%v", e.AUTH0(), e.ReadProtected())
	}
	if e.Page(NTAG213.PWDPage) != pw.PWD {
		t.Error("PWD register not written")
	}

	// A reader without the password can read the record but not overwrite it.
	e.Remove()
	e.Reenter()
	reader, err := Identify(ctx, e)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	got, err := reader.ReadNDEF(ctx)
	if err != nil {
		t.Fatalf("ReadNDEF: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Error("read message differs from written")
	}

	wrong, _ := DerivePassword([]byte("other secret"))
	if _, err := reader.Authenticate(ctx, wrong.PWD); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("wrong password: expected ErrAuthFailed, got %v", err)
	}
	if err := reader.WriteNDEF(ctx, msg); !errors.Is(err, nfc.ErrTagNotWritable) {
		t.Errorf("unauthenticated write: expected ErrTagNotWritable, got %v", err)
	}
}

func TestProtectReadProtect(t *testing.T) {
	ctx := context.Background()
	msg := testMessage(t)
	e := NewEmulator(NTAG215)
	pw, _ := DerivePassword([]byte("secret"))

	tag, _ := Inspect(ctx, e, len(msg))
	tag.WriteNDEF(ctx, msg)
	tag.SetPassword(ctx, pw)
	if err := tag.Protect(ctx, FirstUserPage, true); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if !e.ReadProtected() {
		t.Fatal("PROT not set")
	}

	reader, _ := Identify(ctx, e)
	if _, err := reader.ReadNDEF(ctx); !errors.Is(err, nfc.ErrContentUnparseable) {
		t.Errorf("read-protected tag: expected ErrContentUnparseable, got %v", err)
	}
	if _, err := reader.Authenticate(ctx, pw.PWD); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := reader.ReadNDEF(ctx); err != nil {
		t.Errorf("authenticated read: %v", err)
	}
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	msg := testMessage(t)
	e := NewEmulator(NTAG213)
	tag, _ := Inspect(ctx, e, len(msg))

	e.FailNext(CmdWrite, FirstUserPage+1, nfc.ErrTransient, 1)
	if err := tag.WriteNDEF(ctx, msg); !errors.Is(err, nfc.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if err := tag.WriteNDEF(ctx, msg); err != nil {
		t.Fatalf("retry after transient fault: %v", err)
	}

	e.FailNext(CmdWrite, -1, nfc.ErrTagLost, 1)
	if err := tag.WriteNDEF(ctx, msg); !errors.Is(err, nfc.ErrTagLost) {
		t.Fatalf("expected ErrTagLost, got %v", err)
	}
	if _, err := Identify(ctx, e); !errors.Is(err, nfc.ErrTagLost) {
		t.Errorf("tag should stay lost, got %v", err)
	}
}

func TestNAKErrorMapping(t *testing.T) {
	if !errors.Is(&NAKError{Code: 0x0}, nfc.ErrTagNotWritable) {
		t.Error("NAK 0x0 should map to ErrTagNotWritable")
	}
	if !errors.Is(&NAKError{Code: 0x5}, nfc.ErrTransient) {
		t.Error("NAK 0x5 should map to ErrTransient")
	}
}

func TestDerivePassword(t *testing.T) {
	a, err := DerivePassword([]byte("secret-a"))
	if err != nil {
		t.Fatalf("DerivePassword: %v", err)
	}
	again, _ := DerivePassword([]byte("secret-a"))
	b, _ := DerivePassword([]byte("secret-b"))

	if a != again {
		t.Error("derivation is not deterministic")
	}
	if a == b {
		t.Error("different secrets produced the same password")
	}
	if _, err := DerivePassword(nil); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestEmulatorImageRoundTrip(t *testing.T) {
	ctx := context.Background()
	msg := testMessage(t)

	orig := NewEmulator(NTAG215)
	tag, err := Inspect(ctx, orig, len(msg))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if err := tag.WriteNDEF(ctx, msg); err != nil {
		t.Fatalf("WriteNDEF: %v", err)
	}

	restored, err := RestoreEmulator(orig.Image())
	if err != nil {
		t.Fatalf("RestoreEmulator: %v", err)
	}
	if !bytes.Equal(restored.UID(), orig.UID()) {
		t.Errorf("uid % X, want % X", restored.UID(), orig.UID())
	}

	read, err := Identify(ctx, restored)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if read.Chip().Name != "NTAG215" {
		t.Errorf("restored as %s", read.Chip().Name)
	}
	got, err := read.ReadNDEF(ctx)
	if err != nil {
		t.Fatalf("ReadNDEF: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("message % X, want % X", got, msg)
	}

	if _, err := RestoreEmulator(make([]byte, 10)); !errors.Is(err, nfc.ErrUnsupportedTag) {
		t.Errorf("expected ErrUnsupportedTag, got %v", err)
	}
}
