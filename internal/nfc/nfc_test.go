package nfc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type stubTarget struct{}

func (stubTarget) UID() []byte { return []byte{0x04, 0x01, 0x02} }
func (stubTarget) Transceive(context.Context, []byte) ([]byte, error) {
	return nil, nil
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrTimeout, true},
		{ErrTransient, true},
		{fmt.Errorf("writing page 4: %w", ErrTransient), true},
		{ErrTagLost, false},
		{ErrUnsupportedTag, false},
		{ErrUserCancelled, false},
		{ErrHardwareUnavailable, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestSimRadioDetect(t *testing.T) {
	r := NewSimRadio()
	ctx := context.Background()
	if err := r.Acquire(ctx, ModeRead); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	r.FailDetect(ErrTransient)
	if _, err := r.Detect(ctx); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected scripted transient error, got %v", err)
	}

	r.Present(stubTarget{})
	target, err := r.Detect(ctx)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(target.UID()) != 3 {
		t.Errorf("unexpected target %v", target.UID())
	}

	r.Release()
	r.Release()
	if r.Acquired() {
		t.Error("radio still acquired after Release")
	}
}

func TestSimRadioDetectHonoursContext(t *testing.T) {
	r := NewSimRadio()
	ctx, cancel := context.WithTimeoutCause(context.Background(), 10*time.Millisecond, ErrTimeout)
	defer cancel()

	if _, err := r.Detect(ctx); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout cause, got %v", err)
	}
}

func TestSimRadioUnavailable(t *testing.T) {
	r := NewSimRadio()
	r.SetAvailable(false)
	if r.Available() {
		t.Fatal("expected radio unavailable")
	}
	if err := r.Acquire(context.Background(), ModeWrite); !errors.Is(err, ErrHardwareUnavailable) {
		t.Errorf("expected ErrHardwareUnavailable, got %v", err)
	}
}
