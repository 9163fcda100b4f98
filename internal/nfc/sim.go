package nfc

import (
	"context"
	"sync"
)

// SimRadio is a scripted radio for benches and tests. Targets are presented
// with Present and handed out in order by Detect.
type SimRadio struct {
	targets chan Target

	mu          sync.Mutex
	unavailable bool
	acquired    bool
	acquires    int
	detectErrs  []error
}

// NewSimRadio returns an available radio with an empty field.
func NewSimRadio() *SimRadio {
	return &SimRadio{targets: make(chan Target, 16)}
}

// Present queues a target to be returned by the next Detect.
func (r *SimRadio) Present(t Target) {
	r.targets <- t
}

// SetAvailable toggles hardware presence.
func (r *SimRadio) SetAvailable(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable = !ok
}

// FailDetect makes the next len(errs) Detect calls fail with errs in order.
func (r *SimRadio) FailDetect(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectErrs = append(r.detectErrs, errs...)
}

// Acquired reports whether the field is currently powered.
func (r *SimRadio) Acquired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquired
}

// Acquires returns how many times the radio was acquired.
func (r *SimRadio) Acquires() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquires
}

// Available implements Radio.
func (r *SimRadio) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.unavailable
}

// Acquire implements Radio.
func (r *SimRadio) Acquire(ctx context.Context, mode Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unavailable {
		return ErrHardwareUnavailable
	}
	r.acquired = true
	r.acquires++
	return nil
}

// Detect implements Radio.
func (r *SimRadio) Detect(ctx context.Context) (Target, error) {
	r.mu.Lock()
	if r.unavailable {
		r.mu.Unlock()
		return nil, ErrHardwareUnavailable
	}
	if len(r.detectErrs) > 0 {
		err := r.detectErrs[0]
		r.detectErrs = r.detectErrs[1:]
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()

	select {
	case t := <-r.targets:
		return t, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Release implements Radio.
func (r *SimRadio) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acquired = false
	return nil
}
