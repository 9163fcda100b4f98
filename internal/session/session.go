// Package session owns the device's single NFC radio and hands it out one
// session at a time.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/erazemk/pgtag/internal/nfc"
)

// DefaultTimeout bounds every session.
const DefaultTimeout = 30 * time.Second

var (
	// ErrAlreadyActive is returned by Begin while another session holds the radio.
	ErrAlreadyActive = errors.New("session: another session is active")
	// ErrEnded is returned by Await after the session was ended normally.
	ErrEnded = errors.New("session: ended")
)

// EventKind distinguishes session events.
type EventKind int

// Event kinds.
const (
	TagPresented EventKind = iota
	StageCompleted
	Failed
)

func (k EventKind) String() string {
	switch k {
	case TagPresented:
		return "tag-presented"
	case StageCompleted:
		return "stage-completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Event is one notification on a session's event stream.
type Event struct {
	Kind   EventKind
	At     time.Time
	UID    []byte
	Target nfc.Target
	Stage  string
	Err    error
}

// Coordinator is the sole owner of the radio. At most one session is active;
// a second Begin is rejected, never queued.
type Coordinator struct {
	radio   nfc.Radio
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	active *Session
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used for session lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// NewCoordinator takes ownership of radio.
func NewCoordinator(radio nfc.Radio, opts ...Option) *Coordinator {
	c := &Coordinator{radio: radio, timeout: DefaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Active reports whether a session currently holds the radio.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Begin starts a session and begins waiting for a tag. The session ends on
// End, Cancel, Fail, cancellation of ctx or the coordinator timeout,
// whichever comes first.
func (c *Coordinator) Begin(ctx context.Context, mode nfc.Mode, prompt string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, ErrAlreadyActive
	}
	if !c.radio.Available() {
		return nil, nfc.ErrHardwareUnavailable
	}

	tctx, stopTimer := context.WithTimeoutCause(ctx, c.timeout, nfc.ErrTimeout)
	sctx, cancel := context.WithCancelCause(tctx)

	if err := c.radio.Acquire(sctx, mode); err != nil {
		cancel(err)
		stopTimer()
		return nil, err
	}

	s := &Session{
		coord:     c,
		mode:      mode,
		prompt:    prompt,
		ctx:       sctx,
		cancel:    cancel,
		stopTimer: stopTimer,
		events:    make(chan Event, 32),
		presented: make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.active = s
	c.logger.Info("nfc session started", "mode", mode, "prompt", prompt, "timeout", c.timeout)

	go s.watch()
	go s.detect()
	return s, nil
}

func (c *Coordinator) release(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == s {
		c.active = nil
	}
}

// Session is one exclusive use of the radio.
type Session struct {
	coord     *Coordinator
	mode      nfc.Mode
	prompt    string
	ctx       context.Context
	cancel    context.CancelCauseFunc
	stopTimer context.CancelFunc

	presented chan struct{}
	done      chan struct{}
	once      sync.Once

	mu     sync.Mutex
	events chan Event
	closed bool
	target nfc.Target
	err    error
}

// Mode returns the mode the session was opened in.
func (s *Session) Mode() nfc.Mode {
	return s.mode
}

// Prompt returns the operator-facing prompt.
func (s *Session) Prompt() string {
	return s.prompt
}

// Context is cancelled when the session ends. Tag I/O should run under it.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Events returns the event stream. It is closed when the session ends.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed once the session has ended and released the radio.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended: nil while running or after End,
// nfc.ErrUserCancelled after Cancel, otherwise the failure.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Await blocks until a tag is presented, the session ends or ctx is done.
func (s *Session) Await(ctx context.Context) (nfc.Target, error) {
	select {
	case <-s.presented:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.target, nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return nil, err
		}
		return nil, ErrEnded
	case <-ctx.Done():
		if s.ctx.Err() != nil {
			<-s.done
			return nil, s.Err()
		}
		return nil, context.Cause(ctx)
	}
}

// Report publishes a completed stage on the event stream.
func (s *Session) Report(stage string) {
	s.emit(Event{Kind: StageCompleted, Stage: stage})
}

// End finishes the session normally. It is idempotent.
func (s *Session) End() {
	s.finish(nil)
}

// Cancel finishes the session as cancelled by the user. No Failed event is
// emitted. It is idempotent.
func (s *Session) Cancel() {
	s.finish(nfc.ErrUserCancelled)
}

// Fail finishes the session with err, emitting a Failed event unless err is a
// user cancellation.
func (s *Session) Fail(err error) {
	if err == nil {
		err = errors.New("session: failed")
	}
	s.finish(err)
}

func (s *Session) finish(cause error) {
	s.once.Do(func() {
		if cause != nil && !errors.Is(cause, nfc.ErrUserCancelled) {
			s.emit(Event{Kind: Failed, Err: cause})
		}

		if cause == nil {
			s.cancel(ErrEnded)
		} else {
			s.cancel(cause)
		}
		s.stopTimer()
		if err := s.coord.radio.Release(); err != nil {
			s.coord.logger.Warn("failed to release radio", "error", err)
		}
		s.coord.release(s)

		s.mu.Lock()
		s.err = cause
		s.closed = true
		close(s.events)
		s.mu.Unlock()
		close(s.done)

		if cause != nil {
			s.coord.logger.Info("nfc session ended", "mode", s.mode, "reason", cause)
		} else {
			s.coord.logger.Info("nfc session ended", "mode", s.mode)
		}
	})
}

// emit never blocks; a consumer that falls behind loses events.
func (s *Session) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.coord.logger.Warn("nfc session event dropped", "kind", ev.Kind)
	}
}

// watch ends the session when its context does: timeout or parent cancellation.
func (s *Session) watch() {
	<-s.ctx.Done()
	cause := context.Cause(s.ctx)
	if errors.Is(cause, context.Canceled) {
		cause = nfc.ErrUserCancelled
	}
	s.finish(cause)
}

func (s *Session) detect() {
	var target nfc.Target
	err := RetryTransient(s.ctx, func() error {
		t, err := s.coord.radio.Detect(s.ctx)
		if err != nil {
			return err
		}
		target = t
		return nil
	}, func(err error, next time.Duration) {
		s.coord.logger.Warn("tag detection failed, retrying", "error", err, "in", next)
	})
	if err != nil {
		if s.ctx.Err() == nil {
			s.finish(err)
		}
		return
	}

	s.mu.Lock()
	s.target = target
	s.mu.Unlock()
	s.emit(Event{Kind: TagPresented, UID: target.UID(), Target: target})
	close(s.presented)
}
