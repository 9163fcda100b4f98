// Package provision writes an issued credential onto a blank NTAG21x tag,
// locks it and confirms the lock with the backend.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/erazemk/pgtag/internal/client"
	"github.com/erazemk/pgtag/internal/credential"
	"github.com/erazemk/pgtag/internal/journal"
	"github.com/erazemk/pgtag/internal/model"
	"github.com/erazemk/pgtag/internal/ndef"
	"github.com/erazemk/pgtag/internal/nfc"
	"github.com/erazemk/pgtag/internal/ntag"
	"github.com/erazemk/pgtag/internal/session"
)

// DefaultConfirmTimeout bounds how long Provision keeps retrying confirm-lock
// before handing the tag over to the journal.
const DefaultConfirmTimeout = 2 * time.Minute

const journalTimeout = 5 * time.Second

var (
	// ErrInconsistentLock is returned when enabling protection failed part
	// way. The tag's state is unknown and it must be discarded.
	ErrInconsistentLock = errors.New("provision: tag lock state inconsistent")
	// ErrConfirmPending is returned when the tag is locked but the backend has
	// not acknowledged it yet. The lock is committed; only Confirm remains.
	ErrConfirmPending = errors.New("provision: lock confirmation pending")
)

// Stage is a step of provisioning.
type Stage int

// Provisioning stages in order.
const (
	StageIssued Stage = iota
	StageNDEFWritten
	StagePasswordSet
	StageLocked
	StageConfirmed
)

func (s Stage) String() string {
	switch s {
	case StageIssued:
		return "issued"
	case StageNDEFWritten:
		return "ndef-written"
	case StagePasswordSet:
		return "password-set"
	case StageLocked:
		return "locked"
	case StageConfirmed:
		return "confirmed"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Disposition tells the operator what to do with the physical tag after a failure.
type Disposition int

// Dispositions.
const (
	// Reusable: protection was never enabled; the tag may be provisioned again.
	Reusable Disposition = iota
	// Discard: protection may be partly enabled; the tag must not be used.
	Discard
	// Committed: the tag is locked and correct; only the backend lags behind.
	Committed
)

func (d Disposition) String() string {
	switch d {
	case Reusable:
		return "reusable"
	case Discard:
		return "discard"
	case Committed:
		return "committed"
	}
	return fmt.Sprintf("disposition(%d)", int(d))
}

// Failure describes where provisioning stopped. Stage is the last stage that
// completed.
type Failure struct {
	Stage       Stage
	Disposition Disposition
	Err         error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("provisioning failed after %s (%s): %v", f.Stage, f.Disposition, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Result is a successfully provisioned tag.
type Result struct {
	TagID        int64
	PhysicalUUID string
	Chip         string
	Stage        Stage
	Status       model.TagStatus
}

// Journal records locked tags until their confirmation is delivered.
type Journal interface {
	Record(ctx context.Context, p journal.Pending) error
	Remove(ctx context.Context, tagID int64) error
}

// Provisioner drives one write session per credential.
type Provisioner struct {
	coord          *session.Coordinator
	client         *client.Client
	journal        Journal
	readProtect    bool
	confirmTimeout time.Duration
	notify         func(Stage)
	logger         *slog.Logger
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithJournal records locked tags before confirm-lock is attempted.
func WithJournal(j Journal) Option {
	return func(p *Provisioner) { p.journal = j }
}

// WithReadProtect makes the password guard reads as well as writes. Verifiers
// without the secret can then no longer read the tag.
func WithReadProtect(on bool) Option {
	return func(p *Provisioner) { p.readProtect = on }
}

// WithConfirmTimeout overrides DefaultConfirmTimeout.
func WithConfirmTimeout(d time.Duration) Option {
	return func(p *Provisioner) {
		if d > 0 {
			p.confirmTimeout = d
		}
	}
}

// WithNotify registers a callback invoked after each completed stage.
func WithNotify(fn func(Stage)) Option {
	return func(p *Provisioner) { p.notify = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provisioner) { p.logger = l }
}

// New returns a provisioner using coord for radio access and c for the backend.
func New(coord *session.Coordinator, c *client.Client, opts ...Option) *Provisioner {
	p := &Provisioner{
		coord:          coord,
		client:         c,
		confirmTimeout: DefaultConfirmTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provision writes cred to the tag presented in a new write session, locks it
// and confirms the lock. Any error is a *Failure. A Failure with
// ErrConfirmPending still returns the Result: the tag is finished physically.
func (p *Provisioner) Provision(ctx context.Context, cred *credential.Credential, prompt string) (*Result, error) {
	if _, err := p.client.Require(model.CapTagManage); err != nil {
		return nil, &Failure{Stage: StageIssued, Disposition: Reusable, Err: err}
	}
	if cred.Tag.Status != model.TagStatusPending {
		return nil, &Failure{Stage: StageIssued, Disposition: Reusable,
			Err: fmt.Errorf("tag %d is %s, not PENDING", cred.Tag.ID, cred.Tag.Status)}
	}

	msg, err := ndef.TagMessage(cred.PhysicalUUID)
	if err != nil {
		return nil, &Failure{Stage: StageIssued, Disposition: Reusable, Err: err}
	}
	pw, err := ntag.DerivePassword(cred.WriteSecret)
	if err != nil {
		return nil, &Failure{Stage: StageIssued, Disposition: Reusable, Err: err}
	}

	sess, err := p.coord.Begin(ctx, nfc.ModeWrite, prompt)
	if err != nil {
		return nil, &Failure{Stage: StageIssued, Disposition: Reusable, Err: err}
	}
	defer sess.End()

	chip, err := p.lock(sess, msg, pw)
	if err != nil {
		var f *Failure
		if errors.As(err, &f) {
			if f.Disposition == Reusable && errors.Is(f.Err, context.Canceled) {
				<-sess.Done()
				if cause := sess.Err(); cause != nil {
					f.Err = cause
				}
			}
			sess.Fail(f.Err)
		}
		p.logger.Warn("provisioning failed", "credential", cred, "error", err)
		return nil, err
	}
	sess.End()

	res := &Result{
		TagID:        cred.Tag.ID,
		PhysicalUUID: cred.PhysicalUUID,
		Chip:         chip.Name,
		Stage:        StageLocked,
		Status:       cred.Tag.Status,
	}

	journalErr := p.record(ctx, cred)
	if journalErr != nil {
		p.logger.Error("failed to journal locked tag", "tag", cred.Tag.ID, "error", journalErr)
	}

	cctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()
	conf, err := p.confirm(cctx, cred.Tag.ID)
	if err != nil {
		p.logger.Warn("tag locked but confirmation pending", "credential", cred, "error", err)
		if journalErr != nil {
			err = errors.Join(err, journalErr)
		}
		return res, &Failure{Stage: StageLocked, Disposition: Committed, Err: fmt.Errorf("%w: %w", ErrConfirmPending, err)}
	}

	res.Stage = StageConfirmed
	res.Status = conf.Status
	p.stageDone(nil, StageConfirmed)
	p.logger.Info("tag provisioned", "credential", cred, "chip", chip.Name, "status", conf.Status)
	return res, nil
}

// record journals a locked tag. The lock has already happened, so the write
// must outlive cancellation of ctx.
func (p *Provisioner) record(ctx context.Context, cred *credential.Credential) error {
	if p.journal == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	pending := journal.Pending{TagID: cred.Tag.ID, PhysicalUUID: cred.PhysicalUUID, RoomID: cred.Tag.RoomID, LockedAt: time.Now()}
	if err := p.journal.Record(ctx, pending); err != nil {
		return fmt.Errorf("journaling tag %d: %w", cred.Tag.ID, err)
	}
	return nil
}

// lock runs the physical stages. Transient radio errors before protection is
// enabled are retried; nothing after is.
func (p *Provisioner) lock(sess *session.Session, msg []byte, pw ntag.Password) (ntag.Chip, error) {
	ctx := sess.Context()
	notify := func(err error, next time.Duration) {
		p.logger.Warn("tag operation failed, retrying", "error", err, "in", next)
	}

	target, err := sess.Await(ctx)
	if err != nil {
		return ntag.Chip{}, &Failure{Stage: StageIssued, Disposition: Reusable, Err: err}
	}

	var tag *ntag.Tag
	err = session.RetryTransient(ctx, func() error {
		tag, err = ntag.Inspect(ctx, target, len(msg))
		return err
	}, notify)
	if err != nil {
		return ntag.Chip{}, &Failure{Stage: StageIssued, Disposition: Reusable, Err: err}
	}

	err = session.RetryTransient(ctx, func() error {
		return tag.WriteNDEF(ctx, msg)
	}, notify)
	if err != nil {
		return tag.Chip(), &Failure{Stage: StageIssued, Disposition: Reusable, Err: err}
	}
	p.stageDone(sess, StageNDEFWritten)

	err = session.RetryTransient(ctx, func() error {
		return tag.SetPassword(ctx, pw)
	}, notify)
	if err != nil {
		return tag.Chip(), &Failure{Stage: StageNDEFWritten, Disposition: Reusable, Err: err}
	}
	p.stageDone(sess, StagePasswordSet)

	if err := tag.Protect(ctx, ntag.FirstUserPage, p.readProtect); err != nil {
		return tag.Chip(), &Failure{Stage: StagePasswordSet, Disposition: Discard, Err: fmt.Errorf("%w: %w", ErrInconsistentLock, err)}
	}
	if err := tag.VerifyProtection(ctx, pw); err != nil {
		return tag.Chip(), &Failure{Stage: StagePasswordSet, Disposition: Discard, Err: fmt.Errorf("%w: %w", ErrInconsistentLock, err)}
	}
	p.stageDone(sess, StageLocked)
	return tag.Chip(), nil
}

// Confirm delivers confirm-lock for a tag that is already locked, retrying
// network failures until ctx ends, and drops it from the journal once the
// backend agrees.
func (p *Provisioner) Confirm(ctx context.Context, tagID int64) error {
	if _, err := p.client.Require(model.CapTagManage); err != nil {
		return err
	}
	_, err := p.confirm(ctx, tagID)
	return err
}

func (p *Provisioner) confirm(ctx context.Context, tagID int64) (*client.Confirmation, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 0

	var conf *client.Confirmation
	err := backoff.RetryNotify(func() error {
		c, err := p.client.ConfirmLocked(ctx, tagID)
		if err != nil {
			if client.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		conf = c
		return nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		p.logger.Warn("confirm-lock failed, retrying", "tag", tagID, "error", err, "in", next)
	})
	if err != nil {
		return nil, err
	}
	if !conf.PasswordSet {
		return nil, fmt.Errorf("backend did not record the lock for tag %d", tagID)
	}

	if p.journal != nil {
		if err := p.journal.Remove(ctx, tagID); err != nil {
			p.logger.Error("failed to clear journal entry", "tag", tagID, "error", err)
		}
	}
	return conf, nil
}

func (p *Provisioner) stageDone(sess *session.Session, s Stage) {
	if sess != nil {
		sess.Report(s.String())
	}
	if p.notify != nil {
		p.notify(s)
	}
}
