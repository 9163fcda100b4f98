package provision

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erazemk/pgtag/internal/apitest"
	"github.com/erazemk/pgtag/internal/client"
	"github.com/erazemk/pgtag/internal/credential"
	"github.com/erazemk/pgtag/internal/db"
	"github.com/erazemk/pgtag/internal/journal"
	"github.com/erazemk/pgtag/internal/model"
	"github.com/erazemk/pgtag/internal/ndef"
	"github.com/erazemk/pgtag/internal/nfc"
	"github.com/erazemk/pgtag/internal/ntag"
	"github.com/erazemk/pgtag/internal/session"
)

type fixture struct {
	backend *apitest.Backend
	client  *client.Client
	radio   *nfc.SimRadio
	coord   *session.Coordinator
	journal *journal.Store
	cred    *credential.Credential
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := apitest.NewBackend(t)
	c := backend.Client(model.RoleManager)
	radio := nfc.NewSimRadio()

	cred, err := credential.NewIssuer(c, nil).Issue(context.Background(), backend.Room1.ID)
	require.NoError(t, err)

	return &fixture{
		backend: backend,
		client:  c,
		radio:   radio,
		coord:   session.NewCoordinator(radio, session.WithTimeout(2*time.Second)),
		journal: journal.New(db.NewTestDBWith(t, journal.EnsureSchema)),
		cred:    cred,
	}
}

func (f *fixture) provisioner(opts ...Option) *Provisioner {
	opts = append([]Option{WithJournal(f.journal), WithConfirmTimeout(300 * time.Millisecond)}, opts...)
	return New(f.coord, f.client, opts...)
}

func (f *fixture) pending(t *testing.T) []journal.Pending {
	t.Helper()
	p, err := f.journal.List(context.Background())
	require.NoError(t, err)
	return p
}

// flakyTransport fails every request while down is set.
type flakyTransport struct {
	down atomic.Bool
	next http.RoundTripper
}

func (t *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.down.Load() {
		return nil, errors.New("connection refused")
	}
	return t.next.RoundTrip(req)
}

func requireFailure(t *testing.T, err error, stage Stage, d Disposition) *Failure {
	t.Helper()
	var f *Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, stage, f.Stage, "stage")
	require.Equal(t, d, f.Disposition, "disposition")
	return f
}

func TestProvisionHappyPath(t *testing.T) {
	f := newFixture(t)
	tag := ntag.NewEmulator(ntag.NTAG213)
	f.radio.Present(tag)

	var mu sync.Mutex
	var stages []Stage
	p := f.provisioner(WithNotify(func(s Stage) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, s)
	}))

	res, err := p.Provision(context.Background(), f.cred, "Hold tag to phone")
	require.NoError(t, err)
	require.Equal(t, StageConfirmed, res.Stage)
	require.Equal(t, model.TagStatusActive, res.Status)
	require.Equal(t, "NTAG213", res.Chip)
	require.Equal(t, []Stage{StageNDEFWritten, StagePasswordSet, StageLocked, StageConfirmed}, stages)

	// Server agrees and the journal is empty.
	stored := f.backend.Tag(f.cred.Tag.ID)
	require.Equal(t, model.TagStatusActive, stored.Status)
	require.True(t, stored.PasswordSet)
	require.Empty(t, f.pending(t))

	// The tag carries the UUID, is write protected and still readable.
	require.Equal(t, byte(ntag.FirstUserPage), tag.AUTH0())
	require.False(t, tag.ReadProtected())
	pw, err := ntag.DerivePassword(f.cred.WriteSecret)
	require.NoError(t, err)
	require.Equal(t, pw.PWD, tag.Page(ntag.NTAG213.PWDPage))

	tag.Reenter()
	read, err := ntag.Identify(context.Background(), tag)
	require.NoError(t, err)
	msg, err := read.ReadNDEF(context.Background())
	require.NoError(t, err)
	uuid, err := ndef.ParseTagMessage(msg)
	require.NoError(t, err)
	require.Equal(t, f.cred.PhysicalUUID, uuid)

	// Without the password, writes are refused.
	err = read.WriteNDEF(context.Background(), msg)
	require.ErrorIs(t, err, nfc.ErrTagNotWritable)

	require.False(t, f.coord.Active())
	require.False(t, f.radio.Acquired())
}

func TestProvisionReadProtect(t *testing.T) {
	f := newFixture(t)
	tag := ntag.NewEmulator(ntag.NTAG215)
	f.radio.Present(tag)

	_, err := f.provisioner(WithReadProtect(true)).Provision(context.Background(), f.cred, "")
	require.NoError(t, err)
	require.True(t, tag.ReadProtected())
}

func TestProvisionRetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	tag := ntag.NewEmulator(ntag.NTAG213)
	tag.FailNext(ntag.CmdWrite, ntag.FirstUserPage, nfc.ErrTransient, 1)
	tag.FailNext(ntag.CmdWrite, int(ntag.NTAG213.PWDPage), nfc.ErrTransient, 2)
	f.radio.Present(tag)

	res, err := f.provisioner().Provision(context.Background(), f.cred, "")
	require.NoError(t, err)
	require.Equal(t, StageConfirmed, res.Stage)
}

func TestProvisionGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	tag := ntag.NewEmulator(ntag.NTAG213)
	tag.FailNext(ntag.CmdWrite, int(ntag.NTAG213.PWDPage), nfc.ErrTransient, session.MaxAttempts)
	f.radio.Present(tag)

	_, err := f.provisioner().Provision(context.Background(), f.cred, "")
	requireFailure(t, err, StageNDEFWritten, Reusable)
	require.ErrorIs(t, err, nfc.ErrTransient)

	// Protection was never touched and the server still waits.
	require.Equal(t, byte(0xFF), tag.AUTH0())
	require.Equal(t, model.TagStatusPending, f.backend.Tag(f.cred.Tag.ID).Status)
}

func TestProvisionTagLostBeforeLockIsReusable(t *testing.T) {
	f := newFixture(t)
	tag := ntag.NewEmulator(ntag.NTAG213)
	tag.FailNext(ntag.CmdWrite, ntag.FirstUserPage, nfc.ErrTagLost, 1)
	f.radio.Present(tag)

	_, err := f.provisioner().Provision(context.Background(), f.cred, "")
	requireFailure(t, err, StageIssued, Reusable)
	require.ErrorIs(t, err, nfc.ErrTagLost)
	require.Empty(t, f.pending(t))

	// The same tag and credential can be provisioned again.
	tag.Reenter()
	f.radio.Present(tag)
	res, err := f.provisioner().Provision(context.Background(), f.cred, "")
	require.NoError(t, err)
	require.Equal(t, StageConfirmed, res.Stage)
}

func TestProvisionFailureDuringLockMustBeDiscarded(t *testing.T) {
	f := newFixture(t)
	tag := ntag.NewEmulator(ntag.NTAG213)
	tag.FailNext(ntag.CmdWrite, int(ntag.NTAG213.CFG0), nfc.ErrTagLost, 1)
	f.radio.Present(tag)

	_, err := f.provisioner().Provision(context.Background(), f.cred, "")
	requireFailure(t, err, StagePasswordSet, Discard)
	require.ErrorIs(t, err, ErrInconsistentLock)

	stored := f.backend.Tag(f.cred.Tag.ID)
	require.Equal(t, model.TagStatusPending, stored.Status)
	require.False(t, stored.PasswordSet)
	require.Empty(t, f.pending(t))
}

func TestProvisionUnsupportedAndLockedTags(t *testing.T) {
	f := newFixture(t)
	p := f.provisioner()

	f.radio.Present(ntag.NewForeignEmulator())
	_, err := p.Provision(context.Background(), f.cred, "")
	requireFailure(t, err, StageIssued, Reusable)
	require.ErrorIs(t, err, nfc.ErrUnsupportedTag)

	locked := ntag.NewEmulator(ntag.NTAG213)
	locked.Lock()
	f.radio.Present(locked)
	_, err = p.Provision(context.Background(), f.cred, "")
	require.ErrorIs(t, err, nfc.ErrTagNotWritable)
}

func TestProvisionRequiresManageCapability(t *testing.T) {
	f := newFixture(t)
	staff := f.backend.Client(model.RoleStaff)

	_, err := New(f.coord, staff).Provision(context.Background(), f.cred, "")
	requireFailure(t, err, StageIssued, Reusable)
	require.ErrorIs(t, err, client.ErrUnauthorized)
	require.Zero(t, f.radio.Acquires())
}

func TestProvisionRejectsSecondSession(t *testing.T) {
	f := newFixture(t)
	other, err := f.coord.Begin(context.Background(), nfc.ModeRead, "scan")
	require.NoError(t, err)
	defer other.End()

	_, err = f.provisioner().Provision(context.Background(), f.cred, "")
	require.ErrorIs(t, err, session.ErrAlreadyActive)
	require.True(t, f.coord.Active())
}

func TestProvisionUserCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.provisioner().Provision(ctx, f.cred, "")
	requireFailure(t, err, StageIssued, Reusable)
	require.ErrorIs(t, err, nfc.ErrUserCancelled)
	require.Eventually(t, func() bool { return !f.coord.Active() }, time.Second, 5*time.Millisecond)
}

func TestProvisionConfirmPendingThenReconcile(t *testing.T) {
	f := newFixture(t)
	transport := &flakyTransport{next: http.DefaultTransport}
	f.client.HTTP.Transport = transport

	tag := ntag.NewEmulator(ntag.NTAG213)
	f.radio.Present(tag)

	p := f.provisioner(WithNotify(func(s Stage) {
		if s == StageLocked {
			transport.down.Store(true)
		}
	}))
	res, err := p.Provision(context.Background(), f.cred, "")
	requireFailure(t, err, StageLocked, Committed)
	require.ErrorIs(t, err, ErrConfirmPending)
	require.NotNil(t, res)
	require.Equal(t, StageLocked, res.Stage)

	// The tag is physically done; only the server lags.
	require.Equal(t, byte(ntag.FirstUserPage), tag.AUTH0())
	require.Equal(t, model.TagStatusPending, f.backend.Tag(f.cred.Tag.ID).Status)
	pending := f.pending(t)
	require.Len(t, pending, 1)
	require.Equal(t, f.cred.Tag.ID, pending[0].TagID)
	require.Equal(t, f.backend.Room1.ID, *pending[0].RoomID)

	r := journal.NewReconciler(f.journal, p, nil, 200*time.Millisecond)
	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	pending = f.pending(t)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].Attempts)

	transport.down.Store(false)
	n, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, f.pending(t))

	stored := f.backend.Tag(f.cred.Tag.ID)
	require.Equal(t, model.TagStatusActive, stored.Status)
	require.True(t, stored.PasswordSet)
}

func TestProvisionRejectsNonPendingCredential(t *testing.T) {
	f := newFixture(t)
	f.radio.Present(ntag.NewEmulator(ntag.NTAG213))
	_, err := f.provisioner().Provision(context.Background(), f.cred, "")
	require.NoError(t, err)

	done := *f.cred
	done.Tag.Status = model.TagStatusActive
	_, err = f.provisioner().Provision(context.Background(), &done, "")
	requireFailure(t, err, StageIssued, Reusable)
	require.Equal(t, 1, f.radio.Acquires())
}

func TestConfirmIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.radio.Present(ntag.NewEmulator(ntag.NTAG213))
	p := f.provisioner()
	_, err := p.Provision(context.Background(), f.cred, "")
	require.NoError(t, err)

	first := f.backend.Tag(f.cred.Tag.ID)
	require.NotNil(t, first.LockedAt)

	require.NoError(t, p.Confirm(context.Background(), f.cred.Tag.ID))
	require.NoError(t, p.Confirm(context.Background(), f.cred.Tag.ID))

	second := f.backend.Tag(f.cred.Tag.ID)
	require.True(t, second.PasswordSet)
	require.Equal(t, first.Status, second.Status)
	require.NotNil(t, second.LockedAt)
	require.True(t, second.LockedAt.Equal(*first.LockedAt), "lockedAt changed")
	require.True(t, second.UpdatedAt.Equal(first.UpdatedAt), "updatedAt changed")
}

func TestProvisionJournalsLockDespiteCancellation(t *testing.T) {
	f := newFixture(t)
	tag := ntag.NewEmulator(ntag.NTAG213)
	f.radio.Present(tag)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := f.provisioner(WithNotify(func(s Stage) {
		if s == StageLocked {
			cancel()
		}
	}))

	res, err := p.Provision(ctx, f.cred, "")
	requireFailure(t, err, StageLocked, Committed)
	require.ErrorIs(t, err, ErrConfirmPending)
	require.NotNil(t, res)

	require.Equal(t, byte(ntag.FirstUserPage), tag.AUTH0())
	require.Equal(t, model.TagStatusPending, f.backend.Tag(f.cred.Tag.ID).Status)
	pending := f.pending(t)
	require.Len(t, pending, 1)
	require.Equal(t, f.cred.Tag.ID, pending[0].TagID)
}

// brokenJournal refuses every write.
type brokenJournal struct{}

func (brokenJournal) Record(context.Context, journal.Pending) error {
	return errors.New("disk full")
}

func (brokenJournal) Remove(context.Context, int64) error {
	return errors.New("disk full")
}

func TestProvisionConfirmsWithoutJournal(t *testing.T) {
	f := newFixture(t)
	f.radio.Present(ntag.NewEmulator(ntag.NTAG213))

	res, err := New(f.coord, f.client, WithJournal(brokenJournal{})).Provision(context.Background(), f.cred, "")
	require.NoError(t, err)
	require.Equal(t, StageConfirmed, res.Stage)
	require.Equal(t, model.TagStatusActive, f.backend.Tag(f.cred.Tag.ID).Status)
}

func TestProvisionReportsJournalFailure(t *testing.T) {
	f := newFixture(t)
	transport := &flakyTransport{next: http.DefaultTransport}
	f.client.HTTP.Transport = transport
	f.radio.Present(ntag.NewEmulator(ntag.NTAG213))

	p := New(f.coord, f.client,
		WithJournal(brokenJournal{}),
		WithConfirmTimeout(300*time.Millisecond),
		WithNotify(func(s Stage) {
			if s == StageLocked {
				transport.down.Store(true)
			}
		}))
	res, err := p.Provision(context.Background(), f.cred, "")
	requireFailure(t, err, StageLocked, Committed)
	require.ErrorIs(t, err, ErrConfirmPending)
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, StageLocked, res.Stage)
}
