// Package verify reads a provisioned tag and resolves it to a room.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/erazemk/pgtag/internal/client"
	"github.com/erazemk/pgtag/internal/model"
	"github.com/erazemk/pgtag/internal/ndef"
	"github.com/erazemk/pgtag/internal/nfc"
	"github.com/erazemk/pgtag/internal/ntag"
	"github.com/erazemk/pgtag/internal/session"
)

var (
	// ErrNotFound is returned when the UUID is unknown in the caller's property.
	ErrNotFound = errors.New("verify: tag not found")
	// ErrInactive is returned when the tag exists but is not ACTIVE.
	ErrInactive = errors.New("verify: tag not active")
)

// Verifier scans tags in read sessions and resolves them against the backend.
type Verifier struct {
	coord  *session.Coordinator
	client *client.Client
	logger *slog.Logger
}

// New returns a verifier.
func New(coord *session.Coordinator, c *client.Client, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{coord: coord, client: c, logger: logger}
}

// Scan opens a read session and returns the physical UUID the presented tag
// carries. The tag's password is never needed.
func (v *Verifier) Scan(ctx context.Context, prompt string) (string, error) {
	sess, err := v.coord.Begin(ctx, nfc.ModeRead, prompt)
	if err != nil {
		return "", err
	}
	defer sess.End()

	id, err := v.read(sess)
	if err != nil {
		sess.Fail(err)
		return "", err
	}
	return id, nil
}

func (v *Verifier) read(sess *session.Session) (string, error) {
	ctx := sess.Context()
	target, err := sess.Await(ctx)
	if err != nil {
		return "", err
	}

	var msg []byte
	err = session.RetryTransient(ctx, func() error {
		tag, err := ntag.Identify(ctx, target)
		if err != nil {
			return err
		}
		msg, err = tag.ReadNDEF(ctx)
		return err
	}, func(err error, next time.Duration) {
		v.logger.Warn("tag read failed, retrying", "error", err, "in", next)
	})
	if err != nil {
		return "", err
	}

	id, err := ndef.ParseTagMessage(msg)
	if err != nil {
		return "", fmt.Errorf("%w: %w", nfc.ErrContentUnparseable, err)
	}
	sess.Report("read")
	return id, nil
}

// Resolve looks up physicalUUID in the caller's property. A tag that is not
// ACTIVE yields ErrInactive and no identity.
func (v *Verifier) Resolve(ctx context.Context, physicalUUID string) (*client.Identity, error) {
	if _, err := v.client.Require(model.CapTagResolve); err != nil {
		return nil, err
	}
	id, err := v.client.ResolveTag(ctx, physicalUUID)
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, physicalUUID)
		}
		return nil, err
	}
	if id.Tag.Status != model.TagStatusActive {
		v.logger.Info("inactive tag presented", "tag", id.Tag.ID, "status", id.Tag.Status)
		return nil, fmt.Errorf("%w: tag %d is %s", ErrInactive, id.Tag.ID, id.Tag.Status)
	}
	return id, nil
}

// Verify scans a tag and resolves it.
func (v *Verifier) Verify(ctx context.Context, prompt string) (*client.Identity, error) {
	id, err := v.Scan(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return v.Resolve(ctx, id)
}
