// Package credential issues new tag credentials from the backend.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/erazemk/pgtag/internal/client"
	"github.com/erazemk/pgtag/internal/model"
)

// Credential is an issued but not yet provisioned tag identity. WriteSecret
// never leaves the device except inside the tag's password register.
type Credential struct {
	Tag          model.Tag
	PhysicalUUID string
	WriteSecret  []byte
}

// LogValue keeps the write secret out of logs.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("tag", c.Tag.ID),
		slog.String("uuid", c.PhysicalUUID),
		slog.Int64("property", c.Tag.PropertyID),
	)
}

// Issuer requests credentials for rooms.
type Issuer struct {
	client *client.Client
	logger *slog.Logger
}

// NewIssuer returns an issuer that talks to the backend through c.
func NewIssuer(c *client.Client, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{client: c, logger: logger}
}

// Issue creates a PENDING tag bound to roomID. The caller's capability is
// checked before any network call. Issue is not idempotent: every call mints
// a new tag.
func (i *Issuer) Issue(ctx context.Context, roomID int64) (*Credential, error) {
	claims, err := i.client.Require(model.CapTagManage)
	if err != nil {
		return nil, err
	}
	if roomID <= 0 {
		return nil, fmt.Errorf("%w: room %d", client.ErrRoomNotFound, roomID)
	}

	issued, err := i.client.GenerateTag(ctx, roomID, claims.PropertyID)
	if err != nil {
		return nil, fmt.Errorf("issuing credential: %w", err)
	}
	if _, err := uuid.Parse(issued.PhysicalUUID); err != nil {
		return nil, fmt.Errorf("issuing credential: backend returned invalid uuid %q", issued.PhysicalUUID)
	}
	if len(issued.WriteSecret) == 0 {
		return nil, errors.New("issuing credential: backend returned an empty write secret")
	}

	cred := &Credential{
		Tag:          issued.Tag,
		PhysicalUUID: issued.PhysicalUUID,
		WriteSecret:  issued.WriteSecret,
	}
	i.logger.Info("credential issued", "credential", cred, "room", roomID)
	return cred, nil
}
