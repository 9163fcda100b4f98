// Package registry is the device-side view of the backend's tag records.
// Every operation checks the caller's capability locally before it touches the
// network; the backend checks again.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/erazemk/pgtag/internal/client"
	"github.com/erazemk/pgtag/internal/model"
)

// Filter narrows List. Zero fields are ignored.
type Filter struct {
	Status model.TagStatus
	RoomID int64
}

// Update changes a tag's room and/or status. A nil RoomID leaves the room
// alone unless ClearRoom is set.
type Update struct {
	RoomID    *int64
	ClearRoom bool
	Status    model.TagStatus
}

// Registry wraps the backend's tag endpoints.
type Registry struct {
	client *client.Client
	logger *slog.Logger
}

// New returns a registry backed by c.
func New(c *client.Client, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{client: c, logger: logger}
}

// List returns the tags of a property. Zero propertyID means the caller's own.
func (r *Registry) List(ctx context.Context, propertyID int64, f Filter) ([]model.Tag, error) {
	if _, err := r.client.Require(model.CapTagView); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", client.ErrInvalid, f.Status)
	}
	return r.client.ListTags(ctx, client.TagQuery{PropertyID: propertyID, Status: f.Status, RoomID: f.RoomID})
}

// Update reassigns a tag or changes its status. The physical tag is never
// reprovisioned; its UUID stays bound to the same record.
func (r *Registry) Update(ctx context.Context, tagID int64, u Update) (*model.Tag, error) {
	if _, err := r.client.Require(model.CapTagManage); err != nil {
		return nil, err
	}
	if u.RoomID == nil && !u.ClearRoom && u.Status == "" {
		return nil, fmt.Errorf("%w: nothing to update", client.ErrInvalid)
	}
	tag, err := r.client.UpdateTag(ctx, client.TagUpdate{TagID: tagID, RoomID: u.RoomID, ClearRoom: u.ClearRoom, Status: u.Status})
	if err != nil {
		return nil, fmt.Errorf("updating tag %d: %w", tagID, err)
	}
	r.logger.Info("tag updated", "tag", tagID, "status", tag.Status, "room", tag.RoomID)
	return tag, nil
}

// Deactivate retires a tag. Only the status changes; the tag keeps emitting
// its UUID, which then resolves as inactive.
func (r *Registry) Deactivate(ctx context.Context, tagID int64, status model.TagStatus, reason string) (*model.Tag, error) {
	if _, err := r.client.Require(model.CapTagManage); err != nil {
		return nil, err
	}
	if !status.Retired() {
		return nil, fmt.Errorf("%w: %q is not a deactivation status", client.ErrInvalid, status)
	}
	tag, err := r.client.DeactivateTag(ctx, tagID, status, reason)
	if err != nil {
		return nil, fmt.Errorf("deactivating tag %d: %w", tagID, err)
	}
	r.logger.Info("tag deactivated", "tag", tagID, "status", status, "reason", reason)
	return tag, nil
}

// RetrieveSecret returns a tag's write secret. The backend audits every
// retrieval.
func (r *Registry) RetrieveSecret(ctx context.Context, tagID int64) ([]byte, error) {
	claims, err := r.client.Require(model.CapTagManage)
	if err != nil {
		return nil, err
	}
	secret, err := r.client.TagPassword(ctx, tagID)
	if err != nil {
		return nil, fmt.Errorf("retrieving secret for tag %d: %w", tagID, err)
	}
	r.logger.Warn("tag secret retrieved", "tag", tagID, "user", claims.Username)
	return secret, nil
}

// Audit lists who retrieved a tag's write secret. Admin only.
func (r *Registry) Audit(ctx context.Context, tagID int64) ([]model.SecretAccess, error) {
	claims, err := r.client.Claims()
	if err != nil {
		return nil, err
	}
	if !model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return nil, fmt.Errorf("%w: audit requires admin", client.ErrUnauthorized)
	}
	return r.client.PasswordAudit(ctx, tagID)
}

// Resolve looks up a scanned UUID in the caller's property and records the
// scan time.
func (r *Registry) Resolve(ctx context.Context, physicalUUID string) (*client.Identity, error) {
	if _, err := r.client.Require(model.CapTagResolve); err != nil {
		return nil, err
	}
	return r.client.ResolveTag(ctx, physicalUUID)
}
