package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/erazemk/pgtag/internal/model"
)

// Issued is a freshly generated credential as returned by the backend.
type Issued struct {
	Tag          model.Tag `json:"tag"`
	PhysicalUUID string    `json:"physicalUuid"`
	WriteSecret  []byte    `json:"writeSecret"`
}

// Confirmation is the tag state after confirm-lock.
type Confirmation struct {
	TagID       int64           `json:"tagId"`
	PasswordSet bool            `json:"passwordSet"`
	Status      model.TagStatus `json:"status"`
}

// Identity is what a scanned tag resolves to.
type Identity struct {
	Tag      model.Tag       `json:"tag"`
	Room     *model.Room     `json:"room,omitempty"`
	Property *model.Property `json:"property"`
}

// TagQuery filters ListTags. Zero fields are ignored; a zero PropertyID means
// the caller's own property.
type TagQuery struct {
	PropertyID int64
	Status     model.TagStatus
	RoomID     int64
}

// TagUpdate changes a tag's room and/or status.
type TagUpdate struct {
	TagID     int64           `json:"tagId"`
	RoomID    *int64          `json:"roomId,omitempty"`
	ClearRoom bool            `json:"clearRoom,omitempty"`
	Status    model.TagStatus `json:"status,omitempty"`
}

// LoginResult is the backend's answer to a successful login.
type LoginResult struct {
	Token      string `json:"token"`
	Role       string `json:"role"`
	PropertyID int64  `json:"propertyId"`
}

// Login signs in and keeps the returned token for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var out LoginResult
	err := c.do(ctx, http.MethodPost, "/api/auth/login", nil,
		map[string]string{"username": username, "password": password}, &out)
	if err != nil {
		return nil, err
	}
	c.SetToken(out.Token)
	return &out, nil
}

// Logout revokes the current token and forgets it.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil, nil); err != nil {
		return err
	}
	c.SetToken("")
	return nil
}

// GenerateTag asks the backend to issue a new PENDING credential for a room.
func (c *Client) GenerateTag(ctx context.Context, roomID, propertyID int64) (*Issued, error) {
	var out Issued
	body := map[string]int64{"roomId": roomID, "propertyId": propertyID}
	if err := c.do(ctx, http.MethodPost, "/api/tags/generate", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfirmLocked records that the physical tag was locked. It is idempotent.
func (c *Client) ConfirmLocked(ctx context.Context, tagID int64) (*Confirmation, error) {
	var out Confirmation
	if err := c.do(ctx, http.MethodPost, "/api/tags/confirm-locked", nil, map[string]int64{"tagId": tagID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTags returns the tags matching q.
func (c *Client) ListTags(ctx context.Context, q TagQuery) ([]model.Tag, error) {
	query := url.Values{}
	if q.PropertyID != 0 {
		query.Set("propertyId", strconv.FormatInt(q.PropertyID, 10))
	}
	if q.Status != "" {
		query.Set("status", string(q.Status))
	}
	if q.RoomID != 0 {
		query.Set("roomId", strconv.FormatInt(q.RoomID, 10))
	}

	var out []model.Tag
	if err := c.do(ctx, http.MethodGet, "/api/tags", query, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateTag reassigns a tag's room and/or changes its status.
func (c *Client) UpdateTag(ctx context.Context, u TagUpdate) (*model.Tag, error) {
	var out model.Tag
	if err := c.do(ctx, http.MethodPut, "/api/tags/update", nil, u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeactivateTag retires a tag as INACTIVE, LOST or DAMAGED.
func (c *Client) DeactivateTag(ctx context.Context, tagID int64, status model.TagStatus, reason string) (*model.Tag, error) {
	var out model.Tag
	body := map[string]any{"tagId": tagID, "status": status, "reason": reason}
	if err := c.do(ctx, http.MethodPut, "/api/tags/deactivate", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TagPassword retrieves a tag's write secret. Every call is audited.
func (c *Client) TagPassword(ctx context.Context, tagID int64) ([]byte, error) {
	var out struct {
		Password []byte `json:"password"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/tags/password", idQuery("tagId", tagID), nil, &out); err != nil {
		return nil, err
	}
	return out.Password, nil
}

// PasswordAudit lists who retrieved a tag's write secret.
func (c *Client) PasswordAudit(ctx context.Context, tagID int64) ([]model.SecretAccess, error) {
	var out []model.SecretAccess
	if err := c.do(ctx, http.MethodGet, "/api/tags/password/audit", idQuery("tagId", tagID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveTag looks up a scanned physical UUID in the caller's property.
func (c *Client) ResolveTag(ctx context.Context, physicalUUID string) (*Identity, error) {
	var out Identity
	if err := c.do(ctx, http.MethodPost, "/api/tags/resolve", nil, map[string]string{"physicalUuid": physicalUUID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRooms returns the rooms of a property; zero means the caller's own.
func (c *Client) ListRooms(ctx context.Context, propertyID int64) ([]model.Room, error) {
	var query url.Values
	if propertyID != 0 {
		query = idQuery("propertyId", propertyID)
	}
	var out []model.Room
	if err := c.do(ctx, http.MethodGet, "/api/rooms", query, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
