package api

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/erazemk/pgtag/internal/model"
	"github.com/erazemk/pgtag/internal/store"
	"github.com/erazemk/pgtag/internal/vault"
)

// SecretSize is the length in bytes of a generated tag write secret.
const SecretSize = 16

// maxUUIDAttempts bounds retries when a freshly minted UUID collides.
const maxUUIDAttempts = 3

// TagsHandler handles the tag lifecycle endpoints.
type TagsHandler struct {
	DB    *sql.DB
	Vault *vault.Vault
}

type generateTagRequest struct {
	RoomID     int64 `json:"roomId" validate:"required,gt=0"`
	PropertyID int64 `json:"propertyId" validate:"gte=0"`
}

// GenerateTagResponse is returned once at issuance. It is the only response
// besides the audited password endpoint that carries the write secret.
type GenerateTagResponse struct {
	Tag          *model.Tag `json:"tag"`
	PhysicalUUID string     `json:"physicalUuid"`
	WriteSecret  []byte     `json:"writeSecret"`
}

type tagIDRequest struct {
	TagID int64 `json:"tagId" validate:"required,gt=0"`
}

// ConfirmLockedResponse reports the tag state after confirm-lock.
type ConfirmLockedResponse struct {
	TagID       int64           `json:"tagId"`
	PasswordSet bool            `json:"passwordSet"`
	Status      model.TagStatus `json:"status"`
}

type updateTagRequest struct {
	TagID     int64           `json:"tagId" validate:"required,gt=0"`
	RoomID    *int64          `json:"roomId" validate:"omitempty,gt=0"`
	ClearRoom bool            `json:"clearRoom"`
	Status    model.TagStatus `json:"status" validate:"omitempty,oneof=ACTIVE INACTIVE LOST DAMAGED"`
}

type deactivateTagRequest struct {
	TagID  int64           `json:"tagId" validate:"required,gt=0"`
	Status model.TagStatus `json:"status" validate:"required,oneof=INACTIVE LOST DAMAGED"`
	Reason string          `json:"reason" validate:"max=500"`
}

// PasswordResponse carries a tag's write secret.
type PasswordResponse struct {
	Password []byte `json:"password"`
}

type resolveTagRequest struct {
	PhysicalUUID string `json:"physicalUuid" validate:"required,uuid"`
	PropertyID   int64  `json:"propertyId" validate:"gte=0"`
}

// ResolveResponse is the identity behind a scanned tag.
type ResolveResponse struct {
	Tag      *model.Tag      `json:"tag"`
	Room     *model.Room     `json:"room,omitempty"`
	Property *model.Property `json:"property"`
}

// Generate handles POST /api/tags/generate.
func (h *TagsHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateTagRequest
	if !decodeValid(w, r, &req) {
		return
	}

	claims := GetClaims(r.Context())
	room, err := store.GetRoom(r.Context(), h.DB, req.RoomID)
	if err != nil {
		slog.Error("failed to get room", "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	if room == nil || room.DeletedAt != nil || (req.PropertyID != 0 && room.PropertyID != req.PropertyID) {
		jsonError(w, http.StatusNotFound, CodeRoomNotFound, "room not found")
		return
	}
	if !canAccessProperty(claims, room.PropertyID) {
		jsonError(w, http.StatusNotFound, CodeRoomNotFound, "room not found")
		return
	}

	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to generate secret")
		return
	}

	var tag *model.Tag
	var physicalUUID string
	for attempt := 0; attempt < maxUUIDAttempts; attempt++ {
		physicalUUID = uuid.NewString()
		sealed, err := h.Vault.Seal(secret, []byte(physicalUUID))
		if err != nil {
			slog.Error("failed to seal secret", "error", err)
			jsonError(w, http.StatusInternalServerError, CodeInternal, "internal error")
			return
		}
		tag, err = store.CreateTag(r.Context(), h.DB, room.PropertyID, &room.ID, physicalUUID, sealed)
		if errors.Is(err, store.ErrDuplicateUUID) {
			continue
		}
		if err != nil {
			slog.Error("failed to create tag", "error", err)
			jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to create tag")
			return
		}
		break
	}
	if tag == nil {
		jsonError(w, http.StatusConflict, CodeConflict, "could not allocate a unique tag uuid")
		return
	}

	slog.Info("tag issued", "user", claims.Username, "tag", tag.ID, "property", tag.PropertyID, "room", room.Number)
	jsonResponse(w, http.StatusCreated, GenerateTagResponse{Tag: tag, PhysicalUUID: physicalUUID, WriteSecret: secret})
}

// ConfirmLocked handles POST /api/tags/confirm-locked. Repeated calls return
// the same result.
func (h *TagsHandler) ConfirmLocked(w http.ResponseWriter, r *http.Request) {
	var req tagIDRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if _, ok := h.loadTag(w, r, req.TagID); !ok {
		return
	}

	tag, err := store.ConfirmTagLocked(r.Context(), h.DB, req.TagID)
	if err != nil {
		if errors.Is(err, store.ErrTagNotFound) {
			jsonError(w, http.StatusNotFound, CodeNotFound, "tag not found")
			return
		}
		slog.Error("failed to confirm tag lock", "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to confirm lock")
		return
	}

	claims := GetClaims(r.Context())
	slog.Info("tag lock confirmed", "user", claims.Username, "tag", tag.ID, "status", tag.Status)
	jsonResponse(w, http.StatusOK, ConfirmLockedResponse{TagID: tag.ID, PasswordSet: tag.PasswordSet, Status: tag.Status})
}

// List handles GET /api/tags?propertyId=&status=&roomId=.
func (h *TagsHandler) List(w http.ResponseWriter, r *http.Request) {
	requested, err := queryInt(r, "propertyId")
	if err != nil {
		jsonError(w, http.StatusBadRequest, CodeValidation, "invalid propertyId")
		return
	}
	roomID, err := queryInt(r, "roomId")
	if err != nil {
		jsonError(w, http.StatusBadRequest, CodeValidation, "invalid roomId")
		return
	}
	status := model.TagStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		jsonError(w, http.StatusBadRequest, CodeValidation, "invalid status")
		return
	}

	propertyID, ok := requestedProperty(GetClaims(r.Context()), requested)
	if !ok {
		jsonError(w, http.StatusForbidden, CodeForbidden, "property out of scope")
		return
	}

	tags, err := store.ListTags(r.Context(), h.DB, store.TagFilter{
		PropertyID:   propertyID,
		Status:       status,
		RoomID:       roomID,
		PhysicalUUID: r.URL.Query().Get("physicalUuid"),
	})
	if err != nil {
		slog.Error("failed to list tags", "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to list tags")
		return
	}
	if tags == nil {
		tags = []model.Tag{}
	}
	jsonResponse(w, http.StatusOK, tags)
}

// Update handles PUT /api/tags/update. It reassigns the room and/or changes
// status; the tag is never reprovisioned.
func (h *TagsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateTagRequest
	if !decodeValid(w, r, &req) {
		return
	}
	current, ok := h.loadTag(w, r, req.TagID)
	if !ok {
		return
	}

	if req.RoomID != nil {
		room, err := store.GetRoom(r.Context(), h.DB, *req.RoomID)
		if err != nil {
			slog.Error("failed to get room", "error", err)
			jsonError(w, http.StatusInternalServerError, CodeInternal, "internal error")
			return
		}
		if room == nil || room.DeletedAt != nil || room.PropertyID != current.PropertyID {
			jsonError(w, http.StatusNotFound, CodeRoomNotFound, "room not found")
			return
		}
	}

	tag, err := store.UpdateTag(r.Context(), h.DB, req.TagID, store.TagUpdate{
		RoomID:    req.RoomID,
		ClearRoom: req.ClearRoom,
		Status:    req.Status,
	})
	if err != nil {
		h.writeStoreError(w, "failed to update tag", err)
		return
	}

	claims := GetClaims(r.Context())
	slog.Info("tag updated", "user", claims.Username, "tag", tag.ID, "status", tag.Status, "room", tag.RoomID)
	jsonResponse(w, http.StatusOK, tag)
}

// Deactivate handles PUT /api/tags/deactivate.
func (h *TagsHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req deactivateTagRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if _, ok := h.loadTag(w, r, req.TagID); !ok {
		return
	}

	tag, err := store.DeactivateTag(r.Context(), h.DB, req.TagID, req.Status, req.Reason)
	if err != nil {
		h.writeStoreError(w, "failed to deactivate tag", err)
		return
	}

	claims := GetClaims(r.Context())
	slog.Info("tag deactivated", "user", claims.Username, "tag", tag.ID, "status", tag.Status, "reason", req.Reason)
	jsonResponse(w, http.StatusOK, tag)
}

// Password handles GET /api/tags/password?tagId=. Every successful retrieval
// is written to the audit table and the log.
func (h *TagsHandler) Password(w http.ResponseWriter, r *http.Request) {
	tagID, err := queryInt(r, "tagId")
	if err != nil || tagID <= 0 {
		jsonError(w, http.StatusBadRequest, CodeValidation, "invalid tagId")
		return
	}
	if _, ok := h.loadTag(w, r, tagID); !ok {
		return
	}

	sealed, physicalUUID, err := store.GetTagSecret(r.Context(), h.DB, tagID)
	if err != nil || sealed == nil {
		slog.Error("failed to load tag secret", "tag", tagID, "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to load secret")
		return
	}
	secret, err := h.Vault.Open(sealed, []byte(physicalUUID))
	if err != nil {
		slog.Error("failed to open tag secret", "tag", tagID, "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to load secret")
		return
	}

	claims := GetClaims(r.Context())
	if err := store.RecordSecretAccess(r.Context(), h.DB, tagID, claims.UserID, r.RemoteAddr); err != nil {
		slog.Error("failed to audit secret access", "tag", tagID, "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to load secret")
		return
	}

	slog.Warn("tag secret retrieved", "user", claims.Username, "tag", tagID, "remote", r.RemoteAddr)
	jsonResponse(w, http.StatusOK, PasswordResponse{Password: secret})
}

// PasswordAudit handles GET /api/tags/password/audit?tagId= (admin only).
func (h *TagsHandler) PasswordAudit(w http.ResponseWriter, r *http.Request) {
	tagID, err := queryInt(r, "tagId")
	if err != nil || tagID <= 0 {
		jsonError(w, http.StatusBadRequest, CodeValidation, "invalid tagId")
		return
	}
	if _, ok := h.loadTag(w, r, tagID); !ok {
		return
	}

	entries, err := store.ListSecretAccess(r.Context(), h.DB, tagID)
	if err != nil {
		slog.Error("failed to list secret access", "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to list audit")
		return
	}
	if entries == nil {
		entries = []model.SecretAccess{}
	}
	jsonResponse(w, http.StatusOK, entries)
}

// Resolve handles POST /api/tags/resolve. Any member of the property may
// resolve a scanned UUID; the scan time is recorded.
func (h *TagsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveTagRequest
	if !decodeValid(w, r, &req) {
		return
	}

	propertyID, ok := requestedProperty(GetClaims(r.Context()), req.PropertyID)
	if !ok {
		jsonError(w, http.StatusForbidden, CodeForbidden, "property out of scope")
		return
	}

	tag, err := store.FindTagByUUID(r.Context(), h.DB, propertyID, req.PhysicalUUID)
	if err != nil {
		slog.Error("failed to resolve tag", "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to resolve tag")
		return
	}
	if tag == nil {
		jsonError(w, http.StatusNotFound, CodeNotFound, "tag not found")
		return
	}

	if err := store.TouchTagScanned(r.Context(), h.DB, tag.ID); err != nil {
		slog.Error("failed to record scan", "tag", tag.ID, "error", err)
	}

	resp := ResolveResponse{Tag: tag}
	resp.Property, err = store.GetProperty(r.Context(), h.DB, tag.PropertyID)
	if err != nil {
		slog.Error("failed to get property", "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to resolve tag")
		return
	}
	if tag.RoomID != nil {
		resp.Room, err = store.GetRoom(r.Context(), h.DB, *tag.RoomID)
		if err != nil {
			slog.Error("failed to get room", "error", err)
			jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to resolve tag")
			return
		}
	}

	jsonResponse(w, http.StatusOK, resp)
}

// loadTag fetches a tag and hides it from callers outside its property.
func (h *TagsHandler) loadTag(w http.ResponseWriter, r *http.Request, id int64) (*model.Tag, bool) {
	tag, err := store.GetTag(r.Context(), h.DB, id)
	if err != nil {
		slog.Error("failed to get tag", "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to get tag")
		return nil, false
	}
	if tag == nil || !canAccessProperty(GetClaims(r.Context()), tag.PropertyID) {
		jsonError(w, http.StatusNotFound, CodeNotFound, "tag not found")
		return nil, false
	}
	return tag, true
}

func (h *TagsHandler) writeStoreError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, store.ErrTagNotFound):
		jsonError(w, http.StatusNotFound, CodeNotFound, "tag not found")
	case errors.Is(err, store.ErrInvalidTransition):
		jsonError(w, http.StatusConflict, CodeConflict, err.Error())
	default:
		slog.Error(msg, "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, msg)
	}
}
