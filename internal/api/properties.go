package api

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/erazemk/pgtag/internal/model"
	"github.com/erazemk/pgtag/internal/store"
)

// PropertiesHandler handles property and room endpoints.
type PropertiesHandler struct {
	DB *sql.DB
}

type createPropertyRequest struct {
	Name    string `json:"name" validate:"required,max=200"`
	Address string `json:"address" validate:"max=500"`
}

type createRoomRequest struct {
	PropertyID int64  `json:"propertyId" validate:"gte=0"`
	Number     string `json:"number" validate:"required,max=32"`
	Floor      string `json:"floor" validate:"max=32"`
	Capacity   int    `json:"capacity" validate:"gte=0,lte=64"`
}

// ListProperties handles GET /api/properties. Scoped callers only see their own.
func (h *PropertiesHandler) ListProperties(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	if claims.Role != model.RoleAdmin {
		p, err := store.GetProperty(r.Context(), h.DB, claims.PropertyID)
		if err != nil {
			slog.Error("failed to get property", "error", err)
			jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to list properties")
			return
		}
		props := []model.Property{}
		if p != nil {
			props = append(props, *p)
		}
		jsonResponse(w, http.StatusOK, props)
		return
	}

	props, err := store.ListProperties(r.Context(), h.DB)
	if err != nil {
		slog.Error("failed to list properties", "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to list properties")
		return
	}
	if props == nil {
		props = []model.Property{}
	}
	jsonResponse(w, http.StatusOK, props)
}

// CreateProperty handles POST /api/properties (admin only).
func (h *PropertiesHandler) CreateProperty(w http.ResponseWriter, r *http.Request) {
	var req createPropertyRequest
	if !decodeValid(w, r, &req) {
		return
	}

	p, err := store.CreateProperty(r.Context(), h.DB, req.Name, req.Address)
	if err != nil {
		slog.Error("failed to create property", "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to create property")
		return
	}

	claims := GetClaims(r.Context())
	slog.Info("property created", "user", claims.Username, "property", p.Name, "id", p.ID)
	jsonResponse(w, http.StatusCreated, p)
}

// GetProperty handles GET /api/properties/{id}.
func (h *PropertiesHandler) GetProperty(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		jsonError(w, http.StatusBadRequest, CodeValidation, "invalid property id")
		return
	}
	if !canAccessProperty(GetClaims(r.Context()), id) {
		jsonError(w, http.StatusNotFound, CodeNotFound, "property not found")
		return
	}

	p, err := store.GetProperty(r.Context(), h.DB, id)
	if err != nil {
		slog.Error("failed to get property", "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to get property")
		return
	}
	if p == nil {
		jsonError(w, http.StatusNotFound, CodeNotFound, "property not found")
		return
	}
	jsonResponse(w, http.StatusOK, p)
}

// ListRooms handles GET /api/rooms?propertyId=.
func (h *PropertiesHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	requested, err := queryInt(r, "propertyId")
	if err != nil {
		jsonError(w, http.StatusBadRequest, CodeValidation, "invalid propertyId")
		return
	}
	propertyID, ok := requestedProperty(GetClaims(r.Context()), requested)
	if !ok {
		jsonError(w, http.StatusForbidden, CodeForbidden, "property out of scope")
		return
	}

	rooms, err := store.ListRooms(r.Context(), h.DB, propertyID)
	if err != nil {
		slog.Error("failed to list rooms", "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to list rooms")
		return
	}
	if rooms == nil {
		rooms = []model.Room{}
	}
	jsonResponse(w, http.StatusOK, rooms)
}

// CreateRoom handles POST /api/rooms (manager+).
func (h *PropertiesHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if !decodeValid(w, r, &req) {
		return
	}

	claims := GetClaims(r.Context())
	propertyID, ok := requestedProperty(claims, req.PropertyID)
	if !ok {
		jsonError(w, http.StatusForbidden, CodeForbidden, "property out of scope")
		return
	}

	p, err := store.GetProperty(r.Context(), h.DB, propertyID)
	if err != nil {
		slog.Error("failed to get property", "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	if p == nil {
		jsonError(w, http.StatusNotFound, CodeNotFound, "property not found")
		return
	}

	room, err := store.CreateRoom(r.Context(), h.DB, propertyID, req.Number, req.Floor, req.Capacity)
	if err != nil {
		jsonError(w, http.StatusConflict, CodeConflict, "room number already exists")
		return
	}

	slog.Info("room created", "user", claims.Username, "property", propertyID, "room", room.Number)
	jsonResponse(w, http.StatusCreated, room)
}

// GetRoom handles GET /api/rooms/{id}.
func (h *PropertiesHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := h.loadRoom(w, r)
	if !ok {
		return
	}
	jsonResponse(w, http.StatusOK, room)
}

// DeleteRoom handles DELETE /api/rooms/{id} (manager+).
func (h *PropertiesHandler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := h.loadRoom(w, r)
	if !ok {
		return
	}

	if err := store.DeleteRoom(r.Context(), h.DB, room.ID); err != nil {
		if errors.Is(err, store.ErrRoomInUse) {
			jsonError(w, http.StatusConflict, CodeConflict, "room still has in-service tags")
			return
		}
		slog.Error("failed to delete room", "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to delete room")
		return
	}

	claims := GetClaims(r.Context())
	slog.Info("room deleted", "user", claims.Username, "property", room.PropertyID, "room", room.Number)
	jsonResponse(w, http.StatusOK, map[string]string{"message": "room deleted"})
}

// loadRoom fetches the live room named by the path, hiding rooms outside the
// caller's property.
func (h *PropertiesHandler) loadRoom(w http.ResponseWriter, r *http.Request) (*model.Room, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		jsonError(w, http.StatusBadRequest, CodeValidation, "invalid room id")
		return nil, false
	}

	room, err := store.GetRoom(r.Context(), h.DB, id)
	if err != nil {
		slog.Error("failed to get room", "error", err)
		jsonError(w, http.StatusInternalServerError, CodeInternal, "failed to get room")
		return nil, false
	}
	if room == nil || room.DeletedAt != nil || !canAccessProperty(GetClaims(r.Context()), room.PropertyID) {
		jsonError(w, http.StatusNotFound, CodeRoomNotFound, "room not found")
		return nil, false
	}
	return room, true
}

// queryInt parses an optional integer query parameter; absent means zero.
func queryInt(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
