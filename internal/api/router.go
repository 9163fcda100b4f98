package api

import (
	"database/sql"
	"net/http"

	"github.com/erazemk/pgtag/internal/model"
	"github.com/erazemk/pgtag/internal/vault"
)

// NewRouter creates the API router with all endpoints registered.
func NewRouter(db *sql.DB, jwtSecret string, v *vault.Vault) http.Handler {
	mux := http.NewServeMux()

	authHandler := &AuthHandler{DB: db, JWTSecret: jwtSecret}
	usersHandler := &UsersHandler{DB: db}
	propertiesHandler := &PropertiesHandler{DB: db}
	tagsHandler := &TagsHandler{DB: db, Vault: v}

	authMW := AuthMiddleware(jwtSecret, db)
	requireAdmin := RequireRole(model.RoleAdmin)
	requireManager := RequireRole(model.RoleManager)
	canResolve := RequireCapability(model.CapTagResolve)
	canView := RequireCapability(model.CapTagView)
	canManage := RequireCapability(model.CapTagManage)

	// Public: login.
	mux.HandleFunc("POST /api/auth/login", authHandler.Login)

	// Authenticated routes.
	mux.Handle("PUT /api/auth/password", authMW(http.HandlerFunc(authHandler.ChangePassword)))
	mux.Handle("POST /api/auth/logout", authMW(http.HandlerFunc(authHandler.Logout)))

	// Users (admin only).
	mux.Handle("GET /api/users", authMW(requireAdmin(http.HandlerFunc(usersHandler.List))))
	mux.Handle("POST /api/users", authMW(requireAdmin(http.HandlerFunc(usersHandler.Create))))
	mux.Handle("GET /api/users/{id}", authMW(requireAdmin(http.HandlerFunc(usersHandler.Get))))
	mux.Handle("PUT /api/users/{id}", authMW(requireAdmin(http.HandlerFunc(usersHandler.Update))))
	mux.Handle("PUT /api/users/{id}/password", authMW(requireAdmin(http.HandlerFunc(usersHandler.ResetPassword))))
	mux.Handle("DELETE /api/users/{id}", authMW(requireAdmin(http.HandlerFunc(usersHandler.Delete))))

	// Properties: read (all roles, scoped), write (admin).
	mux.Handle("GET /api/properties", authMW(http.HandlerFunc(propertiesHandler.ListProperties)))
	mux.Handle("POST /api/properties", authMW(requireAdmin(http.HandlerFunc(propertiesHandler.CreateProperty))))
	mux.Handle("GET /api/properties/{id}", authMW(http.HandlerFunc(propertiesHandler.GetProperty)))

	// Rooms: read (all roles, scoped), write (manager+).
	mux.Handle("GET /api/rooms", authMW(http.HandlerFunc(propertiesHandler.ListRooms)))
	mux.Handle("POST /api/rooms", authMW(requireManager(http.HandlerFunc(propertiesHandler.CreateRoom))))
	mux.Handle("GET /api/rooms/{id}", authMW(http.HandlerFunc(propertiesHandler.GetRoom)))
	mux.Handle("DELETE /api/rooms/{id}", authMW(requireManager(http.HandlerFunc(propertiesHandler.DeleteRoom))))

	// Tags.
	mux.Handle("POST /api/tags/generate", authMW(canManage(http.HandlerFunc(tagsHandler.Generate))))
	mux.Handle("POST /api/tags/confirm-locked", authMW(canManage(http.HandlerFunc(tagsHandler.ConfirmLocked))))
	mux.Handle("GET /api/tags", authMW(canView(http.HandlerFunc(tagsHandler.List))))
	mux.Handle("PUT /api/tags/update", authMW(canManage(http.HandlerFunc(tagsHandler.Update))))
	mux.Handle("PUT /api/tags/deactivate", authMW(canManage(http.HandlerFunc(tagsHandler.Deactivate))))
	mux.Handle("GET /api/tags/password", authMW(canManage(http.HandlerFunc(tagsHandler.Password))))
	mux.Handle("GET /api/tags/password/audit", authMW(requireAdmin(http.HandlerFunc(tagsHandler.PasswordAudit))))
	mux.Handle("POST /api/tags/resolve", authMW(canResolve(http.HandlerFunc(tagsHandler.Resolve))))

	return mux
}
