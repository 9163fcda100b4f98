// Package apitest runs a real backend over httptest for device-side tests.
package apitest

import (
	"context"
	"database/sql"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/erazemk/pgtag/internal/api"
	"github.com/erazemk/pgtag/internal/auth"
	"github.com/erazemk/pgtag/internal/client"
	"github.com/erazemk/pgtag/internal/db"
	"github.com/erazemk/pgtag/internal/model"
	"github.com/erazemk/pgtag/internal/store"
	"github.com/erazemk/pgtag/internal/vault"
)

// JWTSecret signs every token the test backend accepts.
const JWTSecret = "apitest-secret"

// Backend is a seeded backend: one property with rooms 101 and 102, and a
// second property with room 201.
type Backend struct {
	Server    *httptest.Server
	DB        *sql.DB
	Property  *model.Property
	Room1     *model.Room
	Room2     *model.Room
	Other     *model.Property
	OtherRoom *model.Room

	t      *testing.T
	nextID int64
}

// NewBackend starts a backend on an in-memory database.
func NewBackend(t *testing.T) *Backend {
	t.Helper()

	database := db.NewTestDB(t)
	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("generating vault key: %v", err)
	}
	v, err := vault.NewHex(key)
	if err != nil {
		t.Fatalf("creating vault: %v", err)
	}

	server := httptest.NewServer(api.NewRouter(database, JWTSecret, v))
	t.Cleanup(server.Close)

	b := &Backend{Server: server, DB: database, t: t}
	ctx := context.Background()
	if b.Property, err = store.CreateProperty(ctx, database, "Sunrise PG", "12 MG Road"); err != nil {
		t.Fatalf("creating property: %v", err)
	}
	if b.Room1, err = store.CreateRoom(ctx, database, b.Property.ID, "101", "1", 2); err != nil {
		t.Fatalf("creating room 101: %v", err)
	}
	if b.Room2, err = store.CreateRoom(ctx, database, b.Property.ID, "102", "1", 2); err != nil {
		t.Fatalf("creating room 102: %v", err)
	}
	if b.Other, err = store.CreateProperty(ctx, database, "Lakeview PG", ""); err != nil {
		t.Fatalf("creating property: %v", err)
	}
	if b.OtherRoom, err = store.CreateRoom(ctx, database, b.Other.ID, "201", "2", 1); err != nil {
		t.Fatalf("creating room 201: %v", err)
	}
	return b
}

// Client returns a client signed in as a fresh user with role in the main
// property. Admins are unscoped.
func (b *Backend) Client(role string) *client.Client {
	b.t.Helper()
	propertyID := b.Property.ID
	if role == model.RoleAdmin {
		propertyID = 0
	}
	return b.ClientIn(role, propertyID)
}

// ClientIn returns a client signed in with role in propertyID.
func (b *Backend) ClientIn(role string, propertyID int64) *client.Client {
	b.t.Helper()
	b.nextID++
	username := fmt.Sprintf("%s-%d", role, b.nextID)
	u, err := store.CreateUser(context.Background(), b.DB, username, "x", role, propertyID)
	if err != nil {
		b.t.Fatalf("creating user: %v", err)
	}
	token, err := auth.GenerateToken(JWTSecret, u.ID, u.Username, role, propertyID)
	if err != nil {
		b.t.Fatalf("generating token: %v", err)
	}

	c, err := client.New(b.Server.URL)
	if err != nil {
		b.t.Fatalf("creating client: %v", err)
	}
	c.SetToken(token)
	return c
}

// Tag returns the server's current record of a tag.
func (b *Backend) Tag(id int64) *model.Tag {
	b.t.Helper()
	tag, err := store.GetTag(context.Background(), b.DB, id)
	if err != nil || tag == nil {
		b.t.Fatalf("getting tag %d: %v", id, err)
	}
	return tag
}
