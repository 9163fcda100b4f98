package store

import (
	"context"
	"testing"

	"github.com/erazemk/pgtag/internal/db"
	"github.com/erazemk/pgtag/internal/model"
)

func TestCreateAndGetUser(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	prop, _ := CreateProperty(ctx, database, "Sunrise PG", "")

	user, err := CreateUser(ctx, database, "warden", "hash123", model.RoleStaff, prop.ID)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.Username != "warden" {
		t.Errorf("expected username 'warden', got %q", user.Username)
	}
	if user.PropertyID != prop.ID {
		t.Errorf("expected property %d, got %d", prop.ID, user.PropertyID)
	}

	got, err := GetUser(ctx, database, user.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Role != model.RoleStaff {
		t.Errorf("expected role 'staff', got %q", got.Role)
	}
}

func TestUnscopedUserHasZeroProperty(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	admin, err := CreateUser(ctx, database, "root", "hash", model.RoleAdmin, 0)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if admin.PropertyID != 0 {
		t.Errorf("expected property 0, got %d", admin.PropertyID)
	}
}

func TestGetUserByUsername(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	CreateUser(ctx, database, "alice", "hash", model.RoleAdmin, 0)

	user, err := GetUserByUsername(ctx, database, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user == nil {
		t.Fatal("expected user, got nil")
	}

	missing, err := GetUserByUsername(ctx, database, "bob")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing user")
	}
}

func TestDeletedUsernameCanBeReused(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	first, _ := CreateUser(ctx, database, "ravi", "hash", model.RoleResident, 0)
	DeleteUser(ctx, database, first.ID)

	second, err := CreateUser(ctx, database, "ravi", "hash2", model.RoleResident, 0)
	if err != nil {
		t.Fatalf("CreateUser after delete: %v", err)
	}

	got, _ := GetUserByUsername(ctx, database, "ravi")
	if got == nil || got.ID != second.ID {
		t.Errorf("expected active user %d, got %+v", second.ID, got)
	}
}

func TestUpdateUserPassword(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	user, _ := CreateUser(ctx, database, "pwuser", "oldhash", model.RoleResident, 0)
	UpdateUserPassword(ctx, database, user.ID, "newhash")

	got, _ := GetUser(ctx, database, user.ID)
	if got.PasswordHash != "newhash" {
		t.Errorf("expected password hash 'newhash', got %q", got.PasswordHash)
	}
}
