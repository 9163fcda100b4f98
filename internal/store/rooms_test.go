package store

import (
	"context"
	"testing"

	"github.com/erazemk/pgtag/internal/db"
)

func TestCreateAndListRooms(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	prop, err := CreateProperty(ctx, database, "Sunrise PG", "MG Road")
	if err != nil {
		t.Fatalf("CreateProperty: %v", err)
	}

	room, err := CreateRoom(ctx, database, prop.ID, "101", "1", 0)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if room.Capacity != 1 {
		t.Errorf("expected default capacity 1, got %d", room.Capacity)
	}
	CreateRoom(ctx, database, prop.ID, "102", "1", 3)

	rooms, _ := ListRooms(ctx, database, prop.ID)
	if len(rooms) != 2 {
		t.Errorf("expected 2 rooms, got %d", len(rooms))
	}

	if _, err := CreateRoom(ctx, database, prop.ID, "101", "1", 1); err == nil {
		t.Error("expected duplicate room number to be rejected")
	}
}

func TestDeleteRoomWithTagRejected(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	prop, _ := CreateProperty(ctx, database, "Sunrise PG", "")
	room, _ := CreateRoom(ctx, database, prop.ID, "101", "", 1)
	CreateTag(ctx, database, prop.ID, &room.ID, "uuid-1", []byte("s"))

	if err := DeleteRoom(ctx, database, room.ID); err == nil {
		t.Error("expected error deleting a room with a bound tag")
	}

	empty, _ := CreateRoom(ctx, database, prop.ID, "102", "", 1)
	if err := DeleteRoom(ctx, database, empty.ID); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	rooms, _ := ListRooms(ctx, database, prop.ID)
	if len(rooms) != 1 {
		t.Errorf("expected 1 room after delete, got %d", len(rooms))
	}

	// Soft-deleted rooms remain fetchable for tag history.
	if got, _ := GetRoom(ctx, database, empty.ID); got == nil || got.DeletedAt == nil {
		t.Error("expected soft-deleted room to still be fetchable")
	}
}

func TestGetMissingProperty(t *testing.T) {
	database := db.NewTestDB(t)
	got, err := GetProperty(context.Background(), database, 42)
	if err != nil {
		t.Fatalf("GetProperty: %v", err)
	}
	if got != nil {
		t.Error("expected nil for missing property")
	}
}
