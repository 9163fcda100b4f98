package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/erazemk/pgtag/internal/db"
	"github.com/erazemk/pgtag/internal/model"
)

type tagFixture struct {
	property *model.Property
	room     *model.Room
	other    *model.Room
}

func newTagFixture(t *testing.T, ctx context.Context, database *sql.DB) tagFixture {
	t.Helper()
	prop, err := CreateProperty(ctx, database, "Sunrise PG", "MG Road")
	if err != nil {
		t.Fatalf("CreateProperty: %v", err)
	}
	room, err := CreateRoom(ctx, database, prop.ID, "101", "1", 2)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	other, err := CreateRoom(ctx, database, prop.ID, "102", "1", 2)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return tagFixture{property: prop, room: room, other: other}
}

func TestCreateTagIsPending(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	fx := newTagFixture(t, ctx, database)

	tag, err := CreateTag(ctx, database, fx.property.ID, &fx.room.ID, "uuid-1", []byte("sealed"))
	if err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	if tag.Status != model.TagStatusPending {
		t.Errorf("expected PENDING, got %s", tag.Status)
	}
	if tag.PasswordSet {
		t.Error("expected passwordSet false on a new tag")
	}
	if tag.RoomID == nil || *tag.RoomID != fx.room.ID {
		t.Errorf("expected room %d, got %v", fx.room.ID, tag.RoomID)
	}
}

func TestCreateTagDuplicateUUIDInService(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	fx := newTagFixture(t, ctx, database)

	first, _ := CreateTag(ctx, database, fx.property.ID, nil, "uuid-dup", []byte("a"))

	_, err := CreateTag(ctx, database, fx.property.ID, nil, "uuid-dup", []byte("b"))
	if !errors.Is(err, ErrDuplicateUUID) {
		t.Fatalf("expected ErrDuplicateUUID, got %v", err)
	}

	// Once retired, the UUID no longer blocks issuance.
	if _, err := DeactivateTag(ctx, database, first.ID, model.TagStatusInactive, "orphaned"); err != nil {
		t.Fatalf("DeactivateTag: %v", err)
	}
	if _, err := CreateTag(ctx, database, fx.property.ID, nil, "uuid-dup", []byte("c")); err != nil {
		t.Fatalf("CreateTag after retire: %v", err)
	}
}

func TestConfirmTagLockedIdempotent(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	fx := newTagFixture(t, ctx, database)

	tag, _ := CreateTag(ctx, database, fx.property.ID, &fx.room.ID, "uuid-1", []byte("s"))

	first, err := ConfirmTagLocked(ctx, database, tag.ID)
	if err != nil {
		t.Fatalf("ConfirmTagLocked: %v", err)
	}
	if first.Status != model.TagStatusActive || !first.PasswordSet {
		t.Fatalf("expected ACTIVE with password set, got %s/%v", first.Status, first.PasswordSet)
	}
	if first.LockedAt == nil {
		t.Error("expected lockedAt to be set")
	}

	second, err := ConfirmTagLocked(ctx, database, tag.ID)
	if err != nil {
		t.Fatalf("second ConfirmTagLocked: %v", err)
	}
	if second.Status != first.Status || second.PasswordSet != first.PasswordSet ||
		!second.LockedAt.Equal(*first.LockedAt) || !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Errorf("expected unchanged tag on repeat confirm, got %+v vs %+v", second, first)
	}
}

func TestConfirmTagLockedAfterRetire(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	fx := newTagFixture(t, ctx, database)

	tag, _ := CreateTag(ctx, database, fx.property.ID, nil, "uuid-1", []byte("s"))
	DeactivateTag(ctx, database, tag.ID, model.TagStatusInactive, "abandoned")

	got, err := ConfirmTagLocked(ctx, database, tag.ID)
	if err != nil {
		t.Fatalf("ConfirmTagLocked: %v", err)
	}
	if got.Status != model.TagStatusInactive {
		t.Errorf("expected status to stay INACTIVE, got %s", got.Status)
	}
	if !got.PasswordSet {
		t.Error("expected the physical lock to be recorded")
	}
}

func TestConfirmTagLockedMissing(t *testing.T) {
	database := db.NewTestDB(t)
	if _, err := ConfirmTagLocked(context.Background(), database, 999); !errors.Is(err, ErrTagNotFound) {
		t.Errorf("expected ErrTagNotFound, got %v", err)
	}
}

func TestUpdateTagReassignsRoom(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	fx := newTagFixture(t, ctx, database)

	tag, _ := CreateTag(ctx, database, fx.property.ID, &fx.room.ID, "uuid-1", []byte("s"))
	ConfirmTagLocked(ctx, database, tag.ID)

	updated, err := UpdateTag(ctx, database, tag.ID, TagUpdate{RoomID: &fx.other.ID})
	if err != nil {
		t.Fatalf("UpdateTag: %v", err)
	}
	if *updated.RoomID != fx.other.ID {
		t.Errorf("expected room %d, got %d", fx.other.ID, *updated.RoomID)
	}
	if updated.PhysicalUUID != "uuid-1" || updated.Status != model.TagStatusActive {
		t.Errorf("expected uuid and status untouched, got %+v", updated)
	}

	cleared, _ := UpdateTag(ctx, database, tag.ID, TagUpdate{ClearRoom: true})
	if cleared.RoomID != nil {
		t.Errorf("expected room cleared, got %d", *cleared.RoomID)
	}
}

func TestUpdateTagRejectsActivatingUnlocked(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	fx := newTagFixture(t, ctx, database)

	tag, _ := CreateTag(ctx, database, fx.property.ID, nil, "uuid-1", []byte("s"))

	_, err := UpdateTag(ctx, database, tag.ID, TagUpdate{Status: model.TagStatusActive})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, _ := GetTag(ctx, database, tag.ID)
	if got.Status != model.TagStatusPending {
		t.Errorf("expected PENDING after rejected update, got %s", got.Status)
	}
}

func TestDeactivateAndReactivate(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	fx := newTagFixture(t, ctx, database)

	tag, _ := CreateTag(ctx, database, fx.property.ID, &fx.room.ID, "uuid-1", []byte("s"))
	ConfirmTagLocked(ctx, database, tag.ID)

	inactive, err := DeactivateTag(ctx, database, tag.ID, model.TagStatusInactive, "resident moved out")
	if err != nil {
		t.Fatalf("DeactivateTag: %v", err)
	}
	if inactive.DeactivatedAt == nil || inactive.DeactivationReason != "resident moved out" {
		t.Errorf("expected deactivation recorded, got %+v", inactive)
	}

	active, err := UpdateTag(ctx, database, tag.ID, TagUpdate{Status: model.TagStatusActive})
	if err != nil {
		t.Fatalf("reactivating: %v", err)
	}
	if active.Status != model.TagStatusActive || active.DeactivatedAt != nil {
		t.Errorf("expected clean ACTIVE tag, got %+v", active)
	}
}

func TestLostIsFinal(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	fx := newTagFixture(t, ctx, database)

	tag, _ := CreateTag(ctx, database, fx.property.ID, nil, "uuid-1", []byte("s"))
	ConfirmTagLocked(ctx, database, tag.ID)
	DeactivateTag(ctx, database, tag.ID, model.TagStatusLost, "")

	if _, err := UpdateTag(ctx, database, tag.ID, TagUpdate{Status: model.TagStatusActive}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected LOST -> ACTIVE to be rejected, got %v", err)
	}
	if _, err := DeactivateTag(ctx, database, tag.ID, model.TagStatusDamaged, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected LOST -> DAMAGED to be rejected, got %v", err)
	}
	if _, err := DeactivateTag(ctx, database, tag.ID, model.TagStatusActive, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ACTIVE to be refused as a deactivation status, got %v", err)
	}
}

func TestListTagsFiltered(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	fx := newTagFixture(t, ctx, database)
	otherProp, _ := CreateProperty(ctx, database, "Lakeview PG", "")

	t1, _ := CreateTag(ctx, database, fx.property.ID, &fx.room.ID, "uuid-1", []byte("s"))
	CreateTag(ctx, database, fx.property.ID, &fx.other.ID, "uuid-2", []byte("s"))
	CreateTag(ctx, database, otherProp.ID, nil, "uuid-3", []byte("s"))
	ConfirmTagLocked(ctx, database, t1.ID)

	all, _ := ListTags(ctx, database, TagFilter{PropertyID: fx.property.ID})
	if len(all) != 2 {
		t.Errorf("expected 2 tags in property, got %d", len(all))
	}

	active, _ := ListTags(ctx, database, TagFilter{PropertyID: fx.property.ID, Status: model.TagStatusActive})
	if len(active) != 1 || active[0].ID != t1.ID {
		t.Errorf("expected only tag %d active, got %+v", t1.ID, active)
	}

	byRoom, _ := ListTags(ctx, database, TagFilter{PropertyID: fx.property.ID, RoomID: fx.other.ID})
	if len(byRoom) != 1 || byRoom[0].PhysicalUUID != "uuid-2" {
		t.Errorf("expected uuid-2 in room 102, got %+v", byRoom)
	}

	missing, _ := FindTagByUUID(ctx, database, fx.property.ID, "uuid-3")
	if missing != nil {
		t.Error("expected uuid-3 to be invisible from another property")
	}
}

func TestGetTagSecretAndAudit(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	fx := newTagFixture(t, ctx, database)
	manager, _ := CreateUser(ctx, database, "meera", "hash", model.RoleManager, fx.property.ID)

	tag, _ := CreateTag(ctx, database, fx.property.ID, nil, "uuid-1", []byte("sealed-bytes"))

	sealed, physicalUUID, err := GetTagSecret(ctx, database, tag.ID)
	if err != nil {
		t.Fatalf("GetTagSecret: %v", err)
	}
	if string(sealed) != "sealed-bytes" || physicalUUID != "uuid-1" {
		t.Errorf("unexpected secret row: %q %q", sealed, physicalUUID)
	}

	RecordSecretAccess(ctx, database, tag.ID, manager.ID, "10.0.0.5:4242")
	entries, err := ListSecretAccess(ctx, database, tag.ID)
	if err != nil {
		t.Fatalf("ListSecretAccess: %v", err)
	}
	if len(entries) != 1 || entries[0].Username != "meera" {
		t.Errorf("expected one audit entry by meera, got %+v", entries)
	}
}

func TestTouchTagScanned(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	fx := newTagFixture(t, ctx, database)

	tag, _ := CreateTag(ctx, database, fx.property.ID, nil, "uuid-1", []byte("s"))
	if err := TouchTagScanned(ctx, database, tag.ID); err != nil {
		t.Fatalf("TouchTagScanned: %v", err)
	}
	got, _ := GetTag(ctx, database, tag.ID)
	if got.LastScannedAt == nil {
		t.Error("expected lastScannedAt to be set")
	}
}
