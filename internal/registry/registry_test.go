package registry

import (
	"errors"
	"path/filepath"
	"testing"

	"switchboard/internal/events"
	"switchboard/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "switchboard.db")
	return openRegistry(t, dbPath), dbPath
}

func openRegistry(t *testing.T, dbPath string) *Registry {
	t.Helper()
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg, err := New(db, events.NewBus())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func TestRegistry_CreateDefaults(t *testing.T) {
	reg, _ := newTestRegistry(t)

	sess, err := reg.Create(Spec{Name: "agent-1", Pane: "%3", ProjectPath: "/work/proj"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sess.ID == "" {
		t.Error("expected generated id")
	}
	if sess.Status != StatusIdle {
		t.Errorf("expected idle status, got %s", sess.Status)
	}
	if sess.Pane != "%3" {
		t.Errorf("expected pane %%3, got %s", sess.Pane)
	}
}

func TestRegistry_CreateExplicitStatus(t *testing.T) {
	reg, _ := newTestRegistry(t)

	sess, err := reg.Create(Spec{ID: "s1", Pane: "%1", Status: StatusWorking})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sess.Status != StatusWorking {
		t.Errorf("expected working, got %s", sess.Status)
	}
}

func TestRegistry_CreateIDCollision(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if _, err := reg.Create(Spec{ID: "dup", Pane: "%1"}); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	_, err := reg.Create(Spec{ID: "dup", Pane: "%2"})
	if !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestRegistry_CreateRequiresPane(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if _, err := reg.Create(Spec{ID: "nopane"}); err == nil {
		t.Fatal("expected error for missing pane")
	}
}

func TestRegistry_CreateInvalidStatus(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Create(Spec{ID: "s1", Pane: "%1", Status: "sleeping"})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestRegistry_UpdateStatusNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)

	err := reg.UpdateStatus("nonexistent", StatusIdle)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRegistry_UpdateStatusIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if _, err := reg.Create(Spec{ID: "s1", Pane: "%1"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.UpdateStatus("s1", StatusWorking); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	if err := reg.UpdateStatus("s1", StatusWorking); err != nil {
		t.Fatalf("repeated update failed: %v", err)
	}

	sess, err := reg.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != StatusWorking {
		t.Errorf("expected working, got %s", sess.Status)
	}
}

func TestRegistry_UpdateStatusEmitsEvent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "switchboard.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	bus := events.NewBus()
	reg, err := New(db, bus)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Create(Spec{ID: "s1", Pane: "%1"}); err != nil {
		t.Fatal(err)
	}

	_, ch, _ := bus.Subscribe()
	if err := reg.UpdateStatus("s1", StatusStuck); err != nil {
		t.Fatal(err)
	}

	event := <-ch
	if event.Name != events.SessionStatusChanged {
		t.Fatalf("expected %s, got %s", events.SessionStatusChanged, event.Name)
	}
	payload, ok := event.Payload.(events.StatusChangedPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", event.Payload)
	}
	if payload.SessionID != "s1" || payload.Status != "stuck" {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Get("nonexistent")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRegistry_ListOrdering(t *testing.T) {
	reg, _ := newTestRegistry(t)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := reg.Create(Spec{ID: id, Pane: "%" + id}); err != nil {
			t.Fatal(err)
		}
	}

	sessions := reg.List()
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}
}

func TestRegistry_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "switchboard.db")

	reg := openRegistry(t, dbPath)
	if _, err := reg.Create(Spec{ID: "s1", Name: "agent", Pane: "%7", ProjectPath: "/p"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.UpdateStatus("s1", StatusOffline); err != nil {
		t.Fatal(err)
	}

	reopened := openRegistry(t, dbPath)
	sess, err := reopened.Get("s1")
	if err != nil {
		t.Fatalf("session lost across reopen: %v", err)
	}
	if sess.Status != StatusOffline {
		t.Errorf("expected offline after reopen, got %s", sess.Status)
	}
	if sess.Pane != "%7" {
		t.Errorf("pane not persisted, got %s", sess.Pane)
	}
}

func TestRegistry_OfflineRecordPersists(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if _, err := reg.Create(Spec{ID: "s1", Pane: "%1"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.UpdateStatus("s1", StatusOffline); err != nil {
		t.Fatal(err)
	}

	// Offline is terminal for delivery, but the record stays for audit.
	if _, err := reg.Get("s1"); err != nil {
		t.Fatalf("offline session should still be readable: %v", err)
	}
	if len(reg.List()) != 1 {
		t.Error("offline session missing from List")
	}
}
