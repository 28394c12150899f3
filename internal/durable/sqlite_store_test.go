package durable

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteStoreGetPutRoundtrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "s1", "session"); err != nil || ok {
		t.Fatalf("expected miss on empty store, got ok=%v err=%v", ok, err)
	}

	if err := store.Put(ctx, "s1", "session", []byte(`{"status":"idle"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	value, ok, err := store.Get(ctx, "s1", "session")
	if err != nil || !ok {
		t.Fatalf("expected hit after Put, got ok=%v err=%v", ok, err)
	}
	if string(value) != `{"status":"idle"}` {
		t.Fatalf("unexpected value: %s", value)
	}

	if err := store.Put(ctx, "s1", "session", []byte(`{"status":"running"}`)); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	value, _, _ = store.Get(ctx, "s1", "session")
	if string(value) != `{"status":"running"}` {
		t.Fatalf("expected overwrite to apply, got %s", value)
	}

	if err := store.Delete(ctx, "s1", "session"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "s1", "session"); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestSQLiteStoreKeysAreSessionScoped(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Put(ctx, "s1", "bearerToken", []byte("tok-1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, "s2", "bearerToken", []byte("tok-2")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v1, _, _ := store.Get(ctx, "s1", "bearerToken")
	v2, _, _ := store.Get(ctx, "s2", "bearerToken")
	if string(v1) != "tok-1" || string(v2) != "tok-2" {
		t.Fatalf("expected session-scoped values, got %s and %s", v1, v2)
	}
}
