package queuestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	workdir := filepath.Join(dir, "project")

	items := []MessageItem{
		{ID: "m1", SessionID: "s1", Payload: "hello", Status: StatusPending, Sequence: 1, CreatedAt: time.Now()},
		{ID: "m2", SessionID: "s1", Payload: "world", Status: StatusProcessing, Sequence: 2, CreatedAt: time.Now()},
	}
	if err := store.Save(workdir, items, false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load(workdir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("got %d items, want 2", len(loaded))
	}
	for _, item := range loaded {
		if item.ID == "m2" && item.Status != StatusPending {
			t.Fatalf("m2 status = %v, want pending (downgraded from processing)", item.Status)
		}
	}
}

func TestLoadDropsMalformedItems(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	workdir := filepath.Join(dir, "project")
	qdir := store.dirFor(workdir)
	if err := os.MkdirAll(qdir, 0o700); err != nil {
		t.Fatal(err)
	}
	raw := `[{"id":"m1","payload":"ok","status":"pending"},{"payload":"missing id","status":"pending"},{"id":"m3","payload":"","status":"pending"}]`
	if err := os.WriteFile(filepath.Join(qdir, "queue.json"), []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load(workdir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "m1" {
		t.Fatalf("got %+v, want only m1", loaded)
	}
}

func TestSaveDedupsByPayloadAndStatus(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	workdir := filepath.Join(dir, "project")

	items := []MessageItem{
		{ID: "m1", Payload: "same", Status: StatusPending, Sequence: 1},
		{ID: "m2", Payload: "same", Status: StatusPending, Sequence: 2},
		{ID: "m3", Payload: "same", Status: StatusCompleted, Sequence: 3},
	}
	if err := store.Save(workdir, items, false); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := store.Load(workdir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("got %d items after dedup, want 2", len(loaded))
	}
}

func TestMigrateLegacyFile(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	workdir := filepath.Join(dir, "project")

	legacyRaw := `[{"id":"m1","payload":"legacy","status":"pending"}]`
	if err := os.WriteFile(store.legacyPath(), []byte(legacyRaw), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load(workdir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Payload != "legacy" {
		t.Fatalf("got %+v, want migrated legacy item", loaded)
	}
	if _, err := os.Stat(store.legacyPath()); !os.IsNotExist(err) {
		t.Fatalf("expected legacy file removed after migration")
	}
}

func TestHashDirIsStableAndDistinct(t *testing.T) {
	h1 := HashDir("/home/u/projA")
	h2 := HashDir("/home/u/projA")
	h3 := HashDir("/home/u/projB")
	if h1 != h2 {
		t.Fatalf("HashDir not stable: %s != %s", h1, h2)
	}
	if h1 == h3 {
		t.Fatalf("HashDir collided for distinct paths")
	}
	if len(h1) != 16 {
		t.Fatalf("HashDir length = %d, want 16", len(h1))
	}
}
