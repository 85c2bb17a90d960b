package registry

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "registry.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetActiveSessions(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	row := Row{ID: "s1", WorkingDirectory: "/tmp/a", Status: "idle", CreatedAt: now, LastActivity: now}
	if err := s.Create(row); err != nil {
		t.Fatalf("Create: %v", err)
	}

	active, err := s.GetActiveSessions()
	if err != nil {
		t.Fatalf("GetActiveSessions: %v", err)
	}
	if len(active) != 1 || active[0].ID != "s1" {
		t.Fatalf("got %+v, want one row for s1", active)
	}
}

func TestUpdateTerminatedExcludesFromActive(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	if err := s.Create(Row{ID: "s1", WorkingDirectory: "/tmp/a", Status: "idle", CreatedAt: now, LastActivity: now}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	terminatedAt := time.Now()
	if err := s.Update("s1", Patch{Status: "terminated", LastActivity: terminatedAt, TerminatedAt: &terminatedAt}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	active, err := s.GetActiveSessions()
	if err != nil {
		t.Fatalf("GetActiveSessions: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active sessions after termination, got %d", len(active))
	}

	stats, err := s.GetSessionStats()
	if err != nil {
		t.Fatalf("GetSessionStats: %v", err)
	}
	if stats.TotalSessions != 1 || stats.TerminatedSessions != 1 || stats.ActiveSessions != 0 {
		t.Fatalf("stats = %+v, want total=1 terminated=1 active=0", stats)
	}
}

func TestUpdateUnknownSessionErrors(t *testing.T) {
	s := openTestStore(t)
	if err := s.Update("missing", Patch{Status: "idle"}); err == nil {
		t.Fatalf("expected error updating a nonexistent session")
	}
}
