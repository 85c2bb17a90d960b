package orchestrator

import (
	"context"
	"testing"

	"sessionforge/internal/orcherr"
	"sessionforge/internal/queuestore"
	"sessionforge/internal/session"
)

func newTestOrchestrator(t *testing.T, nMax int) *Orchestrator {
	t.Helper()
	return New(Config{
		NMax:  nMax,
		Queue: queuestore.New(t.TempDir()),
	})
}

func TestCreateReturnsExistingSessionForSameDirectory(t *testing.T) {
	o := newTestOrchestrator(t, 10)
	dir, err := canonicalize(t.TempDir())
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	existing := session.New("existing-id", dir, session.Config{}, session.Deps{Queue: o.cfg.Queue})
	o.mu.Lock()
	o.sessions["existing-id"] = existing
	o.byDir[dir] = "existing-id"
	o.mu.Unlock()

	got, err := o.Create(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got.ID() != "existing-id" {
		t.Fatalf("got session %s, want reuse of existing-id", got.ID())
	}
}

func TestCreateRejectsAtCapacity(t *testing.T) {
	o := newTestOrchestrator(t, 1)
	dir, err := canonicalize(t.TempDir())
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	filler := session.New("filler", t.TempDir(), session.Config{}, session.Deps{Queue: o.cfg.Queue})
	o.mu.Lock()
	o.sessions["filler"] = filler
	o.mu.Unlock()

	_, err = o.Create(context.Background(), dir, nil)
	if err == nil {
		t.Fatalf("expected capacity error")
	}
	oe, ok := orcherr.As(err)
	if !ok || oe.Kind != orcherr.KindCapacity {
		t.Fatalf("err = %v, want CapacityError", err)
	}
}

func TestCreateRejectsMissingDirectory(t *testing.T) {
	o := newTestOrchestrator(t, 10)
	_, err := o.Create(context.Background(), "/nonexistent/path/definitely", nil)
	if err == nil {
		t.Fatalf("expected validation error for missing directory")
	}
	oe, ok := orcherr.As(err)
	if !ok || oe.Kind != orcherr.KindValidation {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestTerminateUnknownSessionReturnsFalse(t *testing.T) {
	o := newTestOrchestrator(t, 10)
	removed, err := o.Terminate("missing")
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if removed {
		t.Fatalf("expected false for unknown session")
	}
}

func TestEnqueueMessageUnknownSessionNotFound(t *testing.T) {
	o := newTestOrchestrator(t, 10)
	_, err := o.EnqueueMessage(context.Background(), "missing", "hi")
	oe, ok := orcherr.As(err)
	if !ok || oe.Kind != orcherr.KindNotFound {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestListActiveReflectsRegisteredSessions(t *testing.T) {
	o := newTestOrchestrator(t, 10)
	inst := session.New("s1", t.TempDir(), session.Config{}, session.Deps{Queue: o.cfg.Queue})
	o.mu.Lock()
	o.sessions["s1"] = inst
	o.mu.Unlock()

	active := o.ListActive()
	if len(active) != 1 || active[0].ID != "s1" {
		t.Fatalf("ListActive = %+v, want one entry for s1", active)
	}
}
