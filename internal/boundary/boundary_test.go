package boundary

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"sessionforge/internal/eventhub"
	"sessionforge/internal/orchestrator"
	"sessionforge/internal/procmanager"
	"sessionforge/internal/queuestore"
	"sessionforge/internal/session"
)

func newTestAdapter(t *testing.T, nMax int) *Adapter {
	t.Helper()
	orch := orchestrator.New(orchestrator.Config{
		NMax:        nMax,
		Queue:       queuestore.New(t.TempDir()),
		ProcManager: procmanager.New(),
		SessionCfg:  session.Config{},
	})
	hub := eventhub.New(orch)
	orch.AttachHub(hub)
	return New(orch, hub)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	a := newTestAdapter(t, 10)
	rec := doJSON(t, a.Handler(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCreateSessionRejectsMissingWorkingDirectory(t *testing.T) {
	a := newTestAdapter(t, 10)
	rec := doJSON(t, a.Handler(), http.MethodPost, "/sessions", map[string]any{"workingDirectory": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreateSessionRejectsNonexistentDirectory(t *testing.T) {
	a := newTestAdapter(t, 10)
	rec := doJSON(t, a.Handler(), http.MethodPost, "/sessions", map[string]any{"workingDirectory": "/nonexistent/definitely/not/here"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestDeleteUnknownSessionReturnsNotFound(t *testing.T) {
	a := newTestAdapter(t, 10)
	rec := doJSON(t, a.Handler(), http.MethodDelete, "/sessions/missing-id", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body=%s", rec.Code, rec.Body.String())
	}
}

func TestSessionDetailsUnknownSessionReturnsNotFound(t *testing.T) {
	a := newTestAdapter(t, 10)
	rec := doJSON(t, a.Handler(), http.MethodGet, "/sessions/missing-id", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body=%s", rec.Code, rec.Body.String())
	}
}

func TestPostMessageUnknownSessionReturnsNotFound(t *testing.T) {
	a := newTestAdapter(t, 10)
	rec := doJSON(t, a.Handler(), http.MethodPost, "/sessions/missing-id/messages", map[string]any{"message": "hi"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body=%s", rec.Code, rec.Body.String())
	}
}

// TestCreateAtCapacityThenTerminateFreesSlot exercises the capacity-then-
// termination flow: with N_max=1, a second create is rejected (409) until
// the first session is torn down, after which create succeeds again.
func TestCreateAtCapacityThenTerminateFreesSlot(t *testing.T) {
	a := newTestAdapter(t, 1)

	dir1 := t.TempDir()
	rec := doJSON(t, a.Handler(), http.MethodPost, "/sessions", map[string]any{"workingDirectory": dir1})
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
	var created map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}
	sessionID, _ := created["sessionId"].(string)
	if sessionID == "" {
		t.Fatalf("create response missing sessionId: %s", rec.Body.String())
	}

	dir2 := t.TempDir()
	rec2 := doJSON(t, a.Handler(), http.MethodPost, "/sessions", map[string]any{"workingDirectory": dir2})
	if rec2.Code != http.StatusConflict {
		t.Fatalf("second create status = %d, want 409, body=%s", rec2.Code, rec2.Body.String())
	}

	recDelete := doJSON(t, a.Handler(), http.MethodDelete, "/sessions/"+sessionID, nil)
	if recDelete.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200, body=%s", recDelete.Code, recDelete.Body.String())
	}

	rec3 := doJSON(t, a.Handler(), http.MethodPost, "/sessions", map[string]any{"workingDirectory": dir2})
	if rec3.Code != http.StatusCreated {
		t.Fatalf("third create status = %d, want 201, body=%s", rec3.Code, rec3.Body.String())
	}
}

// TestCreateSessionReusesExistingSessionForSameDirectory exercises
// reuse-by-directory: two creates against the same working directory return
// the same session id rather than spawning a second process.
func TestCreateSessionReusesExistingSessionForSameDirectory(t *testing.T) {
	a := newTestAdapter(t, 10)
	dir := t.TempDir()

	rec1 := doJSON(t, a.Handler(), http.MethodPost, "/sessions", map[string]any{"workingDirectory": dir})
	if rec1.Code != http.StatusCreated {
		t.Fatalf("first create status = %d, want 201, body=%s", rec1.Code, rec1.Body.String())
	}
	rec2 := doJSON(t, a.Handler(), http.MethodPost, "/sessions", map[string]any{"workingDirectory": dir})
	if rec2.Code != http.StatusCreated {
		t.Fatalf("second create status = %d, want 201, body=%s", rec2.Code, rec2.Body.String())
	}

	var first, second map[string]any
	json.Unmarshal(rec1.Body.Bytes(), &first)
	json.Unmarshal(rec2.Body.Bytes(), &second)
	if first["sessionId"] != second["sessionId"] {
		t.Fatalf("expected reuse of existing session, got %v and %v", first["sessionId"], second["sessionId"])
	}
}
