// Package orchestrator implements the SessionOrchestrator: the UUID-keyed
// registry of SessionInstances, concurrency capping, reuse-by-directory,
// periodic health sweeping, and orchestrator-level event emission. It is
// grounded on the teacher's app.go session-map ownership pattern
// (sync.RWMutex-guarded map, serialized create/remove) generalized to
// spec.md §4.6.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sessionforge/internal/events"
	"sessionforge/internal/orcherr"
	"sessionforge/internal/procmanager"
	"sessionforge/internal/queuestore"
	"sessionforge/internal/registry"
	"sessionforge/internal/session"
	"sessionforge/internal/workerutil"
)

const healthSweepInterval = 30 * time.Second

// Emitter is satisfied by *eventhub.Hub; kept as an interface so this
// package does not import eventhub (orchestrator implements
// eventhub.SnapshotProvider instead of depending on it directly).
type Emitter interface {
	Emit(events.Event)
}

// Config configures an Orchestrator.
type Config struct {
	NMax        int
	SessionCfg  session.Config
	ProcManager *procmanager.Manager
	Queue       *queuestore.Store
	Registry    *registry.Store
	Hub         Emitter
}

// Stats is the aggregated fleet-level view behind GET /sessions' summary.
type Stats struct {
	ActiveSessions     int
	HealthySessions    int
	TotalMessages      int64
	TotalErrors        int64
	AverageProcessing  float64
	RegistryTotal      int
	RegistryTerminated int
}

// Orchestrator is the process-wide session registry.
type Orchestrator struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*session.Instance
	byDir    map[string]string // canonical working dir -> session ID

	stopHealth chan struct{}
	healthOnce sync.Once
	healthWG   sync.WaitGroup
}

// New constructs an Orchestrator. cfg.NMax defaults to 10 if unset.
func New(cfg Config) *Orchestrator {
	if cfg.NMax <= 0 {
		cfg.NMax = 10
	}
	return &Orchestrator{
		cfg:        cfg,
		sessions:   make(map[string]*session.Instance),
		byDir:      make(map[string]string),
		stopHealth: make(chan struct{}),
	}
}

// canonicalize resolves workingDir to an absolute, symlink-resolved path.
func canonicalize(workingDir string) (string, error) {
	abs, err := filepath.Abs(workingDir)
	if err != nil {
		return "", fmt.Errorf("orchestrator: abs: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("orchestrator: resolve symlinks: %w", err)
	}
	return resolved, nil
}

// Create implements spec.md §4.6's create(): validate, enforce N_max,
// canonicalize+dedup by directory, spawn, register, and emit
// session-created + session-list-update.
func (o *Orchestrator) Create(ctx context.Context, workingDir string, cfgOverride *session.Config) (*session.Instance, error) {
	info, err := os.Stat(workingDir)
	if err != nil || !info.IsDir() {
		return nil, orcherr.Validation("working directory %q does not exist or is not a directory", workingDir)
	}
	canonical, err := canonicalize(workingDir)
	if err != nil {
		return nil, orcherr.Validation("working directory %q could not be canonicalized: %v", workingDir, err)
	}

	o.mu.Lock()
	if existingID, ok := o.byDir[canonical]; ok {
		existing := o.sessions[existingID]
		o.mu.Unlock()
		return existing, nil
	}
	if len(o.sessions) >= o.cfg.NMax {
		o.mu.Unlock()
		return nil, orcherr.Capacity("session capacity reached (%d active, max %d)", len(o.sessions), o.cfg.NMax)
	}
	id := uuid.NewString()
	o.byDir[canonical] = id // reserve the slot before releasing the lock
	o.mu.Unlock()

	// cfgOverride carries only the per-request fields a caller may set
	// (currently SkipPermissions); overlay onto the base config rather than
	// replacing it wholesale; a request-scoped override must not discard the
	// process-wide chunk/timeout/screen tunables.
	cfg := o.cfg.SessionCfg
	if cfgOverride != nil {
		cfg.SkipPermissions = cfgOverride.SkipPermissions
	}

	inst := session.New(id, canonical, cfg, session.Deps{
		ProcManager: o.cfg.ProcManager,
		Queue:       o.cfg.Queue,
		Emit:        o.emitFor(id),
	})

	if err := inst.Initialize(ctx); err != nil {
		o.mu.Lock()
		delete(o.byDir, canonical)
		o.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	if o.cfg.Registry != nil {
		if err := o.cfg.Registry.Create(registry.Row{
			ID: id, WorkingDirectory: canonical, Status: string(session.StatusIdle),
			CreatedAt: now, LastActivity: now,
		}); err != nil {
			slog.Warn("[orchestrator] failed to persist new session row", "id", id, "error", err)
		}
	}

	o.mu.Lock()
	o.sessions[id] = inst
	o.mu.Unlock()

	o.emit(events.SessionCreatedEvent{SessionID: id, At: now})
	o.emitListUpdate()
	return inst, nil
}

// Terminate stops and removes a session and marks its registry row
// terminated (status, queue length, last-activity and termination times).
// The session's message metrics are not written to the registry. Returns
// false if sessionID is unknown.
func (o *Orchestrator) Terminate(sessionID string) (bool, error) {
	o.mu.Lock()
	inst, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return false, nil
	}
	delete(o.sessions, sessionID)
	delete(o.byDir, inst.WorkingDirectory())
	o.mu.Unlock()

	err := inst.Stop()

	if o.cfg.Registry != nil {
		terminatedAt := time.Now()
		snap := inst.GetStatus()
		if updErr := o.cfg.Registry.Update(sessionID, registry.Patch{
			Status: string(session.StatusTerminated), CurrentTask: "", QueueLength: snap.QueueLength,
			LastActivity: terminatedAt, TerminatedAt: &terminatedAt,
		}); updErr != nil {
			slog.Warn("[orchestrator] failed to mark session terminated in registry", "id", sessionID, "error", updErr)
		}
	}

	o.emit(events.SessionTerminatedEvent{SessionID: sessionID, At: time.Now()})
	o.emitListUpdate()
	return true, err
}

// ListActive returns a status snapshot per currently registered session,
// sorted newest-first by creation time.
func (o *Orchestrator) ListActive() []session.StatusSnapshot {
	o.mu.RLock()
	insts := make([]*session.Instance, 0, len(o.sessions))
	for _, inst := range o.sessions {
		insts = append(insts, inst)
	}
	o.mu.RUnlock()

	out := make([]session.StatusSnapshot, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.GetStatus())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Details returns one session's status and queue, or ok=false if unknown.
func (o *Orchestrator) Details(sessionID string) (session.StatusSnapshot, []queuestore.MessageItem, bool) {
	o.mu.RLock()
	inst, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if !ok {
		return session.StatusSnapshot{}, nil, false
	}
	return inst.GetStatus(), inst.Queue(), true
}

// EnqueueMessage validates, looks up, and enqueues on behalf of the REST
// boundary; it returns orcherr.NotFound for an unknown session ID.
func (o *Orchestrator) EnqueueMessage(ctx context.Context, sessionID, payload string) (queuestore.MessageItem, error) {
	o.mu.RLock()
	inst, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if !ok {
		return queuestore.MessageItem{}, orcherr.NotFound("session %s not found", sessionID)
	}
	return inst.Enqueue(ctx, payload)
}

// RemoveMessage removes a queued (non-processing) message from a session.
func (o *Orchestrator) RemoveMessage(sessionID, messageID string) error {
	o.mu.RLock()
	inst, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if !ok {
		return orcherr.NotFound("session %s not found", sessionID)
	}
	return inst.RemoveMessage(messageID)
}

// Stats aggregates in-memory metrics across all registered sessions, plus
// the durable registry's lifetime counts.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	insts := make([]*session.Instance, 0, len(o.sessions))
	for _, inst := range o.sessions {
		insts = append(insts, inst)
	}
	o.mu.RUnlock()

	var stats Stats
	stats.ActiveSessions = len(insts)
	var totalProcMs int64
	for _, inst := range insts {
		snap := inst.GetStatus()
		stats.TotalMessages += snap.Metrics.MessagesProcessed
		stats.TotalErrors += snap.Metrics.ErrorCount
		totalProcMs += snap.Metrics.TotalProcessingMs
		if snap.Status != session.StatusUnhealthy {
			stats.HealthySessions++
		}
	}
	if stats.TotalMessages > 0 {
		stats.AverageProcessing = float64(totalProcMs) / float64(stats.TotalMessages)
	}

	if o.cfg.Registry != nil {
		if regStats, err := o.cfg.Registry.GetSessionStats(); err == nil {
			stats.RegistryTotal = regStats.TotalSessions
			stats.RegistryTerminated = regStats.TerminatedSessions
		}
	}
	return stats
}

// RestoreFromDatabase implements spec.md §4.6's boot-time restoration: every
// still-active registry row becomes a StatusRestored placeholder if its
// working directory still exists, or is marked terminated in the registry
// and skipped otherwise.
func (o *Orchestrator) RestoreFromDatabase(ctx context.Context) error {
	if o.cfg.Registry == nil {
		return nil
	}
	rows, err := o.cfg.Registry.GetActiveSessions()
	if err != nil {
		return fmt.Errorf("orchestrator: restore: %w", err)
	}

	for _, row := range rows {
		if _, statErr := os.Stat(row.WorkingDirectory); statErr != nil {
			terminatedAt := time.Now()
			if updErr := o.cfg.Registry.Update(row.ID, registry.Patch{
				Status: string(session.StatusTerminated), LastActivity: terminatedAt, TerminatedAt: &terminatedAt,
			}); updErr != nil {
				slog.Warn("[orchestrator] failed to mark missing-directory session terminated", "id", row.ID, "error", updErr)
			}
			continue
		}

		inst := session.Restored(row.ID, row.WorkingDirectory, row.CreatedAt, o.cfg.SessionCfg, session.Deps{
			ProcManager: o.cfg.ProcManager,
			Queue:       o.cfg.Queue,
			Emit:        o.emitFor(row.ID),
		})

		o.mu.Lock()
		o.sessions[row.ID] = inst
		o.byDir[row.WorkingDirectory] = row.ID
		o.mu.Unlock()

		slog.Info("[orchestrator] restored session placeholder", "id", row.ID, "workingDirectory", row.WorkingDirectory)
	}

	if len(rows) > 0 {
		o.emitListUpdate()
	}
	return nil
}

// StartHealthSweep periodically syncs each session's status snapshot into
// the registry row; it does not remove sessions from the registry map. It
// complements ProcessManager's own sweep, which only knows about live
// Handles.
func (o *Orchestrator) StartHealthSweep(ctx context.Context) {
	o.healthOnce.Do(func() {
		workerutil.RunWithPanicRecovery(ctx, "orchestrator-health-sweep", &o.healthWG, func(ctx context.Context) {
			ticker := time.NewTicker(healthSweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-o.stopHealth:
					return
				case <-ticker.C:
					o.syncRegistrySnapshots()
				}
			}
		}, workerutil.RecoveryOptions{
			IsShutdown: func() bool {
				select {
				case <-o.stopHealth:
					return true
				default:
					return ctx.Err() != nil
				}
			},
		})
	})
}

func (o *Orchestrator) syncRegistrySnapshots() {
	if o.cfg.Registry == nil {
		return
	}
	for _, snap := range o.ListActive() {
		if err := o.cfg.Registry.Update(snap.ID, registry.Patch{
			Status: string(snap.Status), CurrentTask: snap.CurrentTask,
			QueueLength: snap.QueueLength, LastActivity: snap.LastActivity,
		}); err != nil {
			slog.Debug("[orchestrator] registry sync failed", "id", snap.ID, "error", err)
		}
	}
}

// Stop halts the health sweep goroutine; it does not terminate sessions.
func (o *Orchestrator) Stop() {
	close(o.stopHealth)
}

// AttachHub wires the event sink after construction, breaking the
// constructor cycle between the orchestrator (which an eventhub.Hub needs
// as its SnapshotProvider) and the hub (which the orchestrator needs as
// its Emitter).
func (o *Orchestrator) AttachHub(hub Emitter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.Hub = hub
}

// SessionSnapshot implements eventhub.SnapshotProvider, answering a client's
// reconnect/get-session-state request.
func (o *Orchestrator) SessionSnapshot(sessionID string) (events.SessionSummary, []byte, bool) {
	o.mu.RLock()
	inst, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if !ok {
		return events.SessionSummary{}, nil, false
	}
	snap := inst.GetStatus()
	return toSummary(snap), inst.Screen(), true
}

func toSummary(snap session.StatusSnapshot) events.SessionSummary {
	return events.SessionSummary{
		ID:               snap.ID,
		WorkingDirectory: snap.WorkingDirectory,
		Status:           string(snap.Status),
		CurrentTask:      snap.CurrentTask,
		QueueLength:      snap.QueueLength,
		CreatedAt:        snap.CreatedAt,
		LastActivity:     snap.LastActivity,
	}
}

// emitFor returns the per-session Emit callback: it forwards every event to
// the hub, and additionally persists status flips to the registry and
// re-broadcasts the aggregate session-list-update, per spec.md §4.6's
// "session-list-update observes session-status-changed" ordering rule.
func (o *Orchestrator) emitFor(sessionID string) func(events.Event) {
	return func(ev events.Event) {
		o.emit(ev)
		if statusEv, ok := ev.(events.SessionStatusChangedEvent); ok {
			o.onStatusChanged(sessionID, statusEv)
		}
	}
}

func (o *Orchestrator) onStatusChanged(sessionID string, ev events.SessionStatusChangedEvent) {
	if o.cfg.Registry != nil {
		o.mu.RLock()
		inst, ok := o.sessions[sessionID]
		o.mu.RUnlock()
		if ok {
			snap := inst.GetStatus()
			if err := o.cfg.Registry.Update(sessionID, registry.Patch{
				Status: ev.NewStatus, CurrentTask: snap.CurrentTask,
				QueueLength: snap.QueueLength, LastActivity: ev.At,
			}); err != nil {
				slog.Debug("[orchestrator] registry update on status change failed", "id", sessionID, "error", err)
			}
		}
	}
	o.emitListUpdate()
}

func (o *Orchestrator) emitListUpdate() {
	active := o.ListActive()
	summaries := make([]events.SessionSummary, 0, len(active))
	for _, snap := range active {
		summaries = append(summaries, toSummary(snap))
	}
	o.emit(events.SessionListUpdateEvent{Sessions: summaries, At: time.Now()})
}

func (o *Orchestrator) emit(ev events.Event) {
	if o.cfg.Hub != nil {
		o.cfg.Hub.Emit(ev)
	}
}
