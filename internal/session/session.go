// Package session implements SessionInstance: a single interactive
// session's state machine, composing one ProcessManager handle, one
// OutputThrottler, one PromptDetector, and one QueueStore. It is grounded
// on the teacher's per-session ownership and create/reuse flow.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sessionforge/internal/events"
	"sessionforge/internal/orcherr"
	"sessionforge/internal/procmanager"
	"sessionforge/internal/promptdetector"
	"sessionforge/internal/queuestore"
	"sessionforge/internal/screenbuf"
)

// Status is a session's coarse lifecycle state, per spec.md §4.5.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusIdle         Status = "idle"
	StatusBusy         Status = "busy"
	StatusUnhealthy    Status = "unhealthy"
	StatusTerminated   Status = "terminated"
	StatusRestored     Status = "restored"
	StatusError        Status = "error"
)

const (
	defaultSmallChunkSize  = 2 * 1024
	defaultLargeChunkSize  = 4 * 1024
	payloadSizeBreak       = 10 * 1024
	defaultSmallChunkDelay = 100 * time.Millisecond
	defaultLargeChunkDelay = 150 * time.Millisecond
	preSubmitWait          = 300 * time.Millisecond

	defaultInitReadyTimeout  = 60 * time.Second
	defaultCompletionTimeout = 5 * time.Minute
	loopSpacingDelay         = 1 * time.Second
	selfHealthInterval       = 30 * time.Second
	processingStuckTimeout   = 10 * time.Minute
	maxStdinRetries          = 3

	maxPayloadLength = 32 * 1024
)

// Config holds per-session tunables, mirroring spec.md §3's Session
// "configuration" attribute (chunk size, timeouts, screen/detector windows).
// Zero values fall back to spec.md §4's defaults; fields that are themselves
// passed straight through to screenbuf.Config/promptdetector.Config (screen
// bounds, debounce/stabilization windows) are defaulted by those packages
// instead of here, so the default lives in one place.
type Config struct {
	ThrottleMs       time.Duration
	AutoClearMs      time.Duration
	SkipPermissions  bool
	MaxPayloadLength int

	ScreenBufferMax int
	ScreenTrimRatio float64

	DebounceMs          time.Duration
	StabilizationMs     time.Duration
	LongStabilizationMs time.Duration

	InitialReadyTimeout time.Duration
	CompletionTimeout   time.Duration

	ChunkSizeSmall    int
	ChunkSizeLarge    int
	ChunkDelaySmallMs time.Duration
	ChunkDelayLargeMs time.Duration

	AutoSaveInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPayloadLength <= 0 {
		c.MaxPayloadLength = maxPayloadLength
	}
	if c.InitialReadyTimeout <= 0 {
		c.InitialReadyTimeout = defaultInitReadyTimeout
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = defaultCompletionTimeout
	}
	if c.ChunkSizeSmall <= 0 {
		c.ChunkSizeSmall = defaultSmallChunkSize
	}
	if c.ChunkSizeLarge <= 0 {
		c.ChunkSizeLarge = defaultLargeChunkSize
	}
	if c.ChunkDelaySmallMs <= 0 {
		c.ChunkDelaySmallMs = defaultSmallChunkDelay
	}
	if c.ChunkDelayLargeMs <= 0 {
		c.ChunkDelayLargeMs = defaultLargeChunkDelay
	}
	if c.AutoSaveInterval <= 0 {
		c.AutoSaveInterval = queuestore.AutoSaveInterval()
	}
	return c
}

// Metrics tracks aggregate message-processing performance for one session.
type Metrics struct {
	MessagesProcessed  int64
	TotalProcessingMs  int64
	ErrorCount         int64
}

func (m Metrics) AverageProcessingMs() float64 {
	if m.MessagesProcessed == 0 {
		return 0
	}
	return float64(m.TotalProcessingMs) / float64(m.MessagesProcessed)
}

// StatusSnapshot is the DTO returned by GetStatus, following the teacher's
// snapshot convention: a value type built under lock.
type StatusSnapshot struct {
	ID                string
	WorkingDirectory  string
	Status            Status
	CreatedAt         time.Time
	LastActivity      time.Time
	CurrentTask       string
	QueueLength       int
	ProcessingID      string
	Metrics           Metrics
}

// Deps are the collaborators a SessionInstance is constructed with; the
// orchestrator owns their lifetimes and wires fresh instances per session.
type Deps struct {
	ProcManager *procmanager.Manager
	Queue       *queuestore.Store
	Emit        func(events.Event)
}

// Instance is the SessionInstance state machine.
type Instance struct {
	id         string
	workingDir string
	cfg        Config
	deps       Deps

	createdAt time.Time

	mu           sync.Mutex
	status       Status
	currentTask  string
	lastActivity time.Time
	metrics      Metrics
	nextSeq      int64
	queue        []queuestore.MessageItem
	processingID string

	initOnce   sync.Once
	initErr    error
	initDone   chan struct{}

	screen   *screenbuf.Buffer
	detector *promptdetector.Detector
	handle   *procmanager.Handle

	kick     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	scheduled bool // not read or written; loop wakeups are coalesced through kick
}

// New constructs an Instance in status initializing. It does not spawn the
// child; call Initialize for that.
func New(id, workingDir string, cfg Config, deps Deps) *Instance {
	cfg = cfg.withDefaults()
	inst := &Instance{
		id:         id,
		workingDir: workingDir,
		cfg:        cfg,
		deps:       deps,
		createdAt:  time.Now(),
		status:     StatusInitializing,
		initDone:   make(chan struct{}),
		kick:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	return inst
}

// Restored constructs an Instance representing a row loaded from the
// session registry at boot: no child process is spawned until the first
// Enqueue call lazily promotes it out of StatusRestored.
func Restored(id, workingDir string, createdAt time.Time, cfg Config, deps Deps) *Instance {
	inst := New(id, workingDir, cfg, deps)
	inst.status = StatusRestored
	inst.createdAt = createdAt
	inst.lastActivity = createdAt
	return inst
}

// IsRestoredPlaceholder reports whether the instance has not yet been
// promoted out of StatusRestored (no child spawned, loop not running).
func (s *Instance) IsRestoredPlaceholder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusRestored
}

// ID returns the session's UUID.
func (s *Instance) ID() string { return s.id }

// WorkingDirectory returns the session's immutable working directory.
func (s *Instance) WorkingDirectory() string { return s.workingDir }

// Initialize spawns the child, wires the OutputThrottler/PromptDetector, and
// awaits initial readiness. Idempotent: concurrent callers share one start
// attempt via sync.Once.
func (s *Instance) Initialize(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.initErr = s.doInitialize(ctx)
		close(s.initDone)
	})
	<-s.initDone
	return s.initErr
}

func (s *Instance) doInitialize(ctx context.Context) error {
	s.screen = screenbuf.New(screenbuf.Config{
		SMax:       s.cfg.ScreenBufferMax,
		TrimRatio:  s.cfg.ScreenTrimRatio,
		ThrottleMs: s.cfg.ThrottleMs,
		AutoClear:  s.cfg.AutoClearMs,
	}, screenbuf.Events{
		OnOutput: func(snapshot []byte) {
			s.touchActivity()
			s.emit(events.OutputEvent{SessionID: s.id, Screen: snapshot, At: time.Now()})
		},
	}, nil)

	s.detector = promptdetector.New(promptdetector.Config{
		DebounceMs:        s.cfg.DebounceMs,
		StabilizationMs:   s.cfg.StabilizationMs,
		LongStabilization: s.cfg.LongStabilizationMs,
	}, s.screen.Snapshot, nil)

	if err := s.spawnAndAwaitReady(ctx); err != nil {
		return err
	}

	loaded, loadErr := s.deps.Queue.Load(s.workingDir)
	if loadErr != nil {
		slog.Warn("[session] queue load failed, starting empty", "id", s.id, "error", loadErr)
	}
	s.mu.Lock()
	s.queue = loaded
	for _, item := range loaded {
		if item.Sequence >= s.nextSeq {
			s.nextSeq = item.Sequence + 1
		}
	}
	s.mu.Unlock()

	s.setStatus(StatusIdle)
	s.wg.Add(1)
	go s.loop()
	s.wg.Add(1)
	go s.selfHealthLoop()
	s.wg.Add(1)
	go s.autoSaveLoop()
	return nil
}

// spawnAndAwaitReady spawns a child process and blocks until the prompt
// detector reports ready or s.cfg.InitialReadyTimeout elapses. Used both for
// the initial spawn and, via retryingWrite, to respawn a process that died
// mid-session.
func (s *Instance) spawnAndAwaitReady(ctx context.Context) error {
	var spawnOpts procmanager.SpawnOptions
	if s.cfg.SkipPermissions {
		spawnOpts.Args = append(spawnOpts.Args, "--dangerously-skip-permissions")
	}
	handle, err := s.deps.ProcManager.Spawn(ctx, s.id, s.workingDir, spawnOpts, procmanager.Events{
		OnStdout: func(data []byte) {
			s.detector.NoteOutput()
			s.screen.Process(data)
		},
		OnExit: func(code int, err error) {
			s.setStatus(StatusUnhealthy)
		},
		OnHealthCheckFailed: func() {
			s.setStatus(StatusUnhealthy)
		},
		OnWorkdirDeleted: func() {
			s.setStatus(StatusUnhealthy)
		},
	})
	if err != nil {
		return orcherr.Spawn(err, "failed to spawn session %s", s.id)
	}
	s.handle = handle

	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.InitialReadyTimeout)
	defer cancel()
	result := s.detector.WaitForReady(readyCtx)
	if result.State != promptdetector.StateReady {
		s.deps.ProcManager.Terminate(handle)
		return orcherr.ProcessingTimeout("session %s did not become ready within %s", s.id, s.cfg.InitialReadyTimeout)
	}
	return nil
}

// Enqueue validates and appends a new message, persisting the queue and
// scheduling a processing pass if the session is idle. A session still in
// StatusRestored is lazily promoted (child spawned, queue loaded) before the
// message is accepted.
func (s *Instance) Enqueue(ctx context.Context, payload string) (queuestore.MessageItem, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return queuestore.MessageItem{}, orcherr.Unprocessable("message payload must not be empty")
	}
	if len(payload) > s.cfg.MaxPayloadLength {
		return queuestore.MessageItem{}, orcherr.Unprocessable("message payload exceeds maximum length %d", s.cfg.MaxPayloadLength)
	}

	if s.IsRestoredPlaceholder() {
		if err := s.Initialize(ctx); err != nil {
			return queuestore.MessageItem{}, err
		}
	}

	s.mu.Lock()
	if s.status == StatusTerminated {
		s.mu.Unlock()
		return queuestore.MessageItem{}, orcherr.Validation("session %s is terminated", s.id)
	}
	item := queuestore.MessageItem{
		ID:        uuid.NewString(),
		SessionID: s.id,
		Payload:   payload,
		Status:    queuestore.StatusPending,
		Sequence:  s.nextSeq,
		CreatedAt: time.Now(),
	}
	s.nextSeq++
	s.queue = append(s.queue, item)
	snapshotQueue := append([]queuestore.MessageItem(nil), s.queue...)
	readyToSchedule := s.status == StatusIdle
	s.mu.Unlock()

	if err := s.deps.Queue.Save(s.workingDir, snapshotQueue, false); err != nil {
		slog.Warn("[session] queue save failed after enqueue", "id", s.id, "error", err)
	}
	s.emit(events.MessageLifecycleEvent{SessionID: s.id, MessageID: item.ID, Status: string(queuestore.StatusPending), At: time.Now()})

	if readyToSchedule {
		s.scheduleLoop()
	}
	return item, nil
}

// RemoveMessage deletes a non-processing message from the queue.
func (s *Instance) RemoveMessage(messageID string) error {
	s.mu.Lock()
	idx := -1
	for i, m := range s.queue {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return orcherr.NotFound("message %s not found", messageID)
	}
	if s.queue[idx].Status == queuestore.StatusProcessing {
		s.mu.Unlock()
		return orcherr.Validation("cannot remove message %s while processing", messageID)
	}
	s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
	snapshot := append([]queuestore.MessageItem(nil), s.queue...)
	s.mu.Unlock()

	if err := s.deps.Queue.Save(s.workingDir, snapshot, false); err != nil {
		slog.Warn("[session] queue save failed after removeMessage", "id", s.id, "error", err)
	}
	s.emit(events.MessageLifecycleEvent{SessionID: s.id, MessageID: messageID, Status: "removed", At: time.Now()})
	return nil
}

// GetStatus returns a point-in-time snapshot.
func (s *Instance) GetStatus() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusSnapshot{
		ID:               s.id,
		WorkingDirectory: s.workingDir,
		Status:           s.status,
		CreatedAt:        s.createdAt,
		LastActivity:     s.lastActivity,
		CurrentTask:      s.currentTask,
		QueueLength:      len(s.queue),
		ProcessingID:     s.processingID,
		Metrics:          s.metrics,
	}
}

// Queue returns a copy of the current message list, used by the
// orchestrator's details() view.
func (s *Instance) Queue() []queuestore.MessageItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]queuestore.MessageItem(nil), s.queue...)
}

// Screen returns the current reconstructed screen, used for reconnect
// snapshots.
func (s *Instance) Screen() []byte {
	if s.screen == nil {
		return nil
	}
	return s.screen.Snapshot()
}

// Stop is idempotent: downgrades any in-flight message, persists, terminates
// the child, and transitions to terminated.
func (s *Instance) Stop() error {
	var stopErr error
	s.stopOnce.Do(func() {
		close(s.stopCh)

		s.mu.Lock()
		for i := range s.queue {
			if s.queue[i].Status == queuestore.StatusProcessing {
				s.queue[i].Status = queuestore.StatusPending
			}
		}
		snapshot := append([]queuestore.MessageItem(nil), s.queue...)
		s.mu.Unlock()

		if err := s.deps.Queue.Save(s.workingDir, snapshot, false); err != nil {
			slog.Warn("[session] final queue save failed on stop", "id", s.id, "error", err)
		}

		if s.screen != nil {
			s.screen.Stop()
		}
		if s.handle != nil {
			if err := s.deps.ProcManager.Terminate(s.handle); err != nil {
				stopErr = err
			}
		}
		s.setStatus(StatusTerminated)
		s.wg.Wait()
		s.emit(events.SessionTerminatedEvent{SessionID: s.id, At: time.Now()})
	})
	return stopErr
}

func (s *Instance) touchActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Instance) setStatus(next Status) {
	s.mu.Lock()
	old := s.status
	if old == next || old == StatusTerminated {
		s.mu.Unlock()
		return
	}
	s.status = next
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.emit(events.SessionStatusChangedEvent{SessionID: s.id, OldStatus: string(old), NewStatus: string(next), At: time.Now()})
}

func (s *Instance) emit(ev events.Event) {
	if s.deps.Emit != nil {
		s.deps.Emit(ev)
	}
}

// scheduleLoop wakes the processing loop, coalescing repeated wakeups the
// same way OutputThrottler coalesces trailing emits.
func (s *Instance) scheduleLoop() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// loop is the strictly-serial message-processing loop, one goroutine per
// session for its lifetime.
func (s *Instance) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.kick:
			s.runOnePass()
			time.Sleep(loopSpacingDelay)
		}
	}
}

func (s *Instance) runOnePass() {
	s.mu.Lock()
	if s.status != StatusIdle {
		s.mu.Unlock()
		return
	}
	var next *queuestore.MessageItem
	for i := range s.queue {
		if s.queue[i].Status == queuestore.StatusPending {
			next = &s.queue[i]
			break
		}
	}
	if next == nil {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	next.Status = queuestore.StatusProcessing
	next.ProcessingStartedAt = &now
	s.processingID = next.ID
	s.currentTask = truncateTask(next.Payload)
	s.status = StatusBusy
	snapshot := append([]queuestore.MessageItem(nil), s.queue...)
	item := *next
	s.mu.Unlock()

	if err := s.deps.Queue.Save(s.workingDir, snapshot, false); err != nil {
		slog.Warn("[session] queue save failed before processing", "id", s.id, "error", err)
	}
	s.emit(events.MessageLifecycleEvent{SessionID: s.id, MessageID: item.ID, Status: string(queuestore.StatusProcessing), At: time.Now()})

	start := time.Now()
	err := s.writeChunked(item.Payload)
	var completionErr error
	if err == nil {
		completionCtx, cancel := context.WithTimeout(context.Background(), s.cfg.CompletionTimeout)
		res := s.detector.WaitForReady(completionCtx)
		cancel()
		if res.State != promptdetector.StateReady {
			completionErr = orcherr.ProcessingTimeout("message %s did not complete within %s", item.ID, s.cfg.CompletionTimeout)
		}
	} else {
		completionErr = err
	}

	s.finishItem(item.ID, start, completionErr)

	s.mu.Lock()
	s.currentTask = ""
	s.processingID = ""
	s.status = StatusIdle
	s.mu.Unlock()
	s.setStatus(StatusIdle)
	s.scheduleLoop()
}

func truncateTask(payload string) string {
	const maxLen = 50
	if len(payload) <= maxLen {
		return payload
	}
	return payload[:maxLen]
}

func (s *Instance) finishItem(id string, start time.Time, procErr error) {
	s.mu.Lock()
	for i := range s.queue {
		if s.queue[i].ID != id {
			continue
		}
		now := time.Now()
		if procErr != nil {
			s.queue[i].Status = queuestore.StatusError
			s.queue[i].ErrorAt = &now
			s.queue[i].ErrorReason = procErr.Error()
			s.metrics.ErrorCount++
		} else {
			elapsed := time.Since(start).Milliseconds()
			s.queue[i].Status = queuestore.StatusCompleted
			s.queue[i].CompletedAt = &now
			s.queue[i].ProcessingTimeMs = &elapsed
			s.metrics.MessagesProcessed++
			s.metrics.TotalProcessingMs += elapsed
		}
		break
	}
	snapshot := append([]queuestore.MessageItem(nil), s.queue...)
	s.mu.Unlock()

	if err := s.deps.Queue.Save(s.workingDir, snapshot, false); err != nil {
		slog.Warn("[session] queue save failed after item completion", "id", s.id, "error", err)
	}
	status := string(queuestore.StatusCompleted)
	if procErr != nil {
		status = string(queuestore.StatusError)
		s.emit(events.SessionErrorEvent{SessionID: s.id, Kind: "processing_timeout", Message: procErr.Error(), At: time.Now()})
	}
	s.emit(events.MessageLifecycleEvent{SessionID: s.id, MessageID: id, Status: status, At: time.Now()})
}

// writeChunked implements spec.md §4.5 step 3: size-selected chunking with
// inter-chunk pacing, then a pre-submit wait and a lone `\r` terminator. The
// PTY layer collapses a chunk and a terminating carriage return into a
// single read otherwise, which the TUI misinterprets as a single keystroke.
func (s *Instance) writeChunked(payload string) error {
	chunkSize := s.cfg.ChunkSizeSmall
	delay := s.cfg.ChunkDelaySmallMs
	if len(payload) >= payloadSizeBreak {
		chunkSize = s.cfg.ChunkSizeLarge
		delay = s.cfg.ChunkDelayLargeMs
	}

	return s.retryingWrite(func() error {
		data := []byte(payload)
		for len(data) > 0 {
			n := chunkSize
			if n > len(data) {
				n = len(data)
			}
			if _, err := s.handle.Write(data[:n]); err != nil {
				return err
			}
			data = data[n:]
			time.Sleep(delay)
		}
		time.Sleep(preSubmitWait)
		_, err := s.handle.Write([]byte("\r"))
		return err
	})
}

// retryingWrite retries up to maxStdinRetries times with 1s/2s/4s backoff
// when stdin is not writable, re-initializing the process between attempts
// per spec.md §4.5 if the process has died.
func (s *Instance) retryingWrite(fn func() error) error {
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt <= maxStdinRetries; attempt++ {
		if !s.handle.IsAlive() {
			if respawnErr := s.spawnAndAwaitReady(context.Background()); respawnErr != nil {
				lastErr = fmt.Errorf("session %s: respawn failed: %w", s.id, respawnErr)
			} else if err := fn(); err != nil {
				lastErr = err
			} else {
				return nil
			}
		} else if err := fn(); err != nil {
			lastErr = err
		} else {
			return nil
		}
		if attempt == maxStdinRetries {
			break
		}
		slog.Warn("[session] stdin write failed, retrying", "id", s.id, "attempt", attempt+1, "error", lastErr)
		time.Sleep(backoff)
		backoff *= 2
	}
	return orcherr.Stdin(lastErr, "session %s: stdin unwritable after %d retries", s.id, maxStdinRetries)
}

// autoSaveLoop persists the queue at a fixed cadence independent of
// per-mutation saves, per spec.md §4.4: if the queue is non-empty, save with
// the backup sidecar suppressed, then write a timestamped snapshot for the
// rotation in queuestore to manage.
func (s *Instance) autoSaveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.AutoSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.autoSave()
		}
	}
}

func (s *Instance) autoSave() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	snapshot := append([]queuestore.MessageItem(nil), s.queue...)
	s.mu.Unlock()

	if err := s.deps.Queue.Save(s.workingDir, snapshot, true); err != nil {
		slog.Warn("[session] auto-save failed", "id", s.id, "error", err)
		return
	}
	if err := s.deps.Queue.SnapshotBackup(s.workingDir); err != nil {
		slog.Warn("[session] auto-save backup snapshot failed", "id", s.id, "error", err)
	}
}

func (s *Instance) selfHealthLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(selfHealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.selfHealthCheck()
		}
	}
}

func (s *Instance) selfHealthCheck() {
	if s.handle != nil && !s.handle.IsAlive() {
		s.setStatus(StatusUnhealthy)
		return
	}
	s.mu.Lock()
	var stuck bool
	for _, m := range s.queue {
		if m.Status == queuestore.StatusProcessing && m.ProcessingStartedAt != nil {
			if time.Since(*m.ProcessingStartedAt) > processingStuckTimeout {
				stuck = true
				break
			}
		}
	}
	s.mu.Unlock()
	if stuck {
		s.setStatus(StatusUnhealthy)
	}
}
