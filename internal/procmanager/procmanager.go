// Package procmanager implements the ProcessManager: spawning and
// supervising PTY-backed children, one per session, with retry-with-backoff
// spawn, two-phase graceful/forceful termination, and a periodic health
// sweep augmented by fsnotify directory-deletion detection. It is grounded
// on internal/terminal (Terminal.Start/Write/Resize/Close) plus the
// teacher's startup/shutdown two-phase idiom.
package procmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sessionforge/internal/terminal"
	"sessionforge/internal/workerutil"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 1 * time.Second
	tGraceful           = 2 * time.Second
	tForce              = 3 * time.Second
	healthSweepInterval = 30 * time.Second
)

// allowedEnvKeys is the restricted environment allowlist a spawned child
// inherits. Nothing else from the orchestrator's own environment leaks in.
var allowedEnvKeys = []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TERM", "PWD"}

// SpawnOptions configures one spawn() call.
type SpawnOptions struct {
	Shell   string
	Args    []string
	Columns int
	Rows    int
}

// Events are the lifecycle callbacks a Handle reports through.
type Events struct {
	OnStdout             func(data []byte)
	OnExit               func(code int, err error)
	OnError              func(err error)
	OnHealthCheckFailed  func()
	OnForceKillTimeout   func()
	OnWorkdirDeleted     func()
}

// Handle is an opaque, live process handle returned by Spawn.
type Handle struct {
	id      string
	dir     string
	term    *terminal.Terminal
	events  Events
	watcher *fsnotify.Watcher

	mu          sync.Mutex
	exited      bool
	forceKill   *time.Timer
	watchCancel context.CancelFunc
}

// ID returns the handle's manager-assigned identifier.
func (h *Handle) ID() string { return h.id }

// Manager supervises a set of live Handles.
type Manager struct {
	mu      sync.Mutex
	handles map[string]*Handle

	healthOnce sync.Once
	healthWG   sync.WaitGroup
}

// New constructs a Manager. Callers should call StartHealthSweep once the
// manager is wired into an orchestrator.
func New() *Manager {
	return &Manager{handles: make(map[string]*Handle)}
}

// restrictedEnv builds the child environment from the allowlist plus an
// unbuffered-output hint, per spec.md §4.3.
func restrictedEnv() []string {
	env := make([]string, 0, len(allowedEnvKeys)+1)
	for _, key := range allowedEnvKeys {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env, "PYTHONUNBUFFERED=1")
	return env
}

// Spawn launches a PTY-backed child under workingDir, retrying up to
// defaultMaxAttempts times with exponential-ish backoff (1s * 2^attempt) on
// failure. workingDir must already exist; callers validate that separately
// (ValidationError belongs to the orchestrator layer, not here).
func (m *Manager) Spawn(ctx context.Context, id, workingDir string, opts SpawnOptions, events Events) (*Handle, error) {
	if _, err := os.Stat(workingDir); err != nil {
		return nil, fmt.Errorf("procmanager: working directory: %w", err)
	}

	shell := opts.Shell
	if shell == "" {
		shell = defaultShell()
	}
	cfg := terminal.Config{
		Shell:   shell,
		Args:    opts.Args,
		Dir:     workingDir,
		Env:     restrictedEnv(),
		Columns: opts.Columns,
		Rows:    opts.Rows,
	}

	var term *terminal.Terminal
	var lastErr error
	delay := defaultInitialDelay
	for attempt := 0; attempt < defaultMaxAttempts; attempt++ {
		var err error
		term, err = terminal.Start(cfg)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		slog.Warn("[procmanager] spawn attempt failed", "id", id, "attempt", attempt+1, "error", err)
		if attempt == defaultMaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	if lastErr != nil {
		return nil, fmt.Errorf("procmanager: spawn failed after %d attempts: %w", defaultMaxAttempts, lastErr)
	}

	watcher, watchErr := fsnotify.NewWatcher()
	if watchErr != nil {
		slog.Warn("[procmanager] fsnotify watcher unavailable, directory deletion detection disabled", "error", watchErr)
	}

	h := &Handle{id: id, dir: workingDir, term: term, events: events, watcher: watcher}
	m.mu.Lock()
	m.handles[id] = h
	m.mu.Unlock()

	go func() {
		term.ReadLoop(func(data []byte) {
			if events.OnStdout != nil {
				events.OnStdout(data)
			}
		})
		// The read loop ends once the child's output is closed (the child
		// exited) or the terminal was closed; closing it here lets IsClosed
		// report a child that exited on its own.
		term.Close()
	}()
	go h.watchExit()
	if watcher != nil {
		h.startDirWatch()
	}

	return h, nil
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// watchExit blocks until the underlying terminal reports closed, then
// invokes OnExit. A real exec.Cmd.Wait is not exposed by internal/terminal,
// so liveness is inferred from IsClosed, which turns true when Terminate
// closes the terminal or when the read loop started by Spawn ends because
// the child's output closed.
func (h *Handle) watchExit() {
	for {
		time.Sleep(200 * time.Millisecond)
		if h.term.IsClosed() {
			h.mu.Lock()
			already := h.exited
			h.exited = true
			h.mu.Unlock()
			if !already && h.events.OnExit != nil {
				h.events.OnExit(0, nil)
			}
			return
		}
	}
}

// startDirWatch watches the session's working directory so a deletion is
// observed between health-sweep ticks instead of only at the next sweep.
func (h *Handle) startDirWatch() {
	ctx, cancel := context.WithCancel(context.Background())
	h.watchCancel = cancel
	if err := h.watcher.Add(h.dir); err != nil {
		slog.Debug("[procmanager] fsnotify add failed", "dir", h.dir, "error", err)
		return
	}
	go func() {
		defer h.watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-h.watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && ev.Name == h.dir {
					slog.Warn("[procmanager] working directory removed out from under session", "dir", h.dir)
					if h.events.OnWorkdirDeleted != nil {
						h.events.OnWorkdirDeleted()
					}
					return
				}
			case werr, ok := <-h.watcher.Errors:
				if !ok {
					return
				}
				slog.Debug("[procmanager] fsnotify error", "error", werr)
			}
		}
	}()
}

// Write writes input bytes to the child's stdin/PTY. Returns ErrHandleDead
// without touching the terminal if the process has already exited, so
// callers can distinguish "needs respawn" from a transient write error.
func (h *Handle) Write(data []byte) (int, error) {
	if h.term.IsClosed() {
		return 0, ErrHandleDead
	}
	return h.term.Write(data)
}

// Resize propagates a terminal resize.
func (h *Handle) Resize(cols, rows int) error {
	return h.term.Resize(cols, rows)
}

// IsAlive reports whether the handle's process is still running.
func (h *Handle) IsAlive() bool {
	return !h.term.IsClosed()
}

// Terminate performs the two-phase graceful-then-forceful shutdown from
// spec.md §4.3: a JSON exit request is written to stdin, then (after
// tGraceful) a hard kill, watchdog-armed so a leaked process is reported
// rather than silently waited on forever.
func (m *Manager) Terminate(h *Handle) error {
	if h == nil {
		return nil
	}
	defer m.forget(h.id)

	if h.watchCancel != nil {
		h.watchCancel()
	}

	if !h.term.IsClosed() {
		exitLine, _ := json.Marshal(map[string]string{"action": "exit"})
		if _, err := h.term.Write(append(exitLine, '\n')); err != nil {
			slog.Debug("[procmanager] graceful exit write failed, proceeding to forceful kill", "id", h.id, "error", err)
		}
	}

	graceDeadline := time.Now().Add(tGraceful)
	for time.Now().Before(graceDeadline) {
		if h.term.IsClosed() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	h.mu.Lock()
	h.forceKill = time.AfterFunc(tForce, func() {
		if !h.term.IsClosed() {
			slog.Error("[procmanager] force-kill-timeout: process did not exit after kill signal", "id", h.id)
			if h.events.OnForceKillTimeout != nil {
				h.events.OnForceKillTimeout()
			}
		}
	})
	h.mu.Unlock()

	err := h.term.Close()

	h.mu.Lock()
	if h.forceKill != nil {
		h.forceKill.Stop()
		h.forceKill = nil
	}
	h.mu.Unlock()

	return err
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.handles, id)
	m.mu.Unlock()
}

// StartHealthSweep runs the 30s liveness sweep until ctx is cancelled. The
// loop runs under workerutil.RunWithPanicRecovery so a panic in one sweep
// (e.g. from a malformed Handle) restarts the loop instead of silently
// ending all liveness detection for the rest of the process's life.
func (m *Manager) StartHealthSweep(ctx context.Context) {
	m.healthOnce.Do(func() {
		workerutil.RunWithPanicRecovery(ctx, "procmanager-health-sweep", &m.healthWG, func(ctx context.Context) {
			ticker := time.NewTicker(healthSweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.sweep()
				}
			}
		}, workerutil.RecoveryOptions{
			IsShutdown: func() bool { return ctx.Err() != nil },
		})
	})
}

func (m *Manager) sweep() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if !h.IsAlive() {
			slog.Warn("[procmanager] health sweep: process dead", "id", h.id)
			if h.events.OnHealthCheckFailed != nil {
				h.events.OnHealthCheckFailed()
			}
			m.forget(h.id)
		}
	}
}

// ErrHandleDead is returned by Handle.Write when the process has already
// exited; kept as a sentinel so callers can errors.Is without depending on
// orcherr directly.
var ErrHandleDead = errors.New("procmanager: handle is dead")
