// Package promptdetector classifies a rolling screen buffer into
// {ready, busy, awaiting-permission} on a fixed tick, combining priority
// ranked pattern matching with an output-silence debounce. It is grounded on
// the teacher's tick-driven pane classification and on the coder-agentapi
// PTY conversation tracker's "N consecutive identical snapshots" stability
// idea, adapted to spec.md §4.2's pattern/priority/fallback algorithm.
package promptdetector

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// State is the three-way classification plus the timeout sentinel.
type State int

const (
	StateBusy State = iota
	StateReady
	StateAwaitingPermission
	StateTimeout
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateAwaitingPermission:
		return "awaiting-permission"
	case StateTimeout:
		return "timeout"
	default:
		return "busy"
	}
}

// Method records which rule produced a "ready" classification, useful for
// diagnostics.
type Method string

const (
	MethodPrimarySentinel       Method = "primary-sentinel"
	MethodTrailingPrompt        Method = "trailing-prompt"
	MethodContextual            Method = "contextual"
	MethodStabilizationWithProm Method = "stabilization-with-prompt"
	MethodLongStabilization     Method = "long-stabilization"
)

// readyPatterns is priority-ordered, highest priority first.
var readyPatterns = []struct {
	pattern  string
	method   Method
	priority int
}{
	{"? for shortcuts", MethodPrimarySentinel, 0},
	{"│ >", MethodPrimarySentinel, 0},
	{"bypassing permissions", MethodContextual, 2},
	{"welcome to", MethodContextual, 2},
	{"❯", MethodContextual, 2},
	{"⟩", MethodContextual, 2},
}

var permissionSubstrings = []string{
	"do you want to",
	"proceed with",
	"continue?",
	"are you sure",
	"press enter to continue",
}

var completionPhrases = []string{
	"successfully",
	"changes applied",
	"task finished",
}

// Config tunes the classifier. Zero values fall back to spec.md §4.2
// defaults.
type Config struct {
	TickInterval      time.Duration
	DebounceMs        time.Duration
	StabilizationMs   time.Duration
	LongStabilization time.Duration
	MinContentLength  int
	Timeout           time.Duration
}

const (
	defaultTick              = 500 * time.Millisecond
	defaultDebounce          = 2 * time.Second
	defaultStabilization     = 4 * time.Second
	defaultLongStabilization = 8 * time.Second
	defaultMinContentLength  = 8
	defaultTimeout           = time.Hour
)

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTick
	}
	if c.DebounceMs <= 0 {
		c.DebounceMs = defaultDebounce
	}
	if c.StabilizationMs <= 0 {
		c.StabilizationMs = defaultStabilization
	}
	if c.LongStabilization <= 0 {
		c.LongStabilization = defaultLongStabilization
	}
	if c.MinContentLength <= 0 {
		c.MinContentLength = defaultMinContentLength
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// Result is one classification outcome.
type Result struct {
	State  State
	Method Method
}

// Detector runs the classification loop against a screen source.
type Detector struct {
	cfg Config
	now func() time.Time

	mu              sync.Mutex
	screen          func() []byte
	lastOutputAt    time.Time
	awaitingPerm    bool
	startedAt       time.Time
	lastNonEmptyLen int
}

// New constructs a Detector. screenFn returns the current screen snapshot
// (normally OutputThrottler.Snapshot); now defaults to time.Now.
func New(cfg Config, screenFn func() []byte, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{cfg: cfg.withDefaults(), now: now, screen: screenFn}
}

// NoteOutput records that new bytes arrived, resetting the silence clock
// used by the debounce and stabilization rules.
func (d *Detector) NoteOutput() {
	d.mu.Lock()
	d.lastOutputAt = d.now()
	d.mu.Unlock()
}

// classify runs one tick of the algorithm in spec.md §4.2.
func (d *Detector) classify() Result {
	d.mu.Lock()
	screen := strings.ToLower(string(d.screen()))
	lastOutputAt := d.lastOutputAt
	awaitingPerm := d.awaitingPerm
	d.mu.Unlock()

	now := d.now()

	if awaitingPerm {
		if readyMethod, ok := matchPrimaryReady(screen); ok {
			d.clearAwaitingPermission()
			return Result{State: StateReady, Method: readyMethod}
		}
		if containsAny(screen, completionPhrases) {
			d.clearAwaitingPermission()
			return Result{State: StateReady, Method: MethodContextual}
		}
		return Result{State: StateAwaitingPermission}
	}

	if containsAny(screen, permissionSubstrings) || hasYesNoPrompt(screen) {
		d.setAwaitingPermission()
		return Result{State: StateAwaitingPermission}
	}

	delta := now.Sub(lastOutputAt)
	if method, ok := matchAnyReady(screen); ok {
		if delta >= d.cfg.DebounceMs {
			return Result{State: StateReady, Method: method}
		}
	}

	trimmed := strings.TrimSpace(screen)
	endsWithPrompt := strings.HasSuffix(trimmed, ">") || strings.HasSuffix(trimmed, "$")
	if utf8.RuneCountInString(screen) > d.cfg.MinContentLength && endsWithPrompt {
		if delta >= d.cfg.StabilizationMs {
			return Result{State: StateReady, Method: MethodStabilizationWithProm}
		}
	}
	if delta >= d.cfg.LongStabilization && utf8.RuneCountInString(trimmed) > 0 {
		return Result{State: StateReady, Method: MethodLongStabilization}
	}

	return Result{State: StateBusy}
}

func (d *Detector) setAwaitingPermission() {
	d.mu.Lock()
	d.awaitingPerm = true
	d.mu.Unlock()
}

func (d *Detector) clearAwaitingPermission() {
	d.mu.Lock()
	d.awaitingPerm = false
	d.mu.Unlock()
}

func matchPrimaryReady(screen string) (Method, bool) {
	for _, p := range readyPatterns {
		if p.priority == 0 && strings.Contains(screen, p.pattern) {
			return p.method, true
		}
	}
	return "", false
}

// matchAnyReady checks all ready patterns by priority, plus the secondary
// trailing >/$ rule.
func matchAnyReady(screen string) (Method, bool) {
	if m, ok := matchPrimaryReady(screen); ok {
		return m, true
	}
	trimmed := strings.TrimSpace(screen)
	if strings.HasSuffix(trimmed, ">") || strings.HasSuffix(trimmed, "$") {
		return MethodTrailingPrompt, true
	}
	for _, p := range readyPatterns {
		if p.priority > 0 && strings.Contains(screen, p.pattern) {
			return p.method, true
		}
	}
	return "", false
}

func containsAny(haystack string, substrings []string) bool {
	for _, s := range substrings {
		if strings.Contains(haystack, s) {
			return true
		}
	}
	return false
}

// hasYesNoPrompt matches the [y/N], [Y/n], (y/n) family of inline prompts.
func hasYesNoPrompt(screen string) bool {
	candidates := []string{"[y/n]", "(y/n)"}
	for _, c := range candidates {
		if strings.Contains(screen, c) {
			return true
		}
	}
	return false
}

// WaitForReady blocks until the classifier reports ready, the global timeout
// elapses (StateTimeout), or ctx is cancelled. It is the primitive behind
// SessionInstance.initialize's readiness wait and the message loop's
// completion wait; SessionInstance uses one Detector for both and bounds
// each wait with a ctx deadline (initial-readiness vs. completion timeout).
func (d *Detector) WaitForReady(ctx context.Context) Result {
	d.mu.Lock()
	d.startedAt = d.now()
	d.mu.Unlock()

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{State: StateTimeout}
		case <-ticker.C:
			d.mu.Lock()
			elapsed := d.now().Sub(d.startedAt)
			d.mu.Unlock()
			if elapsed >= d.cfg.Timeout {
				return Result{State: StateTimeout}
			}
			if res := d.classify(); res.State == StateReady {
				return res
			}
		}
	}
}

// Classify exposes one classification step for callers that do not need the
// full WaitForReady ticker loop. Like each WaitForReady tick, it may set or
// clear the awaiting-permission latch.
func (d *Detector) Classify() Result {
	return d.classify()
}
