// Package screenbuf implements the OutputThrottler: it consumes raw child
// PTY bytes and exposes a bounded, throttled "current screen" view. It
// carries forward the teacher's trailing-flush technique (previously
// internal/terminal's OutputBuffer/OutputFlushManager, since removed in favor
// of this single generalized implementation) as a one-shot trailing timer
// over a plain byte slice, and adds clear-screen collapse and size bounding
// on top.
package screenbuf

import (
	"bytes"
	"log/slog"
	"sync"
	"time"
)

// clearSequences are the recognized clear-screen escape sequences, longest
// match preferred so a trailing "ESC[2J ESC[H" is not mistaken for a bare
// "ESC[2J".
var clearSequences = [][]byte{
	[]byte("\x1b[1;1H\x1b[2J"),
	[]byte("\x1b[2J\x1b[1;1H"),
	[]byte("\x1b[H\x1b[2J"),
	[]byte("\x1b[2J\x1b[H"),
	[]byte("\x1b[2J"),
	[]byte("\x1b[3J"),
}

// Config tunes a Buffer instance. Zero values fall back to the defaults in
// spec.md §4.1.
type Config struct {
	SMax       int           // ScreenBuffer capacity; default 100*1024
	TrimRatio  float64       // overflow trim target; default 0.75
	ThrottleMs time.Duration // minimum spacing between output emits
	AutoClear  time.Duration // clear buffer after this much silence; 0 disables
}

const (
	defaultSMax      = 100 * 1024
	defaultTrimRatio = 0.75
)

// Events is the callback set a Buffer reports through. All callbacks may be
// nil.
type Events struct {
	OnOutput  func(screen []byte)
	OnTrimmed func(oldLen, newLen int)
	OnCleared func()
}

// Buffer is the OutputThrottler: append-only screen reconstruction plus a
// throttled emit of the current screen.
type Buffer struct {
	mu     sync.Mutex
	cfg    Config
	events Events
	now    func() time.Time

	buf []byte

	lastEmit     time.Time
	pendingTimer *time.Timer
	lastWrite    time.Time

	autoClearTimer *time.Timer
	stopped        bool
}

// New constructs a Buffer. now defaults to time.Now; tests may inject a fake
// clock.
func New(cfg Config, events Events, now func() time.Time) *Buffer {
	if cfg.SMax <= 0 {
		cfg.SMax = defaultSMax
	}
	if cfg.TrimRatio <= 0 || cfg.TrimRatio >= 1 {
		cfg.TrimRatio = defaultTrimRatio
	}
	if now == nil {
		now = time.Now
	}
	return &Buffer{cfg: cfg, events: events, now: now}
}

// Process appends bytes, collapsing any detected clear-screen sequence and
// bounding the buffer, then schedules a throttled emit.
func (b *Buffer) Process(data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.buf = append(b.buf, data...)
	if idx, seqLen := lastClearIndex(b.buf); idx >= 0 {
		b.buf = append([]byte(nil), b.buf[idx+seqLen:]...)
	}
	if len(b.buf) > b.cfg.SMax {
		oldLen := len(b.buf)
		target := int(float64(b.cfg.SMax) * b.cfg.TrimRatio)
		b.buf = append([]byte(nil), b.buf[len(b.buf)-target:]...)
		newLen := len(b.buf)
		b.mu.Unlock()
		if b.events.OnTrimmed != nil {
			b.events.OnTrimmed(oldLen, newLen)
		}
		b.mu.Lock()
	}
	b.lastWrite = b.now()
	b.rearmAutoClearLocked()
	b.mu.Unlock()

	b.scheduleEmit()
}

// lastClearIndex returns the byte offset at which the recognized
// clear-screen sequence ending latest in buf starts, and the length of that
// sequence. Returns (-1, 0) if no sequence is present.
func lastClearIndex(buf []byte) (int, int) {
	bestIdx := -1
	bestLen := 0
	for _, seq := range clearSequences {
		if idx := bytes.LastIndex(buf, seq); idx >= 0 {
			end := idx + len(seq)
			if bestIdx < 0 || end > bestIdx+bestLen {
				bestIdx = idx
				bestLen = len(seq)
			}
		}
	}
	return bestIdx, bestLen
}

// scheduleEmit enforces the throttle window: emits immediately if the window
// has elapsed, otherwise arms (or leaves armed) a trailing timer for the
// remainder of the window.
func (b *Buffer) scheduleEmit() {
	throttle := b.cfg.ThrottleMs
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	if throttle <= 0 {
		b.emitLocked()
		return
	}
	elapsed := b.now().Sub(b.lastEmit)
	if b.lastEmit.IsZero() || elapsed >= throttle {
		b.emitLocked()
		return
	}
	if b.pendingTimer != nil {
		return // trailing emit already scheduled; coalesce
	}
	remaining := throttle - elapsed
	b.pendingTimer = time.AfterFunc(remaining, func() {
		b.mu.Lock()
		b.pendingTimer = nil
		if b.stopped {
			b.mu.Unlock()
			return
		}
		b.emitLocked()
		b.mu.Unlock()
	})
}

// emitLocked must be called with mu held.
func (b *Buffer) emitLocked() {
	b.lastEmit = b.now()
	snapshot := append([]byte(nil), b.buf...)
	if b.events.OnOutput == nil {
		return
	}
	cb := b.events.OnOutput
	go cb(snapshot)
}

// ForceFlush emits immediately and resets the throttle window, cancelling
// any pending trailing emit.
func (b *Buffer) ForceFlush() {
	b.mu.Lock()
	if b.pendingTimer != nil {
		b.pendingTimer.Stop()
		b.pendingTimer = nil
	}
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.emitLocked()
	b.mu.Unlock()
}

// rearmAutoClearLocked must be called with mu held; it (re)starts the
// auto-clear timer if configured.
func (b *Buffer) rearmAutoClearLocked() {
	if b.cfg.AutoClear <= 0 {
		return
	}
	if b.autoClearTimer != nil {
		b.autoClearTimer.Stop()
	}
	b.autoClearTimer = time.AfterFunc(b.cfg.AutoClear, b.autoClear)
}

func (b *Buffer) autoClear() {
	b.mu.Lock()
	if b.stopped || len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}
	if b.now().Sub(b.lastWrite) < b.cfg.AutoClear {
		b.mu.Unlock()
		return
	}
	b.buf = nil
	b.mu.Unlock()
	if b.events.OnCleared != nil {
		b.events.OnCleared()
	}
	slog.Debug("[screenbuf] auto-clear fired")
}

// Snapshot returns the current reconstructed screen without affecting the
// throttle window.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

// Len reports the current buffer length.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Stop tears down any pending timers. Safe to call multiple times.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	if b.pendingTimer != nil {
		b.pendingTimer.Stop()
		b.pendingTimer = nil
	}
	if b.autoClearTimer != nil {
		b.autoClearTimer.Stop()
		b.autoClearTimer = nil
	}
}
