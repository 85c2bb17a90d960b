package promptdetector

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestClassifyPrimarySentinel(t *testing.T) {
	d := New(Config{}, func() []byte { return []byte("some output\n? for shortcuts") }, nil)
	res := d.Classify()
	if res.State != StateReady || res.Method != MethodPrimarySentinel {
		t.Fatalf("got %+v, want ready/primary-sentinel", res)
	}
}

func TestClassifyPermissionPromptLatches(t *testing.T) {
	screen := "Do you want to make this edit to foo.js? [y/N]"
	d := New(Config{}, func() []byte { return []byte(screen) }, nil)
	res := d.Classify()
	if res.State != StateAwaitingPermission {
		t.Fatalf("got %v, want awaiting-permission", res.State)
	}
	// The second tick takes the latched path: it stays awaiting-permission
	// until a ready sentinel or completion phrase appears.
	res = d.Classify()
	if res.State != StateAwaitingPermission {
		t.Fatalf("expected latch to persist, got %v", res.State)
	}
}

func TestClassifyPermissionResolvesOnReadySentinel(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	current := "Do you want to proceed with this? [y/N]"
	d := New(Config{}, func() []byte { return []byte(current) }, clock.Now)
	if res := d.Classify(); res.State != StateAwaitingPermission {
		t.Fatalf("expected awaiting-permission, got %v", res.State)
	}
	current = "? for shortcuts"
	res := d.Classify()
	if res.State != StateReady {
		t.Fatalf("expected ready after sentinel reappears, got %v", res.State)
	}
}

func TestClassifyDebounceBlocksPrematureReady(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	d := New(Config{DebounceMs: 2 * time.Second}, func() []byte { return []byte("bypassing permissions") }, clock.Now)
	d.NoteOutput()
	if res := d.Classify(); res.State == StateReady {
		t.Fatalf("expected not-yet-ready before debounce elapses, got ready")
	}
	clock.Advance(3 * time.Second)
	if res := d.Classify(); res.State != StateReady {
		t.Fatalf("expected ready after debounce elapses, got %v", res.State)
	}
}

func TestClassifyStabilizationFallback(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	// DebounceMs exceeds the advance below so the trailing-"$" ready pattern
	// cannot fire first and the stabilization fallback is what reports ready.
	d := New(Config{DebounceMs: 10 * time.Second, StabilizationMs: 4 * time.Second, MinContentLength: 4}, func() []byte {
		return []byte("user@host:~$")
	}, clock.Now)
	d.NoteOutput()
	if res := d.Classify(); res.State == StateReady {
		t.Fatalf("expected busy before stabilization window, got ready")
	}
	clock.Advance(5 * time.Second)
	res := d.Classify()
	if res.State != StateReady || res.Method != MethodStabilizationWithProm {
		t.Fatalf("got %+v, want ready/stabilization-with-prompt", res)
	}
}

func TestWaitForReadyTimesOut(t *testing.T) {
	d := New(Config{TickInterval: 5 * time.Millisecond, Timeout: 20 * time.Millisecond}, func() []byte {
		return []byte("still working...")
	}, nil)
	d.NoteOutput() // output just arrived, so no silence-based rule can fire within Timeout
	ctx := context.Background()
	res := d.WaitForReady(ctx)
	if res.State != StateTimeout {
		t.Fatalf("got %v, want timeout", res.State)
	}
}

func TestWaitForReadySucceedsOnSentinel(t *testing.T) {
	d := New(Config{TickInterval: 5 * time.Millisecond}, func() []byte { return []byte("? for shortcuts") }, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res := d.WaitForReady(ctx)
	if res.State != StateReady {
		t.Fatalf("got %v, want ready", res.State)
	}
}
