package screenbuf

import (
	"sync"
	"testing"
	"time"
)

func TestLastClearIndex(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantIdx int
	}{
		{"none", "hello world", -1},
		{"basic 2J", "foo\x1b[2Jbar", 3},
		{"home then 2J", "foo\x1b[H\x1b[2Jbar", 3},
		{"multiple picks last", "\x1b[2Jaaa\x1b[2Jbbb", 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			idx, _ := lastClearIndex([]byte(tc.in))
			if tc.wantIdx < 0 && idx >= 0 {
				t.Fatalf("expected no match, got idx=%d", idx)
			}
			if tc.wantIdx >= 0 && idx < 0 {
				t.Fatalf("expected match at %d, got none", tc.wantIdx)
			}
		})
	}
}

func TestProcessCollapsesOnClearScreen(t *testing.T) {
	b := New(Config{}, Events{}, nil)
	b.Process([]byte("stale screen"))
	b.Process([]byte("\x1b[2Jfresh screen"))
	got := string(b.Snapshot())
	if got != "fresh screen" {
		t.Fatalf("got %q, want %q", got, "fresh screen")
	}
}

func TestProcessTrimsOverflow(t *testing.T) {
	b := New(Config{SMax: 10, TrimRatio: 0.5}, Events{}, nil)
	var trimmedOld, trimmedNew int
	b.events.OnTrimmed = func(oldLen, newLen int) {
		trimmedOld, trimmedNew = oldLen, newLen
	}
	b.Process([]byte("0123456789")) // exactly SMax, no trim yet
	b.Process([]byte("X"))          // now 11 > 10, triggers trim to 5
	if b.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", b.Len())
	}
	if trimmedOld != 11 || trimmedNew != 5 {
		t.Fatalf("trim callback got (%d,%d), want (11,5)", trimmedOld, trimmedNew)
	}
	if got := string(b.Snapshot()); got != "6789X" {
		t.Fatalf("Snapshot() = %q, want %q", got, "6789X")
	}
}

func TestThrottleCoalescesTrailingEmit(t *testing.T) {
	var mu sync.Mutex
	var emits [][]byte
	done := make(chan struct{}, 10)
	b := New(Config{ThrottleMs: 30 * time.Millisecond}, Events{
		OnOutput: func(screen []byte) {
			mu.Lock()
			emits = append(emits, screen)
			mu.Unlock()
			done <- struct{}{}
		},
	}, nil)

	b.Process([]byte("a"))
	<-done // first emit immediate
	b.Process([]byte("b"))
	b.Process([]byte("c"))
	<-done // trailing coalesced emit

	mu.Lock()
	defer mu.Unlock()
	if len(emits) != 2 {
		t.Fatalf("got %d emits, want 2", len(emits))
	}
	if string(emits[1]) != "abc" {
		t.Fatalf("second emit = %q, want %q", emits[1], "abc")
	}
}

func TestForceFlushEmitsImmediately(t *testing.T) {
	done := make(chan []byte, 1)
	b := New(Config{ThrottleMs: time.Hour}, Events{
		OnOutput: func(screen []byte) { done <- screen },
	}, nil)
	b.Process([]byte("hello"))
	<-done // initial immediate emit consumes the zero-lastEmit fast path

	b.mu.Lock()
	b.buf = append(b.buf, []byte(" world")...)
	b.mu.Unlock()
	b.ForceFlush()
	got := <-done
	if string(got) != "hello world" {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}
