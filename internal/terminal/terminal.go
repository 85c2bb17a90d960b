// Package terminal wraps a single PTY-backed child process: the low-level
// I/O primitive that internal/procmanager supervises and internal/session
// drives. It knows nothing about readiness, queues, or orchestration — only
// how to start a process on a pseudo-terminal, write to it, read from it,
// resize it, and tear it down.
package terminal

import (
	"io"
	"os"
	"os/exec"
	"sync"
)

const (
	defaultCols = 120
	defaultRows = 40
)

// Config configures a terminal process.
type Config struct {
	Shell   string
	Args    []string
	Dir     string
	Env     []string
	Columns int
	Rows    int
}

// Terminal wraps one PTY-backed child process.
//
// The PTY path (ptmx set) is the normal case on any platform creack/pty
// supports. The pipe path (stdin/stdout/stderr set, ptmx nil) is a fallback
// for environments without a usable PTY device; it loses true terminal
// semantics (no ioctl-level resize, CRLF normalization applied on write)
// but keeps the child runnable.
type Terminal struct {
	mu       sync.RWMutex
	cmd      *exec.Cmd      // always non-nil once started
	ptmx     *os.File       // Unix PTY master (creack/pty); nil in pipe mode
	stdin    io.WriteCloser // pipe fallback
	stdout   io.ReadCloser  // pipe fallback
	stderr   io.ReadCloser  // pipe fallback
	closed   bool
	closeErr error
}

// startPipeMode starts a process in pipe mode as a fallback when a PTY
// cannot be allocated.
// SECURITY: cfg.Shell and cfg.Args are trusted values from internal Config struct,
// populated by application code (not user input).
func startPipeMode(cfg Config) (*Terminal, error) {
	cmd := exec.Command(cfg.Shell, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, err
	}
	return &Terminal{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}, nil
}
