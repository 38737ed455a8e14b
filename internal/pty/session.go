// Package pty owns the lifecycle of one interactive child process bound to a
// pseudo-terminal: spawning, input, resize, raw-output scrollback, and the
// notification scanning that turns OSC escape sequences into alerts. A
// session is shared by any number of viewers; none of them ever touch the
// PTY handles directly.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/perchlabs/perch/internal/logger"
	"github.com/perchlabs/perch/internal/term"
)

// State is the session lifecycle: Unspawned → Running → Exited. Terminal.
type State int

const (
	StateUnspawned State = iota
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateUnspawned:
		return "unspawned"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// ErrNotRunning is returned for input/resize against a session that has
// never spawned or has already exited.
var ErrNotRunning = errors.New("pty: session not running")

// SpawnConfig holds everything needed to start a session's child process.
type SpawnConfig struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        []string
	Cols       uint16
	Rows       uint16

	// ScrollbackCap bounds the raw replay buffer in bytes.
	ScrollbackCap int

	// AuditPath, when set, records a readable input transcript there.
	AuditPath string

	// OnOutput wakes the event loop after new output has been processed.
	// Called from the reader goroutine; it must only enqueue.
	OnOutput func()

	// OnExit reports process exit exactly once. code is nil when no exit
	// status could be collected (mid-life I/O failure). Called from a
	// background goroutine; it must only enqueue.
	OnExit func(code *int)

	// OnNotify receives parsed OSC notifications. Same enqueue-only rule.
	OnNotify func(Notification)
}

// Session is one pseudo-terminal plus its child process. The input handle
// has a single owner (this struct); writes are serialized by writeMu, never
// by contention among producers.
type Session struct {
	Key string

	mu       sync.Mutex
	state    State
	exitCode *int

	cmd  *exec.Cmd
	ptmx *os.File

	writeMu sync.Mutex

	emu        *term.Emulator
	scrollback *ringBuffer
	scanner    oscScanner
	audit      *inputAuditor

	cfg SpawnConfig

	waitDone chan struct{} // closed after the exit watcher collects status
	exitOnce sync.Once
}

// NewSession creates an unspawned session with the given key.
func NewSession(key string) *Session {
	return &Session{Key: key, waitDone: make(chan struct{})}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExitCode returns the collected exit code, or nil before exit or when no
// status was available.
func (s *Session) ExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Pid returns the child process id, or 0 before spawn.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Emulator exposes the shared terminal emulator. The renderer and scroll
// control paths hold this same reference.
func (s *Session) Emulator() *term.Emulator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emu
}

// Spawn allocates the PTY at the configured size, starts the child, and
// wires the reader and exit watcher. On any failure nothing is left
// running: either the session is fully wired or the error is returned and
// the state stays Unspawned.
func (s *Session) Spawn(cfg SpawnConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnspawned {
		return fmt.Errorf("pty: session %s already spawned", s.Key)
	}
	if cfg.Cols == 0 || cfg.Rows == 0 {
		return fmt.Errorf("pty: session %s: zero dimensions", s.Key)
	}
	if cfg.ScrollbackCap <= 0 {
		cfg.ScrollbackCap = 256 * 1024
	}

	// No context on the command: Start rejects a Cancel func without one,
	// and teardown is explicit anyway (Kill sends SIGTERM, Close SIGKILL).
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = cfg.Env

	size := &pty.Winsize{Cols: cfg.Cols, Rows: cfg.Rows}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return fmt.Errorf("pty: start %s: %w", cfg.Command, err)
	}

	var audit *inputAuditor
	if cfg.AuditPath != "" {
		audit, err = newInputAuditor(cfg.AuditPath, s.Key)
		if err != nil {
			ptmx.Close()
			cmd.Process.Kill()
			cmd.Wait()
			return fmt.Errorf("pty: open audit log: %w", err)
		}
	}

	s.cmd = cmd
	s.ptmx = ptmx
	s.emu = term.NewEmulator(int(cfg.Cols), int(cfg.Rows))
	s.scrollback = newRingBuffer(cfg.ScrollbackCap)
	s.audit = audit
	s.cfg = cfg
	s.state = StateRunning

	go s.readLoop(ptmx)
	go s.watchExit(cmd, ptmx)

	logger.Info("session spawned", "key", s.Key, "command", cfg.Command, "pid", cmd.Process.Pid)
	return nil
}

// WriteInput writes raw bytes to the child's stdin through the PTY. Callers
// never interleave partial writes: the whole slice goes out under one lock.
func (s *Session) WriteInput(p []byte) error {
	s.mu.Lock()
	ptmx := s.ptmx
	running := s.state == StateRunning
	audit := s.audit
	s.mu.Unlock()

	if !running || ptmx == nil {
		return ErrNotRunning
	}
	if audit != nil {
		audit.Process(p)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for len(p) > 0 {
		n, err := ptmx.Write(p)
		if err != nil {
			return fmt.Errorf("pty: write input: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// Resize updates the PTY window size and reflows the emulator. Idempotent
// when dimensions are unchanged.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	ptmx := s.ptmx
	emu := s.emu
	running := s.state == StateRunning
	s.mu.Unlock()

	if !running || ptmx == nil {
		return ErrNotRunning
	}
	if c, r := emu.Size(); c == int(cols) && r == int(rows) {
		return nil
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("pty: setsize: %w", err)
	}
	emu.Resize(int(cols), int(rows))
	return nil
}

// Kill terminates the child process. Safe to call multiple times; the exit
// watcher reports the resulting status once.
func (s *Session) Kill() {
	s.mu.Lock()
	cmd := s.cmd
	running := s.state == StateRunning
	s.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
}

// ScrollbackSnapshot returns the buffered raw output for replay.
func (s *Session) ScrollbackSnapshot() []byte {
	s.mu.Lock()
	sb := s.scrollback
	s.mu.Unlock()
	if sb == nil {
		return nil
	}
	return sb.Bytes()
}

// readLoop is the single reader thread: PTY bytes feed the emulator, the
// scrollback ring, and the notification scanner, then wake the loop.
func (s *Session) readLoop(ptmx *os.File) {
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			s.emu.Process(chunk)
			s.scrollback.Write(chunk)
			for _, note := range s.scanner.Feed(chunk) {
				note.SessionKey = s.Key
				if s.cfg.OnNotify != nil {
					s.cfg.OnNotify(note)
				}
			}
			if s.cfg.OnOutput != nil {
				s.cfg.OnOutput()
			}
		}
		if err != nil {
			// Normal after child exit (EIO on Linux). Give the exit
			// watcher a moment to collect the real status; a read failure
			// with the child still running degrades the session instead.
			select {
			case <-s.waitDone:
			case <-time.After(2 * time.Second):
				logger.Warn("pty read failed with child still running", "key", s.Key, "err", err)
				s.finishExit(nil)
			}
			return
		}
	}
}

// watchExit collects the child's exit status and finalizes the session.
func (s *Session) watchExit(cmd *exec.Cmd, ptmx *os.File) {
	code := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	close(s.waitDone)
	ptmx.Close()
	s.finishExit(&code)
}

// finishExit transitions to Exited exactly once and fires OnExit.
func (s *Session) finishExit(code *int) {
	s.exitOnce.Do(func() {
		s.mu.Lock()
		s.state = StateExited
		s.exitCode = code
		audit := s.audit
		s.mu.Unlock()

		if audit != nil {
			audit.Close()
		}
		if code != nil {
			logger.Info("session exited", "key", s.Key, "code", *code)
		} else {
			logger.Warn("session exited without status", "key", s.Key)
		}
		if s.cfg.OnExit != nil {
			s.cfg.OnExit(code)
		}
	})
}

// Close force-kills the child and releases the emulator. Used on daemon
// shutdown and explicit session destruction.
func (s *Session) Close() {
	s.mu.Lock()
	cmd := s.cmd
	ptmx := s.ptmx
	emu := s.emu
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	if ptmx != nil {
		ptmx.Close()
	}
	if emu != nil {
		emu.Close()
	}
}
