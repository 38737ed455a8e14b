package pty

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSpawnEchoExitsZero(t *testing.T) {
	s := NewSession("t-echo")

	var mu sync.Mutex
	var exits []*int
	err := s.Spawn(SpawnConfig{
		Command: "/bin/echo",
		Args:    []string{"hi"},
		Cols:    80,
		Rows:    24,
		OnExit: func(code *int) {
			mu.Lock()
			exits = append(exits, code)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer s.Close()

	waitFor(t, 5*time.Second, func() bool { return s.State() == StateExited })

	mu.Lock()
	defer mu.Unlock()
	if len(exits) != 1 {
		t.Fatalf("got %d exit notifications, want exactly 1", len(exits))
	}
	if exits[0] == nil || *exits[0] != 0 {
		t.Errorf("exit code = %v, want 0", exits[0])
	}
	if !bytes.Contains(s.ScrollbackSnapshot(), []byte("hi")) {
		t.Error("scrollback missing echoed output")
	}
}

// Spawning a long-lived child must succeed and leave it running; the child
// only exits once Kill delivers SIGTERM.
func TestSpawnStartsLongLivedChild(t *testing.T) {
	s := NewSession("t-longlived")
	if err := s.Spawn(SpawnConfig{Command: "/bin/sleep", Args: []string{"60"}, Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer s.Close()

	if got := s.State(); got != StateRunning {
		t.Fatalf("state after spawn = %v, want running", got)
	}
	if s.Pid() <= 0 {
		t.Errorf("pid = %d, want a live process", s.Pid())
	}

	s.Kill()
	waitFor(t, 5*time.Second, func() bool { return s.State() == StateExited })
	if s.ExitCode() == nil {
		t.Error("exit code missing after kill")
	}
}

func TestSpawnFailureLeavesUnspawned(t *testing.T) {
	s := NewSession("t-missing")
	err := s.Spawn(SpawnConfig{
		Command: "/definitely/not/a/binary",
		Cols:    80,
		Rows:    24,
	})
	if err == nil {
		t.Fatal("spawn of missing binary should fail")
	}
	if s.State() != StateUnspawned {
		t.Errorf("state after failed spawn = %v, want unspawned", s.State())
	}
}

func TestSpawnRejectsZeroDims(t *testing.T) {
	s := NewSession("t-dims")
	if err := s.Spawn(SpawnConfig{Command: "/bin/true"}); err == nil {
		t.Error("zero dimensions should be rejected")
	}
}

func TestDoubleSpawnRejected(t *testing.T) {
	s := NewSession("t-double")
	if err := s.Spawn(SpawnConfig{Command: "/bin/sleep", Args: []string{"5"}, Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer s.Close()
	if err := s.Spawn(SpawnConfig{Command: "/bin/true", Cols: 80, Rows: 24}); err == nil {
		t.Error("second spawn should be rejected")
	}
}

func TestWriteInputReachesChild(t *testing.T) {
	s := NewSession("t-cat")
	if err := s.Spawn(SpawnConfig{Command: "/bin/cat", Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer s.Close()

	if err := s.WriteInput([]byte("roundtrip\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return bytes.Contains(s.ScrollbackSnapshot(), []byte("roundtrip"))
	})
	s.Kill()
	waitFor(t, 5*time.Second, func() bool { return s.State() == StateExited })
}

func TestWriteInputAfterExit(t *testing.T) {
	s := NewSession("t-exited")
	if err := s.Spawn(SpawnConfig{Command: "/bin/true", Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer s.Close()
	waitFor(t, 5*time.Second, func() bool { return s.State() == StateExited })

	if err := s.WriteInput([]byte("x")); err != ErrNotRunning {
		t.Errorf("write after exit = %v, want ErrNotRunning", err)
	}
	if err := s.Resize(100, 30); err != ErrNotRunning {
		t.Errorf("resize after exit = %v, want ErrNotRunning", err)
	}
}

func TestKillIsIdempotent(t *testing.T) {
	s := NewSession("t-kill")
	if err := s.Spawn(SpawnConfig{Command: "/bin/sleep", Args: []string{"60"}, Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer s.Close()

	s.Kill()
	s.Kill()
	s.Kill()
	waitFor(t, 5*time.Second, func() bool { return s.State() == StateExited })
}

// Concurrent WriteInput calls must never interleave bytes from different
// callers within a single call's payload.
func TestWriteInputNotInterleaved(t *testing.T) {
	rd, wr, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer rd.Close()

	s := &Session{Key: "t-interleave", ptmx: wr, state: StateRunning, waitDone: make(chan struct{})}

	const writers = 8
	const perWriter = 50
	payload := func(w int) []byte {
		return []byte(fmt.Sprintf("<%d:%s>", w, strings.Repeat("x", 64)))
	}

	var collected bytes.Buffer
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := rd.Read(buf)
			if n > 0 {
				collected.Write(buf[:n])
			}
			if err != nil {
				close(done)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				if err := s.WriteInput(payload(w)); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	wr.Close()
	<-done

	data := collected.String()
	for w := range writers {
		want := string(payload(w))
		if got := strings.Count(data, want); got != perWriter {
			t.Errorf("writer %d: %d intact payloads, want %d (interleaving?)", w, got, perWriter)
		}
	}
}
