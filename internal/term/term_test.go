package term

import (
	"fmt"
	"strings"
	"testing"

	"github.com/charmbracelet/x/vt"
)

func TestSnapshotContainsOutput(t *testing.T) {
	e := NewEmulator(80, 24)
	defer e.Close()

	e.Process([]byte("hello world"))
	out := RenderANSI(e.Snapshot())
	if !strings.Contains(string(out), "hello world") {
		t.Errorf("replay missing basic output, got:\n%s", out)
	}
}

func TestScrollbackCapture(t *testing.T) {
	e := NewEmulator(80, 10)
	defer e.Close()

	// 50 lines into a 10-row terminal: first scroll at line 9's \r\n,
	// last at line 49's = 41 scrolls.
	for i := range 50 {
		e.Process([]byte(fmt.Sprintf("line %d\r\n", i)))
	}

	if got := e.ScrollbackLen(); got != 41 {
		t.Errorf("scrollback len = %d, want 41", got)
	}
}

func TestContentHashStability(t *testing.T) {
	feed := func() *Emulator {
		e := NewEmulator(80, 24)
		e.Process([]byte("\x1b[31mred\x1b[m plain\r\nsecond line"))
		return e
	}

	e1 := feed()
	defer e1.Close()
	e2 := feed()
	defer e2.Close()

	h1 := ContentHash(e1.Snapshot())
	h2 := ContentHash(e2.Snapshot())
	if h1 != h2 {
		t.Errorf("identical byte streams hashed differently: %x vs %x", h1, h2)
	}
}

func TestContentHashSensitivity(t *testing.T) {
	e := NewEmulator(80, 24)
	defer e.Close()

	e.Process([]byte("before"))
	h1 := ContentHash(e.Snapshot())
	e.Process([]byte(" after"))
	h2 := ContentHash(e.Snapshot())
	if h1 == h2 {
		t.Error("visible content changed but hash did not")
	}
}

func TestContentHashCursorMove(t *testing.T) {
	e := NewEmulator(80, 24)
	defer e.Close()

	e.Process([]byte("text"))
	h1 := ContentHash(e.Snapshot())
	e.Process([]byte("\x1b[5;1H")) // cursor move only, no cell change
	h2 := ContentHash(e.Snapshot())
	if h1 == h2 {
		t.Error("cursor position changed but hash did not")
	}
}

func TestResizeNoopKeepsState(t *testing.T) {
	e := NewEmulator(80, 24)
	defer e.Close()

	e.Process([]byte("stable"))
	h1 := ContentHash(e.Snapshot())
	e.Resize(80, 24) // same dims: must be a no-op
	h2 := ContentHash(e.Snapshot())
	if h1 != h2 {
		t.Error("resize to identical dims changed the snapshot")
	}
}

func TestScrollbackOffsetView(t *testing.T) {
	e := NewEmulator(80, 5)
	defer e.Close()

	for i := range 30 {
		e.Process([]byte(fmt.Sprintf("history %02d\r\n", i)))
	}

	e.SetScrollbackOffset(10)
	snap := e.Snapshot()
	if snap.ScrollbackOffset != 10 {
		t.Fatalf("offset = %d, want 10", snap.ScrollbackOffset)
	}

	live := e.Snapshot()
	live.ScrollbackOffset = 0
	if ContentHash(snap) == ContentHash(live) {
		t.Error("scrolled-back view hashed identically to live view")
	}

	// New output snaps back to live.
	e.Process([]byte("fresh\r\n"))
	if got := e.Snapshot().ScrollbackOffset; got != 0 {
		t.Errorf("offset after new output = %d, want 0", got)
	}
}

func TestScrollbackOffsetClamped(t *testing.T) {
	e := NewEmulator(80, 5)
	defer e.Close()

	e.SetScrollbackOffset(500)
	if got := e.Snapshot().ScrollbackOffset; got != 0 {
		t.Errorf("offset with empty scrollback = %d, want 0 (clamped)", got)
	}
}

func TestReplayRoundTrip(t *testing.T) {
	e := NewEmulator(40, 8)
	defer e.Close()

	for i := range 20 {
		e.Process([]byte(fmt.Sprintf("\x1b[3%dmline %d\x1b[m\r\n", i%8, i)))
	}
	e.Process([]byte("prompt> "))

	// Feed the replay into a plain emulator, simulating a fresh viewer.
	replay := RenderANSI(e.Snapshot())
	viewer := vt.NewEmulator(40, 8)
	defer viewer.Close()
	viewer.Write(replay)

	origPos := struct{ X, Y int }{e.Snapshot().Cursor.X, e.Snapshot().Cursor.Y}
	viewerPos := viewer.CursorPosition()
	if viewerPos.X != origPos.X || viewerPos.Y != origPos.Y {
		t.Errorf("cursor after replay = (%d,%d), want (%d,%d)",
			viewerPos.X, viewerPos.Y, origPos.X, origPos.Y)
	}
	if !strings.Contains(viewer.Render(), "prompt>") {
		t.Error("viewer grid missing prompt after replay")
	}
}
