// Package term wraps the VT emulator that tracks each session's screen
// state, and renders snapshots of that state for viewers that attach
// mid-stream. The emulator itself (charmbracelet/x/vt) is treated as an
// external capability: this package owns scrollback capture, scroll
// positioning, and snapshot/hash generation on top of it.
package term

import (
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

const maxScrollbackLines = 10000

// Emulator wraps vt.Emulator with scrollback capture via the ScrollOut
// callback and a viewer-controlled scrollback offset. All methods are
// safe for concurrent use. Callbacks fire inside Process, so mu is
// already held when they run.
type Emulator struct {
	emu        *vt.Emulator
	scrollback []string // ring buffer of rendered lines scrolled off the top
	sbHead     int      // next write position in ring
	sbLen      int      // current count (≤ len(scrollback))

	mu           sync.Mutex
	altScreen    bool
	cursorHidden bool
	sbOffset     int // lines scrolled back from live view; 0 = live
	cols, rows   int
}

// Cursor is a zero-based screen position.
type Cursor struct {
	X, Y int
}

// Snapshot is a point-in-time copy of the visible state, detached from the
// emulator so rendering and hashing never race with the reader thread.
type Snapshot struct {
	Grid             string   // full-grid ANSI repaint, row-major
	Scrollback       []string // rendered scrollback lines, oldest first
	Cursor           Cursor
	CursorHidden     bool
	Cols, Rows       int
	ScrollbackOffset int
}

// NewEmulator creates an emulator with the given dimensions.
func NewEmulator(cols, rows int) *Emulator {
	e := &Emulator{
		emu:        vt.NewEmulator(cols, rows),
		scrollback: make([]string, maxScrollbackLines),
		cols:       cols,
		rows:       rows,
	}
	e.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			// mu already held by caller (Process)
			if e.altScreen {
				return
			}
			for _, line := range lines {
				rendered := line.Render()
				if e.sbLen == len(e.scrollback) {
					e.scrollback[e.sbHead] = ""
				}
				e.scrollback[e.sbHead] = rendered
				e.sbHead = (e.sbHead + 1) % len(e.scrollback)
				if e.sbLen < len(e.scrollback) {
					e.sbLen++
				}
			}
		},
		ScrollbackClear: func() {
			// mu already held by caller (Process)
			for i := range e.scrollback {
				e.scrollback[i] = ""
			}
			e.sbLen = 0
			e.sbHead = 0
			e.sbOffset = 0
		},
		AltScreen: func(on bool) {
			// mu already held by caller (Process)
			e.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			// mu already held by caller (Process)
			e.cursorHidden = !visible
		},
	})
	return e
}

// Process feeds child-process output to the emulator. New output snaps the
// view back to live: a scrolled-back viewer expects fresh output to win.
func (e *Emulator) Process(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sbOffset = 0
	return e.emu.Write(p)
}

// Resize changes the terminal dimensions and reflows the grid.
func (e *Emulator) Resize(cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cols == e.cols && rows == e.rows {
		return
	}
	e.emu.Resize(cols, rows)
	e.cols = cols
	e.rows = rows
}

// Size returns the current dimensions.
func (e *Emulator) Size() (cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cols, e.rows
}

// SetScrollbackOffset positions the view offset lines back from live.
// The offset is clamped to the available scrollback.
func (e *Emulator) SetScrollbackOffset(offset int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if offset > e.sbLen {
		offset = e.sbLen
	}
	e.sbOffset = offset
}

// ScrollbackLen returns the number of scrollback lines currently stored.
func (e *Emulator) ScrollbackLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sbLen
}

// Snapshot copies the current visible state.
func (e *Emulator) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.emu.CursorPosition()
	return &Snapshot{
		Grid:             e.emu.Render(),
		Scrollback:       e.scrollbackLines(),
		Cursor:           Cursor{X: pos.X, Y: pos.Y},
		CursorHidden:     e.cursorHidden,
		Cols:             e.cols,
		Rows:             e.rows,
		ScrollbackOffset: e.sbOffset,
	}
}

// Close releases the emulator resources.
func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emu.Close()
}

// scrollbackLines returns all scrollback lines oldest-first.
// Must be called with mu held.
func (e *Emulator) scrollbackLines() []string {
	if e.sbLen == 0 {
		return nil
	}
	lines := make([]string, e.sbLen)
	start := (e.sbHead - e.sbLen + len(e.scrollback)) % len(e.scrollback)
	for i := range e.sbLen {
		lines[i] = e.scrollback[(start+i)%len(e.scrollback)]
	}
	return lines
}
