package term

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// RenderANSI builds a full catch-up stream for a freshly attached viewer:
// scrollback replay, a reset+home, the grid repaint, then cursor position
// and visibility restore. The output is plain ANSI that any terminal
// emulator (including xterm.js in a browser) consumes directly.
func RenderANSI(snap *Snapshot) []byte {
	var buf strings.Builder

	buf.WriteString("\x1b[?25l") // hide cursor during repaint

	// Scrollback lines, oldest first. The viewer's own emulator pushes them
	// into its scrollback region as the grid repaint below overwrites the
	// visible rows.
	for _, line := range snap.Scrollback {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	if len(snap.Scrollback) > 0 {
		// Flush padding: rows-1 newlines push remaining content off-screen.
		for range snap.Rows - 1 {
			buf.WriteByte('\n')
		}
	}

	// Reset styles + home cursor + grid repaint.
	buf.WriteString("\x1b[m\x1b[H")
	buf.WriteString(visibleGrid(snap))

	// Cursor restore (1-based).
	fmt.Fprintf(&buf, "\x1b[m\x1b[%d;%dH", snap.Cursor.Y+1, snap.Cursor.X+1)

	if snap.CursorHidden {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}

	return []byte(buf.String())
}

// ContentHash returns a 64-bit digest over everything that affects what a
// viewer sees: cell contents, cursor position and visibility, dimensions,
// and the scrollback offset. Snapshots with equal hashes render identically,
// so the flush path skips resending them.
func ContentHash(snap *Snapshot) uint64 {
	h := blake3.New()
	h.WriteString(visibleGrid(snap))

	var meta [21]byte
	binary.LittleEndian.PutUint32(meta[0:], uint32(snap.Cursor.X))
	binary.LittleEndian.PutUint32(meta[4:], uint32(snap.Cursor.Y))
	binary.LittleEndian.PutUint32(meta[8:], uint32(snap.Cols))
	binary.LittleEndian.PutUint32(meta[12:], uint32(snap.Rows))
	binary.LittleEndian.PutUint32(meta[16:], uint32(snap.ScrollbackOffset))
	if snap.CursorHidden {
		meta[20] = 1
	}
	h.Write(meta[:])

	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}

// visibleGrid returns the grid a viewer at the snapshot's scrollback offset
// sees: the live repaint at offset 0, or a window of scrollback lines when
// scrolled back.
func visibleGrid(snap *Snapshot) string {
	if snap.ScrollbackOffset <= 0 {
		return snap.Grid
	}

	// Window of rows lines ending offset lines above the live view. Lines
	// beyond the top of history render blank.
	total := len(snap.Scrollback)
	end := total - snap.ScrollbackOffset + snap.Rows
	if end > total {
		end = total
	}
	start := end - snap.Rows
	if start < 0 {
		start = 0
	}

	var buf strings.Builder
	for i := start; i < end; i++ {
		buf.WriteString(snap.Scrollback[i])
		buf.WriteString("\x1b[m\r\n")
	}
	return buf.String()
}
