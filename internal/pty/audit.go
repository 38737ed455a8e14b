package pty

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const auditIdleFlush = 2 * time.Second

// csiKeys maps a complete CSI sequence (the bytes after "\x1b[") to a
// readable key name. Sequences not listed here are dropped silently; they
// are cursor reports and mode chatter, not operator input.
var csiKeys = map[string]string{
	"A":  "<up>",
	"B":  "<down>",
	"C":  "<right>",
	"D":  "<left>",
	"H":  "<home>",
	"F":  "<end>",
	"1~": "<home>",
	"3~": "<del>",
	"4~": "<end>",
	"5~": "<pgup>",
	"6~": "<pgdn>",
}

// inputAuditor turns the raw keystroke stream into a line-oriented
// transcript: printable bytes accumulate, backspace edits in place, named
// keys appear as <up>-style tokens, and other control bytes appear in caret
// notation. Lines are timestamped and appended to the session's audit log;
// a partial line flushes after a short idle so interrupted commands still
// show up.
type inputAuditor struct {
	mu         sync.Mutex
	file       *os.File
	line       []byte
	esc        []byte // in-flight escape sequence, nil when not in one
	flushTimer *time.Timer
}

// newInputAuditor opens (or appends to) the transcript at path and writes a
// header naming the session, so concatenated or rotated logs stay readable.
func newInputAuditor(path, key string) (*inputAuditor, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	fmt.Fprintf(f, "# session %s opened %s\n", key, ts)
	return &inputAuditor{file: f}, nil
}

// Process consumes raw input bytes. Escape sequences may be split across
// calls; the in-flight sequence is carried over.
func (a *inputAuditor) Process(input []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, b := range input {
		if a.esc != nil {
			a.consumeEsc(b)
			continue
		}
		switch {
		case b == 0x1b:
			a.esc = []byte{}
		case b == '\r' || b == '\n':
			a.emitLine()
		case b == 0x7f || b == 0x08:
			a.line = trimLastToken(a.line)
		case b == '\t':
			a.line = append(a.line, '\t')
		case b < 0x20:
			// Caret notation: 0x01 is ^A and so on. ^C and ^D end the
			// line since the command they hit is over.
			a.line = append(a.line, '^', 'A'+b-1)
			if b == 0x03 || b == 0x04 {
				a.emitLine()
			}
		default:
			a.line = append(a.line, b)
		}
	}
	a.resetFlushTimer()
}

// consumeEsc accumulates one escape sequence. CSI sequences resolve to a
// named key when recognized; everything else (alt-chords, OSC fragments
// pasted back by the terminal) is discarded.
func (a *inputAuditor) consumeEsc(b byte) {
	a.esc = append(a.esc, b)
	if a.esc[0] != '[' {
		// Not CSI. Two bytes is the longest form we track (ESC + one).
		a.esc = nil
		return
	}
	if len(a.esc) > 1 && b >= 0x40 && b <= 0x7e {
		if name, ok := csiKeys[string(a.esc[1:])]; ok {
			a.line = append(a.line, name...)
		}
		a.esc = nil
	}
	if len(a.esc) > 16 {
		// Runaway sequence; bail out rather than eat real input.
		a.esc = nil
	}
}

// trimLastToken removes the last key from the line buffer: a whole <name>
// token if the line ends with one, otherwise a single byte.
func trimLastToken(line []byte) []byte {
	n := len(line)
	if n == 0 {
		return line
	}
	if line[n-1] == '>' {
		for i := n - 2; i >= 0 && n-i <= 8; i-- {
			if line[i] == '<' {
				return line[:i]
			}
		}
	}
	return line[:n-1]
}

func (a *inputAuditor) emitLine() {
	ts := time.Now().UTC().Format(time.RFC3339)
	fmt.Fprintf(a.file, "%s\t%s\n", ts, a.line)
	a.line = a.line[:0]
	if a.flushTimer != nil {
		a.flushTimer.Stop()
		a.flushTimer = nil
	}
}

func (a *inputAuditor) resetFlushTimer() {
	if a.flushTimer != nil {
		a.flushTimer.Stop()
	}
	a.flushTimer = time.AfterFunc(auditIdleFlush, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if len(a.line) > 0 {
			a.emitLine()
		}
	})
}

// Close flushes any partial line and closes the transcript.
func (a *inputAuditor) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.flushTimer != nil {
		a.flushTimer.Stop()
		a.flushTimer = nil
	}
	if len(a.line) > 0 {
		a.emitLine()
	}
	a.file.Close()
}
