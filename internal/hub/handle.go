package hub

import (
	"strconv"
	"strings"
	"time"

	"github.com/perchlabs/perch/internal/channel"
	"github.com/perchlabs/perch/internal/logger"
	"github.com/perchlabs/perch/internal/pty"
	"github.com/perchlabs/perch/internal/term"
)

// Sink delivers rendered bytes to one viewer. Implementations must not
// block: the flush phase runs on the loop thread and a stuck viewer must
// never stall the others. Returning an error marks the delivery failed; the
// viewer keeps its stale hash and is retried on the next flush.
type Sink func(data []byte) error

// Exit reports ride the viewer stream as OSC 777 notifications, the same
// vocabulary the OSC scanner accepts from children, so terminal-oriented
// viewers handle them like any other alert and everyone else can match the
// frame exactly.
const exitOSCPrefix = "\x1b]777;notify;exited;"

// ExitNotification encodes a session's exit report for viewer delivery. A
// nil code (no collectible status) is sent as "unknown".
func ExitNotification(code *int) []byte {
	body := "unknown"
	if code != nil {
		body = strconv.Itoa(*code)
	}
	return []byte(exitOSCPrefix + body + "\a")
}

// ParseExitNotification recognizes an exit report frame. ok is false for
// ordinary screen payloads.
func ParseExitNotification(data []byte) (code *int, ok bool) {
	s := string(data)
	if !strings.HasPrefix(s, exitOSCPrefix) || !strings.HasSuffix(s, "\a") {
		return nil, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(s, exitOSCPrefix), "\a")
	if body == "unknown" {
		return nil, true
	}
	n, err := strconv.Atoi(body)
	if err != nil {
		return nil, false
	}
	return &n, true
}

// SessionSpec is everything needed to start a session.
type SessionSpec struct {
	Command       string
	Args          []string
	WorkingDir    string
	Env           []string
	Cols, Rows    uint16
	ScrollbackCap int
	AuditPath     string
}

// viewerState tracks what one viewer has seen, so the flush phase can skip
// renders whose content hash it already delivered.
type viewerState struct {
	client   pty.ClientID
	sink     Sink
	lastHash uint64
	hasHash  bool // false until the first successful catch-up delivery
	exitSent bool // exit report delivered
}

// sessionHandle is the loop's private record for one session. Only the loop
// thread touches it.
type sessionHandle struct {
	key      string
	spec     SessionSpec
	session  *pty.Session
	registry *pty.Registry
	channel  *channel.Channel // nil when no remote transport is configured
	viewers  map[pty.ClientID]*viewerState

	dirty     bool // new output or scroll since the last flush
	exited    bool
	exitCode  *int
	exitedAt  time.Time
	startedAt time.Time
}

func (h *sessionHandle) addViewer(id pty.ClientID, sink Sink) {
	h.viewers[id] = &viewerState{client: id, sink: sink}
}

func (h *sessionHandle) removeViewer(id pty.ClientID) {
	delete(h.viewers, id)
}

// flush delivers the current screen to every viewer whose last delivered
// hash differs. The snapshot and hash are computed once per session per
// tick; renders are built lazily (catch-up with scrollback replay for first
// delivery, live repaint afterwards) and shared across viewers.
func (h *sessionHandle) flush() {
	if len(h.viewers) == 0 {
		h.dirty = false
		return
	}
	needsCatchup := false
	needsExit := false
	for _, v := range h.viewers {
		if !v.hasHash {
			needsCatchup = true
		}
		if h.exited && !v.exitSent {
			needsExit = true
		}
	}
	if !h.dirty && !needsCatchup && !needsExit {
		return
	}

	emu := h.session.Emulator()
	if emu == nil {
		return
	}
	snap := emu.Snapshot()
	hash := term.ContentHash(snap)

	var catchup, repaint []byte
	for _, v := range h.viewers {
		if v.hasHash && v.lastHash == hash {
			h.reportExit(v)
			continue
		}
		var payload []byte
		if !v.hasHash {
			if catchup == nil {
				catchup = term.RenderANSI(snap)
			}
			payload = catchup
		} else {
			if repaint == nil {
				// A scrolled-back viewer renders from the history window, so
				// only the offset-0 live repaint may drop the scrollback.
				live := *snap
				if live.ScrollbackOffset == 0 {
					live.Scrollback = nil
				}
				repaint = term.RenderANSI(&live)
			}
			payload = repaint
		}
		if err := v.sink(payload); err != nil {
			logger.Warn("viewer flush failed", "session", h.key, "viewer", v.client.ID, "err", err)
			continue
		}
		v.lastHash = hash
		v.hasHash = true
		h.reportExit(v)
	}
	h.dirty = false
}

// reportExit delivers the one-shot exit report once the viewer holds the
// final screen. A failed delivery retries on the next flush.
func (h *sessionHandle) reportExit(v *viewerState) {
	if !h.exited || v.exitSent {
		return
	}
	if err := v.sink(ExitNotification(h.exitCode)); err != nil {
		logger.Warn("viewer exit report failed", "session", h.key, "viewer", v.client.ID, "err", err)
		return
	}
	v.exitSent = true
}

// close releases everything the handle owns. Idempotent.
func (h *sessionHandle) close() {
	if h.channel != nil {
		h.channel.Disconnect()
	}
	h.session.Close()
}
