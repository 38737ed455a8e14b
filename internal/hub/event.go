package hub

import (
	"github.com/perchlabs/perch/internal/channel"
	"github.com/perchlabs/perch/internal/pty"
)

// Event is the closed set of things that can happen to the hub. Every async
// producer (PTY readers, exit watchers, channel pumps, timers, the file
// watcher, control-plane threads) converts its occurrence into exactly one
// variant and enqueues it; only the loop thread ever acts on one. A new
// producer means a new variant here, handled exhaustively in the loop.
type Event interface{ isEvent() }

// PtyOutput wakes the loop after a session's reader processed new output.
// The bytes already live in the emulator; the event carries only the key.
type PtyOutput struct {
	SessionKey string
}

// PtyNotification is a parsed OSC 9 / OSC 777 alert from a session.
type PtyNotification struct {
	Note pty.Notification
}

// SessionExited reports a child process exit. Code is nil when no status
// could be collected.
type SessionExited struct {
	SessionKey string
	Code       *int
}

// ChannelMessage is one decoded inbound payload from a remote peer.
type ChannelMessage struct {
	SessionKey string
	Msg        channel.IncomingMessage
}

// PeerJoined announces a remote peer on a session's channel. PublicKey is
// the peer's identity key when the relay forwarded one.
type PeerJoined struct {
	SessionKey string
	Peer       string
	PublicKey  string
	Cols, Rows uint16 // zero means "adopt the session's current size"
}

// PeerLeft announces a remote peer departure.
type PeerLeft struct {
	SessionKey string
	Peer       string
}

// NetResponse is the completion of a background network or disk operation
// that was started off-loop (notification post, store write, channel dial).
type NetResponse struct {
	Op  string
	Key string
	Err error
}

// TimerFired delivers a timer scheduled with Loop.After.
type TimerFired struct {
	ID string
}

// FileChanged reports script source changes from the watcher.
type FileChanged struct {
	Paths []string
}

// CleanupTick triggers the periodic reap of exited, viewerless sessions.
type CleanupTick struct{}

// Shutdown asks the loop to flush all viewers once more and stop.
type Shutdown struct{}

// SpawnSession is a control-plane request to start a session. Reply, when
// non-nil, receives the result exactly once; it must be buffered.
type SpawnSession struct {
	Key   string
	Spec  SessionSpec
	Reply chan error
}

// CloseSession kills a session's child process.
type CloseSession struct {
	Key   string
	Reply chan error
}

// AttachViewer registers a viewer on a session. The viewer becomes the size
// owner and receives a full catch-up render on the next flush. Sink must not
// block: it hands bytes to a writer that does its own queueing.
type AttachViewer struct {
	Key        string
	Client     pty.ClientID
	Cols, Rows uint16
	Sink       Sink
	Reply      chan error
}

// DetachViewer removes a viewer; size ownership transfers per the registry.
type DetachViewer struct {
	Key    string
	Client pty.ClientID
}

// ResizeViewer updates a viewer's requested dimensions. Only the current
// size owner's update reaches the PTY.
type ResizeViewer struct {
	Key        string
	Client     pty.ClientID
	Cols, Rows uint16
}

// SetScrollback positions a session's view offset lines back from live.
type SetScrollback struct {
	Key    string
	Offset int
}

func (PtyOutput) isEvent()       {}
func (PtyNotification) isEvent() {}
func (SessionExited) isEvent()   {}
func (ChannelMessage) isEvent()  {}
func (PeerJoined) isEvent()      {}
func (PeerLeft) isEvent()        {}
func (NetResponse) isEvent()     {}
func (TimerFired) isEvent()      {}
func (FileChanged) isEvent()     {}
func (CleanupTick) isEvent()     {}
func (Shutdown) isEvent()        {}
func (SpawnSession) isEvent()    {}
func (CloseSession) isEvent()    {}
func (AttachViewer) isEvent()    {}
func (DetachViewer) isEvent()    {}
func (ResizeViewer) isEvent()    {}
func (SetScrollback) isEvent()   {}
