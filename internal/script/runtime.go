package script

import (
	"fmt"
	"sync"

	"github.com/perchlabs/perch/internal/logger"
)

// EventKind enumerates the hub events the engine can subscribe to.
type EventKind int

const (
	EvSessionOutput EventKind = iota
	EvSessionExit
	EvSessionNotification
	EvPeerMessage
	EvPeerJoined
	EvPeerLeft
	EvTick
	EvTimer
	EvFileChanged
)

func (k EventKind) String() string {
	switch k {
	case EvSessionOutput:
		return "session.output"
	case EvSessionExit:
		return "session.exit"
	case EvSessionNotification:
		return "session.notification"
	case EvPeerMessage:
		return "peer.message"
	case EvPeerJoined:
		return "peer.joined"
	case EvPeerLeft:
		return "peer.left"
	case EvTick:
		return "tick"
	case EvTimer:
		return "timer"
	case EvFileChanged:
		return "file.changed"
	default:
		return "unknown"
	}
}

// Event is the read-only view of one hub event handed to callbacks.
type Event struct {
	Kind       EventKind
	SessionKey string
	Peer       string
	Title      string // EvSessionNotification
	Body       string // EvSessionNotification
	Data       []byte // EvSessionOutput, EvPeerMessage
	ExitCode   *int   // EvSessionExit; nil when the process vanished
	TimerID    string // EvTimer
	Paths      []string
}

// Runtime is the embedded orchestration engine as the loop sees it. Dispatch
// runs callbacks synchronously on the caller's goroutine; implementations
// must not retain the Event's slices past the call. Reload swaps the engine's
// program in place without losing registered state the engine chooses to
// keep.
type Runtime interface {
	Bind(q *Queues)
	Dispatch(ev Event)
	Reload() error
}

// Handler is one registered callback. A panicking handler is logged and
// isolated; it never unwinds into the loop.
type Handler func(ev Event, q *Queues)

// CallbackRuntime is the built-in Runtime: plain Go handlers registered per
// event kind. It doubles as the test engine and as the base other engines
// embed.
type CallbackRuntime struct {
	mu       sync.Mutex
	queues   *Queues
	handlers map[EventKind][]Handler
	onReload func() error
}

// NewCallbackRuntime creates an empty engine.
func NewCallbackRuntime() *CallbackRuntime {
	return &CallbackRuntime{handlers: make(map[EventKind][]Handler)}
}

// On registers a handler for one event kind. Handlers for the same kind run
// in registration order.
func (r *CallbackRuntime) On(kind EventKind, h Handler) {
	r.mu.Lock()
	r.handlers[kind] = append(r.handlers[kind], h)
	r.mu.Unlock()
}

// OnReload sets the hook Reload invokes.
func (r *CallbackRuntime) OnReload(fn func() error) {
	r.mu.Lock()
	r.onReload = fn
	r.mu.Unlock()
}

func (r *CallbackRuntime) Bind(q *Queues) {
	r.mu.Lock()
	r.queues = q
	r.mu.Unlock()
}

func (r *CallbackRuntime) Dispatch(ev Event) {
	r.mu.Lock()
	hs := r.handlers[ev.Kind]
	q := r.queues
	r.mu.Unlock()

	for _, h := range hs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("script handler panicked", "event", ev.Kind.String(), "panic", fmt.Sprint(rec))
				}
			}()
			h(ev, q)
		}()
	}
}

func (r *CallbackRuntime) Reload() error {
	r.mu.Lock()
	fn := r.onReload
	r.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn()
}
