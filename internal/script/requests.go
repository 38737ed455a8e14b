// Package script is the boundary between the hub and the embedded
// orchestration engine. The engine is synchronous and re-enterable: it runs
// only on the event-loop thread, in direct response to one event, and its
// only way to cause an effect is to enqueue a typed request that the loop
// executes after the callback returns. It is never handed a blocking I/O
// primitive.
package script

import (
	"errors"
	"sync"
)

// ErrQueueFull is returned when an enqueue would exceed the queue bound.
// The engine treats it as "effect not scheduled", never as a crash.
var ErrQueueFull = errors.New("script: request queue full")

// PTYOpKind enumerates PTY effects the engine may request.
type PTYOpKind int

const (
	PTYWrite PTYOpKind = iota
	PTYResize
	PTYKill
	PTYScroll
)

// PTYRequest asks the loop to act on one session's PTY.
type PTYRequest struct {
	SessionKey string
	Op         PTYOpKind
	Data       []byte // PTYWrite
	Cols, Rows uint16 // PTYResize
	Offset     int    // PTYScroll
}

// HubOpKind enumerates orchestration-state effects.
type HubOpKind int

const (
	HubSpawnSession HubOpKind = iota
	HubCloseSession
	HubShutdown
)

// HubRequest asks the loop to mutate orchestration state.
type HubRequest struct {
	Op         HubOpKind
	SessionKey string
	Command    string
	Args       []string
	WorkingDir string
	Cols, Rows uint16
}

// ConnOpKind enumerates connection-lifecycle effects.
type ConnOpKind int

const (
	ConnConnect ConnOpKind = iota
	ConnDisconnect
	ConnDropPeer
)

// ConnRequest asks the loop to act on a session's channel.
type ConnRequest struct {
	Op         ConnOpKind
	SessionKey string
	Peer       string // ConnDropPeer
}

// SendRequest asks the loop to transmit bytes on a session's channel.
// An empty Peer fans out to all peers.
type SendRequest struct {
	SessionKey string
	Peer       string
	Data       []byte
}

// Queues holds the four bounded request queues the loop drains after each
// callback invocation. Enqueues never block; a full queue is an error the
// engine sees immediately.
type Queues struct {
	mu   sync.Mutex
	pty  []PTYRequest
	hub  []HubRequest
	conn []ConnRequest
	send []SendRequest
	cap  int
}

// NewQueues creates queues bounded at capacity requests each.
func NewQueues(capacity int) *Queues {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queues{cap: capacity}
}

func (q *Queues) EnqueuePTY(r PTYRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pty) >= q.cap {
		return ErrQueueFull
	}
	q.pty = append(q.pty, r)
	return nil
}

func (q *Queues) EnqueueHub(r HubRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.hub) >= q.cap {
		return ErrQueueFull
	}
	q.hub = append(q.hub, r)
	return nil
}

func (q *Queues) EnqueueConn(r ConnRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.conn) >= q.cap {
		return ErrQueueFull
	}
	q.conn = append(q.conn, r)
	return nil
}

func (q *Queues) EnqueueSend(r SendRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.send) >= q.cap {
		return ErrQueueFull
	}
	q.send = append(q.send, r)
	return nil
}

// Drain empties all four queues in enqueue order. Called by the loop after
// callbacks for a tick have run.
func (q *Queues) Drain() (pty []PTYRequest, hub []HubRequest, conn []ConnRequest, send []SendRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pty, q.pty = q.pty, nil
	hub, q.hub = q.hub, nil
	conn, q.conn = q.conn, nil
	send, q.send = q.send, nil
	return pty, hub, conn, send
}
