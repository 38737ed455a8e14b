package pty

import (
	"sync"
	"time"
)

// ClientKind distinguishes the three viewer identities that can attach to a
// session.
type ClientKind int

const (
	ClientLocal    ClientKind = iota // the local terminal UI
	ClientBrowser                    // a remote browser peer, identified by its key
	ClientInternal                   // daemon-internal viewers (scripted probes)
)

func (k ClientKind) String() string {
	switch k {
	case ClientLocal:
		return "local"
	case ClientBrowser:
		return "browser"
	case ClientInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ClientID identifies a logical viewer. Equality is by value: a
// reconnecting client with the same identity replaces its prior record.
type ClientID struct {
	Kind ClientKind
	ID   string // browser identity string; empty for local
}

// ConnectedClient is one viewer's registry record.
type ConnectedClient struct {
	ID          ClientID
	Cols, Rows  uint16
	ConnectedAt time.Time
	seq         uint64 // attach order, breaks ConnectedAt ties
}

// Registry decides whose requested terminal size is authoritative for a
// shared PTY: the most recently attached client owns the size. When two
// attaches land on the same clock tick the later attach wins (strictly
// increasing sequence numbers make this deterministic, not a map-iteration
// accident).
//
// The registry is mutated only from the event-loop thread; the mutex exists
// so read-only queries from other threads stay safe.
type Registry struct {
	mu      sync.Mutex
	clients map[ClientID]*ConnectedClient
	seq     uint64

	// applySize pushes the owner's dimensions to the PTY. Nil-safe.
	applySize func(cols, rows uint16)
}

// NewRegistry creates a registry that applies owner dimensions through
// applySize (typically Session.Resize wrapped with error logging).
func NewRegistry(applySize func(cols, rows uint16)) *Registry {
	return &Registry{
		clients:   make(map[ClientID]*ConnectedClient),
		applySize: applySize,
	}
}

// Attach inserts or updates a client record with a fresh timestamp. The
// attaching client becomes the size owner, so its dims are applied.
func (r *Registry) Attach(id ClientID, cols, rows uint16) {
	r.mu.Lock()
	r.seq++
	r.clients[id] = &ConnectedClient{
		ID:          id,
		Cols:        cols,
		Rows:        rows,
		ConnectedAt: time.Now(),
		seq:         r.seq,
	}
	r.mu.Unlock()

	if r.applySize != nil {
		r.applySize(cols, rows)
	}
}

// Detach removes a client. If it was the size owner, ownership transfers to
// the next-most-recent client and its dims are applied. An empty registry
// leaves the PTY at its last size.
func (r *Registry) Detach(id ClientID) {
	r.mu.Lock()
	departing, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, id)
	wasOwner := true
	for _, c := range r.clients {
		if moreRecent(c, departing) {
			wasOwner = false
			break
		}
	}
	var next *ConnectedClient
	if wasOwner {
		next = r.ownerLocked()
	}
	r.mu.Unlock()

	if next != nil && r.applySize != nil {
		r.applySize(next.Cols, next.Rows)
	}
}

// Resize updates an existing client's dims. Only the current owner's
// update reaches the PTY; a non-owner resizing affects nobody else.
func (r *Registry) Resize(id ClientID, cols, rows uint16) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	c.Cols, c.Rows = cols, rows
	isOwner := r.ownerLocked() == c
	r.mu.Unlock()

	if isOwner && r.applySize != nil {
		r.applySize(cols, rows)
	}
}

// Owner returns the current size owner, or false when nobody is attached.
func (r *Registry) Owner() (ConnectedClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.ownerLocked()
	if o == nil {
		return ConnectedClient{}, false
	}
	return *o, true
}

// Clients returns a copy of all attached client records.
func (r *Registry) Clients() []ConnectedClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnectedClient, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	return out
}

// Len returns the number of attached clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Registry) ownerLocked() *ConnectedClient {
	var owner *ConnectedClient
	for _, c := range r.clients {
		if owner == nil || moreRecent(c, owner) {
			owner = c
		}
	}
	return owner
}

// moreRecent orders by ConnectedAt, then by attach sequence for same-tick
// attaches.
func moreRecent(a, b *ConnectedClient) bool {
	if !a.ConnectedAt.Equal(b.ConnectedAt) {
		return a.ConnectedAt.After(b.ConnectedAt)
	}
	return a.seq > b.seq
}
