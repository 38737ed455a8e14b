package channel

import (
	"context"
	"errors"
	"sync"
)

// Frame is one opaque payload crossing a transport, tagged with the peer it
// came from or goes to.
type Frame struct {
	Peer string
	Data []byte
}

// ErrTransportClosed is returned by transport operations after Close.
var ErrTransportClosed = errors.New("channel: transport closed")

// Transport is the pub/sub medium a Channel runs over. Implementations:
// the relay WebSocket, WebRTC data channels, and an in-memory pipe for
// tests. A transport moves frames; the Channel owns encryption,
// compression, and peer/session bookkeeping.
type Transport interface {
	// Connect establishes the underlying subscription. Called again on
	// reconnect attempts.
	Connect(ctx context.Context) error
	// Send delivers one frame to one peer.
	Send(peer string, data []byte) error
	// Recv blocks until the next inbound frame, a peer event, or closure.
	Recv(ctx context.Context) (Frame, error)
	// Close tears the transport down. Pending Recv calls return an error.
	Close() error
}

// memoryTransport is a loopback transport for tests: two ends joined by
// buffered channels. It preserves per-peer ordering the same way a real
// socket does (single FIFO). The inbox is never closed; done signals
// closure, so a racing Send from the peer loses the select instead of
// panicking on a closed channel.
type memoryTransport struct {
	localPeer string
	inbox     chan Frame
	done      chan struct{}

	mu     sync.Mutex
	remote *memoryTransport
	closed bool
}

// NewMemoryPair returns two connected in-memory transports. Frames sent on
// one arrive on the other tagged with the sender's peer id.
func NewMemoryPair(peerA, peerB string) (Transport, Transport) {
	a := &memoryTransport{localPeer: peerA, inbox: make(chan Frame, 256), done: make(chan struct{})}
	b := &memoryTransport{localPeer: peerB, inbox: make(chan Frame, 256), done: make(chan struct{})}
	a.remote = b
	b.remote = a
	return a, b
}

func (t *memoryTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	return nil
}

func (t *memoryTransport) Send(peer string, data []byte) error {
	t.mu.Lock()
	remote := t.remote
	closed := t.closed
	t.mu.Unlock()
	if closed || remote == nil {
		return ErrTransportClosed
	}

	frame := Frame{Peer: t.localPeer, Data: append([]byte(nil), data...)}
	select {
	case <-remote.done:
		return ErrTransportClosed
	default:
	}
	select {
	case remote.inbox <- frame:
		return nil
	case <-remote.done:
		return ErrTransportClosed
	default:
		return ErrSendFailed
	}
}

func (t *memoryTransport) Recv(ctx context.Context) (Frame, error) {
	select {
	case f := <-t.inbox:
		return f, nil
	case <-t.done:
		return Frame{}, ErrTransportClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (t *memoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return nil
}
