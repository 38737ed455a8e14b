// Package channel implements the logical bidirectional link between this
// hub and one or more remote peers. Every transport (relay WebSocket,
// WebRTC data channel, in-memory test pipe) presents the same
// connect/send/recv contract; the channel layers optional end-to-end
// encryption and marker-framed compression on top and tracks per-peer
// session state and connection lifecycle.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/perchlabs/perch/internal/codec"
	"github.com/perchlabs/perch/internal/crypto"
	"github.com/perchlabs/perch/internal/logger"
)

// StateKind enumerates the connection lifecycle.
type StateKind int

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError // terminal: reconnect attempts exhausted
)

func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// State is the observable connection state, including reconnect progress.
type State struct {
	Kind    StateKind
	Attempt int           // reconnect attempt number, when Reconnecting
	Backoff time.Duration // current reconnect delay, when Reconnecting
	Reason  error         // terminal failure cause, when Error
}

// Config fixes a channel's identity and behavior at connect time.
type Config struct {
	Name   string // transport-channel name
	HubID  string
	Agent  int    // agent index
	Pty    int    // pty index
	Stream string // optional peer-scoped stream selector

	Encrypt              bool
	CompressionThreshold int // bytes; 0 disables compression

	// Crypto is required when Encrypt is set. The channel never inspects
	// key material.
	Crypto crypto.Service

	// MaxReconnectAttempts bounds automatic reconnection before the channel
	// enters the terminal Error state. Zero means the default (8).
	MaxReconnectAttempts int

	// OnState, when set, observes every state transition, in order, called
	// synchronously by whichever goroutine performs the transition. It must
	// not block and must not call back into the Channel.
	OnState func(State)
}

// IncomingMessage is one decoded inbound payload.
type IncomingMessage struct {
	Peer string
	Data []byte
}

// Channel is one logical connection to N remote peers over a Transport.
type Channel struct {
	cfg       Config
	transport Transport

	mu     sync.Mutex
	state  State
	peers  map[string]time.Time // peer id → established-at
	cancel context.CancelFunc

	// incoming is never closed; done signals closure instead, so a racing
	// pump delivery can lose the select without panicking.
	incoming  chan IncomingMessage
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a disconnected channel over the given transport.
func New(cfg Config, transport Transport) *Channel {
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 8
	}
	return &Channel{
		cfg:       cfg,
		transport: transport,
		state:     State{Kind: StateDisconnected},
		peers:     make(map[string]time.Time),
		incoming:  make(chan IncomingMessage, 256),
		done:      make(chan struct{}),
	}
}

// Connect establishes the transport and starts the receive pump. On failure
// the channel remains Disconnected — there is no observable half-connected
// state.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Kind != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("%w: channel %s is %s", ErrConnectionFailed, c.cfg.Name, c.state.Kind)
	}
	c.setStateLocked(State{Kind: StateConnecting})
	c.mu.Unlock()

	if err := c.transport.Connect(ctx); err != nil {
		c.mu.Lock()
		c.setStateLocked(State{Kind: StateDisconnected})
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.setStateLocked(State{Kind: StateConnected})
	c.mu.Unlock()

	go c.pump(pumpCtx)
	return nil
}

// Disconnect tears the channel down. Pending Recv calls return ErrClosed;
// racing sends may observe ErrClosed as well.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	if c.state.Kind != StateError {
		c.setStateLocked(State{Kind: StateDisconnected})
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.transport.Close()
	c.closeOnce.Do(func() { close(c.done) })
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AddPeer registers an established peer. Encrypted channels require the
// crypto session to exist first (the handshake collaborator's job); this is
// what makes Peers reflect sessions rather than historical sightings.
func (c *Channel) AddPeer(peer string) error {
	if c.cfg.Encrypt {
		if c.cfg.Crypto == nil || !c.cfg.Crypto.HasSession(peer) {
			return fmt.Errorf("%w: %s", ErrNoSession, peer)
		}
	}
	c.mu.Lock()
	c.peers[peer] = time.Now()
	c.mu.Unlock()
	return nil
}

// RemovePeer forgets a peer. Its crypto session (if any) is left to the
// crypto service's owner.
func (c *Channel) RemovePeer(peer string) {
	c.mu.Lock()
	delete(c.peers, peer)
	c.mu.Unlock()
}

// Peers lists peers with an established session.
func (c *Channel) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.peers))
	for p := range c.peers {
		out = append(out, p)
	}
	return out
}

// HasPeer reports whether peer has an established session on this channel.
func (c *Channel) HasPeer(peer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.peers[peer]
	return ok
}

// Send fans the payload out to every known peer, independently encrypted
// per peer when encryption is enabled. One peer's failure never blocks
// delivery to the others; the aggregate of all per-peer errors is returned
// (errors.Join), so callers see every failure rather than just the first.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	if c.state.Kind != StateConnected {
		kind := c.state.Kind
		c.mu.Unlock()
		if kind == StateDisconnected || kind == StateError {
			return ErrClosed
		}
		return fmt.Errorf("%w: channel %s is %s", ErrSendFailed, c.cfg.Name, kind)
	}
	peers := make([]string, 0, len(c.peers))
	for p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	var errs []error
	for _, peer := range peers {
		if err := c.sendTo(data, peer); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", peer, err))
		}
	}
	return errors.Join(errs...)
}

// SendTo delivers the payload to exactly one peer. Fails with ErrNoSession
// when the peer has never established a session — unicast never broadcasts
// and never creates sessions on the fly.
func (c *Channel) SendTo(data []byte, peer string) error {
	c.mu.Lock()
	if c.state.Kind != StateConnected {
		c.mu.Unlock()
		return ErrClosed
	}
	_, known := c.peers[peer]
	c.mu.Unlock()

	if !known {
		return fmt.Errorf("%w: %s", ErrNoSession, peer)
	}
	return c.sendTo(data, peer)
}

func (c *Channel) sendTo(data []byte, peer string) error {
	payload := data
	if c.cfg.Encrypt {
		ct, err := c.cfg.Crypto.Encrypt(peer, data)
		if err != nil {
			return err
		}
		payload = ct
	}
	// Compression is the outermost layer so receivers can auto-detect the
	// framing before touching crypto.
	framed := codec.MaybeCompress(payload, c.cfg.CompressionThreshold)
	if err := c.transport.Send(peer, framed); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// Recv blocks until the next inbound message arrives or the channel closes.
// Messages from the same peer arrive in transport order; no cross-peer
// ordering is guaranteed.
func (c *Channel) Recv(ctx context.Context) (IncomingMessage, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.done:
		return IncomingMessage{}, ErrClosed
	case <-ctx.Done():
		return IncomingMessage{}, ctx.Err()
	}
}

// pump is the single receive goroutine: it keeps per-peer ordering by
// decoding frames one at a time, recovers locally from bad frames, and
// drives reconnection when the transport drops.
func (c *Channel) pump(ctx context.Context) {
	backoff := NewBackoff(time.Second, 30*time.Second)

	for {
		frame, err := c.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Disconnect already set the state
			}
			if !c.reconnect(ctx, backoff) {
				return
			}
			continue
		}

		data, err := codec.MaybeDecompress(frame.Data)
		if err != nil {
			// One bad frame is dropped, not a channel teardown.
			logger.Warn("dropping undecodable frame", "channel", c.cfg.Name, "peer", frame.Peer, "err", err)
			continue
		}
		if c.cfg.Encrypt {
			plain, err := c.cfg.Crypto.Decrypt(frame.Peer, data)
			if err != nil {
				logger.Warn("dropping undecryptable frame", "channel", c.cfg.Name, "peer", frame.Peer, "err", err)
				continue
			}
			data = plain
		} else {
			// Plaintext channels learn peers from traffic.
			c.mu.Lock()
			if _, ok := c.peers[frame.Peer]; !ok {
				c.peers[frame.Peer] = time.Now()
			}
			c.mu.Unlock()
		}

		select {
		case c.incoming <- IncomingMessage{Peer: frame.Peer, Data: data}:
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// reconnect runs the backoff loop. Returns false when the channel has
// entered a terminal state (Error or closed).
func (c *Channel) reconnect(ctx context.Context, backoff *Backoff) bool {
	for {
		if backoff.Attempt() >= c.cfg.MaxReconnectAttempts {
			err := fmt.Errorf("%w: %d reconnect attempts exhausted", ErrConnectionFailed, backoff.Attempt())
			c.mu.Lock()
			c.setStateLocked(State{Kind: StateError, Reason: err})
			c.mu.Unlock()
			c.closeOnce.Do(func() { close(c.done) })
			logger.Error("channel failed permanently", "channel", c.cfg.Name, "err", err)
			return false
		}

		delay := backoff.Next()
		c.mu.Lock()
		c.setStateLocked(State{Kind: StateReconnecting, Attempt: backoff.Attempt(), Backoff: delay})
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := c.transport.Connect(ctx); err != nil {
			logger.Warn("reconnect failed", "channel", c.cfg.Name, "attempt", backoff.Attempt(), "err", err)
			continue
		}

		c.mu.Lock()
		c.setStateLocked(State{Kind: StateConnected})
		c.mu.Unlock()
		backoff.Reset()
		logger.Info("channel reconnected", "channel", c.cfg.Name)
		return true
	}
}

// setStateLocked updates the state and fires the observer inline, so
// observers see transitions in the order they happen. mu must be held.
func (c *Channel) setStateLocked(s State) {
	c.state = s
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}
