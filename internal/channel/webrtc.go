package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/perchlabs/perch/internal/logger"
)

// RTCTransport carries channel frames over per-peer WebRTC data channels.
// Signaling (offer/answer over the relay) is the peer manager's job; once a
// data channel opens for a peer it is attached here and frames flow
// directly, bypassing the relay.
type RTCTransport struct {
	mu     sync.Mutex
	chans  map[string]*webrtc.DataChannel // peer id → open data channel
	closed bool

	frames  chan Frame
	recvErr chan error
}

// NewRTCTransport creates an empty data-channel transport.
func NewRTCTransport() *RTCTransport {
	return &RTCTransport{
		chans:   make(map[string]*webrtc.DataChannel),
		frames:  make(chan Frame, 256),
		recvErr: make(chan error, 1),
	}
}

// AttachDataChannel adopts an open data channel for a peer. An existing
// channel for the same peer is replaced (browser reconnects renegotiate).
func (t *RTCTransport) AttachDataChannel(peer string, dc *webrtc.DataChannel) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		dc.Close()
		return
	}
	if old, ok := t.chans[peer]; ok {
		old.Close()
	}
	t.chans[peer] = dc
	t.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case t.frames <- Frame{Peer: peer, Data: msg.Data}:
		default:
			logger.Warn("dropping p2p frame, receive queue full", "peer", peer)
		}
	})
	dc.OnClose(func() {
		t.mu.Lock()
		if t.chans[peer] == dc {
			delete(t.chans, peer)
		}
		t.mu.Unlock()
		logger.Info("p2p data channel closed", "peer", peer)
	})
}

// HasPeer reports whether an open data channel exists for peer.
func (t *RTCTransport) HasPeer(peer string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.chans[peer]
	return ok
}

// DetachPeer drops a peer's data channel.
func (t *RTCTransport) DetachPeer(peer string) {
	t.mu.Lock()
	dc, ok := t.chans[peer]
	if ok {
		delete(t.chans, peer)
	}
	t.mu.Unlock()
	if ok {
		dc.Close()
	}
}

// Connect is a no-op: data channels arrive through signaling, not dialing.
func (t *RTCTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	return nil
}

func (t *RTCTransport) Send(peer string, data []byte) error {
	t.mu.Lock()
	dc, ok := t.chans[peer]
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	if !ok {
		return fmt.Errorf("%w: no data channel for peer %s", ErrSendFailed, peer)
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (t *RTCTransport) Recv(ctx context.Context) (Frame, error) {
	select {
	case f := <-t.frames:
		return f, nil
	case err := <-t.recvErr:
		return Frame{}, err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (t *RTCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	chans := t.chans
	t.chans = make(map[string]*webrtc.DataChannel)
	t.mu.Unlock()

	for _, dc := range chans {
		dc.Close()
	}
	return nil
}
