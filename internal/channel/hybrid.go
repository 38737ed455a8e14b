package channel

import (
	"context"
	"sync"

	"github.com/perchlabs/perch/internal/logger"
)

// HybridTransport routes frames over a per-peer WebRTC data channel when one
// is open and falls back to the relay otherwise. Connect and reconnect act
// on the relay; data channels arrive through signaling (PeerManager) and are
// attached to the RTC side out of band. Inbound traffic from both paths
// merges into one stream, so the owning Channel never knows which path a
// frame took.
type HybridTransport struct {
	relay Transport
	rtc   *RTCTransport

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	closed  bool

	frames  chan Frame
	recvErr chan error
}

// NewHybridTransport joins a relay transport with a data-channel transport.
func NewHybridTransport(relay Transport, rtc *RTCTransport) *HybridTransport {
	return &HybridTransport{
		relay:   relay,
		rtc:     rtc,
		frames:  make(chan Frame, 256),
		recvErr: make(chan error, 1),
	}
}

// Connect dials the relay and starts the merge pumps once. Reconnects reuse
// the running pumps; only the relay is redialed.
func (t *HybridTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.mu.Unlock()

	if err := t.relay.Connect(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	if !t.started {
		t.started = true
		pumpCtx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		go t.pumpFrom(pumpCtx, t.relay, true)
		go t.pumpFrom(pumpCtx, t.rtc, false)
	}
	t.mu.Unlock()
	return nil
}

// Send prefers the direct path. Peers without an open data channel go
// through the relay.
func (t *HybridTransport) Send(peer string, data []byte) error {
	if t.rtc.HasPeer(peer) {
		if err := t.rtc.Send(peer, data); err == nil {
			return nil
		}
		// The data channel may have closed under us; the relay still works.
		logger.Debug("p2p send failed, falling back to relay", "peer", peer)
	}
	return t.relay.Send(peer, data)
}

func (t *HybridTransport) Recv(ctx context.Context) (Frame, error) {
	select {
	case f := <-t.frames:
		return f, nil
	case err := <-t.recvErr:
		return Frame{}, err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (t *HybridTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.rtc.Close()
	return t.relay.Close()
}

// pumpFrom forwards one source's frames into the merged stream. Relay errors
// surface to the Channel (they drive reconnection) and the pump keeps
// looping so it survives the redial; RTC errors only occur on closure.
func (t *HybridTransport) pumpFrom(ctx context.Context, src Transport, surfaceErrors bool) {
	for {
		frame, err := src.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if surfaceErrors {
				select {
				case t.recvErr <- err:
				default:
				}
				continue
			}
			return
		}
		select {
		case t.frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}
