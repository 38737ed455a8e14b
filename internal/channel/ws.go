package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/perchlabs/perch/internal/logger"
)

const (
	wsReadLimit    = 512 * 1024 // match the relay's limit
	wsWriteTimeout = 10 * time.Second
	heartbeatEvery = 30 * time.Second
)

// WSConfig configures the relay WebSocket transport.
type WSConfig struct {
	URL       string // e.g. wss://relay.example.com/ws/hub
	Token     string // bearer token (JWT minted by the backend)
	HubID     string
	Hostname  string
	Version   string
	PublicKey string // X25519 identity key (base64), shared with peers

	ChannelName string
	Agent       int
	Pty         int
	Stream      string

	// RateLimitBytes caps outbound payload bytes per second. Zero means
	// unlimited.
	RateLimitBytes int

	// OnPeerJoin/OnPeerLeave observe relay-announced peer lifecycle. Called
	// from the read loop; they must only enqueue.
	OnPeerJoin  func(peer, publicKey string)
	OnPeerLeave func(peer string)

	// OnOffer receives a peer's SDP offer for the P2P upgrade. Called from
	// the read loop; answering must happen elsewhere (SendAnswer).
	OnOffer func(peer, sdp string)
}

// WSTransport carries channel frames over an outbound relay WebSocket. The
// relay forwards frames between the hub and browser peers without reading
// payloads. Outbound frames go through a single writer goroutine so the
// event loop never blocks on the socket or the rate limiter.
type WSTransport struct {
	cfg     WSConfig
	limiter *rate.Limiter

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	closed  bool
	started bool

	frames   chan Frame
	recvErr  chan error
	outbound chan any // ChannelMsg and signaling messages
}

// NewWSTransport creates a disconnected relay transport.
func NewWSTransport(cfg WSConfig) *WSTransport {
	var limiter *rate.Limiter
	if cfg.RateLimitBytes > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitBytes), cfg.RateLimitBytes)
	}
	return &WSTransport{
		cfg:      cfg,
		limiter:  limiter,
		frames:   make(chan Frame, 256),
		recvErr:  make(chan error, 1),
		outbound: make(chan any, 256),
	}
}

// Connect dials the relay, registers the hub, and starts the read and
// write loops. Called again by the channel on reconnect.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if t.cancel != nil {
		t.cancel() // stop loops from a previous connection
	}
	t.mu.Unlock()

	opts := &websocket.DialOptions{
		HTTPHeader: make(map[string][]string),
	}
	opts.HTTPHeader.Set("Authorization", "Bearer "+t.cfg.Token)

	conn, _, err := websocket.Dial(ctx, t.cfg.URL, opts)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.cancel = cancel
	t.started = true
	t.mu.Unlock()

	reg := HubRegister{
		Type:      TypeHubRegister,
		HubID:     t.cfg.HubID,
		Hostname:  t.cfg.Hostname,
		Version:   t.cfg.Version,
		PublicKey: t.cfg.PublicKey,
	}
	if err := t.writeJSON(connCtx, conn, reg); err != nil {
		cancel()
		conn.CloseNow()
		return fmt.Errorf("register: %w", err)
	}

	go t.readLoop(connCtx, conn)
	go t.writeLoop(connCtx, conn)
	go t.heartbeatLoop(connCtx)
	return nil
}

// Send enqueues one frame for the writer goroutine. A full queue fails fast
// instead of blocking the caller.
func (t *WSTransport) Send(peer string, data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	msg := ChannelMsg{
		Type:    TypeChannelMsg,
		Channel: t.cfg.ChannelName,
		HubID:   t.cfg.HubID,
		Agent:   t.cfg.Agent,
		Pty:     t.cfg.Pty,
		Stream:  t.cfg.Stream,
		To:      peer,
		Payload: data,
	}
	return t.enqueue(msg)
}

// SendAnswer returns an SDP answer to the offering peer through the relay.
func (t *WSTransport) SendAnswer(peer, sdp string) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	return t.enqueue(WebRTCAnswer{
		Type:  TypeWebRTCAnswer,
		Peer:  peer,
		HubID: t.cfg.HubID,
		SDP:   sdp,
	})
}

func (t *WSTransport) enqueue(msg any) error {
	select {
	case t.outbound <- msg:
		return nil
	default:
		return fmt.Errorf("%w: outbound queue full", ErrSendFailed)
	}
}

// Recv blocks until the next inbound frame or a connection failure.
func (t *WSTransport) Recv(ctx context.Context) (Frame, error) {
	select {
	case f := <-t.frames:
		return f, nil
	case err := <-t.recvErr:
		return Frame{}, err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close tears the transport down permanently.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	conn := t.conn
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.CloseNow()
	}
	return nil
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				select {
				case t.recvErr <- fmt.Errorf("relay read: %w", err):
				default:
				}
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("bad relay message", "err", err)
			continue
		}

		switch env.Type {
		case TypeRegistered:
			var msg RegisteredMsg
			json.Unmarshal(data, &msg)
			logger.Info("registered with relay", "hub", msg.HubID)

		case TypeChannelMsg:
			var msg ChannelMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Warn("bad chan.msg", "err", err)
				continue
			}
			select {
			case t.frames <- Frame{Peer: msg.From, Data: msg.Payload}:
			case <-ctx.Done():
				return
			}

		case TypePeerJoin:
			var msg PeerJoin
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if t.cfg.OnPeerJoin != nil {
				t.cfg.OnPeerJoin(msg.Peer, msg.PublicKey)
			}

		case TypePeerLeave:
			var msg PeerLeave
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if t.cfg.OnPeerLeave != nil {
				t.cfg.OnPeerLeave(msg.Peer)
			}

		case TypeWebRTCOffer:
			var msg WebRTCOffer
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Warn("bad webrtc.offer", "err", err)
				continue
			}
			if t.cfg.OnOffer != nil {
				t.cfg.OnOffer(msg.Peer, msg.SDP)
			}

		case TypeError:
			var msg ErrorMsg
			json.Unmarshal(data, &msg)
			logger.Warn("relay error", "message", msg.Message)

		default:
			logger.Debug("unrecognized relay message", "type", env.Type)
		}
	}
}

func (t *WSTransport) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.outbound:
			// Only payload frames count against the rate limit; signaling
			// messages are small and latency-sensitive.
			if cm, ok := msg.(ChannelMsg); ok && t.limiter != nil {
				if err := t.limiter.WaitN(ctx, len(cm.Payload)); err != nil {
					return
				}
			}
			if err := t.writeJSON(ctx, conn, msg); err != nil {
				logger.Warn("relay write failed", "err", err)
				select {
				case t.recvErr <- fmt.Errorf("relay write: %w", err):
				default:
				}
				return
			}
		}
	}
}

func (t *WSTransport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			conn := t.conn
			t.mu.Unlock()
			if conn == nil {
				return
			}
			hb := HubHeartbeat{Type: TypeHubHeartbeat, HubID: t.cfg.HubID}
			if err := t.writeJSON(ctx, conn, hb); err != nil {
				return
			}
		}
	}
}

func (t *WSTransport) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
