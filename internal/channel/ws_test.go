package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// relayStub accepts one hub connection and exposes the raw message stream so
// tests can play the relay's half of the protocol.
type relayStub struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	gotReg chan HubRegister
}

func newRelayStub(t *testing.T) *relayStub {
	t.Helper()
	rs := &relayStub{
		conns:  make(chan *websocket.Conn, 1),
		gotReg: make(chan HubRegister, 1),
	}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var reg HubRegister
		if err := json.Unmarshal(data, &reg); err != nil || reg.Type != TypeHubRegister {
			conn.Close(websocket.StatusProtocolError, "expected hub.register")
			return
		}
		rs.gotReg <- reg
		rs.conns <- conn
		// Keep the handler alive; the test drives the connection.
		<-r.Context().Done()
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *relayStub) url() string {
	return "ws" + strings.TrimPrefix(rs.srv.URL, "http")
}

// A browser's SDP offer arriving over the relay reaches the OnOffer hook, and
// SendAnswer routes the answer back as a webrtc.answer message.
func TestRelayOfferAnswerSignaling(t *testing.T) {
	rs := newRelayStub(t)

	offers := make(chan WebRTCOffer, 1)
	tr := NewWSTransport(WSConfig{
		URL:         rs.url(),
		Token:       "test-token",
		HubID:       "hub-1",
		ChannelName: "demo",
		OnOffer: func(peer, sdp string) {
			offers <- WebRTCOffer{Peer: peer, SDP: sdp}
		},
	})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case reg := <-rs.gotReg:
		if reg.HubID != "hub-1" {
			t.Errorf("registered hub id = %q", reg.HubID)
		}
	case <-ctx.Done():
		t.Fatal("hub never registered")
	}
	conn := <-rs.conns

	offer, _ := json.Marshal(WebRTCOffer{
		Type: TypeWebRTCOffer,
		Peer: "browser-7",
		SDP:  "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\n",
	})
	if err := conn.Write(ctx, websocket.MessageText, offer); err != nil {
		t.Fatalf("relay write: %v", err)
	}

	var got WebRTCOffer
	select {
	case got = <-offers:
	case <-ctx.Done():
		t.Fatal("offer never reached the hook")
	}
	if got.Peer != "browser-7" || !strings.HasPrefix(got.SDP, "v=0") {
		t.Errorf("offer = %+v", got)
	}

	if err := tr.SendAnswer("browser-7", "v=0\r\nanswer\r\n"); err != nil {
		t.Fatalf("send answer: %v", err)
	}

	// The writer goroutine may interleave heartbeats; scan for the answer.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("relay read: %v", err)
		}
		var env Envelope
		json.Unmarshal(data, &env)
		if env.Type != TypeWebRTCAnswer {
			continue
		}
		var ans WebRTCAnswer
		if err := json.Unmarshal(data, &ans); err != nil {
			t.Fatalf("bad answer: %v", err)
		}
		if ans.Peer != "browser-7" || ans.HubID != "hub-1" || !strings.Contains(ans.SDP, "answer") {
			t.Errorf("answer = %+v", ans)
		}
		return
	}
}

// Payload frames and peer lifecycle still work over the same connection the
// signaling rides on.
func TestRelayFramesAndPeerEvents(t *testing.T) {
	rs := newRelayStub(t)

	joins := make(chan string, 1)
	tr := NewWSTransport(WSConfig{
		URL:         rs.url(),
		Token:       "test-token",
		HubID:       "hub-1",
		ChannelName: "demo",
		OnPeerJoin:  func(peer, publicKey string) { joins <- peer },
	})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-rs.gotReg
	conn := <-rs.conns

	join, _ := json.Marshal(PeerJoin{Type: TypePeerJoin, Peer: "browser-2"})
	if err := conn.Write(ctx, websocket.MessageText, join); err != nil {
		t.Fatalf("relay write: %v", err)
	}
	select {
	case peer := <-joins:
		if peer != "browser-2" {
			t.Errorf("join peer = %q", peer)
		}
	case <-ctx.Done():
		t.Fatal("peer join never observed")
	}

	inbound, _ := json.Marshal(ChannelMsg{
		Type:    TypeChannelMsg,
		Channel: "demo",
		From:    "browser-2",
		Payload: []byte("keys"),
	})
	if err := conn.Write(ctx, websocket.MessageText, inbound); err != nil {
		t.Fatalf("relay write: %v", err)
	}
	frame, err := tr.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if frame.Peer != "browser-2" || string(frame.Data) != "keys" {
		t.Errorf("frame = %q from %q", frame.Data, frame.Peer)
	}

	if err := tr.Send("browser-2", []byte("pixels")); err != nil {
		t.Fatalf("send: %v", err)
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("relay read: %v", err)
		}
		var env Envelope
		json.Unmarshal(data, &env)
		if env.Type != TypeChannelMsg {
			continue
		}
		var msg ChannelMsg
		json.Unmarshal(data, &msg)
		if msg.To != "browser-2" || string(msg.Payload) != "pixels" {
			t.Errorf("outbound = %+v", msg)
		}
		return
	}
}
