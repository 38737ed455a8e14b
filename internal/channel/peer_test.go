package channel

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

// Loopback: a browser-side peer connection offers, the manager answers, and
// the opened data channel flows through an RTCTransport in both directions.
func TestWebRTCLoopback(t *testing.T) {
	pm := NewPeerManager(nil)
	defer pm.Close()

	transport := NewRTCTransport()
	defer transport.Close()

	attached := make(chan string, 1)
	pm.OnDC(func(peer, sessionKey string, dc *webrtc.DataChannel) {
		transport.AttachDataChannel(peer, dc)
		attached <- sessionKey
	})

	// Browser side.
	browserPC, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("browser PC: %v", err)
	}
	defer browserPC.Close()

	dc, err := browserPC.CreateDataChannel("pty:demo", nil)
	if err != nil {
		t.Fatalf("create data channel: %v", err)
	}
	fromHub := make(chan []byte, 4)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fromHub <- msg.Data
	})

	offer, err := browserPC.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gatherDone := webrtc.GatheringCompletePromise(browserPC)
	if err := browserPC.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local desc: %v", err)
	}
	<-gatherDone

	answerSDP, err := pm.HandleOffer("browser-1", browserPC.LocalDescription().SDP)
	if err != nil {
		t.Fatalf("handle offer: %v", err)
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := browserPC.SetRemoteDescription(answer); err != nil {
		t.Fatalf("set remote desc: %v", err)
	}

	dcReady := make(chan struct{})
	dc.OnOpen(func() { close(dcReady) })
	select {
	case <-dcReady:
	case <-time.After(10 * time.Second):
		t.Fatal("data channel never opened")
	}

	select {
	case sessionKey := <-attached:
		if sessionKey != "demo" {
			t.Errorf("session key = %q, want %q", sessionKey, "demo")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("handler never received the data channel")
	}

	// Browser → hub.
	if err := dc.Send([]byte("keystrokes")); err != nil {
		t.Fatalf("browser send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	frame, err := transport.Recv(ctx)
	if err != nil {
		t.Fatalf("transport recv: %v", err)
	}
	if frame.Peer != "browser-1" || string(frame.Data) != "keystrokes" {
		t.Errorf("frame = %q from %q", frame.Data, frame.Peer)
	}

	// Hub → browser.
	if err := transport.Send("browser-1", []byte("render")); err != nil {
		t.Fatalf("transport send: %v", err)
	}
	select {
	case data := <-fromHub:
		if string(data) != "render" {
			t.Errorf("browser got %q", data)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("browser never received hub frame")
	}
}

func TestSDPPayloadRoundTrip(t *testing.T) {
	sdp := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n"
	back, err := UnmarshalSDP(MarshalSDP(sdp))
	if err != nil {
		t.Fatal(err)
	}
	if back != sdp {
		t.Errorf("round trip = %q", back)
	}
}

func TestSendToUnattachedPeerFails(t *testing.T) {
	transport := NewRTCTransport()
	defer transport.Close()
	if err := transport.Send("nobody", []byte("x")); err == nil {
		t.Error("send to unattached peer succeeded")
	}
}
