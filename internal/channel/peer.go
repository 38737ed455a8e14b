package channel

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/perchlabs/perch/internal/logger"
)

// DCHandler is called when a new data channel opens on a peer connection.
// The session key comes from the channel label ("pty:<key>").
type DCHandler func(peer, sessionKey string, dc *webrtc.DataChannel)

// PeerManager upgrades relay peers to direct WebRTC connections. Browsers
// send offers through the relay; the answer goes back the same way, and once
// a data channel opens it is handed off (typically to an RTCTransport) so
// frames bypass the relay entirely.
type PeerManager struct {
	mu         sync.Mutex
	peers      map[string]*webrtc.PeerConnection // peer id → PC
	iceServers []webrtc.ICEServer
	dcHandler  DCHandler
}

// NewPeerManager creates a manager with the given ICE servers. Nil means
// host-only ICE (same-LAN peers).
func NewPeerManager(iceServers []webrtc.ICEServer) *PeerManager {
	return &PeerManager{
		peers:      make(map[string]*webrtc.PeerConnection),
		iceServers: iceServers,
	}
}

// OnDC registers the data-channel handoff. Called from pion's goroutines;
// it must only enqueue or attach.
func (pm *PeerManager) OnDC(handler DCHandler) {
	pm.mu.Lock()
	pm.dcHandler = handler
	pm.mu.Unlock()
}

// HandleOffer answers a browser's SDP offer. The returned answer SDP has ICE
// candidates embedded (gathering completes before return), so signaling is a
// single round trip through the relay.
func (pm *PeerManager) HandleOffer(peer, sdpOffer string) (string, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: pm.iceServers})
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}

	pm.mu.Lock()
	// A renegotiating peer replaces its old connection.
	if old, ok := pm.peers[peer]; ok {
		old.Close()
	}
	pm.peers[peer] = pc
	pm.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		label := dc.Label()
		sessionKey := ""
		if len(label) > 4 && label[:4] == "pty:" {
			sessionKey = label[4:]
		}
		dc.OnOpen(func() {
			logger.Info("p2p data channel opened", "peer", peer, "label", label)
			pm.mu.Lock()
			handler := pm.dcHandler
			pm.mu.Unlock()
			if handler != nil {
				handler(peer, sessionKey, dc)
			}
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("p2p connection state", "peer", peer, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			pm.mu.Lock()
			if pm.peers[peer] == pc {
				delete(pm.peers, peer)
			}
			pm.mu.Unlock()
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	localDesc := pc.LocalDescription()
	if localDesc == nil {
		pc.Close()
		return "", fmt.Errorf("no local description after ICE gathering")
	}
	return localDesc.SDP, nil
}

// DropPeer closes one peer's connection.
func (pm *PeerManager) DropPeer(peer string) {
	pm.mu.Lock()
	pc, ok := pm.peers[peer]
	if ok {
		delete(pm.peers, peer)
	}
	pm.mu.Unlock()
	if ok {
		pc.Close()
	}
}

// Close shuts down all peer connections.
func (pm *PeerManager) Close() {
	pm.mu.Lock()
	peers := pm.peers
	pm.peers = make(map[string]*webrtc.PeerConnection)
	pm.mu.Unlock()

	for _, pc := range peers {
		pc.Close()
	}
}

// SDPPayload is the JSON body of webrtc.offer/webrtc.answer relay messages.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// MarshalSDP encodes an SDP payload.
func MarshalSDP(sdp string) []byte {
	data, _ := json.Marshal(SDPPayload{SDP: sdp})
	return data
}

// UnmarshalSDP decodes an SDP payload.
func UnmarshalSDP(data []byte) (string, error) {
	var p SDPPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", fmt.Errorf("decode sdp payload: %w", err)
	}
	return p.SDP, nil
}
