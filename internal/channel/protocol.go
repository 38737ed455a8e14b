package channel

// Relay WebSocket message types. Every message is a JSON object with a
// "type" field used for routing; payload bytes ride base64-encoded and
// marker-framed (see internal/codec).
const (
	// Hub → Relay
	TypeHubRegister  = "hub.register"
	TypeHubHeartbeat = "hub.heartbeat"

	// Relay → Hub
	TypeRegistered = "registered"
	TypeError      = "error"

	// Channel traffic (relay is an opaque forwarder)
	TypeChannelMsg = "chan.msg"

	// Peer lifecycle (relay-observed browser connections)
	TypePeerJoin  = "peer.join"
	TypePeerLeave = "peer.leave"

	// P2P signaling: a browser offers, the hub answers, and the opened data
	// channels carry frames directly from then on.
	TypeWebRTCOffer  = "webrtc.offer"
	TypeWebRTCAnswer = "webrtc.answer"
)

// Envelope wraps every relay message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// HubRegister is sent by the daemon on connect.
type HubRegister struct {
	Type      string `json:"type"`
	HubID     string `json:"hub_id"`
	Hostname  string `json:"hostname,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Version   string `json:"version,omitempty"`
	PublicKey string `json:"public_key,omitempty"` // X25519 identity key (base64)
}

// HubHeartbeat keeps the relay registration alive.
type HubHeartbeat struct {
	Type  string `json:"type"`
	HubID string `json:"hub_id"`
}

// RegisteredMsg acknowledges a successful hub registration.
type RegisteredMsg struct {
	Type  string `json:"type"`
	HubID string `json:"hub_id"`
}

// ErrorMsg is sent by the relay for protocol errors.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ChannelMsg carries one channel frame between the hub and one peer. The
// routing identifiers mirror the channel configuration so the relay can
// forward without understanding payloads.
type ChannelMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`          // transport-channel name
	HubID   string `json:"hub_id"`
	Agent   int    `json:"agent"`            // agent index
	Pty     int    `json:"pty"`              // pty index
	Stream  string `json:"stream,omitempty"` // optional peer-scoped selector
	From    string `json:"from,omitempty"`   // sender peer id (relay-injected)
	To      string `json:"to,omitempty"`     // recipient peer id
	Payload []byte `json:"payload"`          // marker-framed bytes (base64 in JSON)
}

// PeerJoin announces a browser peer subscribing to this hub's channel.
type PeerJoin struct {
	Type      string `json:"type"`
	Peer      string `json:"peer"`
	PublicKey string `json:"public_key,omitempty"`
}

// PeerLeave announces a peer dropping off.
type PeerLeave struct {
	Type string `json:"type"`
	Peer string `json:"peer"`
}

// WebRTCOffer carries one browser peer's SDP offer through the relay.
type WebRTCOffer struct {
	Type  string `json:"type"`
	Peer  string `json:"peer"`
	HubID string `json:"hub_id,omitempty"`
	SDP   string `json:"sdp"`
}

// WebRTCAnswer returns the hub's SDP answer to the offering peer. ICE
// candidates are embedded, so this is the whole signaling round trip.
type WebRTCAnswer struct {
	Type  string `json:"type"`
	Peer  string `json:"peer"`
	HubID string `json:"hub_id,omitempty"`
	SDP   string `json:"sdp"`
}
