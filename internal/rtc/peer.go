// Package rtc wraps pion PeerConnection/DataChannel pairs for the tunnel
// switchover path. SDP exchange is vanilla ICE: all candidates are gathered
// before the description is handed out, so the control channel needs exactly
// one offer/answer round trip and never carries trickle candidates.
package rtc

import "github.com/pion/webrtc/v4"

// STUN servers for ICE candidate gathering. TURN is intentionally absent;
// when no direct path exists the tunnel simply stays on the relay transport.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection configured with Google STUN servers.
func newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated, ordered DataChannel on the given
// PeerConnection. Negotiated mode (ID 0) lets both tunnel ends create the
// channel independently without relying on OnDataChannel. Ordered mode is
// required here: the switchover contract promises in-order, loss-free
// delivery of sub-protocol payload.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("session", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
