package webrtcpeer

import (
	"github.com/pion/webrtc/v4"
)

// NewPeerConnection constructs an endpoint PeerConnection using the ICE
// servers fetched from the relay.
func NewPeerConnection(api *webrtc.API, iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers,
	})
}
