package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabelChat is the channel the call peer opens for text messages.
const DataChannelLabelChat = "chat"

// CreateChatDataChannel opens the caller's side of the chat channel. It must
// be called before the offer is created so the SDP carries an application
// section.
func CreateChatDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	dc, err := pc.CreateDataChannel(DataChannelLabelChat, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("create %s datachannel: %w", DataChannelLabelChat, err)
	}
	return dc, nil
}

// ValidateChatDataChannel checks a remotely opened channel before the callee
// attaches to it.
func ValidateChatDataChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != DataChannelLabelChat {
		return fmt.Errorf("expected label=%q (got %q)", DataChannelLabelChat, dc.Label())
	}
	// Chat lines are shown in order and must not be lost.
	if !dc.Ordered() {
		return fmt.Errorf("chat datachannel must be ordered (ordered=false)")
	}
	if dc.MaxPacketLifeTime() != nil || dc.MaxRetransmits() != nil {
		return fmt.Errorf("chat datachannel must be fully reliable")
	}
	return nil
}
