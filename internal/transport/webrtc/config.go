package webrtc

import "github.com/pion/webrtc/v3"

const (
	dataChannelLabel = "peer-trade"
	// maxChunkSize keeps every data channel message under the smallest
	// max-message-size browsers and pion agree on.
	maxChunkSize = 16 * 1024
)

func ICEConfig(stunServers []string) webrtc.Configuration {
	iceServers := make([]webrtc.ICEServer, 0, 1)
	if len(stunServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: stunServers})
	}
	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}

func DefaultDataChannelConfig() *webrtc.DataChannelInit {
	protocolName := "peer-trade/1"
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
		Protocol:       &protocolName,
	}
}
