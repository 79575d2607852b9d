package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/metrics"
)

func validateDataChannel(dc *webrtc.DataChannel, label string) error {
	if dc.Label() != label {
		return fmt.Errorf("expected label=%q (got %q)", label, dc.Label())
	}
	// Chat-style messages are small and must arrive in order.
	if !dc.Ordered() {
		return fmt.Errorf("%s datachannel must be ordered (ordered=false)", label)
	}
	if dc.MaxPacketLifeTime() != nil || dc.MaxRetransmits() != nil {
		return fmt.Errorf("%s datachannel must be fully reliable", label)
	}
	return nil
}

// bindDataChannel forwards dc's open and message events to the callbacks in
// opts, tagged with peerID.
func bindDataChannel(dc *webrtc.DataChannel, peerID string, opts Options) {
	dc.OnOpen(func() {
		opts.Logger.Info("data channel open", "peer_id", peerID, "label", dc.Label())
		if opts.OnDataChannelOpen != nil {
			opts.OnDataChannelOpen(peerID, dc)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		opts.Metrics.Inc(metrics.DataChannelMessages)
		if opts.OnMessage == nil {
			return
		}
		// Copy because pion reuses internal buffers.
		msg.Data = append([]byte(nil), msg.Data...)
		opts.OnMessage(peerID, msg)
	})
}
