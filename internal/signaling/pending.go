package signaling

import "encoding/json"

// pendingICE holds ICE candidates from peers whose SDP has not arrived yet.
// A peer key leaves buffered exactly when it enters sdpSeen.
type pendingICE struct {
	max      int
	buffered map[string][]json.RawMessage
	sdpSeen  map[string]struct{}
}

// add reports whether candidate should be delivered now. Otherwise it is
// queued; evicted is true when the per-peer cap pushed out the oldest entry.
func (p *pendingICE) add(peer string, candidate json.RawMessage) (deliver, evicted bool) {
	if _, ok := p.sdpSeen[peer]; ok {
		return true, false
	}
	if p.buffered == nil {
		p.buffered = make(map[string][]json.RawMessage)
	}
	queue := p.buffered[peer]
	if p.max > 0 && len(queue) >= p.max {
		queue = queue[1:]
		evicted = true
	}
	p.buffered[peer] = append(queue, candidate)
	return false, evicted
}

// sdpReceived marks peer as SDP-seen and returns its queued candidates in
// arrival order.
func (p *pendingICE) sdpReceived(peer string) []json.RawMessage {
	if p.sdpSeen == nil {
		p.sdpSeen = make(map[string]struct{})
	}
	p.sdpSeen[peer] = struct{}{}

	queue := p.buffered[peer]
	delete(p.buffered, peer)
	return queue
}

func (p *pendingICE) pending(peer string) int {
	return len(p.buffered[peer])
}

func (p *pendingICE) reset() {
	p.buffered = nil
	p.sdpSeen = nil
}
