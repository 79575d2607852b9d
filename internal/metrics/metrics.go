package metrics

import "sync"

// Signaling event names.
const (
	SignalingOpenAttempts     = "signaling_open_attempts"
	SignalingOpened           = "signaling_opened"
	SignalingClosed           = "signaling_closed"
	SignalingErrors           = "signaling_errors"
	SignalingSignFailures     = "signaling_sign_failures"
	SignalingDialFailures     = "signaling_dial_failures"
	SignalingOpenAborted      = "signaling_open_aborted"
	SignalingMessagesSent     = "signaling_messages_sent"
	SignalingMessagesReceived = "signaling_messages_received"
	SignalingStatusResponses  = "signaling_status_responses"

	ICECandidatesBuffered = "signaling_ice_candidates_buffered"
	ICECandidatesFlushed  = "signaling_ice_candidates_flushed"
	ICECandidatesEvicted  = "signaling_ice_candidates_evicted"

	PeerConnectionsCreated = "webrtc_peer_connections_created"
	PeerConnectionsClosed  = "webrtc_peer_connections_closed"
	DataChannelMessages    = "webrtc_data_channel_messages"
)

// Drop reasons for inbound signaling frames that never reach a listener.
const (
	DropReasonInvalidJSON    = "invalid_json"
	DropReasonInvalidBase64  = "invalid_base64"
	DropReasonInvalidPayload = "invalid_payload"
	DropReasonUnknownType    = "unknown_message_type"
)

// SignalingDropped returns the counter name for a dropped inbound frame.
func SignalingDropped(reason string) string {
	return "signaling_frames_dropped_" + reason
}

// Metrics is a minimal, concurrency-safe counter registry. A nil *Metrics
// discards every update so collaborators can treat it as optional.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
