package webrtcpeer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

var errEmptyCandidate = errors.New("empty candidate")

// parseSessionDescription decodes an RTCSessionDescriptionInit payload and
// checks it has the expected type.
func parseSessionDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode session description: %w", err)
	}
	if desc.Type != want {
		return webrtc.SessionDescription{}, fmt.Errorf("session description type %s, want %s", desc.Type, want)
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return webrtc.SessionDescription{}, errors.New("session description has no sdp")
	}
	return desc, nil
}

// parseICECandidate decodes an RTCIceCandidateInit payload. An empty
// candidate string marks the end of the remote's candidates and is reported
// as errEmptyCandidate.
func parseICECandidate(raw json.RawMessage) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode ice candidate: %w", err)
	}
	if strings.TrimSpace(c.Candidate) == "" {
		return webrtc.ICECandidateInit{}, errEmptyCandidate
	}
	return c, nil
}
