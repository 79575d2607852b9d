package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/events"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/signaling"
)

// Signaler is the part of *signaling.Client a peer drives.
type Signaler interface {
	On(name signaling.EventName, fn func(signaling.Event)) events.ListenerID
	Off(name signaling.EventName, id events.ListenerID) bool
	SendSDPOffer(payload any, recipientClientID string) error
	SendSDPAnswer(payload any, recipientClientID string) error
	SendICECandidate(payload any, recipientClientID string) error
}

var errGatheringTimeout = errors.New("ice gathering timed out")

// TURNCredentialSource is implemented by *turnrest.Minter.
type TURNCredentialSource interface {
	Apply(servers []webrtc.ICEServer) ([]webrtc.ICEServer, error)
}

type Options struct {
	// API defaults to webrtc.NewAPI().
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// TURNCredentials, when set, fills in TURN servers that carry no
	// credentials each time a PeerConnection is created.
	TURNCredentials TURNCredentialSource
	// ForceTURN limits ICE to relay candidates.
	ForceTURN bool
	// UseTrickleICE sends candidates as they are gathered. When false the
	// SDP is sent once gathering completes, with every candidate inlined.
	UseTrickleICE       bool
	ICEGatheringTimeout time.Duration
	// DataChannelLabel is the label a VIEWER creates and a MASTER accepts.
	DataChannelLabel string

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnDataChannelOpen and OnMessage are optional. peerID is the remote
	// client id; a VIEWER reports its MASTER as signaling.DefaultClientID.
	OnDataChannelOpen func(peerID string, dc *webrtc.DataChannel)
	OnMessage         func(peerID string, msg webrtc.DataChannelMessage)
}

// OptionsFromConfig fills the ICE and data channel settings from cfg.
func OptionsFromConfig(cfg config.Config, api *webrtc.API) (Options, error) {
	opts := Options{
		API:                 api,
		ICEServers:          cfg.ICEServers,
		ForceTURN:           cfg.ForceTURN,
		UseTrickleICE:       cfg.UseTrickleICE,
		ICEGatheringTimeout: cfg.ICEGatheringTimeout,
		DataChannelLabel:    cfg.DataChannelLabel,
	}
	minter, err := cfg.TURNMinter()
	if err != nil {
		return Options{}, fmt.Errorf("turn rest: %w", err)
	}
	if minter != nil {
		opts.TURNCredentials = minter
	}
	return opts, nil
}

func (o Options) withDefaults() Options {
	if o.API == nil {
		o.API = webrtc.NewAPI()
	}
	if o.ICEGatheringTimeout <= 0 {
		o.ICEGatheringTimeout = config.DefaultICEGatheringTimeout
	}
	if o.DataChannelLabel == "" {
		o.DataChannelLabel = config.DefaultDataChannelLabel
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// newPeerConnection constructs a PeerConnection for one remote peer.
func newPeerConnection(opts Options) (*webrtc.PeerConnection, error) {
	iceServers := opts.ICEServers
	if opts.TURNCredentials != nil {
		var err error
		if iceServers, err = opts.TURNCredentials.Apply(iceServers); err != nil {
			return nil, fmt.Errorf("turn credentials: %w", err)
		}
	}
	pcCfg := webrtc.Configuration{
		ICEServers: iceServers,
	}
	if opts.ForceTURN {
		pcCfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	pc, err := opts.API.NewPeerConnection(pcCfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	opts.Metrics.Inc(metrics.PeerConnectionsCreated)
	return pc, nil
}

// setLocalDescription applies desc and returns the description to signal.
// Without trickle ICE it waits for gathering so the result carries every
// local candidate.
func setLocalDescription(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription, opts Options) (*webrtc.SessionDescription, error) {
	var gathered <-chan struct{}
	if !opts.UseTrickleICE {
		gathered = webrtc.GatheringCompletePromise(pc)
	}
	if err := pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if gathered != nil {
		timer := time.NewTimer(opts.ICEGatheringTimeout)
		defer timer.Stop()
		select {
		case <-gathered:
		case <-timer.C:
			return nil, errGatheringTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return pc.LocalDescription(), nil
}

// trickle forwards local candidates to the remote through send.
func trickle(pc *webrtc.PeerConnection, opts Options, log *slog.Logger, send func(webrtc.ICECandidateInit) error) {
	if !opts.UseTrickleICE {
		return
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := send(c.ToJSON()); err != nil {
			log.Warn("failed to send ice candidate", "err", err)
		}
	})
}

// addRemoteCandidate applies a candidate received over signaling.
func addRemoteCandidate(pc *webrtc.PeerConnection, ev signaling.Event, log *slog.Logger) {
	c, err := parseICECandidate(ev.Payload)
	if errors.Is(err, errEmptyCandidate) {
		return
	}
	if err != nil {
		log.Debug("ignoring ice candidate", "err", err)
		return
	}
	if err := pc.AddICECandidate(c); err != nil {
		log.Warn("failed to add ice candidate", "err", err)
	}
}
