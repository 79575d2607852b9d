package webrtcpeer

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/events"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/signaling"
)

// Viewer owns the single PeerConnection a VIEWER keeps with its MASTER. It
// creates the data channel up front and sends its offer the first time the
// signaling client opens.
type Viewer struct {
	sig  Signaler
	opts Options
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel

	ctx    context.Context
	cancel context.CancelFunc

	offerOnce sync.Once
	closeOnce sync.Once
	listeners []registration
}

type registration struct {
	name signaling.EventName
	id   events.ListenerID
}

// NewViewer must be called before the signaling client is opened.
func NewViewer(sig Signaler, opts Options) (*Viewer, error) {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.With("component", "viewer")

	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, err
	}
	dc, err := pc.CreateDataChannel(opts.DataChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	v := &Viewer{
		sig:    sig,
		opts:   opts,
		pc:     pc,
		dc:     dc,
		ctx:    ctx,
		cancel: cancel,
	}
	bindDataChannel(dc, signaling.DefaultClientID, opts)

	trickle(pc, opts, opts.Logger, func(c webrtc.ICECandidateInit) error {
		return sig.SendICECandidate(c, "")
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		opts.Logger.Info("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			_ = v.Close()
		}
	})

	v.on(signaling.EventOpen, func(signaling.Event) {
		v.offerOnce.Do(func() { go v.sendOffer() })
	})
	v.on(signaling.EventSDPAnswer, v.handleAnswer)
	v.on(signaling.EventICECandidate, func(ev signaling.Event) {
		addRemoteCandidate(pc, ev, opts.Logger)
	})

	return v, nil
}

func (v *Viewer) on(name signaling.EventName, fn func(signaling.Event)) {
	v.listeners = append(v.listeners, registration{name: name, id: v.sig.On(name, fn)})
}

func (v *Viewer) sendOffer() {
	offer, err := v.pc.CreateOffer(nil)
	if err != nil {
		v.opts.Logger.Warn("failed to create offer", "err", err)
		return
	}
	local, err := setLocalDescription(v.ctx, v.pc, offer, v.opts)
	if err != nil {
		v.opts.Logger.Warn("failed to prepare offer", "err", err)
		return
	}
	if err := v.sig.SendSDPOffer(local, ""); err != nil {
		v.opts.Logger.Warn("failed to send offer", "err", err)
		return
	}
	v.opts.Logger.Debug("sent offer", "trickle", v.opts.UseTrickleICE)
}

// handleAnswer runs on the signaling goroutine so the remote description is
// in place before buffered candidates are delivered.
func (v *Viewer) handleAnswer(ev signaling.Event) {
	answer, err := parseSessionDescription(ev.Payload, webrtc.SDPTypeAnswer)
	if err != nil {
		v.opts.Logger.Warn("ignoring answer", "err", err)
		return
	}
	if err := v.pc.SetRemoteDescription(answer); err != nil {
		v.opts.Logger.Warn("failed to set answer", "err", err)
	}
}

func (v *Viewer) PeerConnection() *webrtc.PeerConnection {
	return v.pc
}

func (v *Viewer) DataChannel() *webrtc.DataChannel {
	return v.dc
}

// SendText sends text on the data channel.
func (v *Viewer) SendText(text string) error {
	return v.dc.SendText(text)
}

// Close detaches from the signaling client and closes the PeerConnection.
// The signaling client itself is left open.
func (v *Viewer) Close() error {
	var err error
	v.closeOnce.Do(func() {
		v.cancel()
		for _, l := range v.listeners {
			v.sig.Off(l.name, l.id)
		}
		err = v.pc.Close()
		v.opts.Metrics.Inc(metrics.PeerConnectionsClosed)
	})
	return err
}
