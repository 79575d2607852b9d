package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/signaling"
)

var ErrUnknownPeer = errors.New("unknown peer")

// Master answers offers from any number of viewers, keeping one
// PeerConnection per viewer client id. A new offer from a known viewer
// replaces its previous connection.
type Master struct {
	sig  Signaler
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	peers     map[string]*masterPeer
	closed    bool
	listeners []registration
}

type masterPeer struct {
	id  string
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu sync.Mutex
	dc *webrtc.DataChannel
}

func NewMaster(sig Signaler, opts Options) *Master {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.With("component", "master")

	ctx, cancel := context.WithCancel(context.Background())
	m := &Master{
		sig:    sig,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]*masterPeer),
	}
	m.on(signaling.EventSDPOffer, m.handleOffer)
	m.on(signaling.EventICECandidate, m.handleCandidate)
	return m
}

func (m *Master) on(name signaling.EventName, fn func(signaling.Event)) {
	m.listeners = append(m.listeners, registration{name: name, id: m.sig.On(name, fn)})
}

// handleOffer runs on the signaling goroutine; the remote description must
// be set before the viewer's buffered candidates are delivered.
func (m *Master) handleOffer(ev signaling.Event) {
	log := m.opts.Logger.With("peer_id", ev.SenderClientID)
	if ev.SenderClientID == "" {
		log.Warn("ignoring offer without sender client id")
		return
	}
	offer, err := parseSessionDescription(ev.Payload, webrtc.SDPTypeOffer)
	if err != nil {
		log.Warn("ignoring offer", "err", err)
		return
	}

	p, err := m.newPeer(ev.SenderClientID, log)
	if err != nil {
		log.Warn("failed to create peer", "err", err)
		return
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		log.Warn("failed to set offer", "err", err)
		m.removePeer(p)
		return
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		log.Warn("failed to create answer", "err", err)
		m.removePeer(p)
		return
	}

	send := func() {
		local, err := setLocalDescription(m.ctx, p.pc, answer, m.opts)
		if err != nil {
			log.Warn("failed to prepare answer", "err", err)
			m.removePeer(p)
			return
		}
		if err := m.sig.SendSDPAnswer(local, p.id); err != nil {
			log.Warn("failed to send answer", "err", err)
			return
		}
		log.Debug("sent answer", "trickle", m.opts.UseTrickleICE)
	}
	if m.opts.UseTrickleICE {
		send()
		return
	}
	go send()
}

func (m *Master) newPeer(id string, log *slog.Logger) (*masterPeer, error) {
	pc, err := newPeerConnection(m.opts)
	if err != nil {
		return nil, err
	}
	p := &masterPeer{id: id, pc: pc, log: log}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = pc.Close()
		return nil, fmt.Errorf("master is closed")
	}
	prev := m.peers[id]
	m.peers[id] = p
	m.mu.Unlock()
	if prev != nil {
		log.Info("replacing peer connection")
		m.closePeer(prev)
	}

	trickle(pc, m.opts, log, func(c webrtc.ICECandidateInit) error {
		return m.sig.SendICECandidate(c, id)
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if err := validateDataChannel(dc, m.opts.DataChannelLabel); err != nil {
			log.Warn("rejecting datachannel", "label", dc.Label(), "err", err)
			_ = dc.Close()
			return
		}
		p.mu.Lock()
		p.dc = dc
		p.mu.Unlock()
		bindDataChannel(dc, id, m.opts)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			m.removePeer(p)
		}
	})
	return p, nil
}

func (m *Master) handleCandidate(ev signaling.Event) {
	m.mu.Lock()
	p := m.peers[ev.SenderClientID]
	m.mu.Unlock()
	if p == nil {
		m.opts.Logger.Debug("ignoring ice candidate for unknown peer", "peer_id", ev.SenderClientID)
		return
	}
	addRemoteCandidate(p.pc, ev, p.log)
}

// removePeer forgets p if it is still the current peer for its id, then
// closes it.
func (m *Master) removePeer(p *masterPeer) {
	m.mu.Lock()
	current := m.peers[p.id] == p
	if current {
		delete(m.peers, p.id)
	}
	m.mu.Unlock()
	if current {
		m.closePeer(p)
	}
}

func (m *Master) closePeer(p *masterPeer) {
	if err := p.pc.Close(); err != nil {
		p.log.Debug("peer connection close", "err", err)
	}
	m.opts.Metrics.Inc(metrics.PeerConnectionsClosed)
}

// Peers returns the client ids of the connected viewers, sorted.
func (m *Master) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SendText sends text on the data channel of viewer peerID.
func (m *Master) SendText(peerID, text string) error {
	m.mu.Lock()
	p := m.peers[peerID]
	m.mu.Unlock()
	if p == nil {
		return fmt.Errorf("%w: %q", ErrUnknownPeer, peerID)
	}
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("peer %q has no data channel yet", peerID)
	}
	return dc.SendText(text)
}

// Close detaches from the signaling client and closes every PeerConnection.
func (m *Master) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := m.peers
	m.peers = make(map[string]*masterPeer)
	m.mu.Unlock()

	m.cancel()
	for _, l := range m.listeners {
		m.sig.Off(l.name, l.id)
	}
	for _, p := range peers {
		m.closePeer(p)
	}
	return nil
}
