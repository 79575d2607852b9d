package webrtcpeer_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/signalingtest"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/sigv4"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/webrtcpeer"
)

const (
	testRegion     = "us-west-2"
	testChannelARN = "arn:aws:kinesisvideo:us-west-2:123456789012:channel/vnet/1"
	testViewerID   = "viewer-vnet"
)

var testCreds = sigv4.Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secret"}

type message struct {
	peerID string
	text   string
}

func TestMasterViewer_DataChannelOverVNet(t *testing.T) {
	for _, trickle := range []bool{true, false} {
		trickle := trickle
		name := "trickle"
		if !trickle {
			name = "non-trickle"
		}
		t.Run(name, func(t *testing.T) {
			runMasterViewer(t, trickle)
		})
	}
}

func runMasterViewer(t *testing.T, trickle bool) {
	netA, netB := newVNetPair(t)
	apiA, err := webrtcpeer.NewAPI(config.Config{}, webrtcpeer.WithNet(netA), webrtcpeer.WithLoggerFactory(logging.NewDefaultLoggerFactory()))
	if err != nil {
		t.Fatalf("new api A: %v", err)
	}
	apiB, err := webrtcpeer.NewAPI(config.Config{}, webrtcpeer.WithNet(netB), webrtcpeer.WithLoggerFactory(logging.NewDefaultLoggerFactory()))
	if err != nil {
		t.Fatalf("new api B: %v", err)
	}

	relay := signalingtest.NewRelay(signalingtest.Options{
		Region:      testRegion,
		Credentials: &testCreds,
		ChannelARN:  testChannelARN,
	})
	t.Cleanup(relay.Close)

	m := metrics.New()
	masterSig := newSignalingClient(t, relay, signaling.Master, "", m)
	viewerSig := newSignalingClient(t, relay, signaling.Viewer, testViewerID, m)

	masterMsgs := make(chan message, 8)
	master := webrtcpeer.NewMaster(masterSig, webrtcpeer.Options{
		API:           apiA,
		UseTrickleICE: trickle,
		Logger:        discardLogger(),
		Metrics:       m,
		OnMessage: func(peerID string, msg webrtc.DataChannelMessage) {
			masterMsgs <- message{peerID: peerID, text: string(msg.Data)}
		},
	})
	t.Cleanup(func() { _ = master.Close() })

	viewerMsgs := make(chan message, 8)
	viewer, err := webrtcpeer.NewViewer(viewerSig, webrtcpeer.Options{
		API:           apiB,
		UseTrickleICE: trickle,
		Logger:        discardLogger(),
		Metrics:       m,
		OnDataChannelOpen: func(peerID string, dc *webrtc.DataChannel) {
			_ = dc.SendText("hello from viewer")
		},
		OnMessage: func(peerID string, msg webrtc.DataChannelMessage) {
			viewerMsgs <- message{peerID: peerID, text: string(msg.Data)}
		},
	})
	if err != nil {
		t.Fatalf("NewViewer: %v", err)
	}
	t.Cleanup(func() { _ = viewer.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := masterSig.Open(); err != nil {
		t.Fatalf("open master: %v", err)
	}
	if err := relay.WaitForClient(ctx, signalingtest.MasterID); err != nil {
		t.Fatalf("master never connected: %v", err)
	}
	if err := viewerSig.Open(); err != nil {
		t.Fatalf("open viewer: %v", err)
	}

	got := waitMessage(t, masterMsgs)
	if got.peerID != testViewerID || got.text != "hello from viewer" {
		t.Fatalf("master received %+v", got)
	}
	if peers := master.Peers(); len(peers) != 1 || peers[0] != testViewerID {
		t.Fatalf("peers=%v, want [%s]", peers, testViewerID)
	}

	if err := master.SendText(testViewerID, "hello from master"); err != nil {
		t.Fatalf("master SendText: %v", err)
	}
	got = waitMessage(t, viewerMsgs)
	if got.peerID != signaling.DefaultClientID || got.text != "hello from master" {
		t.Fatalf("viewer received %+v", got)
	}

	if n := m.Get(metrics.PeerConnectionsCreated); n != 2 {
		t.Fatalf("peer connections created=%d, want 2", n)
	}
	if n := m.Get(metrics.DataChannelMessages); n != 2 {
		t.Fatalf("data channel messages=%d, want 2", n)
	}

	frames := relay.Received()
	var candidates int
	for _, f := range frames {
		if f.Action == "ICE_CANDIDATE" {
			candidates++
		}
	}
	if trickle && candidates == 0 {
		t.Fatalf("trickle ICE sent no candidates")
	}
	if !trickle && candidates != 0 {
		t.Fatalf("non-trickle ICE sent %d candidates", candidates)
	}
}

func TestMaster_SendTextUnknownPeer(t *testing.T) {
	relay := signalingtest.NewRelay(signalingtest.Options{Region: testRegion, Credentials: &testCreds})
	t.Cleanup(relay.Close)
	sig := newSignalingClient(t, relay, signaling.Master, "", nil)

	master := webrtcpeer.NewMaster(sig, webrtcpeer.Options{Logger: discardLogger()})
	defer master.Close()

	if err := master.SendText("nobody", "x"); err == nil {
		t.Fatalf("expected error")
	}
}

func newSignalingClient(t *testing.T, relay *signalingtest.Relay, role signaling.Role, clientID string, m *metrics.Metrics) *signaling.Client {
	t.Helper()
	c, err := signaling.NewClient(signaling.Config{
		Role:            role,
		ChannelARN:      testChannelARN,
		ChannelEndpoint: relay.Endpoint(),
		Region:          testRegion,
		ClientID:        clientID,
		Credentials:     &testCreds,
		Dialer:          &signaling.WebSocketDialer{Dialer: relay.WebSocketDialer(), Logger: discardLogger()},
		Logger:          discardLogger(),
		Metrics:         m,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newVNetPair(t *testing.T) (*vnet.Net, *vnet.Net) {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return netA, netB
}

func waitMessage(t *testing.T, ch <-chan message) message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for datachannel message")
		return message{}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
