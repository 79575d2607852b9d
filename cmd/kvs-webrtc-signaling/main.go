package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

var errSignalingClosed = errors.New("signaling connection closed")

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)
	logStartupWarnings(logger, cfg)

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	logger.Info("starting kvs-webrtc-signaling",
		"role", cfg.Role,
		"client_id", cfg.ClientID,
		"channel_arn", cfg.ChannelARN,
		"region", cfg.Region,
		"admin_listen_addr", cfg.AdminListenAddr,
		"trickle_ice", cfg.UseTrickleICE,
		"ice_servers", len(cfg.ICEServers),
		"mode", cfg.Mode,
		"commit", commit,
		"build_time", builtAt,
	)

	m := metrics.New()
	api, err := webrtcpeer.NewAPI(cfg)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(1)
	}

	client, err := newSignalingClient(cfg, logger, m)
	if err != nil {
		logger.Error("invalid signaling configuration", "err", err)
		os.Exit(2)
	}

	p, err := newPeer(cfg, client, api, logger, m)
	if err != nil {
		logger.Error("failed to create peer", "err", err)
		os.Exit(1)
	}

	adminOpts := httpserver.Options{
		Ready: func() error {
			if state := client.ReadyState(); state != signaling.StateOpen {
				return fmt.Errorf("signaling client is %s", state)
			}
			return nil
		},
		Status: func() any {
			return status{
				Role:     client.Role(),
				ClientID: cfg.ClientID,
				State:    client.ReadyState().String(),
				Peers:    p.Peers(),
			}
		},
		Metrics: m,
	}
	if cfg.AdminToken != "" {
		adminOpts.Auth = auth.TokenVerifier{Expected: cfg.AdminToken}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer p.Close()
		return runSignaling(gctx, client, logger)
	})
	if cfg.AdminListenAddr != "" {
		srv := httpserver.New(cfg.AdminListenAddr, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, adminOpts)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
				return fmt.Errorf("admin http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("admin http server shutdown failed", "err", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

type status struct {
	Role     signaling.Role `json:"role"`
	ClientID string         `json:"clientId,omitempty"`
	State    string         `json:"state"`
	Peers    []string       `json:"peers"`
}

func newSignalingClient(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*signaling.Client, error) {
	sc := cfg.SignalingConfig()
	sc.Dialer = &signaling.WebSocketDialer{
		Dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.SignalingDialTimeout,
		},
		ReadLimit:    cfg.SignalingMaxMessageBytes,
		PingInterval: cfg.SignalingPingInterval,
		Logger:       logger,
	}
	sc.Logger = logger
	sc.Metrics = m
	return signaling.NewClient(sc)
}

// peer is the MASTER or VIEWER side of the data channel demo.
type peer interface {
	Peers() []string
	Close() error
}

type viewerPeer struct {
	*webrtcpeer.Viewer
}

func (viewerPeer) Peers() []string { return []string{signaling.DefaultClientID} }

func newPeer(cfg config.Config, client *signaling.Client, api *webrtc.API, logger *slog.Logger, m *metrics.Metrics) (peer, error) {
	opts, err := webrtcpeer.OptionsFromConfig(cfg, api)
	if err != nil {
		return nil, err
	}
	opts.Logger = logger
	opts.Metrics = m
	opts.OnMessage = func(peerID string, msg webrtc.DataChannelMessage) {
		logger.Info("datachannel message", "peer_id", peerID, "bytes", len(msg.Data), "text", msg.IsString)
	}

	if cfg.Role == signaling.Master {
		opts.OnDataChannelOpen = func(peerID string, dc *webrtc.DataChannel) {
			logger.Info("datachannel open", "peer_id", peerID, "label", dc.Label())
		}
		return webrtcpeer.NewMaster(client, opts), nil
	}

	greeting := "hello from " + cfg.ClientID
	opts.OnDataChannelOpen = func(peerID string, dc *webrtc.DataChannel) {
		logger.Info("datachannel open", "peer_id", peerID, "label", dc.Label())
		if err := dc.SendText(greeting); err != nil {
			logger.Warn("failed to send greeting", "err", err)
		}
	}
	v, err := webrtcpeer.NewViewer(client, opts)
	if err != nil {
		return nil, err
	}
	return viewerPeer{v}, nil
}

// runSignaling opens the client and blocks until ctx is done or the
// connection ends. There is no reconnect: a lost connection ends the process.
func runSignaling(ctx context.Context, client *signaling.Client, logger *slog.Logger) error {
	closed := make(chan struct{})
	client.Once(signaling.EventClose, func(signaling.Event) { close(closed) })
	client.On(signaling.EventError, func(ev signaling.Event) {
		logger.Warn("signaling error", "err", ev.Err)
	})
	client.On(signaling.EventOpen, func(signaling.Event) {
		logger.Info("signaling connection open")
	})

	if err := client.Open(); err != nil {
		return err
	}

	select {
	case <-closed:
		return errSignalingClosed
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	if err := client.Close(); err != nil {
		logger.Debug("signaling close", "err", err)
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		logger.Warn("signaling close timed out")
	}
	return nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info for
	// `go run` / dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}
