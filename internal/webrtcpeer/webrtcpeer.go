package webrtcpeer

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/config"
)

type apiOptions struct {
	net           transport.Net
	loggerFactory logging.LoggerFactory
}

type APIOption func(*apiOptions)

// WithNet routes all ICE sockets through n, e.g. a vnet.Net in tests.
func WithNet(n transport.Net) APIOption {
	return func(o *apiOptions) { o.net = n }
}

func WithLoggerFactory(f logging.LoggerFactory) APIOption {
	return func(o *apiOptions) { o.loggerFactory = f }
}

func NewAPI(cfg config.Config, opts ...APIOption) (*webrtc.API, error) {
	var o apiOptions
	for _, opt := range opts {
		opt(&o)
	}

	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	if o.net != nil {
		se.SetNet(o.net)
	}
	if o.loggerFactory == nil {
		o.loggerFactory = NewLoggerFactory(cfg.LogLevel)
	}
	se.LoggerFactory = o.loggerFactory

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.WebRTCNAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost:
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.WebRTCNAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, candidateType)
	}

	return nil
}

// NewLoggerFactory returns a pion logger factory writing to stderr. pion runs
// one level quieter than the application so debug output stays readable.
func NewLoggerFactory(level slog.Level) *logging.DefaultLoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	f.Writer = os.Stderr
	f.DefaultLogLevel = pionLogLevel(level)
	return f
}

func pionLogLevel(level slog.Level) logging.LogLevel {
	switch {
	case level <= slog.LevelDebug:
		return logging.LogLevelInfo
	case level <= slog.LevelWarn:
		return logging.LogLevelWarn
	default:
		return logging.LogLevelError
	}
}
