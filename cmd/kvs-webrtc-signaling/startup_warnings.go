package main

import (
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/config"
)

// SigV4 signatures are rejected once the request date drifts this far from
// the service clock.
const maxSigningClockSkew = 5 * time.Minute

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Credentials.SessionToken == "" {
		logger.Warn("startup security warning: AWS credentials have no session token (long-lived access key)",
			"warning_code", "long_lived_credentials",
			"access_key_id", redactAccessKeyID(cfg.Credentials.AccessKeyID),
			"mode", cfg.Mode,
		)
	}

	if cfg.AdminListenAddr != "" && cfg.AdminToken == "" && !isLoopbackAddr(cfg.AdminListenAddr) {
		logger.Warn("startup security warning: admin endpoints exposed beyond loopback without KVS_ADMIN_TOKEN",
			"warning_code", "admin_unauthenticated",
			"admin_listen_addr", cfg.AdminListenAddr,
			"mode", cfg.Mode,
		)
	}

	if cfg.NATTraversalDisabled {
		logger.Warn("startup warning: NAT traversal disabled; only host candidates will be gathered",
			"warning_code", "nat_traversal_disabled",
			"mode", cfg.Mode,
		)
	}

	if offset := cfg.SystemClockOffset; offset > maxSigningClockSkew || offset < -maxSigningClockSkew {
		logger.Warn("startup warning: system clock offset exceeds the SigV4 skew window",
			"warning_code", "clock_offset_out_of_window",
			"system_clock_offset", offset.String(),
		)
	}

	for _, server := range cfg.ICEServers {
		for _, u := range server.URLs {
			if strings.HasPrefix(strings.ToLower(strings.TrimSpace(u)), "turn:") && cfg.Mode == config.ModeProd {
				logger.Warn("startup security warning: TURN server without TLS while --mode=prod",
					"warning_code", "turn_without_tls",
					"url", u,
					"mode", cfg.Mode,
				)
			}
		}
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func redactAccessKeyID(id string) string {
	if len(id) <= 4 {
		return strings.Repeat("*", len(id))
	}
	return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
}
