package signaling

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/sigv4"
)

// Query parameters the signaling service reads from the connection URL.
const (
	ParamChannelARN = "X-Amz-ChannelARN"
	ParamClientID   = "X-Amz-ClientId"
)

// RequestSigner presigns the connection URL. *sigv4.Signer implements it.
type RequestSigner interface {
	GetSignedURL(endpoint string, queryParams map[string]string, date time.Time) (string, error)
}

type Config struct {
	Role       Role
	ChannelARN string
	// ChannelEndpoint is the wss:// endpoint returned by
	// GetSignalingChannelEndpoint for the role.
	ChannelEndpoint string
	Region          string
	// ClientID is required for VIEWER and must be empty for MASTER.
	ClientID string

	// Exactly one of Credentials and RequestSigner is used; RequestSigner
	// wins when both are set.
	Credentials   *sigv4.Credentials
	RequestSigner RequestSigner

	// SystemClockOffset is added to the local clock when signing, to
	// compensate for measured skew against AWS.
	SystemClockOffset time.Duration

	// Dialer opens the transport. Defaults to a WebSocketDialer.
	Dialer Dialer
	Logger *slog.Logger
	// Metrics is optional.
	Metrics *metrics.Metrics

	// MaxPendingICECandidatesPerPeer caps the candidates held for a peer
	// whose SDP has not been seen. When the cap is reached the oldest
	// candidate is dropped. 0 means unbounded.
	MaxPendingICECandidatesPerPeer int

	// Now is used for tests.
	Now func() time.Time
}

func (c Config) validate() error {
	if !c.Role.valid() {
		return fmt.Errorf("%w: role %q (expected MASTER or VIEWER)", ErrInvalidConfig, c.Role)
	}
	if c.ChannelARN == "" {
		return fmt.Errorf("%w: channel ARN is required", ErrInvalidConfig)
	}
	if c.ChannelEndpoint == "" {
		return fmt.Errorf("%w: channel endpoint is required", ErrInvalidConfig)
	}
	if c.Region == "" {
		return fmt.Errorf("%w: region is required", ErrInvalidConfig)
	}
	switch c.Role {
	case Viewer:
		if c.ClientID == "" {
			return fmt.Errorf("%w: client id is required for role VIEWER", ErrInvalidConfig)
		}
	case Master:
		if c.ClientID != "" {
			return fmt.Errorf("%w: client id must not be set for role MASTER", ErrInvalidConfig)
		}
	}
	if c.RequestSigner == nil {
		if c.Credentials == nil {
			return fmt.Errorf("%w: credentials or a request signer are required", ErrInvalidConfig)
		}
		if c.Credentials.AccessKeyID == "" {
			return fmt.Errorf("%w: credentials access key id is required", ErrInvalidConfig)
		}
		if c.Credentials.SecretAccessKey == "" {
			return fmt.Errorf("%w: credentials secret access key is required", ErrInvalidConfig)
		}
	}
	if c.MaxPendingICECandidatesPerPeer < 0 {
		return fmt.Errorf("%w: max pending ICE candidates per peer must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// withDefaults returns a copy of c that shares nothing mutable with the
// caller's value.
func (c Config) withDefaults() Config {
	if c.Credentials != nil {
		creds := *c.Credentials
		c.Credentials = &creds
	}
	if c.RequestSigner == nil {
		c.RequestSigner = sigv4.NewSigner(c.Region, *c.Credentials)
	}
	if c.Dialer == nil {
		c.Dialer = &WebSocketDialer{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
