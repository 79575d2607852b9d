package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/sigv4"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/turnrest"
)

const (
	envVarAdminListenAddr = "KVS_ADMIN_LISTEN_ADDR"
	envVarLogFormat       = "KVS_LOG_FORMAT"
	envVarLogLevel        = "KVS_LOG_LEVEL"
	envVarShutdownTimeout = "KVS_SHUTDOWN_TIMEOUT"
	envVarMode            = "KVS_MODE"
	envVarAdminToken      = "KVS_ADMIN_TOKEN"

	// Signaling channel.
	envVarRole              = "KVS_ROLE"
	envVarChannelARN        = "KVS_CHANNEL_ARN"
	envVarChannelEndpoint   = "KVS_CHANNEL_ENDPOINT"
	envVarClientID          = "KVS_CLIENT_ID"
	envVarRegion            = "AWS_REGION"
	envVarSystemClockOffset = "KVS_SYSTEM_CLOCK_OFFSET"

	// Credentials are only read from the environment.
	envVarAccessKeyID     = "AWS_ACCESS_KEY_ID"
	envVarSecretAccessKey = "AWS_SECRET_ACCESS_KEY"
	envVarSessionToken    = "AWS_SESSION_TOKEN"

	// Signaling transport knobs.
	envVarMaxPendingICECandidates  = "KVS_MAX_PENDING_ICE_CANDIDATES_PER_PEER"
	envVarSignalingPingInterval    = "KVS_SIGNALING_PING_INTERVAL"
	envVarSignalingMaxMessageBytes = "KVS_SIGNALING_MAX_MESSAGE_BYTES"
	envVarSignalingDialTimeout     = "KVS_SIGNALING_DIAL_TIMEOUT"

	// Peer behaviour.
	envVarUseTrickleICE        = "KVS_USE_TRICKLE_ICE"
	envVarNATTraversalDisabled = "KVS_NAT_TRAVERSAL_DISABLED"
	envVarForceTURN            = "KVS_FORCE_TURN"
	envVarICEGatheringTimeout  = "KVS_ICE_GATHERING_TIMEOUT"
	envVarDataChannelLabel     = "KVS_DATA_CHANNEL_LABEL"

	// Self-hosted coturn with use-auth-secret. The secret is only read from
	// the environment.
	envVarTURNRESTSharedSecret   = "KVS_TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTL            = "KVS_TURN_REST_TTL"
	envVarTURNRESTUsernamePrefix = "KVS_TURN_REST_USERNAME_PREFIX"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
)

const (
	flagWebRTCUDPPortMin               = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax               = "webrtc-udp-port-max"
	flagWebRTCNAT1To1IPs               = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType   = "webrtc-nat-1to1-ip-candidate-type"
	flagMaxPendingICECandidatesPerPeer = "max-pending-ice-candidates-per-peer"
	flagSignalingMaxMessageBytes       = "signaling-max-message-bytes"
)

// recommendedWebRTCUDPPortRangeSize is an intentionally conservative minimum.
const recommendedWebRTCUDPPortRangeSize = 100

const (
	defaultViewerClientIDPrefix = "viewer-"
	kvsSTUNURLFormat            = "stun:stun.kinesisvideo.%s.amazonaws.com:443"
)

const (
	DefaultAdminListenAddr          = "127.0.0.1:9090"
	DefaultShutdownTimeout          = 15 * time.Second
	DefaultSignalingPingInterval    = 30 * time.Second
	DefaultSignalingMaxMessageBytes = 64 * 1024
	DefaultSignalingDialTimeout     = 10 * time.Second
	DefaultICEGatheringTimeout      = 5 * time.Second
	DefaultDataChannelLabel         = "kvsDataChannel"
	DefaultTURNRESTTTL              = time.Hour
	DefaultTURNRESTUsernamePrefix   = "kvs"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	AdminListenAddr string
	ShutdownTimeout time.Duration
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	// AdminToken, when set, is required as a bearer token on /status and
	// /metrics.
	AdminToken string

	Role            signaling.Role
	ChannelARN      string
	ChannelEndpoint string
	Region          string
	// ClientID is empty for MASTER. For VIEWER it defaults to a random id.
	ClientID          string
	Credentials       sigv4.Credentials
	SystemClockOffset time.Duration

	MaxPendingICECandidatesPerPeer int
	SignalingPingInterval          time.Duration
	SignalingMaxMessageBytes       int64
	SignalingDialTimeout           time.Duration

	// ICEServers is empty when NAT traversal is disabled.
	ICEServers           []webrtc.ICEServer
	UseTrickleICE        bool
	NATTraversalDisabled bool
	// ForceTURN restricts ICE to relay candidates.
	ForceTURN bool
	// ICEGatheringTimeout bounds the wait for gathering when trickle ICE is
	// off.
	ICEGatheringTimeout time.Duration
	DataChannelLabel    string

	// TURNRESTSharedSecret enables per-PeerConnection TURN credentials for
	// TURN servers configured without a username.
	TURNRESTSharedSecret   string
	TURNRESTTTL            time.Duration
	TURNRESTUsernamePrefix string

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// ephemeral ports.
	WebRTCUDPPortRange *UDPPortRange
	WebRTCNAT1To1IPs   []string
	// WebRTCNAT1To1IPCandidateType configures whether the NAT 1:1 IPs are
	// advertised as host or srflx candidates.
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType
}

// SignalingConfig returns the signaling.Config for cfg. Collaborators
// (dialer, logger, metrics) are left for the caller to fill in.
func (c Config) SignalingConfig() signaling.Config {
	creds := c.Credentials
	return signaling.Config{
		Role:                           c.Role,
		ChannelARN:                     c.ChannelARN,
		ChannelEndpoint:                c.ChannelEndpoint,
		Region:                         c.Region,
		ClientID:                       c.ClientID,
		Credentials:                    &creds,
		SystemClockOffset:              c.SystemClockOffset,
		MaxPendingICECandidatesPerPeer: c.MaxPendingICECandidatesPerPeer,
	}
}

// TURNMinter returns nil when TURN REST credentials are not configured.
func (c Config) TURNMinter() (*turnrest.Minter, error) {
	if c.TURNRESTSharedSecret == "" {
		return nil, nil
	}
	return turnrest.NewMinter(turnrest.Config{
		SharedSecret:   c.TURNRESTSharedSecret,
		TTL:            c.TURNRESTTTL,
		UsernamePrefix: c.TURNRESTUsernamePrefix,
	})
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	adminListenAddr := envOrDefault(lookup, envVarAdminListenAddr, DefaultAdminListenAddr)
	modeDefault := envOrDefault(lookup, envVarMode, string(ModeDev))

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && strings.TrimSpace(envLogFormat) != ""
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && strings.TrimSpace(envLogLevel) != ""
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	adminToken := strings.TrimSpace(envOrDefault(lookup, envVarAdminToken, ""))
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	roleStr := envOrDefault(lookup, envVarRole, string(signaling.Viewer))
	channelARN := envOrDefault(lookup, envVarChannelARN, "")
	channelEndpoint := envOrDefault(lookup, envVarChannelEndpoint, "")
	clientID := envOrDefault(lookup, envVarClientID, "")
	region := envOrDefault(lookup, envVarRegion, "")
	systemClockOffset, err := envDurationOrDefault(lookup, envVarSystemClockOffset, 0)
	if err != nil {
		return Config{}, err
	}

	creds := sigv4.Credentials{
		AccessKeyID:     strings.TrimSpace(envOrDefault(lookup, envVarAccessKeyID, "")),
		SecretAccessKey: strings.TrimSpace(envOrDefault(lookup, envVarSecretAccessKey, "")),
		SessionToken:    strings.TrimSpace(envOrDefault(lookup, envVarSessionToken, "")),
	}

	maxPendingICE, err := envIntOrDefault(lookup, envVarMaxPendingICECandidates, 0)
	if err != nil {
		return Config{}, err
	}
	signalingPingInterval, err := envDurationOrDefault(lookup, envVarSignalingPingInterval, DefaultSignalingPingInterval)
	if err != nil {
		return Config{}, err
	}
	signalingMaxMessageBytes, err := envIntOrDefault(lookup, envVarSignalingMaxMessageBytes, DefaultSignalingMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	signalingDialTimeout, err := envDurationOrDefault(lookup, envVarSignalingDialTimeout, DefaultSignalingDialTimeout)
	if err != nil {
		return Config{}, err
	}

	useTrickleICE, err := envBoolOrDefault(lookup, envVarUseTrickleICE, true)
	if err != nil {
		return Config{}, err
	}
	natTraversalDisabled, err := envBoolOrDefault(lookup, envVarNATTraversalDisabled, false)
	if err != nil {
		return Config{}, err
	}
	forceTURN, err := envBoolOrDefault(lookup, envVarForceTURN, false)
	if err != nil {
		return Config{}, err
	}
	iceGatheringTimeout, err := envDurationOrDefault(lookup, envVarICEGatheringTimeout, DefaultICEGatheringTimeout)
	if err != nil {
		return Config{}, err
	}
	dataChannelLabel := envOrDefault(lookup, envVarDataChannelLabel, DefaultDataChannelLabel)

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	turnRESTSharedSecret := strings.TrimSpace(envOrDefault(lookup, envVarTURNRESTSharedSecret, ""))
	turnRESTTTL, err := envDurationOrDefault(lookup, envVarTURNRESTTTL, DefaultTURNRESTTTL)
	if err != nil {
		return Config{}, err
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	var webrtcUDPPortMin, webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envVarWebRTCUDPPortMin, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envVarWebRTCUDPPortMax, err)
		}
		webrtcUDPPortMax = uint(p)
	}
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	fs := flag.NewFlagSet("kvs-webrtc-signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&adminListenAddr, "admin-listen-addr", adminListenAddr, "Admin HTTP listen address for health and metrics (empty disables; env "+envVarAdminListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&roleStr, "role", roleStr, "Signaling role: MASTER or VIEWER (env "+envVarRole+")")
	fs.StringVar(&channelARN, "channel-arn", channelARN, "Signaling channel ARN (env "+envVarChannelARN+")")
	fs.StringVar(&channelEndpoint, "channel-endpoint", channelEndpoint, "wss:// signaling endpoint for the role (env "+envVarChannelEndpoint+")")
	fs.StringVar(&clientID, "client-id", clientID, "VIEWER client id (default: random; env "+envVarClientID+")")
	fs.StringVar(&region, "region", region, "AWS region (default: taken from the channel ARN; env "+envVarRegion+")")
	fs.DurationVar(&systemClockOffset, "system-clock-offset", systemClockOffset, "Offset added to the local clock when signing (env "+envVarSystemClockOffset+")")

	fs.IntVar(&maxPendingICE, flagMaxPendingICECandidatesPerPeer, maxPendingICE, "Max ICE candidates buffered per peer before its SDP arrives (0 = unbounded; env "+envVarMaxPendingICECandidates+")")
	fs.DurationVar(&signalingPingInterval, "signaling-ping-interval", signalingPingInterval, "WebSocket ping interval on the signaling connection (0 = disabled; env "+envVarSignalingPingInterval+")")
	fs.IntVar(&signalingMaxMessageBytes, flagSignalingMaxMessageBytes, signalingMaxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarSignalingMaxMessageBytes+")")
	fs.DurationVar(&signalingDialTimeout, "signaling-dial-timeout", signalingDialTimeout, "WebSocket handshake timeout (env "+envVarSignalingDialTimeout+")")

	fs.BoolVar(&useTrickleICE, "trickle-ice", useTrickleICE, "Send ICE candidates as they are gathered (env "+envVarUseTrickleICE+")")
	fs.BoolVar(&natTraversalDisabled, "nat-traversal-disabled", natTraversalDisabled, "Use host candidates only (env "+envVarNATTraversalDisabled+")")
	fs.BoolVar(&forceTURN, "force-turn", forceTURN, "Use relay candidates only (env "+envVarForceTURN+")")
	fs.DurationVar(&iceGatheringTimeout, "ice-gathering-timeout", iceGatheringTimeout, "Max wait for ICE gathering when trickle ICE is off (env "+envVarICEGatheringTimeout+")")
	fs.StringVar(&dataChannelLabel, "data-channel-label", dataChannelLabel, "VIEWER data channel label (env "+envVarDataChannelLabel+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.DurationVar(&turnRESTTTL, "turn-rest-ttl", turnRESTTTL, "Lifetime of minted TURN credentials (env "+envVarTURNRESTTTL+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "Username prefix of minted TURN credentials (env "+envVarTURNRESTUsernamePrefix+")")

	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	role, err := signaling.ParseRole(roleStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--role: %w", envVarRole, err)
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}

	channelARN = strings.TrimSpace(channelARN)
	if channelARN == "" {
		return Config{}, fmt.Errorf("%s/--channel-arn must be set", envVarChannelARN)
	}
	channelEndpoint = strings.TrimSpace(channelEndpoint)
	if channelEndpoint == "" {
		return Config{}, fmt.Errorf("%s/--channel-endpoint must be set", envVarChannelEndpoint)
	}
	if !strings.HasPrefix(channelEndpoint, "wss://") {
		return Config{}, fmt.Errorf("%s/--channel-endpoint %q must start with wss://", envVarChannelEndpoint, channelEndpoint)
	}
	if strings.Contains(channelEndpoint, "?") {
		return Config{}, fmt.Errorf("%s/--channel-endpoint %q must not contain a query", envVarChannelEndpoint, channelEndpoint)
	}

	region = strings.TrimSpace(region)
	if region == "" {
		region = regionFromARN(channelARN)
	}
	if region == "" {
		return Config{}, fmt.Errorf("%s/--region must be set (channel ARN %q names no region)", envVarRegion, channelARN)
	}

	clientID = strings.TrimSpace(clientID)
	switch role {
	case signaling.Master:
		if clientID != "" {
			return Config{}, fmt.Errorf("%s/--client-id must not be set for role %s", envVarClientID, signaling.Master)
		}
	case signaling.Viewer:
		if clientID == "" {
			clientID = defaultViewerClientIDPrefix + uuid.NewString()
		}
	}

	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return Config{}, fmt.Errorf("%s and %s must be set", envVarAccessKeyID, envVarSecretAccessKey)
	}

	if maxPendingICE < 0 {
		return Config{}, fmt.Errorf("%s/--%s must be >= 0", envVarMaxPendingICECandidates, flagMaxPendingICECandidatesPerPeer)
	}
	if signalingPingInterval < 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ping-interval must be >= 0", envVarSignalingPingInterval)
	}
	if signalingMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--%s must be > 0", envVarSignalingMaxMessageBytes, flagSignalingMaxMessageBytes)
	}
	if signalingDialTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-dial-timeout must be > 0", envVarSignalingDialTimeout)
	}
	if iceGatheringTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-gathering-timeout must be > 0", envVarICEGatheringTimeout)
	}
	if strings.TrimSpace(dataChannelLabel) == "" {
		return Config{}, fmt.Errorf("%s/--data-channel-label must not be empty", envVarDataChannelLabel)
	}
	if natTraversalDisabled && forceTURN {
		return Config{}, fmt.Errorf("%s and %s are mutually exclusive", envVarNATTraversalDisabled, envVarForceTURN)
	}

	if turnRESTSharedSecret != "" {
		if _, err := turnrest.NewMinter(turnrest.Config{
			SharedSecret:   turnRESTSharedSecret,
			TTL:            turnRESTTTL,
			UsernamePrefix: turnRESTUsernamePrefix,
		}); err != nil {
			return Config{}, fmt.Errorf("%s: %w", envVarTURNRESTSharedSecret, err)
		}
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, turnRESTSharedSecret != "")
	if err != nil {
		return Config{}, err
	}
	switch {
	case natTraversalDisabled:
		iceServers = nil
	case len(iceServers) == 0 && !forceTURN:
		iceServers = []webrtc.ICEServer{{URLs: []string{KVSSTUNURL(region)}}}
	}
	if forceTURN {
		hasTURN := false
		for _, server := range iceServers {
			if iceServerHasTURNURL(server) {
				hasTURN = true
				break
			}
		}
		if !hasTURN {
			return Config{}, fmt.Errorf("%s requires at least one TURN server (%s or %s)", envVarForceTURN, envTurnURLs, envICEServersJSON)
		}
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/%s and %s/%s must be set together (or both unset)",
				envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin,
				envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax,
			)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		size := int(max) - int(min) + 1
		if size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}

	if strings.TrimSpace(webrtcNAT1To1CandidateTypeStr) == "" {
		webrtcNAT1To1CandidateTypeStr = string(NAT1To1CandidateTypeHost)
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	return Config{
		AdminListenAddr: strings.TrimSpace(adminListenAddr),
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		AdminToken:      adminToken,

		Role:              role,
		ChannelARN:        channelARN,
		ChannelEndpoint:   channelEndpoint,
		Region:            region,
		ClientID:          clientID,
		Credentials:       creds,
		SystemClockOffset: systemClockOffset,

		MaxPendingICECandidatesPerPeer: maxPendingICE,
		SignalingPingInterval:          signalingPingInterval,
		SignalingMaxMessageBytes:       int64(signalingMaxMessageBytes),
		SignalingDialTimeout:           signalingDialTimeout,

		ICEServers:           iceServers,
		UseTrickleICE:        useTrickleICE,
		NATTraversalDisabled: natTraversalDisabled,
		ForceTURN:            forceTURN,
		ICEGatheringTimeout:  iceGatheringTimeout,
		DataChannelLabel:     strings.TrimSpace(dataChannelLabel),

		TURNRESTSharedSecret:   turnRESTSharedSecret,
		TURNRESTTTL:            turnRESTTTL,
		TURNRESTUsernamePrefix: turnRESTUsernamePrefix,

		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,
	}, nil
}

// KVSSTUNURL is the STUN server the signaling service runs in region.
func KVSSTUNURL(region string) string {
	return fmt.Sprintf(kvsSTUNURLFormat, region)
}

// regionFromARN returns the region field of an ARN, or "" if arn is not
// shaped like one.
func regionFromARN(arn string) string {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" {
		return ""
	}
	return parts[3]
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      cfg.LogLevel,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.Mode == ModeProd,
		})
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
