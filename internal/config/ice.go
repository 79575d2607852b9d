package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "KVS_ICE_SERVERS_JSON"

	envStunURLs       = "KVS_STUN_URLS"
	envTurnURLs       = "KVS_TURN_URLS"
	envTurnUsername   = "KVS_TURN_USERNAME"
	envTurnCredential = "KVS_TURN_CREDENTIAL"
)

// parseICEServersFromValues builds the ICE server list. With mintedTURN, TURN
// servers may omit credentials; they are issued per PeerConnection by the
// TURN REST minter.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, mintedTURN bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		iceServers, err := parseICEServersJSON(raw, mintedTURN)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return iceServers, nil
	}

	iceServers, err := parseConvenienceICEServers(stunURLs, turnURLs, turnUsername, turnCredential, mintedTURN)
	if err != nil {
		return nil, err
	}
	return iceServers, nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// kvsIceServerConfig is the GetIceServerConfig response body. Its TURN
// servers can be pasted into KVS_ICE_SERVERS_JSON as is.
type kvsIceServerConfig struct {
	IceServerList []struct {
		Uris     []string `json:"Uris"`
		Username string   `json:"Username"`
		Password string   `json:"Password"`
		Ttl      int      `json:"Ttl"`
	} `json:"IceServerList"`
}

// ParseICEServersJSON parses and validates KVS_ICE_SERVERS_JSON. raw is either
// a list of RTCIceServer objects (urls may be a string or a list) or a
// GetIceServerConfig response.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	return parseICEServersJSON(raw, false)
}

func parseICEServersJSON(raw string, mintedTURN bool) ([]webrtc.ICEServer, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		return parseKVSIceServerConfig(raw)
	}

	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		pcServer := webrtc.ICEServer{
			URLs:     trimURLs(server.URLs),
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			pcServer.Credential = server.Credential
		}

		if err := validateICEServer(pcServer, mintedTURN); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, pcServer)
	}
	return out, nil
}

func parseKVSIceServerConfig(raw string) ([]webrtc.ICEServer, error) {
	var resp kvsIceServerConfig
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, err
	}
	if len(resp.IceServerList) == 0 {
		return nil, errors.New("IceServerList is empty")
	}

	out := make([]webrtc.ICEServer, 0, len(resp.IceServerList))
	for i, server := range resp.IceServerList {
		pcServer := webrtc.ICEServer{
			URLs:     trimURLs(server.Uris),
			Username: strings.TrimSpace(server.Username),
		}
		if server.Password != "" {
			pcServer.Credential = server.Password
		}
		if err := validateICEServer(pcServer, false); err != nil {
			return nil, fmt.Errorf("IceServerList[%d]: %w", i, err)
		}
		out = append(out, pcServer)
	}
	return out, nil
}

func trimURLs(in []string) []string {
	urls := make([]string, 0, len(in))
	for _, url := range in {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		urls = append(urls, url)
	}
	return urls
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from the convenience env vars.
//
// The URL lists are comma-separated.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	return parseConvenienceICEServers(stunURLs, turnURLs, turnUsername, turnCredential, false)
}

func parseConvenienceICEServers(stunURLs, turnURLs, turnUsername, turnCredential string, mintedTURN bool) ([]webrtc.ICEServer, error) {
	stunList := splitCommaSeparated(stunURLs)
	turnList := splitCommaSeparated(turnURLs)

	var servers []webrtc.ICEServer
	if len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := validateICEServer(server, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if len(turnList) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if !mintedTURN && (turnUsername == "" || turnCredential == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}

		server := webrtc.ICEServer{
			URLs:     turnList,
			Username: turnUsername,
		}
		if turnCredential != "" {
			server.Credential = turnCredential
		}
		if err := validateICEServer(server, mintedTURN); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, mintedTURN bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	for _, raw := range server.URLs {
		url := strings.TrimSpace(raw)
		if url == "" {
			return errors.New("urls must not contain empty entries")
		}
		if !isAllowedICEScheme(strings.ToLower(url)) {
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}

	if iceServerHasTURNURL(server) && !mintedTURN {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}

	return nil
}

func isAllowedICEScheme(url string) bool {
	switch {
	case strings.HasPrefix(url, "stun:"),
		strings.HasPrefix(url, "stuns:"),
		strings.HasPrefix(url, "turn:"),
		strings.HasPrefix(url, "turns:"):
		return true
	default:
		return false
	}
}
