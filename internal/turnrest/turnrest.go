package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Minter issues short-lived TURN credentials for a self-hosted coturn
// server running with use-auth-secret, as an alternative to the KVS managed
// TURN servers.
//
//	username   = <unix_expiry>:<prefix>:<session id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
type Minter struct {
	sharedSecret   []byte
	ttl            time.Duration
	usernamePrefix string
	now            func() time.Time
	sessionID      func() string
}

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	Now            func() time.Time
	// SessionID defaults to a random UUID.
	SessionID func() string
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func NewMinter(cfg Config) (*Minter, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL < time.Second {
		return nil, errors.New("TTL must be at least 1s")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("username prefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("username prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SessionID == nil {
		cfg.SessionID = uuid.NewString
	}
	return &Minter{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttl:            cfg.TTL,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
		sessionID:      cfg.SessionID,
	}, nil
}

func (m *Minter) Mint(sessionID string) (Credentials, error) {
	if sessionID == "" {
		return Credentials{}, errors.New("session id is required")
	}
	if strings.Contains(sessionID, ":") {
		return Credentials{}, errors.New("session id must not contain ':'")
	}
	expires := m.now().UTC().Add(m.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), m.usernamePrefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: sign(m.sharedSecret, username),
		Expires:    expires,
	}, nil
}

// Apply returns a copy of servers where every TURN server without a
// username carries freshly minted credentials. One set of credentials is
// shared by all of them.
func (m *Minter) Apply(servers []webrtc.ICEServer) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, len(servers))
	copy(out, servers)

	var creds *Credentials
	for i, server := range out {
		if !hasTURNURL(server) || server.Username != "" {
			continue
		}
		if creds == nil {
			c, err := m.Mint(m.sessionID())
			if err != nil {
				return nil, err
			}
			creds = &c
		}
		out[i].Username = creds.Username
		out[i].Credential = creds.Credential
	}
	return out, nil
}

func sign(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
