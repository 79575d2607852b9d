package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func fixedMinter(t *testing.T) *Minter {
	t.Helper()
	m, err := NewMinter(Config{
		SharedSecret:   "shared-secret",
		TTL:            time.Hour,
		UsernamePrefix: "kvs",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
		SessionID:      func() string { return "session123" },
	})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	return m
}

func TestMint_DeterministicWithFixedTime(t *testing.T) {
	creds, err := fixedMinter(t).Mint("session123")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if got, want := creds.Expires.Unix(), int64(1_700_003_600); got != want {
		t.Fatalf("Expires: got %d, want %d", got, want)
	}
	wantUsername := "1700003600:kvs:session123"
	if creds.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", creds.Username, wantUsername)
	}
	if want := expectedCredential([]byte("shared-secret"), wantUsername); creds.Credential != want {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, want)
	}
}

func TestMint_RejectsBadSessionID(t *testing.T) {
	m := fixedMinter(t)
	if _, err := m.Mint(""); err == nil {
		t.Fatalf("expected error for empty session id")
	}
	if _, err := m.Mint("a:b"); err == nil {
		t.Fatalf("expected error for session id with ':'")
	}
}

func TestNewMinter_Validation(t *testing.T) {
	cases := map[string]Config{
		"no secret":    {TTL: time.Hour, UsernamePrefix: "kvs"},
		"short ttl":    {SharedSecret: "s", TTL: time.Millisecond, UsernamePrefix: "kvs"},
		"no prefix":    {SharedSecret: "s", TTL: time.Hour},
		"colon prefix": {SharedSecret: "s", TTL: time.Hour, UsernamePrefix: "a:b"},
	}
	for name, cfg := range cases {
		if _, err := NewMinter(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestApply_FillsOnlyTURNWithoutUsername(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478", "turns:turn.example.com:443"}},
		{URLs: []string{"turn:static.example.com:3478"}, Username: "static", Credential: "pw"},
	}

	out, err := fixedMinter(t).Apply(servers)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out[0].Username != "" || out[0].Credential != nil {
		t.Fatalf("stun server got credentials: %+v", out[0])
	}
	if out[1].Username != "1700003600:kvs:session123" {
		t.Fatalf("turn username=%q", out[1].Username)
	}
	if out[1].Credential != expectedCredential([]byte("shared-secret"), out[1].Username) {
		t.Fatalf("turn credential=%v", out[1].Credential)
	}
	if out[2].Username != "static" || out[2].Credential != "pw" {
		t.Fatalf("static turn server modified: %+v", out[2])
	}
	if servers[1].Username != "" {
		t.Fatalf("input slice modified")
	}
}

func expectedCredential(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
