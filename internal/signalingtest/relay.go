// Package signalingtest provides an in-process stand-in for the Kinesis Video
// Streams signaling service: a TLS WebSocket endpoint that checks SigV4
// presigned URLs and routes messages between one MASTER and its VIEWERs.
package signalingtest

import (
	"context"
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/sigv4"
)

// MasterID names the MASTER connection in Frames and lookups.
const MasterID = "MASTER"

const (
	wsWriteWait            = 1 * time.Second
	defaultMaxMessageBytes = 64 << 10
	dateTimeFormat         = "20060102T150405Z"
)

type Options struct {
	// Region and Credentials enable signature verification. Handshakes with a
	// missing or wrong signature are rejected with 403.
	Region      string
	Credentials *sigv4.Credentials
	// ChannelARN, when set, must match X-Amz-ChannelARN.
	ChannelARN string
	// MaxClockSkew rejects signatures dated further than this from the local
	// clock. 0 disables the check.
	MaxClockSkew time.Duration

	MaxMessageBytes   int64
	MessagesPerSecond int

	Logger *slog.Logger
}

// Frame is one message a client sent to the relay.
type Frame struct {
	From              string
	Action            string
	Payload           json.RawMessage
	RecipientClientID string
}

type Relay struct {
	opts     Options
	log      *slog.Logger
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	master   *peer
	viewers  map[string]*peer
	received []Frame
	rejected int
	changed  chan struct{}
}

type peer struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

// NewRelay starts a relay on a loopback TLS listener. Call Close when done.
func NewRelay(opts Options) *Relay {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := &Relay{
		opts:    opts,
		log:     log,
		viewers: make(map[string]*peer),
		changed: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	r.server = httptest.NewTLSServer(r)
	return r
}

// Endpoint is the wss:// channel endpoint clients should sign and dial.
func (r *Relay) Endpoint() string {
	return "wss://" + strings.TrimPrefix(r.server.URL, "https://")
}

// WebSocketDialer returns a dialer that trusts the relay's certificate.
func (r *Relay) WebSocketDialer() *websocket.Dialer {
	return &websocket.Dialer{
		TLSClientConfig:  r.server.Client().Transport.(*http.Transport).TLSClientConfig,
		HandshakeTimeout: 5 * time.Second,
	}
}

func (r *Relay) Close() {
	r.mu.Lock()
	peers := r.peersLocked()
	r.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
	r.server.Close()
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	if err := r.verify(req.Host, req.URL.Path, query); err != nil {
		r.mu.Lock()
		r.rejected++
		r.notifyLocked()
		r.mu.Unlock()
		r.log.Info("rejecting signaling handshake", "err", err)
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	p := &peer{id: query.Get("X-Amz-ClientId"), conn: conn}
	if p.id == "" {
		p.id = MasterID
	}
	r.register(p)
	defer r.unregister(p)

	var limiter *rate.Limiter
	if r.opts.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.opts.MessagesPerSecond), r.opts.MessagesPerSecond)
	}

	for {
		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			return
		}
		if limiter != nil && !limiter.Allow() {
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		data, err := readLimited(msgReader, r.opts.MaxMessageBytes)
		if err != nil {
			writeClose(conn, websocket.CloseMessageTooBig, "message too large")
			return
		}
		r.route(p, data)
	}
}

func (r *Relay) verify(host, path string, query url.Values) error {
	if query.Get("X-Amz-ChannelARN") == "" {
		return errors.New("missing X-Amz-ChannelARN")
	}
	if r.opts.ChannelARN != "" && query.Get("X-Amz-ChannelARN") != r.opts.ChannelARN {
		return errors.New("unknown channel")
	}
	if r.opts.Credentials == nil {
		return nil
	}

	date, err := time.Parse(dateTimeFormat, query.Get(sigv4.ParamDate))
	if err != nil {
		return errors.New("missing or malformed X-Amz-Date")
	}
	if skew := r.opts.MaxClockSkew; skew > 0 {
		if d := time.Since(date); d > skew || d < -skew {
			return errors.New("signature expired or not yet valid")
		}
	}

	// Every parameter that is not part of the signature itself was supplied
	// by the client and must be re-signed.
	params := make(map[string]string)
	for k := range query {
		switch k {
		case sigv4.ParamAlgorithm, sigv4.ParamCredential, sigv4.ParamDate, sigv4.ParamExpires,
			sigv4.ParamSecurityToken, sigv4.ParamSignature, sigv4.ParamSignedHeaders:
			continue
		}
		params[k] = query.Get(k)
	}

	if path == "" {
		path = "/"
	}
	signer := sigv4.NewSigner(r.opts.Region, *r.opts.Credentials)
	expected, err := signer.GetSignedURL("wss://"+host+path, params, date)
	if err != nil {
		return err
	}
	expectedURL, err := url.Parse(expected)
	if err != nil {
		return err
	}
	want := expectedURL.Query().Get(sigv4.ParamSignature)
	got := query.Get(sigv4.ParamSignature)
	if !hmac.Equal([]byte(want), []byte(got)) {
		return errors.New("signature mismatch")
	}
	return nil
}

type outbound struct {
	Action            string `json:"action"`
	MessagePayload    string `json:"messagePayload"`
	RecipientClientID string `json:"recipientClientId,omitempty"`
}

type inbound struct {
	MessageType    string          `json:"messageType"`
	MessagePayload string          `json:"messagePayload,omitempty"`
	SenderClientID string          `json:"senderClientId,omitempty"`
	StatusResponse *statusResponse `json:"statusResponse,omitempty"`
}

type statusResponse struct {
	CorrelationID string `json:"correlationId"`
	ErrorType     string `json:"errorType"`
	StatusCode    string `json:"statusCode"`
	Description   string `json:"description"`
}

// route forwards a client message the way the service does: VIEWER messages
// go to the MASTER tagged with the sender, MASTER messages go to the named
// VIEWER untagged.
func (r *Relay) route(from *peer, data []byte) {
	var msg outbound
	if err := json.Unmarshal(data, &msg); err != nil {
		r.log.Debug("relay dropping malformed frame", "from", from.id, "err", err)
		return
	}
	payload, err := base64.StdEncoding.DecodeString(msg.MessagePayload)
	if err != nil {
		payload = nil
	}

	r.mu.Lock()
	r.received = append(r.received, Frame{
		From:              from.id,
		Action:            msg.Action,
		Payload:           json.RawMessage(payload),
		RecipientClientID: msg.RecipientClientID,
	})
	r.notifyLocked()

	var to *peer
	forward := inbound{MessageType: msg.Action, MessagePayload: msg.MessagePayload}
	if from.id == MasterID {
		to = r.viewers[msg.RecipientClientID]
	} else {
		to = r.master
		forward.SenderClientID = from.id
	}
	r.mu.Unlock()

	if to == nil {
		r.writeStatus(from, "InvalidArgumentException", "400", "recipient is not connected")
		return
	}
	frame, err := json.Marshal(forward)
	if err != nil {
		return
	}
	if err := to.write(frame); err != nil {
		r.log.Debug("relay forward failed", "to", to.id, "err", err)
	}
}

func (r *Relay) writeStatus(p *peer, errorType, code, description string) {
	frame, err := json.Marshal(inbound{
		MessageType: "STATUS_RESPONSE",
		StatusResponse: &statusResponse{
			ErrorType:   errorType,
			StatusCode:  code,
			Description: description,
		},
	})
	if err != nil {
		return
	}
	_ = p.write(frame)
}

func (r *Relay) register(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var replaced *peer
	if p.id == MasterID {
		replaced, r.master = r.master, p
	} else {
		replaced, r.viewers[p.id] = r.viewers[p.id], p
	}
	if replaced != nil {
		writeClose(replaced.conn, websocket.CloseNormalClosure, "replaced by a new connection")
	}
	r.notifyLocked()
}

func (r *Relay) unregister(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.id == MasterID {
		if r.master == p {
			r.master = nil
		}
	} else if r.viewers[p.id] == p {
		delete(r.viewers, p.id)
	}
	r.notifyLocked()
}

func (r *Relay) lookupLocked(clientID string) *peer {
	if clientID == MasterID {
		return r.master
	}
	return r.viewers[clientID]
}

func (r *Relay) peersLocked() []*peer {
	peers := make([]*peer, 0, len(r.viewers)+1)
	if r.master != nil {
		peers = append(peers, r.master)
	}
	for _, p := range r.viewers {
		peers = append(peers, p)
	}
	return peers
}

func (r *Relay) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// waitFor blocks until cond, evaluated under the relay lock, holds.
func (r *Relay) waitFor(ctx context.Context, cond func() bool) error {
	for {
		r.mu.Lock()
		ok := cond()
		ch := r.changed
		r.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// WaitForClient blocks until clientID (MasterID for the MASTER) is connected.
func (r *Relay) WaitForClient(ctx context.Context, clientID string) error {
	return r.waitFor(ctx, func() bool { return r.lookupLocked(clientID) != nil })
}

// WaitForDisconnect blocks until clientID has no connection.
func (r *Relay) WaitForDisconnect(ctx context.Context, clientID string) error {
	return r.waitFor(ctx, func() bool { return r.lookupLocked(clientID) == nil })
}

// WaitForFrames blocks until at least n frames have been received.
func (r *Relay) WaitForFrames(ctx context.Context, n int) ([]Frame, error) {
	if err := r.waitFor(ctx, func() bool { return len(r.received) >= n }); err != nil {
		return r.Received(), err
	}
	return r.Received(), nil
}

func (r *Relay) Received() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.received...)
}

// Rejected reports how many handshakes failed verification.
func (r *Relay) Rejected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected
}

// SendRaw writes frame as-is to a connected client.
func (r *Relay) SendRaw(clientID string, frame []byte) error {
	r.mu.Lock()
	p := r.lookupLocked(clientID)
	r.mu.Unlock()
	if p == nil {
		return errors.New("signalingtest: client not connected")
	}
	return p.write(frame)
}

// Send delivers payload to clientID as the service would, with the given
// sender (empty for none).
func (r *Relay) Send(clientID, messageType string, payload any, senderClientID string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(inbound{
		MessageType:    messageType,
		MessagePayload: base64.StdEncoding.EncodeToString(raw),
		SenderClientID: senderClientID,
	})
	if err != nil {
		return err
	}
	return r.SendRaw(clientID, frame)
}

// Disconnect closes the client's connection. When graceful is false the TCP
// connection is dropped without a close frame.
func (r *Relay) Disconnect(clientID string, graceful bool) error {
	r.mu.Lock()
	p := r.lookupLocked(clientID)
	r.mu.Unlock()
	if p == nil {
		return errors.New("signalingtest: client not connected")
	}
	if graceful {
		p.writeMu.Lock()
		writeClose(p.conn, websocket.CloseNormalClosure, "")
		p.writeMu.Unlock()
		return nil
	}
	return p.conn.NetConn().Close()
}

func (p *peer) write(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return p.conn.WriteMessage(websocket.TextMessage, frame)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
