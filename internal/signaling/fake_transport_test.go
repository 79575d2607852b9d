package signaling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn records what the client does with it. Tests drive its lifecycle
// callbacks synchronously.
type fakeConn struct {
	mu       sync.Mutex
	h        Handlers
	bound    chan struct{}
	unbound  bool
	closes   int
	sent     [][]byte
	sendErr  error
	bindOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{bound: make(chan struct{})}
}

func (c *fakeConn) Bind(h Handlers) {
	c.mu.Lock()
	c.h = h
	c.mu.Unlock()
	c.bindOnce.Do(func() { close(c.bound) })
}

func (c *fakeConn) Unbind() {
	c.mu.Lock()
	c.h = Handlers{}
	c.unbound = true
	c.mu.Unlock()
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) handlers() Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h
}

func (c *fakeConn) open() {
	if h := c.handlers(); h.OnOpen != nil {
		h.OnOpen()
	}
}

func (c *fakeConn) message(data []byte) {
	if h := c.handlers(); h.OnMessage != nil {
		h.OnMessage(data)
	}
}

func (c *fakeConn) fail(err error) {
	if h := c.handlers(); h.OnError != nil {
		h.OnError(err)
	}
}

func (c *fakeConn) closed() {
	if h := c.handlers(); h.OnClose != nil {
		h.OnClose()
	}
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeConn) waitBound(t *testing.T) {
	t.Helper()
	select {
	case <-c.bound:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for client to bind transport")
	}
}

// fakeDialer hands out fakeConns. When block is set, Dial waits for it or
// for ctx cancellation.
type fakeDialer struct {
	mu          sync.Mutex
	urls        []string
	err         error
	block       chan struct{}
	ignoreCtx   bool
	dialStarted chan struct{}
	conns       chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		dialStarted: make(chan struct{}, 16),
		conns:       make(chan *fakeConn, 16),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	block, err, ignoreCtx := d.block, d.err, d.ignoreCtx
	d.mu.Unlock()

	d.dialStarted <- struct{}{}
	if block != nil {
		if ignoreCtx {
			<-block
		} else {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err != nil {
		return nil, err
	}
	conn := newFakeConn()
	d.conns <- conn
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		c.waitBound(t)
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for dial")
		return nil
	}
}

type signerCall struct {
	endpoint string
	params   map[string]string
	date     time.Time
}

type fakeSigner struct {
	mu    sync.Mutex
	calls []signerCall
	err   error
	block chan struct{}
}

func (s *fakeSigner) GetSignedURL(endpoint string, params map[string]string, date time.Time) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, signerCall{endpoint: endpoint, params: params, date: date})
	block, err := s.block, s.err
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return "", err
	}
	return endpoint + "/?signed=1", nil
}

func (s *fakeSigner) lastCall() signerCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

// recorder captures every client event in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
	closed chan struct{}
	errs   chan error
}

type recordedEvent struct {
	name EventName
	ev   Event
}

func record(c *Client) *recorder {
	r := &recorder{
		closed: make(chan struct{}, 16),
		errs:   make(chan error, 16),
	}
	for _, name := range []EventName{EventOpen, EventSDPOffer, EventSDPAnswer, EventICECandidate, EventClose, EventError} {
		name := name
		c.On(name, func(ev Event) {
			r.mu.Lock()
			r.events = append(r.events, recordedEvent{name: name, ev: ev})
			r.mu.Unlock()
			switch name {
			case EventClose:
				r.closed <- struct{}{}
			case EventError:
				r.errs <- ev.Err
			}
		})
	}
	return r
}

func (r *recorder) all() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedEvent(nil), r.events...)
}

func (r *recorder) names() []EventName {
	var out []EventName
	for _, e := range r.all() {
		out = append(out, e.name)
	}
	return out
}

func (r *recorder) count(name EventName) int {
	n := 0
	for _, e := range r.all() {
		if e.name == name {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func (r *recorder) waitClose(t *testing.T) {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for close event")
	}
}

func (r *recorder) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for error event")
		return nil
	}
}

// inboundFrame builds a frame as the signaling service sends it.
func inboundFrame(t testing.TB, typ messageType, payload any, sender string) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	frame, err := json.Marshal(inboundMessage{
		MessageType:    typ,
		MessagePayload: base64.StdEncoding.EncodeToString(raw),
		SenderClientID: sender,
	})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return frame
}

func waitState(t *testing.T, c *Client, want ReadyState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.ReadyState() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state=%s, want %s", c.ReadyState(), want)
}

var errBoom = errors.New("boom")
