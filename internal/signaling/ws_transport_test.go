package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsTestServer upgrades every request and hands the server side of the
// connection to serve.
func wsTestServer(t *testing.T, serve func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

type transportEvents struct {
	mu     sync.Mutex
	order  []string
	frames []string
	errs   []error
	closed chan struct{}
}

func bindRecorder(conn Conn) *transportEvents {
	ev := &transportEvents{closed: make(chan struct{})}
	conn.Bind(Handlers{
		OnOpen: func() { ev.add("open") },
		OnMessage: func(data []byte) {
			ev.mu.Lock()
			ev.frames = append(ev.frames, string(data))
			ev.mu.Unlock()
			ev.add("message")
		},
		OnError: func(err error) {
			ev.mu.Lock()
			ev.errs = append(ev.errs, err)
			ev.mu.Unlock()
			ev.add("error")
		},
		OnClose: func() {
			ev.add("close")
			close(ev.closed)
		},
	})
	return ev
}

func (ev *transportEvents) add(name string) {
	ev.mu.Lock()
	ev.order = append(ev.order, name)
	ev.mu.Unlock()
}

func (ev *transportEvents) snapshot() []string {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return append([]string(nil), ev.order...)
}

func (ev *transportEvents) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-ev.closed:
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for OnClose; events=%v", ev.snapshot())
	}
}

func dialTest(t *testing.T, d *WebSocketDialer, url string) Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func TestWebSocketConn_MessagesThenNormalClose(t *testing.T) {
	url := wsTestServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("one"))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("ignored"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("two"))
		writeClose(conn, websocket.CloseNormalClosure, "bye")
		_, _, _ = conn.ReadMessage()
	})

	ev := bindRecorder(dialTest(t, &WebSocketDialer{Logger: discardLogger()}, url))
	ev.waitClosed(t)

	want := []string{"open", "message", "message", "close"}
	if got := ev.snapshot(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events=%v, want %v", got, want)
	}
	if strings.Join(ev.frames, ",") != "one,two" {
		t.Fatalf("frames=%v", ev.frames)
	}
}

func TestWebSocketConn_AbnormalCloseReportsError(t *testing.T) {
	url := wsTestServer(t, func(conn *websocket.Conn) {
		_ = conn.NetConn().Close()
	})

	ev := bindRecorder(dialTest(t, &WebSocketDialer{Logger: discardLogger()}, url))
	ev.waitClosed(t)

	want := []string{"open", "error", "close"}
	if got := ev.snapshot(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events=%v, want %v", got, want)
	}
}

func TestWebSocketConn_CloseHandshake(t *testing.T) {
	serverSawClose := make(chan error, 1)
	url := wsTestServer(t, func(conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		serverSawClose <- err
	})

	conn := dialTest(t, &WebSocketDialer{Logger: discardLogger()}, url)
	ev := bindRecorder(conn)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case err := <-serverSawClose:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("server read err=%v, want normal closure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never saw close frame")
	}
	ev.waitClosed(t)
	if len(ev.errs) != 0 {
		t.Fatalf("requested close reported errors: %v", ev.errs)
	}
	if err := conn.Send([]byte("late")); err == nil {
		t.Fatalf("Send after Close succeeded")
	}
}

func TestWebSocketConn_CloseGracePeriodBoundsWait(t *testing.T) {
	release := make(chan struct{})
	url := wsTestServer(t, func(conn *websocket.Conn) {
		// Never read, so the close frame is never echoed.
		<-release
	})
	defer close(release)

	conn := dialTest(t, &WebSocketDialer{Logger: discardLogger(), CloseGracePeriod: 100 * time.Millisecond}, url)
	ev := bindRecorder(conn)
	start := time.Now()
	_ = conn.Close()
	ev.waitClosed(t)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("close took %v", elapsed)
	}
}

func TestWebSocketConn_SendWritesTextFrame(t *testing.T) {
	got := make(chan string, 1)
	url := wsTestServer(t, func(conn *websocket.Conn) {
		typ, data, err := conn.ReadMessage()
		if err == nil && typ == websocket.TextMessage {
			got <- string(data)
		}
		_, _, _ = conn.ReadMessage()
	})

	conn := dialTest(t, &WebSocketDialer{Logger: discardLogger()}, url)
	bindRecorder(conn)
	defer conn.Close()

	if err := conn.Send([]byte(`{"action":"SDP_OFFER"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case frame := <-got:
		if frame != `{"action":"SDP_OFFER"}` {
			t.Fatalf("frame=%q", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for frame")
	}
}

func TestWebSocketConn_PingKeepalive(t *testing.T) {
	pingSeen := make(chan struct{}, 1)
	url := wsTestServer(t, func(conn *websocket.Conn) {
		conn.SetPingHandler(func(string) error {
			select {
			case pingSeen <- struct{}{}:
			default:
			}
			return nil
		})
		_, _, _ = conn.ReadMessage()
	})

	conn := dialTest(t, &WebSocketDialer{Logger: discardLogger(), PingInterval: 50 * time.Millisecond}, url)
	bindRecorder(conn)
	defer conn.Close()

	select {
	case <-pingSeen:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for client ping")
	}
}

func TestWebSocketConn_ReadLimit(t *testing.T) {
	url := wsTestServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 1024)))
		_, _, _ = conn.ReadMessage()
	})

	ev := bindRecorder(dialTest(t, &WebSocketDialer{Logger: discardLogger(), ReadLimit: 128}, url))
	ev.waitClosed(t)

	if len(ev.frames) != 0 {
		t.Fatalf("oversized frame delivered")
	}
	if len(ev.errs) != 1 || !errors.Is(ev.errs[0], websocket.ErrReadLimit) {
		t.Fatalf("errs=%v, want read limit error", ev.errs)
	}
}

func TestWebSocketDialer_HandshakeRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer ts.Close()

	d := &WebSocketDialer{}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?X-Amz-Signature=secret"
	_, err := d.Dial(context.Background(), url)
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Fatalf("err=%v, want status code", err)
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("dial error leaks signed url: %v", err)
	}
}
