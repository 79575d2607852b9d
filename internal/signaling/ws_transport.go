package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait             = 1 * time.Second
	defaultCloseGracePeriod = 2 * time.Second
)

// WebSocketDialer dials the signaling service with gorilla/websocket. The
// zero value is ready to use.
type WebSocketDialer struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Header http.Header

	// ReadLimit caps the size of one inbound frame. 0 means no limit.
	ReadLimit int64
	// PingInterval enables keep-alive pings. 0 disables them.
	PingInterval time.Duration
	// CloseGracePeriod bounds how long Close waits for the service to echo
	// the close frame.
	CloseGracePeriod time.Duration

	Logger *slog.Logger
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	// The URL carries credentials in its query string, so it is kept out of
	// errors and logs.
	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (http status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}

	grace := d.CloseGracePeriod
	if grace <= 0 {
		grace = defaultCloseGracePeriod
	}
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}

	return &wsConn{
		ws:           ws,
		log:          log,
		pingInterval: d.PingInterval,
		closeGrace:   grace,
		done:         make(chan struct{}),
	}, nil
}

type wsConn struct {
	ws           *websocket.Conn
	log          *slog.Logger
	pingInterval time.Duration
	closeGrace   time.Duration

	writeMu sync.Mutex

	mu             sync.Mutex
	h              Handlers
	bound          bool
	closeRequested bool

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) Bind(h Handlers) {
	c.mu.Lock()
	if c.bound {
		c.mu.Unlock()
		return
	}
	c.h = h
	c.bound = true
	c.mu.Unlock()

	go c.run()
}

func (c *wsConn) Unbind() {
	c.mu.Lock()
	c.h = Handlers{}
	c.mu.Unlock()
}

func (c *wsConn) handlers() Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h
}

func (c *wsConn) run() {
	defer close(c.done)

	if h := c.handlers(); h.OnOpen != nil {
		h.OnOpen()
	}
	if c.pingInterval > 0 {
		go c.keepalive()
	}

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.expectedClose(err) {
				if h := c.handlers(); h.OnError != nil {
					h.OnError(fmt.Errorf("websocket read: %w", err))
				}
			}
			break
		}
		if typ != websocket.TextMessage {
			c.log.Debug("ignoring non-text signaling frame", "type", typ, "bytes", len(data))
			continue
		}
		if h := c.handlers(); h.OnMessage != nil {
			h.OnMessage(data)
		}
	}

	_ = c.ws.Close()
	if h := c.handlers(); h.OnClose != nil {
		h.OnClose()
	}
}

func (c *wsConn) expectedClose(err error) bool {
	c.mu.Lock()
	requested := c.closeRequested
	c.mu.Unlock()
	if requested {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func (c *wsConn) keepalive() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.log.Debug("signaling ping failed", "err", err)
				return
			}
		}
	}
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	closing := c.closeRequested
	c.mu.Unlock()
	if closing {
		return errors.New("websocket: send after close")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close starts the close handshake. The read loop observes the echoed close
// frame, or the grace deadline, and then reports OnClose.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeRequested = true
		bound := c.bound
		c.mu.Unlock()

		err := writeClose(c.ws, websocket.CloseNormalClosure, "")
		if err != nil || !bound {
			_ = c.ws.Close()
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.closeGrace))
	})
	return nil
}

func writeClose(conn *websocket.Conn, code int, reason string) error {
	return conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
