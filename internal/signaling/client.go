package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/events"
	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/metrics"
)

type EventName string

const (
	EventOpen         EventName = "open"
	EventSDPOffer     EventName = "sdpOffer"
	EventSDPAnswer    EventName = "sdpAnswer"
	EventICECandidate EventName = "iceCandidate"
	EventClose        EventName = "close"
	EventError        EventName = "error"
)

// Event is delivered to listeners. Payload and SenderClientID are set for
// sdpOffer, sdpAnswer and iceCandidate; Err is set for error.
// SenderClientID is empty when the service did not name the sender, which is
// always the case for messages from the MASTER.
type Event struct {
	Payload        json.RawMessage
	SenderClientID string
	Err            error
}

// Client is a signaling session with the Kinesis Video Streams signaling
// service. Listeners run synchronously on the goroutine that delivers
// transport events and must not block; they may call any Client method.
type Client struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	emitter *events.Emitter[EventName, Event]

	mu         sync.Mutex
	state      ReadyState
	conn       Conn
	attempt    uint64
	cancelOpen context.CancelFunc
	pending    pendingICE
}

// NewClient validates cfg and returns a CLOSED client. cfg is copied; later
// changes to it, or to the Credentials it points to, have no effect.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	log := cfg.Logger.With("role", string(cfg.Role), "channel_arn", cfg.ChannelARN)
	if cfg.ClientID != "" {
		log = log.With("client_id", cfg.ClientID)
	}

	return &Client{
		cfg:     cfg,
		log:     log,
		metrics: cfg.Metrics,
		emitter: events.New[EventName, Event](),
		state:   StateClosed,
		pending: pendingICE{max: cfg.MaxPendingICECandidatesPerPeer},
	}, nil
}

func (c *Client) Role() Role { return c.cfg.Role }

func (c *Client) ReadyState() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) On(name EventName, fn func(Event)) events.ListenerID {
	return c.emitter.On(name, fn)
}

func (c *Client) Once(name EventName, fn func(Event)) events.ListenerID {
	return c.emitter.Once(name, fn)
}

func (c *Client) Off(name EventName, id events.ListenerID) bool {
	return c.emitter.Off(name, id)
}

// RemoveAllListeners removes the listeners for names, or every listener
// when names is empty.
func (c *Client) RemoveAllListeners(names ...EventName) {
	c.emitter.RemoveAll(names...)
}

// Open starts connecting and returns immediately. The outcome is reported
// through the open, error and close events.
func (c *Client) Open() error {
	c.mu.Lock()
	if c.state != StateClosed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: client is %s", ErrInvalidState, state)
	}
	c.transitionLocked(StateConnecting)
	c.attempt++
	attempt := c.attempt
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelOpen = cancel
	c.mu.Unlock()

	c.metrics.Inc(metrics.SignalingOpenAttempts)
	go c.asyncOpen(ctx, attempt)
	return nil
}

func (c *Client) asyncOpen(ctx context.Context, attempt uint64) {
	params := map[string]string{ParamChannelARN: c.cfg.ChannelARN}
	if c.cfg.Role == Viewer {
		params[ParamClientID] = c.cfg.ClientID
	}
	date := c.cfg.Now().Add(c.cfg.SystemClockOffset)

	signedURL, err := c.cfg.RequestSigner.GetSignedURL(c.cfg.ChannelEndpoint, params, date)
	if err != nil {
		c.metrics.Inc(metrics.SignalingSignFailures)
		c.failOpen(attempt, fmt.Errorf("sign connection url: %w", err))
		return
	}
	if !c.connecting(attempt) {
		c.abortOpen(attempt)
		return
	}

	conn, err := c.cfg.Dialer.Dial(ctx, signedURL)
	if err != nil {
		if !c.connecting(attempt) {
			c.abortOpen(attempt)
			return
		}
		c.metrics.Inc(metrics.SignalingDialFailures)
		c.failOpen(attempt, err)
		return
	}

	c.mu.Lock()
	if c.state != StateConnecting || c.attempt != attempt {
		c.mu.Unlock()
		_ = conn.Close()
		c.abortOpen(attempt)
		return
	}
	c.conn = conn
	if c.cancelOpen != nil {
		c.cancelOpen()
		c.cancelOpen = nil
	}
	c.mu.Unlock()

	conn.Bind(Handlers{
		OnOpen:    func() { c.handleOpen(conn) },
		OnMessage: func(data []byte) { c.handleMessage(conn, data) },
		OnError:   func(err error) { c.handleError(conn, err) },
		OnClose:   func() { c.finishClose(conn, attempt) },
	})
}

func (c *Client) connecting(attempt uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnecting && c.attempt == attempt && c.conn == nil
}

func (c *Client) abortOpen(attempt uint64) {
	c.metrics.Inc(metrics.SignalingOpenAborted)
	c.log.Debug("signaling open aborted", "attempt", attempt)
}

// failOpen reports an error from the open sequence and returns the client to
// CLOSED so that Open may be called again.
func (c *Client) failOpen(attempt uint64, err error) {
	if !c.connecting(attempt) {
		c.abortOpen(attempt)
		return
	}
	c.log.Warn("signaling open failed", "err", err)
	c.metrics.Inc(metrics.SignalingErrors)
	c.emitError(err)
	c.finishClose(nil, attempt)
}

// Close requests the connection be closed. With an established transport the
// close completes asynchronously and is reported by the close event.
// Otherwise a pending open is abandoned and close is emitted before Close
// returns. Close on a CLOSED client does nothing.
func (c *Client) Close() error {
	c.mu.Lock()
	if conn := c.conn; conn != nil {
		if c.state != StateClosing {
			c.transitionLocked(StateClosing)
		}
		c.mu.Unlock()
		if err := conn.Close(); err != nil {
			c.log.Debug("signaling transport close failed", "err", err)
		}
		return nil
	}
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	attempt := c.attempt
	c.mu.Unlock()

	c.finishClose(nil, attempt)
	return nil
}

// finishClose performs the transition to CLOSED for conn (nil when no
// transport was established). It runs at most once per open attempt.
func (c *Client) finishClose(conn Conn, attempt uint64) {
	c.mu.Lock()
	if c.state == StateClosed || c.conn != conn || c.attempt != attempt {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(StateClosed)
	c.conn = nil
	c.pending.reset()
	if c.cancelOpen != nil {
		c.cancelOpen()
		c.cancelOpen = nil
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Unbind()
	}
	c.metrics.Inc(metrics.SignalingClosed)
	c.log.Info("signaling connection closed")
	c.emitter.Emit(EventClose, Event{})
}

func (c *Client) handleOpen(conn Conn) {
	c.mu.Lock()
	if c.conn != conn || !c.transitionLocked(StateOpen) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.metrics.Inc(metrics.SignalingOpened)
	c.log.Info("signaling connection open")
	c.emitter.Emit(EventOpen, Event{})
}

func (c *Client) handleError(conn Conn, err error) {
	if !c.current(conn) {
		return
	}
	c.metrics.Inc(metrics.SignalingErrors)
	c.log.Warn("signaling transport error", "err", err)
	c.emitError(err)
}

func (c *Client) handleMessage(conn Conn, data []byte) {
	if !c.current(conn) {
		return
	}

	msg, payload, err := parseInboundMessage(data)
	if err != nil {
		reason := dropReason(err)
		c.metrics.Inc(metrics.SignalingDropped(reason))
		c.log.Debug("dropping signaling frame", "reason", reason, "err", err, "bytes", len(data))
		return
	}
	c.metrics.Inc(metrics.SignalingMessagesReceived)

	sender := msg.SenderClientID
	switch msg.MessageType {
	case messageTypeSDPOffer, messageTypeSDPAnswer:
		name := EventSDPOffer
		if msg.MessageType == messageTypeSDPAnswer {
			name = EventSDPAnswer
		}
		c.emitter.Emit(name, Event{Payload: payload, SenderClientID: sender})

		c.mu.Lock()
		queued := c.pending.sdpReceived(peerKey(sender))
		c.mu.Unlock()
		if len(queued) > 0 {
			c.metrics.Add(metrics.ICECandidatesFlushed, uint64(len(queued)))
		}
		for _, candidate := range queued {
			c.emitter.Emit(EventICECandidate, Event{Payload: candidate, SenderClientID: sender})
		}

	case messageTypeICECandidate:
		c.mu.Lock()
		deliver, evicted := c.pending.add(peerKey(sender), payload)
		c.mu.Unlock()
		if deliver {
			c.emitter.Emit(EventICECandidate, Event{Payload: payload, SenderClientID: sender})
			return
		}
		c.metrics.Inc(metrics.ICECandidatesBuffered)
		if evicted {
			c.metrics.Inc(metrics.ICECandidatesEvicted)
			c.log.Warn("pending ICE candidate limit reached; dropped oldest candidate",
				"peer", peerKey(sender), "limit", c.cfg.MaxPendingICECandidatesPerPeer)
		}

	case messageTypeStatusResponse:
		c.metrics.Inc(metrics.SignalingStatusResponses)
		if s := msg.StatusResponse; s != nil {
			c.log.Warn("signaling status response",
				"status_code", s.StatusCode,
				"error_type", s.ErrorType,
				"correlation_id", s.CorrelationID,
				"description", s.Description,
			)
		}
	}
}

func (c *Client) current(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn
}

func (c *Client) emitError(err error) {
	if !c.emitter.Emit(EventError, Event{Err: err}) {
		c.log.Warn("unhandled signaling error", "err", err)
	}
}

// SendSDPOffer sends an SDP_OFFER. recipientClientID is required for MASTER
// and must be empty for VIEWER.
func (c *Client) SendSDPOffer(sdp any, recipientClientID string) error {
	return c.send(messageTypeSDPOffer, sdp, recipientClientID)
}

func (c *Client) SendSDPAnswer(sdp any, recipientClientID string) error {
	return c.send(messageTypeSDPAnswer, sdp, recipientClientID)
}

func (c *Client) SendICECandidate(candidate any, recipientClientID string) error {
	return c.send(messageTypeICECandidate, candidate, recipientClientID)
}

func (c *Client) send(action messageType, payload any, recipientClientID string) error {
	c.mu.Lock()
	state, conn := c.state, c.conn
	c.mu.Unlock()
	if state != StateOpen || conn == nil {
		return fmt.Errorf("%w: cannot send %s while %s", ErrNotOpen, action, state)
	}
	if err := c.validateRecipient(recipientClientID); err != nil {
		return err
	}

	frame, err := encodeMessage(action, payload, recipientClientID)
	if err != nil {
		return err
	}
	if err := conn.Send(frame); err != nil {
		return fmt.Errorf("send %s: %w", action, err)
	}
	c.metrics.Inc(metrics.SignalingMessagesSent)
	return nil
}

func (c *Client) validateRecipient(recipientClientID string) error {
	switch {
	case c.cfg.Role == Master && recipientClientID == "":
		return ErrRecipientRequired
	case c.cfg.Role == Viewer && recipientClientID != "":
		return ErrRecipientNotAllowed
	}
	return nil
}

// transitionLocked moves to the given state if the edge is legal. c.mu must
// be held.
func (c *Client) transitionLocked(to ReadyState) bool {
	if !c.state.canTransition(to) {
		c.log.Debug("ignoring illegal signaling state transition", "from", c.state, "to", to)
		return false
	}
	c.state = to
	return true
}

func peerKey(senderClientID string) string {
	if senderClientID == "" {
		return DefaultClientID
	}
	return senderClientID
}
