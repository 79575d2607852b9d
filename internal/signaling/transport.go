package signaling

import "context"

// Dialer opens the duplex transport to a presigned URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Handlers receive the lifecycle events of one Conn. All callbacks for a
// given Conn are invoked from a single goroutine, OnOpen first. OnClose is
// the last callback and fires exactly once.
type Handlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func()
}

// Conn is a message-framed connection. Each Send carries one text frame and
// each OnMessage delivers one.
type Conn interface {
	// Bind attaches handlers and starts event delivery.
	Bind(h Handlers)
	// Unbind detaches the handlers. Callbacks already running complete.
	Unbind()
	Send(data []byte) error
	// Close requests a close. Completion is reported through OnClose. It is
	// safe to call more than once.
	Close() error
}
