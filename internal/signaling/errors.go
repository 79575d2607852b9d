package signaling

import "errors"

var (
	ErrInvalidConfig = errors.New("signaling: invalid config")
	// ErrInvalidState is returned by Open when the client is not CLOSED.
	ErrInvalidState = errors.New("signaling: invalid state")
	ErrNotOpen      = errors.New("signaling: connection is not open")

	ErrRecipientRequired   = errors.New("signaling: MASTER must address all messages to a recipient client id")
	ErrRecipientNotAllowed = errors.New("signaling: VIEWER must not address messages to a recipient client id")
)
