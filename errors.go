package glue

import (
	"errors"
)

// error taxonomy shared by every public operation.
// matched with errors.Is, wrapped with fmt.Errorf("...: %w", Err...)

var (
	// operation attempted against a channel type or membership state that
	// forbids it. Never retried automatically.
	ErrAccessDenied = errors.New("Access denied.")

	// referenced channel, context, instance or method does not exist
	ErrNotFound = errors.New("Not found.")

	// the gateway ready wait exceeded its bound
	ErrTimeout = errors.New("Timeout.")

	// argument shape failed validation. The gateway is never contacted.
	ErrMalformed = errors.New("Malformed input.")

	// the gateway link is down. In-flight operations fail rather than hang;
	// reconnection does not retroactively resolve them.
	ErrDisconnected = errors.New("Disconnected.")
)
