package connection

import (
	"errors"
	"fmt"
)

var (
	ErrClosed           = errors.New("connection manager closed")
	ErrAlreadyRunning   = errors.New("connection manager already running")
	ErrHeartbeatTimeout = errors.New("no frame received within heartbeat timeout")
)

// ConnectionError is a transient transport failure. The manager retries it
// with backoff.
type ConnectionError struct {
	Key Key
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %s: %v", e.Key, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError means the venue refused the login, no credentials were
// configured, or the venue has no supported login scheme. It is terminal.
type AuthError struct {
	Key    Key
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection %s: auth failed: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("connection %s: auth failed: %s", e.Key, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }
