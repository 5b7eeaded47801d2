package connection

import (
	"time"

	"depthflow/internal/model"
)

// Class separates public market data sockets from authenticated ones.
type Class int8

const (
	Public Class = iota
	Private
)

func (c Class) String() string {
	if c == Private {
		return "private"
	}
	return "public"
}

// Key identifies one managed socket.
type Key struct {
	Exchange model.Exchange
	Class    Class
}

func (k Key) String() string {
	return k.Exchange.Key() + ":" + k.Class.String()
}

type State int8

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Connected
	Backoff
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the manager will never connect again.
func (s State) Terminal() bool {
	return s == Failed || s == Closed
}

// Status is a copy of the manager's state for readers.
type Status struct {
	Key           Key
	State         State
	Attempts      int
	Sessions      int
	LastHeartbeat time.Time
	LastConnected time.Time
	Topics        []string
	Err           error
}
