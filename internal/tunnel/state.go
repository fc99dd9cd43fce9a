package tunnel

import (
	"errors"
	"fmt"
)

// State is a tunnel's lifecycle position. Transitions only move forward:
// Created → Handshaking → Ready → Closed, with Failed reachable from any
// state before Closed.
type State int32

const (
	Created State = iota
	Handshaking
	Ready
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Closed || s == Failed }

// canMove reports whether s → next is a legal forward transition.
func (s State) canMove(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == Failed {
		return true
	}
	return next > s
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	// ErrNotReady is returned by Send before the tunnel is ready or after
	// its transport went away.
	ErrNotReady = errors.New("tunnel: not ready")

	// ErrClosed is returned by Create when the tunnel was closed locally
	// while its handshake was in flight.
	ErrClosed = errors.New("tunnel: closed")

	errPongTimeout = errors.New("no pong within keepalive timeout")
)

// TransportError is an abrupt loss of the link to the entry relay.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("tunnel: transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamConnectError carries the reason the exit relay could not connect
// to the target.
type UpstreamConnectError struct {
	Message string
}

func (e *UpstreamConnectError) Error() string { return "tunnel: upstream connect failed: " + e.Message }

// CryptoError is a data frame that failed authentication. It fails the
// whole tunnel.
type CryptoError struct {
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("tunnel: %v", e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }
