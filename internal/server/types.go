// Package server defines the connection lifecycle states and small helpers
// shared by client and hub logic.
package server

import "strings"

// connState is the lifecycle of one connection:
// connecting -> authenticated -> joined -> closing -> closed.
type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticated
	stateJoined
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticated:
		return "authenticated"
	case stateJoined:
		return "joined"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
