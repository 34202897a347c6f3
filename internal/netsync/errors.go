package netsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected  = errors.New("netsync: not connected")
	ErrSessionClosed = errors.New("netsync: session closed")
	ErrServerStopped = errors.New("netsync: server stopped")
)

// ProtocolError closes exactly one session. Code is one of the protocol
// error codes.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return "protocol error: " + e.Code
	}
	return fmt.Sprintf("protocol error: %s: %s", e.Code, e.Message)
}

func protoErr(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// DesyncError reports that the local world no longer matches the server.
// The only recovery is a fresh snapshot.
type DesyncError struct {
	Frame    uint32
	Expected uint64
	Got      uint64
	// Cause is set when the desync was detected by something other than a
	// seed comparison, e.g. a trial/commit divergence.
	Cause error
}

func (e *DesyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("desync at frame %d: %v", e.Frame, e.Cause)
	}
	return fmt.Sprintf("desync at frame %d: seed %016x, server %016x", e.Frame, e.Got, e.Expected)
}

func (e *DesyncError) Unwrap() error { return e.Cause }
