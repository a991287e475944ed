package server

import (
	"errors"
	"fmt"
)

// ErrForbidden is returned when a mutating tool is invoked while the server
// runs in read-only mode.
var ErrForbidden = errors.New("forbidden: server is in read-only mode")

// UnknownToolError reports dispatch by a name not in the registry. A client
// error, never a crash; raised before any connection work.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// ArgumentError reports a missing or malformed tool argument.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return e.Msg }

func argErrorf(format string, args ...any) *ArgumentError {
	return &ArgumentError{Msg: fmt.Sprintf(format, args...)}
}

// ConnectError wraps a connection-layer failure surfaced to a tool caller.
// The tool body never ran.
type ConnectError struct {
	Cause error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connection failure: %v", e.Cause)
}

func (e *ConnectError) Unwrap() error { return e.Cause }
