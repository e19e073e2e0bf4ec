// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol marks references to unregistered event names or
	// types and malformed values. It aborts one exchange and never
	// closes a link.
	ErrProtocol = errors.New("protocol error")

	// ErrPermission marks a subscribe or request denied by a
	// permission check. Only the requester sees it.
	ErrPermission = errors.New("permission denied")

	// ErrDuplicateRegistration marks a second registration of the same
	// name, type, subscribable event, or link handler. It is a
	// programmer error and is never retried.
	ErrDuplicateRegistration = errors.New("duplicate registration")

	// ErrTimeout marks a replay handler, provider call, or request that
	// did not finish before its deadline. Committed state is left as it
	// was before the call.
	ErrTimeout = errors.New("timed out")
)

// ProtocolError reports a reference to an unknown event name or type,
// or a value that cannot be decoded as its registered type.
type ProtocolError struct {
	// Name is the wire name involved, when known.
	Name string
	// Reason describes what was wrong.
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Name == "" {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error for %q: %s", e.Name, e.Reason)
}

// Unwrap lets errors.Is match ErrProtocol.
func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// Wire error codes carried in response frames.
const (
	CodeProtocol   = "protocol"
	CodePermission = "permission"
	CodeTimeout    = "timeout"
	CodeInternal   = "internal"
)

// ErrorCode returns the wire code for err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrProtocol):
		return CodeProtocol
	case errors.Is(err, ErrPermission):
		return CodePermission
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// RemoteError is a failure reported by the other end of a link in
// response to a request.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s error: %s", e.Code, e.Message)
}

// Is maps the wire code back to the matching sentinel.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case CodeProtocol:
		return target == ErrProtocol
	case CodePermission:
		return target == ErrPermission
	case CodeTimeout:
		return target == ErrTimeout
	}
	return false
}
