// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies connection errors and reads HTTP error
// bodies for the websocket transport.
//
// IsExpectedCloseError separates normal teardown (the peer closed, the
// local side closed, a reset during shutdown) from real failures, so
// callers can log the former at debug level. ErrorBody turns the body
// of a refused websocket upgrade into a bounded diagnostic string.
package netutil
