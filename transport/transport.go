// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"net/http"
)

// Listener accepts inbound HTTP connections. The controller serves its
// websocket endpoint and metrics through one Listener.
type Listener interface {
	// Serve starts accepting connections and dispatches to handler.
	// Blocks until ctx is cancelled or Close is called. Returns nil
	// on clean shutdown.
	Serve(ctx context.Context, handler http.Handler) error

	// Address returns the address peers connect to, in host:port form.
	Address() string

	// Close shuts down the listener. Subsequent calls to Serve return
	// immediately.
	Close() error
}

// Dialer opens the network connection a Connector runs its websocket
// over.
type Dialer interface {
	// DialContext opens a connection to address (host:port).
	DialContext(ctx context.Context, address string) (net.Conn, error)
}
