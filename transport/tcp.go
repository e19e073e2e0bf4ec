// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Compile-time interface checks.
var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener serves HTTP over a TCP listener.
type TCPListener struct {
	listener net.Listener
	server   *http.Server
}

// NewTCPListener creates a listener on the specified address (e.g.,
// ":8080" or "10.0.0.5:8080"). Use ":0" for a random available port.
func NewTCPListener(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{
		listener: listener,
		server:   &http.Server{ReadHeaderTimeout: 30 * time.Second},
	}, nil
}

// Serve starts accepting connections and dispatches to handler.
// Blocks until ctx is cancelled or Close is called. Websocket
// connections are hijacked and outlive the server's timeouts.
func (l *TCPListener) Serve(ctx context.Context, handler http.Handler) error {
	l.server.Handler = handler

	stop := context.AfterFunc(ctx, func() { l.server.Close() })
	defer stop()

	err := l.server.Serve(l.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Address returns the TCP address in "host:port" format.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the listener.
func (l *TCPListener) Close() error {
	err := l.server.Close()
	l.listener.Close()
	return err
}

// TCPDialer opens TCP connections for a Connector.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a TCP connection to be
	// established. Zero means no standalone timeout: only the context
	// deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to the given address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}
