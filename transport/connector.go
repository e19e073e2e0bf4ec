// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clusterio/clusterio-sub000/lib/clock"
	"github.com/clusterio/clusterio-sub000/lib/link"
	"github.com/clusterio/clusterio-sub000/lib/netutil"
	"github.com/clusterio/clusterio-sub000/lib/protocol"
	"github.com/clusterio/clusterio-sub000/lib/version"
)

// Reconnect backoff defaults.
const (
	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second
)

// ConnectorConfig configures a Connector. URL and Link.Registry are
// required.
type ConnectorConfig struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// URL is the controller's websocket endpoint (ws:// or wss://).
	URL string

	// Principal, Address, and Name identify this endpoint in the
	// Hello.
	Principal string
	Address   protocol.Address
	Name      string

	// Link is the template for every link the connector creates.
	// Local and Remote are filled in from Address and the Welcome.
	Link link.Config

	// OnLink is called once for every new link, before its transport
	// is attached. It is not called when a link resumes.
	OnLink func(l *link.Link)

	// Dialer opens the TCP connection. Nil uses a TCPDialer.
	Dialer Dialer

	Compressor       Compressor
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
}

// Connector keeps a link to the controller alive: it dials, resumes the
// current link when the controller still holds its session, replaces
// it otherwise, and redials with exponential backoff after failures.
type Connector struct {
	config ConnectorConfig
	dialer websocket.Dialer

	mu      sync.Mutex
	link    *link.Link
	session string
	changed chan struct{}
}

// NewConnector creates a connector. Call Run to start it.
func NewConnector(config ConnectorConfig) *Connector {
	if config.Link.Registry == nil {
		panic("transport: ConnectorConfig.Link.Registry is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Dialer == nil {
		config.Dialer = &TCPDialer{Timeout: DefaultHandshakeTimeout}
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = DefaultMinBackoff
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = max(DefaultMaxBackoff, config.MinBackoff)
	}
	dialer := config.Dialer
	return &Connector{
		config: config,
		dialer: websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
			NetDialContext: func(ctx context.Context, _, address string) (net.Conn, error) {
				return dialer.DialContext(ctx, address)
			},
		},
		changed: make(chan struct{}),
	}
}

// Link returns the current link, or nil before the first successful
// connection.
func (c *Connector) Link() *link.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

// WaitLink blocks until a link is connected or ctx is done.
func (c *Connector) WaitLink(ctx context.Context) (*link.Link, error) {
	for {
		c.mu.Lock()
		current, changed := c.link, c.changed
		c.mu.Unlock()
		if current != nil && current.Connected() {
			return current, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Run connects and reconnects until ctx is cancelled, then closes the
// current link. It returns nil on cancellation.
func (c *Connector) Run(ctx context.Context) error {
	backoff := c.config.MinBackoff
	for {
		connected, err := c.connect(ctx)
		if ctx.Err() != nil {
			if current := c.Link(); current != nil {
				current.Close()
			}
			return nil
		}
		if connected {
			backoff = c.config.MinBackoff
		}
		if connected && netutil.IsExpectedCloseError(err) {
			c.config.Logger.Info("controller connection closed", "url", c.config.URL, "error", err, "retry_in", backoff)
		} else {
			c.config.Logger.Warn("controller connection lost", "url", c.config.URL, "error", err, "retry_in", backoff)
		}

		select {
		case <-c.config.Clock.After(backoff):
		case <-ctx.Done():
			if current := c.Link(); current != nil {
				current.Close()
			}
			return nil
		}
		backoff = min(backoff*2, c.config.MaxBackoff)
	}
}

// connect runs one connection from dial to failure. connected reports
// whether the handshake completed.
func (c *Connector) connect(ctx context.Context) (connected bool, err error) {
	conn, response, err := c.dialer.DialContext(ctx, c.config.URL, http.Header{})
	if err != nil {
		if response != nil {
			body := netutil.ErrorBody(response.Body)
			response.Body.Close()
			return false, fmt.Errorf("dialing %s: %w (HTTP %d: %s)", c.config.URL, err, response.StatusCode, body)
		}
		return false, fmt.Errorf("dialing %s: %w", c.config.URL, err)
	}
	t := newTransport(conn, c.config.Compressor, c.config.WriteTimeout)
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	c.mu.Lock()
	current, session := c.link, c.session
	c.mu.Unlock()
	hello := Hello{
		Principal: c.config.Principal,
		Address:   c.config.Address,
		Name:      c.config.Name,
		Version:   version.Short(),
	}
	if current != nil && !current.Closed() {
		hello.Session = session
		hello.Received = current.Received()
	}

	if err := writeHandshake(conn, hello, c.config.HandshakeTimeout); err != nil {
		t.Close()
		return false, fmt.Errorf("sending hello: %w", err)
	}
	var welcome Welcome
	if err := readHandshake(conn, &welcome, c.config.HandshakeTimeout); err != nil {
		t.Close()
		return false, fmt.Errorf("reading welcome: %w", err)
	}
	if welcome.Error != "" {
		t.Close()
		return false, fmt.Errorf("%w: %s", ErrRejected, welcome.Error)
	}

	target := current
	if hello.Session == "" || welcome.Session != hello.Session {
		if current != nil {
			current.Close()
		}
		config := c.config.Link
		config.Local = c.config.Address
		config.Remote = welcome.Address
		target = link.New(config)
		if c.config.OnLink != nil {
			c.config.OnLink(target)
		}
		c.config.Logger.Info("connected to controller", "session", welcome.Session, "controller", welcome.Address.String())
	} else {
		c.config.Logger.Info("resumed controller link", "session", welcome.Session, "peer_received", welcome.Received)
	}

	c.mu.Lock()
	c.link = target
	c.session = welcome.Session
	c.mu.Unlock()

	if err := target.Attach(t, welcome.Received); err != nil {
		target.Close()
		c.notify()
		return false, fmt.Errorf("attaching link: %w", err)
	}
	c.notify()

	err = t.readLoop(target)
	if target.Closed() {
		if reason := target.Err(); reason != nil {
			err = fmt.Errorf("link closed: %w", reason)
		}
	}
	c.notify()
	return true, err
}

func (c *Connector) notify() {
	c.mu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}
