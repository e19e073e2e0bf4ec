// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clusterio/clusterio-sub000/lib/clock"
	"github.com/clusterio/clusterio-sub000/lib/link"
	"github.com/clusterio/clusterio-sub000/lib/netutil"
	"github.com/clusterio/clusterio-sub000/lib/protocol"
)

var errConnectionEnded = errors.New("connection ended")

// DefaultResumeTimeout is how long a dropped link waits for its peer
// before the server closes it.
const DefaultResumeTimeout = 2 * time.Minute

// ServerConfig configures a WebSocketHandler. Accept is required.
type ServerConfig struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// Address is sent to peers in every Welcome.
	Address protocol.Address

	// Accept returns the configuration for a new link to the peer that
	// sent hello. Returning an error refuses the connection; the peer
	// sees the message in Welcome.Error.
	Accept func(hello Hello) (link.Config, error)

	// OnLink is called once for every new link, before its transport
	// is attached and before any frame is read. Install handlers and
	// lifecycle observers here.
	OnLink func(l *link.Link, hello Hello)

	Compressor       Compressor
	ResumeTimeout    time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// CheckOrigin is passed to the websocket upgrader. Nil accepts
	// requests without an Origin header and same-host origins.
	CheckOrigin func(r *http.Request) bool
}

// WebSocketHandler accepts link connections over websockets and
// resumes dropped links by session id. It implements http.Handler.
type WebSocketHandler struct {
	config   ServerConfig
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// session is one server-side link and its current connection.
type session struct {
	id        string
	link      *link.Link
	principal string

	// Guarded by WebSocketHandler.mu.
	transport   *wsTransport
	readerDone  chan struct{}
	resumeTimer *clock.Timer
}

// NewWebSocketHandler creates a handler. Panics if Accept is nil.
func NewWebSocketHandler(config ServerConfig) *WebSocketHandler {
	if config.Accept == nil {
		panic("transport: ServerConfig.Accept is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ResumeTimeout <= 0 {
		config.ResumeTimeout = DefaultResumeTimeout
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &WebSocketHandler{
		config: config,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: config.HandshakeTimeout,
			CheckOrigin:      config.CheckOrigin,
		},
		sessions: make(map[string]*session),
	}
}

// ServeHTTP upgrades the request and serves the link until the
// connection fails.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.config.Logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	logger := h.config.Logger.With("remote_addr", r.RemoteAddr)

	var hello Hello
	if err := readHandshake(conn, &hello, h.config.HandshakeTimeout); err != nil {
		logger.Warn("reading hello failed", "error", err)
		conn.Close()
		return
	}

	t := newTransport(conn, h.config.Compressor, h.config.WriteTimeout)
	s, peerReceived, err := h.bind(hello, t, logger)
	if err != nil {
		logger.Warn("connection refused", "principal", hello.Principal, "address", hello.Address.String(), "error", err)
		writeHandshake(conn, Welcome{Address: h.config.Address, Error: err.Error()}, h.config.HandshakeTimeout)
		t.Close()
		return
	}

	welcome := Welcome{Session: s.id, Received: s.link.Received(), Address: h.config.Address}
	if err := writeHandshake(conn, welcome, h.config.HandshakeTimeout); err != nil {
		logger.Warn("writing welcome failed", "session", s.id, "error", err)
		h.finishReader(s, t)
		return
	}
	if err := s.link.Attach(t, peerReceived); err != nil {
		logger.Warn("attaching transport failed, closing link", "session", s.id, "error", err)
		s.link.Close()
		h.finishReader(s, t)
		return
	}

	err = t.readLoop(s.link)
	if netutil.IsExpectedCloseError(err) {
		logger.Debug("connection ended", "session", s.id, "error", err)
	} else {
		logger.Info("connection failed", "session", s.id, "error", err)
	}
	h.finishReader(s, t)
}

// bind finds or creates the session for hello and makes t its current
// transport. The returned count is the peer's received count to attach
// with.
func (h *WebSocketHandler) bind(hello Hello, t *wsTransport, logger *slog.Logger) (*session, uint64, error) {
	if s, ok := h.resumable(hello); ok {
		if s.principal != hello.Principal {
			return nil, 0, fmt.Errorf("%w: session %s belongs to a different principal", ErrRejected, s.id)
		}
		if err := h.takeOver(s, t); err != nil {
			return nil, 0, err
		}
		logger.Info("resuming link", "session", s.id, "peer_received", hello.Received)
		return s, hello.Received, nil
	}

	config, err := h.config.Accept(hello)
	if err != nil {
		return nil, 0, err
	}
	l := link.New(config)
	s := &session{
		id:         uuid.NewString(),
		link:       l,
		principal:  config.Principal,
		transport:  t,
		readerDone: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		l.Close()
		return nil, 0, fmt.Errorf("%w: server is shutting down", ErrRejected)
	}
	h.sessions[s.id] = s
	h.mu.Unlock()

	l.Observe(link.EventClose, func(link.Event) { h.forget(s) })
	if h.config.OnLink != nil {
		h.config.OnLink(l, hello)
	}
	logger.Info("new link", "session", s.id, "principal", config.Principal, "address", config.Remote.String())
	return s, 0, nil
}

func (h *WebSocketHandler) resumable(hello Hello) (*session, bool) {
	if hello.Session == "" {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[hello.Session]
	if !ok || s.link.Closed() {
		return nil, false
	}
	return s, true
}

// takeOver replaces the session's connection with t. The previous
// connection is closed and its reader finished before t is installed,
// so every frame it delivered is counted in the link's received total.
func (h *WebSocketHandler) takeOver(s *session, t *wsTransport) error {
	h.mu.Lock()
	previous := s.transport
	previousDone := s.readerDone
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
		s.resumeTimer = nil
	}
	h.mu.Unlock()

	if previous != nil {
		previous.Close()
		<-previousDone
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
		s.resumeTimer = nil
	}
	if s.link.Closed() {
		return fmt.Errorf("%w: session %s closed while resuming", ErrRejected, s.id)
	}
	if s.transport != previous {
		return fmt.Errorf("%w: session %s resumed concurrently", ErrRejected, s.id)
	}
	s.transport = t
	s.readerDone = make(chan struct{})
	return nil
}

// finishReader records that the reader of t has exited and, if t is
// still the session's connection, arms the resume timer.
func (h *WebSocketHandler) finishReader(s *session, t *wsTransport) {
	t.Close()
	h.mu.Lock()
	if s.transport != t {
		h.mu.Unlock()
		return
	}
	close(s.readerDone)
	h.mu.Unlock()

	s.link.Detach(t, errConnectionEnded)

	h.mu.Lock()
	defer h.mu.Unlock()
	if s.transport != t || s.link.Closed() || h.closed {
		return
	}
	s.resumeTimer = h.config.Clock.AfterFunc(h.config.ResumeTimeout, func() {
		h.mu.Lock()
		expired := s.transport == t
		h.mu.Unlock()
		if expired {
			h.config.Logger.Info("resume timeout, closing link", "session", s.id)
			s.link.Close()
		}
	})
}

func (h *WebSocketHandler) forget(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.id] == s {
		delete(h.sessions, s.id)
	}
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
		s.resumeTimer = nil
	}
}

// Sessions returns the number of links the handler holds, connected or
// awaiting resume.
func (h *WebSocketHandler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close closes every link and refuses further connections.
func (h *WebSocketHandler) Close() {
	h.mu.Lock()
	h.closed = true
	links := make([]*link.Link, 0, len(h.sessions))
	for _, s := range h.sessions {
		links = append(links, s.link)
	}
	h.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
}
