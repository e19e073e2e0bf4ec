// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clusterio/clusterio-sub000/lib/clock"
	"github.com/clusterio/clusterio-sub000/lib/codec"
	"github.com/clusterio/clusterio-sub000/lib/protocol"
)

// Transport writes encoded frames to the peer. WriteFrame is only ever
// called from a single goroutine. The transport owner feeds inbound
// frames to Link.Receive and reports failure through Link.Detach.
type Transport interface {
	WriteFrame(data []byte) error
	Close() error
}

// HandlerFunc processes an inbound event or request. For requests the
// returned value (nil or a registered type) becomes the response and a
// returned error is sent to the requester as a (code, message) pair.
// For events both return values are ignored apart from logging.
//
// The context is cancelled when the link closes.
type HandlerFunc func(ctx context.Context, value any) (any, error)

// Default values for zero Config fields.
const (
	DefaultQueueSize      = 1024
	DefaultAckDelay       = 50 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
)

// ackBatch is how many unacknowledged inbound data frames trigger an
// immediate ack instead of waiting for AckDelay. It keeps a fast
// peer's unacknowledged count far below QueueSize during bursts.
const ackBatch = 32

// Config configures a Link. Registry is required.
type Config struct {
	Registry *protocol.Registry
	Clock    clock.Clock
	Logger   *slog.Logger

	// QueueSize bounds queued plus unacknowledged outbound data
	// frames. Reaching it closes the link with ErrQueueOverflow. A
	// connected peer acks at least every 32 frames, so only a peer that
	// stops reading or a long drop fills it; values below 64 can trip
	// on bursts from a healthy peer.
	QueueSize int

	// AckDelay is how long the receiver waits for an outbound data
	// frame to piggyback an acknowledgement on before sending a
	// standalone ack frame.
	AckDelay time.Duration

	// RequestTimeout bounds Request when the caller's context has no
	// earlier deadline.
	RequestTimeout time.Duration

	// Principal is the authenticated identity of the remote endpoint,
	// used by permission checks.
	Principal string

	// Local and Remote identify the two endpoints.
	Local  protocol.Address
	Remote protocol.Address
}

type response struct {
	value []byte
	err   error
}

// Link is one endpoint of a resumable message link. All methods are
// safe for concurrent use.
type Link struct {
	registry       *protocol.Registry
	clock          clock.Clock
	logger         *slog.Logger
	queueSize      int
	ackDelay       time.Duration
	requestTimeout time.Duration
	principal      string
	local          protocol.Address
	remote         protocol.Address

	// ctx is cancelled on close and parents every handler context.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	// mu guards everything below up to the observer fields.
	mu        sync.Mutex
	wake      *sync.Cond
	state     State
	closeErr  error
	transport Transport
	// outbound holds data frames not yet written to the current
	// transport; unacked holds frames written but not acknowledged.
	outbound []*frame
	unacked  []*frame
	nextSeq  uint64
	received uint64
	ackSent  uint64
	ackDue   bool
	ackTimer *clock.Timer
	nextID   uint64
	pending  map[uint64]chan response
	events   []Event

	emitMu         sync.Mutex
	observersMu    sync.Mutex
	observers      map[EventKind][]observer
	nextObserver   uint64
	closeDelivered bool
	closeEvent     Event
}

// New creates a link in StateNew and starts its writer goroutine.
// Frames sent before the first Attach are queued.
func New(config Config) *Link {
	if config.Registry == nil {
		panic("link: Config.Registry is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.AckDelay <= 0 {
		config.AckDelay = DefaultAckDelay
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		registry:       config.Registry,
		clock:          config.Clock,
		logger:         config.Logger.With("remote", config.Remote.String()),
		queueSize:      config.QueueSize,
		ackDelay:       config.AckDelay,
		requestTimeout: config.RequestTimeout,
		principal:      config.Principal,
		local:          config.Local,
		remote:         config.Remote,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		handlers:       make(map[string]HandlerFunc),
		pending:        make(map[uint64]chan response),
		observers:      make(map[EventKind][]observer),
	}
	l.wake = sync.NewCond(&l.mu)
	go l.writeLoop()
	return l
}

// Registry returns the registry the link encodes values with.
func (l *Link) Registry() *protocol.Registry { return l.registry }

// Principal returns the authenticated identity of the remote endpoint.
func (l *Link) Principal() string { return l.principal }

// Local returns the address of this endpoint.
func (l *Link) Local() protocol.Address { return l.local }

// Remote returns the address of the peer.
func (l *Link) Remote() protocol.Address { return l.remote }

func (l *Link) String() string {
	return fmt.Sprintf("link(%s->%s)", l.local, l.remote)
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connected reports whether a transport is attached.
func (l *Link) Connected() bool { return l.State() == StateConnected }

// Closed reports whether the link has been closed.
func (l *Link) Closed() bool { return l.State() == StateClosed }

// Done is closed when the link closes.
func (l *Link) Done() <-chan struct{} { return l.done }

// Err returns the close reason, or nil while open or after an orderly
// close.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeErr
}

// Received returns the number of inbound data frames delivered so far.
// The transport handshake sends it to the peer so the peer knows where
// to resume.
func (l *Link) Received() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.received
}

// Handle installs the handler for values registered under name.
// Returns ErrDuplicateRegistration if the name already has a handler
// on this link.
func (l *Link) Handle(name string, handler HandlerFunc) error {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	if _, exists := l.handlers[name]; exists {
		return fmt.Errorf("%w: handler for %q", protocol.ErrDuplicateRegistration, name)
	}
	l.handlers[name] = handler
	return nil
}

func (l *Link) handler(name string) (HandlerFunc, bool) {
	l.handlersMu.RLock()
	defer l.handlersMu.RUnlock()
	handler, ok := l.handlers[name]
	return handler, ok
}

// Send encodes event and queues it for delivery. Only encoding errors
// are returned; connection faults surface as lifecycle events. Events
// sent on a closed link are discarded.
func (l *Link) Send(event any) error {
	value, err := l.registry.Encode(event)
	if err != nil {
		return err
	}
	l.SendEncoded(value)
	return nil
}

// SendEncoded queues an already encoded envelope as an event. The
// slice must not be modified afterwards; it may be shared between
// links.
func (l *Link) SendEncoded(value []byte) {
	if err := l.enqueue(frameEvent, 0, value, "", ""); err != nil {
		l.logger.Debug("discarding event", "error", err)
	}
}

// Request sends request and waits for the peer's response, returning
// the encoded response value (CBOR null or an envelope). The wait ends
// at the earlier of ctx's deadline and Config.RequestTimeout; either
// yields an error matching protocol.ErrTimeout. Failures reported by
// the peer are returned as *protocol.RemoteError.
func (l *Link) Request(ctx context.Context, request any) ([]byte, error) {
	value, err := l.registry.Encode(request)
	if err != nil {
		return nil, err
	}
	entry, _ := l.registry.EntryOf(request)

	reply := make(chan response, 1)
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.nextID++
	id := l.nextID
	l.pending[id] = reply
	l.mu.Unlock()

	if err := l.enqueue(frameRequest, id, value, "", ""); err != nil {
		l.forget(id)
		return nil, err
	}

	timeout := l.clock.After(l.requestTimeout)
	select {
	case result := <-reply:
		return result.value, result.err
	case <-ctx.Done():
		l.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: request %q: %v", protocol.ErrTimeout, entry.Name, ctx.Err())
		}
		return nil, ctx.Err()
	case <-timeout:
		l.forget(id)
		return nil, fmt.Errorf("%w: request %q after %s", protocol.ErrTimeout, entry.Name, l.requestTimeout)
	}
}

// Call is Request followed by decoding the response value. A response
// without a value returns nil.
func (l *Link) Call(ctx context.Context, request any) (any, error) {
	data, err := l.Request(ctx, request)
	if err != nil {
		return nil, err
	}
	return l.registry.DecodeOptional(data)
}

func (l *Link) forget(id uint64) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

func (l *Link) enqueue(kind frameKind, id uint64, value []byte, code, message string) error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return ErrClosed
	}
	if len(l.outbound)+len(l.unacked) >= l.queueSize {
		l.mu.Unlock()
		l.logger.Error("outbound queue full, closing link", "queue_size", l.queueSize)
		l.closeWith(ErrQueueOverflow)
		return ErrQueueOverflow
	}
	l.nextSeq++
	l.outbound = append(l.outbound, &frame{
		Kind:    kind,
		Seq:     l.nextSeq,
		ID:      id,
		Value:   value,
		Code:    code,
		Message: message,
	})
	l.wake.Signal()
	l.mu.Unlock()
	return nil
}

// writeLoop is the only goroutine that writes to a transport, which
// keeps outbound frames in sequence order.
func (l *Link) writeLoop() {
	for {
		l.mu.Lock()
		for l.state != StateClosed && (l.transport == nil || (len(l.outbound) == 0 && !l.ackDue)) {
			l.wake.Wait()
		}
		if l.state == StateClosed {
			l.mu.Unlock()
			return
		}

		transport := l.transport
		var out frame
		if len(l.outbound) > 0 {
			next := l.outbound[0]
			l.outbound[0] = nil
			l.outbound = l.outbound[1:]
			l.unacked = append(l.unacked, next)
			out = *next
		} else {
			out = frame{Kind: frameAck}
		}
		out.Ack = l.received
		l.ackSent = l.received
		l.ackDue = false
		l.mu.Unlock()

		data, err := codec.Marshal(out)
		if err != nil {
			// Values are encoded before queueing, so this is a bug.
			l.logger.Error("encoding frame", "kind", out.Kind, "error", err)
			continue
		}
		if err := transport.WriteFrame(data); err != nil {
			l.Detach(transport, err)
		}
	}
}

// Attach connects the link to a live transport. peerReceived is the
// peer's count of data frames received from this link, learned during
// the transport handshake: frames up to it are discarded and the rest
// are retransmitted ahead of anything queued since.
//
// Attaching to a closed link closes t and returns ErrClosed.
func (l *Link) Attach(t Transport, peerReceived uint64) error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		t.Close()
		return ErrClosed
	}
	if peerReceived > l.nextSeq {
		l.mu.Unlock()
		t.Close()
		return fmt.Errorf("peer acknowledged %d frames but only %d were sent", peerReceived, l.nextSeq)
	}

	replaced := l.transport
	l.transport = t
	l.trimAckedLocked(peerReceived)
	if len(l.unacked) > 0 {
		l.outbound = append(l.unacked, l.outbound...)
		l.unacked = nil
	}
	// The handshake told the peer our received count.
	l.ackSent = l.received

	switch l.state {
	case StateNew:
		l.emitLocked(EventConnect, nil)
	case StateDropped:
		l.emitLocked(EventResume, nil)
	case StateConnected:
		l.emitLocked(EventDrop, errors.New("transport replaced"))
		l.emitLocked(EventResume, nil)
	}
	l.state = StateConnected
	l.wake.Broadcast()
	retransmit := len(l.outbound)
	l.mu.Unlock()

	if replaced != nil && replaced != t {
		replaced.Close()
	}
	l.logger.Debug("transport attached", "peer_received", peerReceived, "queued", retransmit)
	l.flushEvents()
	return nil
}

// Detach reports that t failed. The link moves to StateDropped and
// keeps queueing. Detaching a transport that is no longer the current
// one does nothing.
func (l *Link) Detach(t Transport, err error) {
	l.mu.Lock()
	if l.state == StateClosed || l.transport != t || t == nil {
		l.mu.Unlock()
		return
	}
	l.transport = nil
	l.state = StateDropped
	l.stopAckTimerLocked()
	l.emitLocked(EventDrop, err)
	l.mu.Unlock()

	t.Close()
	l.logger.Info("link dropped", "error", err)
	l.flushEvents()
}

// Receive processes one inbound frame. The transport owner calls it
// sequentially from a single reader.
func (l *Link) Receive(data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		l.logger.Warn("discarding malformed frame", "error", err)
		return
	}

	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.trimAckedLocked(f.Ack)
	if f.Kind == frameAck {
		l.mu.Unlock()
		return
	}
	if f.Seq <= l.received {
		l.mu.Unlock()
		l.logger.Debug("discarding duplicate frame", "seq", f.Seq)
		return
	}
	if f.Seq != l.received+1 {
		expected := l.received + 1
		l.mu.Unlock()
		l.logger.Error("frame sequence gap, closing link", "seq", f.Seq, "expected", expected)
		l.closeWith(fmt.Errorf("frame sequence gap: got %d, expected %d", f.Seq, expected))
		return
	}
	l.received = f.Seq
	l.scheduleAckLocked()
	l.mu.Unlock()

	switch f.Kind {
	case frameEvent:
		l.handleEvent(f)
	case frameRequest:
		go l.handleRequest(f)
	case frameResponse:
		l.handleResponse(f)
	}
}

func (l *Link) trimAckedLocked(ack uint64) {
	drop := 0
	for drop < len(l.unacked) && l.unacked[drop].Seq <= ack {
		drop++
	}
	if drop > 0 {
		l.unacked = append(l.unacked[:0:0], l.unacked[drop:]...)
	}
	drop = 0
	for drop < len(l.outbound) && l.outbound[drop].Seq <= ack {
		drop++
	}
	if drop > 0 {
		l.outbound = append(l.outbound[:0:0], l.outbound[drop:]...)
	}
}

func (l *Link) scheduleAckLocked() {
	if l.transport != nil && l.received-l.ackSent >= ackBatch {
		l.ackDue = true
		l.wake.Signal()
	}
	if l.ackTimer != nil {
		return
	}
	l.ackTimer = l.clock.AfterFunc(l.ackDelay, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.ackTimer = nil
		if l.transport != nil && l.received > l.ackSent {
			l.ackDue = true
			l.wake.Signal()
		}
	})
}

func (l *Link) stopAckTimerLocked() {
	if l.ackTimer != nil {
		l.ackTimer.Stop()
		l.ackTimer = nil
	}
	l.ackDue = false
}

func (l *Link) handleEvent(f frame) {
	value, entry, err := l.registry.DecodeNamed(f.Value)
	if err != nil {
		l.logger.Warn("discarding undecodable event", "error", err)
		return
	}
	handler, ok := l.handler(entry.Name)
	if !ok {
		l.logger.Warn("no handler for event", "event", entry.Name)
		return
	}
	if _, err := handler(l.ctx, value); err != nil {
		l.logger.Warn("event handler failed", "event", entry.Name, "error", err)
	}
}

func (l *Link) handleRequest(f frame) {
	result, err := l.serve(f)
	var value []byte
	if err == nil {
		value, err = l.registry.EncodeOptional(result)
	}
	if err != nil {
		if err := l.enqueue(frameResponse, f.ID, nil, protocol.ErrorCode(err), err.Error()); err != nil {
			l.logger.Debug("discarding error response", "error", err)
		}
		return
	}
	if err := l.enqueue(frameResponse, f.ID, value, "", ""); err != nil {
		l.logger.Debug("discarding response", "error", err)
	}
}

func (l *Link) serve(f frame) (any, error) {
	value, entry, err := l.registry.DecodeNamed(f.Value)
	if err != nil {
		l.logger.Warn("rejecting undecodable request", "error", err)
		return nil, err
	}
	handler, ok := l.handler(entry.Name)
	if !ok {
		return nil, &protocol.ProtocolError{Name: entry.Name, Reason: "no handler on this link"}
	}
	return handler(l.ctx, value)
}

func (l *Link) handleResponse(f frame) {
	l.mu.Lock()
	reply, ok := l.pending[f.ID]
	delete(l.pending, f.ID)
	l.mu.Unlock()
	if !ok {
		l.logger.Debug("response for unknown request", "id", f.ID)
		return
	}
	if f.Code != "" {
		reply <- response{err: &protocol.RemoteError{Code: f.Code, Message: f.Message}}
		return
	}
	value := f.Value
	if len(value) == 0 {
		value = codec.Null()
	}
	reply <- response{value: value}
}

// Close closes the link: the transport is closed, queued frames are
// discarded, pending requests fail with ErrClosed, handler contexts are
// cancelled, and close observers run. Closing twice does nothing.
func (l *Link) Close() {
	l.closeWith(nil)
}

func (l *Link) closeWith(reason error) {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = StateClosed
	l.closeErr = reason
	transport := l.transport
	l.transport = nil
	pending := l.pending
	l.pending = make(map[uint64]chan response)
	l.outbound = nil
	l.unacked = nil
	l.stopAckTimerLocked()
	l.emitLocked(EventClose, reason)
	close(l.done)
	l.wake.Broadcast()
	l.mu.Unlock()

	l.cancel()
	if transport != nil {
		transport.Close()
	}
	for _, reply := range pending {
		reply <- response{err: ErrClosed}
	}
	if reason != nil {
		l.logger.Warn("link closed", "error", reason)
	} else {
		l.logger.Debug("link closed")
	}
	l.flushEvents()
}
