// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clusterio/clusterio-sub000/lib/clock"
	"github.com/clusterio/clusterio-sub000/lib/link"
	"github.com/clusterio/clusterio-sub000/lib/protocol"
)

// Handle identifies a registered callback for Unsubscribe and
// UnsubscribeFromChannel.
type Handle uint64

// ClientConfig configures a Client. Registry is required.
type ClientConfig struct {
	Registry *protocol.Registry
	Clock    clock.Clock
	Logger   *slog.Logger
}

type callback[T any] struct {
	handle Handle
	fn     func(T)
}

// Client subscribes to one event type T on a controller link and
// dispatches received events to local callbacks. Callbacks run one at
// a time on the link's reader (or, for replays, on the goroutine that
// triggered the subscription update). They must not wait for a
// response on the same link.
type Client[T any] struct {
	name     string
	event    *protocol.Entry
	registry *protocol.Registry
	clock    clock.Clock
	logger   *slog.Logger

	// syncMu serializes subscription updates so the last request sent
	// reflects the settled callback state.
	syncMu sync.Mutex
	// dispatchMu serializes callback invocation.
	dispatchMu sync.Mutex

	mu           sync.Mutex
	link         *link.Link
	cancelResume func()
	// installed holds the open links carrying this client's event
	// handler.
	installed     map[*link.Link]struct{}
	stale         bool
	nextHandle    Handle
	unconditional []callback[T]
	channels      map[protocol.Channel][]callback[T]
	// channelOrder keeps channels in first-subscribed order.
	channelOrder     []protocol.Channel
	lastResponse     T
	haveResponse     bool
	lastResponseTime int64
}

// NewClient creates a client for the event type T, which must be
// registered.
func NewClient[T any](config ClientConfig) (*Client[T], error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("subscription: ClientConfig.Registry is required")
	}
	name, err := protocol.NameOf[T](config.Registry)
	if err != nil {
		return nil, err
	}
	event, _ := config.Registry.Lookup(name)
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client[T]{
		name:      name,
		event:     event,
		registry:  config.Registry,
		clock:     config.Clock,
		logger:    config.Logger.With("event", name),
		channels:  make(map[protocol.Channel][]callback[T]),
		installed: make(map[*link.Link]struct{}),
	}, nil
}

// EventName returns the registered name of T.
func (c *Client[T]) EventName() string { return c.name }

// Subscribe registers fn for every event of type T and updates the
// controller-side subscription. The callback stays registered even if
// the update fails; it is retried on the next connect.
func (c *Client[T]) Subscribe(ctx context.Context, fn func(T)) (Handle, error) {
	c.mu.Lock()
	c.nextHandle++
	handle := c.nextHandle
	c.unconditional = append(c.unconditional, callback[T]{handle: handle, fn: fn})
	c.mu.Unlock()
	return handle, c.update(ctx)
}

// Unsubscribe removes a callback registered with Subscribe. An unknown
// handle returns ErrHandlerNotFound without contacting the controller.
func (c *Client[T]) Unsubscribe(ctx context.Context, handle Handle) error {
	c.mu.Lock()
	remaining, found := removeCallback(c.unconditional, handle)
	if !found {
		c.mu.Unlock()
		return fmt.Errorf("%w: handle %d for %q", ErrHandlerNotFound, handle, c.name)
	}
	c.unconditional = remaining
	c.mu.Unlock()
	return c.update(ctx)
}

// SubscribeToChannel registers fn for events of type T on channel.
func (c *Client[T]) SubscribeToChannel(ctx context.Context, channel protocol.Channel, fn func(T)) (Handle, error) {
	c.mu.Lock()
	c.nextHandle++
	handle := c.nextHandle
	if _, exists := c.channels[channel]; !exists {
		c.channelOrder = append(c.channelOrder, channel)
	}
	c.channels[channel] = append(c.channels[channel], callback[T]{handle: handle, fn: fn})
	c.mu.Unlock()
	return handle, c.update(ctx)
}

// UnsubscribeFromChannel removes a callback registered with
// SubscribeToChannel. Removing the last callback of a channel drops the
// channel from the subscription.
func (c *Client[T]) UnsubscribeFromChannel(ctx context.Context, channel protocol.Channel, handle Handle) error {
	c.mu.Lock()
	remaining, found := removeCallback(c.channels[channel], handle)
	if !found {
		c.mu.Unlock()
		return fmt.Errorf("%w: handle %d on channel %s of %q", ErrHandlerNotFound, handle, channel, c.name)
	}
	if len(remaining) == 0 {
		delete(c.channels, channel)
		for i, existing := range c.channelOrder {
			if existing == channel {
				c.channelOrder = append(c.channelOrder[:i:i], c.channelOrder[i+1:]...)
				break
			}
		}
	} else {
		c.channels[channel] = remaining
	}
	c.mu.Unlock()
	return c.update(ctx)
}

func removeCallback[T any](callbacks []callback[T], handle Handle) ([]callback[T], bool) {
	for i, cb := range callbacks {
		if cb.handle == handle {
			return append(callbacks[:i:i], callbacks[i+1:]...), true
		}
	}
	return callbacks, false
}

// ConnectControl binds the client to a controller link. Binding the
// link it is already bound to does nothing. Otherwise the event
// handler is installed on l unless an earlier bind installed it, and
// the subscription is sent at once, which is how a fresh link
// re-establishes the desired subscription and catches up through the
// replay. Any other handler for the event on l is an error.
func (c *Client[T]) ConnectControl(ctx context.Context, l *link.Link) error {
	c.mu.Lock()
	if c.link == l {
		c.mu.Unlock()
		return nil
	}
	_, installed := c.installed[l]
	if !installed {
		if err := l.Handle(c.name, c.handleEvent); err != nil {
			c.mu.Unlock()
			return err
		}
		c.installed[l] = struct{}{}
	}
	if c.cancelResume != nil {
		c.cancelResume()
	}
	c.link = l
	c.cancelResume = l.Observe(link.EventResume, func(link.Event) { c.resumed(l) })
	c.mu.Unlock()

	// Outside mu: this fires at once if l is already closed.
	if !installed {
		l.Observe(link.EventClose, func(link.Event) {
			c.mu.Lock()
			delete(c.installed, l)
			c.mu.Unlock()
		})
	}
	return c.update(ctx)
}

// resumed re-sends the subscription if a change was skipped while the
// link was dropped. It runs on the goroutine that attached the
// transport, so the request is sent from a new goroutine.
func (c *Client[T]) resumed(l *link.Link) {
	c.mu.Lock()
	stale := c.stale && c.link == l
	c.mu.Unlock()
	if !stale {
		return
	}
	go func() {
		if err := c.update(context.Background()); err != nil {
			c.logger.Warn("re-sending subscription after resume", "error", err)
		}
	}()
}

// Request returns the SubscriptionRequest that reflects the current
// callbacks.
func (c *Client[T]) Request() protocol.SubscriptionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestLocked()
}

func (c *Client[T]) requestLocked() protocol.SubscriptionRequest {
	channels := make([]protocol.Channel, len(c.channelOrder))
	copy(channels, c.channelOrder)
	return protocol.NewSubscriptionRequest(c.name, len(c.unconditional) > 0, channels, c.lastResponseTime)
}

func (c *Client[T]) update(ctx context.Context) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.mu.Lock()
	l := c.link
	if l == nil || !l.Connected() {
		c.stale = true
		c.mu.Unlock()
		return nil
	}
	request := c.requestLocked()
	c.stale = false
	c.mu.Unlock()

	data, err := l.Request(ctx, request)
	if err != nil {
		c.mu.Lock()
		c.stale = true
		c.mu.Unlock()
		return fmt.Errorf("updating subscription to %q: %w", c.name, err)
	}
	response, err := protocol.DecodeResponse(c.registry, data)
	if err != nil {
		return err
	}
	if response.EventReplay == nil {
		return nil
	}
	event, ok := response.EventReplay.(T)
	if !ok {
		return &protocol.ProtocolError{Name: c.name, Reason: fmt.Sprintf("replay of type %T", response.EventReplay)}
	}
	c.dispatch(event)
	return nil
}

func (c *Client[T]) handleEvent(_ context.Context, value any) (any, error) {
	event, ok := value.(T)
	if !ok {
		return nil, &protocol.ProtocolError{Name: c.name, Reason: fmt.Sprintf("unexpected payload %T", value)}
	}
	c.dispatch(event)
	return nil, nil
}

// dispatch delivers a live or replayed event to callbacks: every
// unconditional callback first, then the callbacks of the event's
// channel.
func (c *Client[T]) dispatch(event T) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	timestamp := clock.UnixMilli(c.clock)
	if stamped, ok := any(event).(protocol.Timestamped); ok {
		timestamp = stamped.Timestamp()
	}
	channel, hasChannel := c.event.ChannelOf(event)

	c.mu.Lock()
	c.lastResponse = event
	c.haveResponse = true
	if timestamp > c.lastResponseTime {
		c.lastResponseTime = timestamp
	}
	targets := make([]func(T), 0, len(c.unconditional))
	for _, cb := range c.unconditional {
		targets = append(targets, cb.fn)
	}
	if hasChannel {
		for _, cb := range c.channels[channel] {
			targets = append(targets, cb.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range targets {
		fn(event)
	}
}

// LastResponse returns the most recently dispatched event.
func (c *Client[T]) LastResponse() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResponse, c.haveResponse
}

// LastResponseTime returns the timestamp of the newest dispatched
// event in epoch milliseconds; it is sent as LastRequestTime so the
// controller replays only what is newer.
func (c *Client[T]) LastResponseTime() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResponseTime
}
