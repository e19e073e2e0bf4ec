// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clusterio/clusterio-sub000/lib/clock"
	"github.com/clusterio/clusterio-sub000/lib/link"
	"github.com/clusterio/clusterio-sub000/lib/protocol"
)

// ReplayFunc computes the catch-up value for a (re)subscribing peer:
// the state it missed since request.LastRequestTime, as a registered
// value, or nil when there is nothing to replay. source is the
// requesting endpoint and destination is this one.
type ReplayFunc func(ctx context.Context, request protocol.SubscriptionRequest, source, destination protocol.Address) (any, error)

// DefaultReplayTimeout bounds a replay function when
// BrokerConfig.ReplayTimeout is zero.
const DefaultReplayTimeout = 10 * time.Second

// BrokerConfig configures a Broker. Registry is required.
type BrokerConfig struct {
	Registry      *protocol.Registry
	Clock         clock.Clock
	Logger        *slog.Logger
	ReplayTimeout time.Duration
	Metrics       *Metrics
}

// entry is one link's subscription to one event type. Entries are
// replaced, never modified, so a broadcast snapshot can read them
// without holding the lock.
type entry struct {
	all      bool
	channels map[protocol.Channel]struct{}
}

func (e *entry) covers(channel protocol.Channel, hasChannel bool) bool {
	if e.all {
		return true
	}
	if !hasChannel {
		return false
	}
	_, ok := e.channels[channel]
	return ok
}

type topic struct {
	event       *protocol.Entry
	replay      ReplayFunc
	subscribers map[*link.Link]*entry
}

// Broker tracks which links subscribe to which channels of each
// registered event type and fans events out to them.
type Broker struct {
	registry      *protocol.Registry
	clock         clock.Clock
	logger        *slog.Logger
	replayTimeout time.Duration
	metrics       *Metrics

	mu     sync.RWMutex
	topics map[string]*topic
	// observed holds every link that has had a close observer
	// installed.
	observed map[*link.Link]struct{}
}

// NewBroker creates a broker with no subscribable events.
func NewBroker(config BrokerConfig) *Broker {
	if config.Registry == nil {
		panic("subscription: BrokerConfig.Registry is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ReplayTimeout <= 0 {
		config.ReplayTimeout = DefaultReplayTimeout
	}
	return &Broker{
		registry:      config.Registry,
		clock:         config.Clock,
		logger:        config.Logger,
		replayTimeout: config.ReplayTimeout,
		metrics:       config.Metrics,
		topics:        make(map[string]*topic),
		observed:      make(map[*link.Link]struct{}),
	}
}

// Register makes the event registered under name subscribable. replay
// may be nil. Registering a name twice returns
// protocol.ErrDuplicateRegistration; a name missing from the registry
// is a protocol error.
func (b *Broker) Register(name string, replay ReplayFunc) error {
	event, ok := b.registry.Lookup(name)
	if !ok {
		return &protocol.ProtocolError{Name: name, Reason: "event is not in the registry"}
	}
	if name == protocol.SubscriptionRequestName {
		return &protocol.ProtocolError{Name: name, Reason: "subscription requests are not subscribable"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.topics[name]; exists {
		return fmt.Errorf("%w: subscribable event %q", protocol.ErrDuplicateRegistration, name)
	}
	b.topics[name] = &topic{
		event:       event,
		replay:      replay,
		subscribers: make(map[*link.Link]*entry),
	}
	return nil
}

// Attach installs the subscription request handler on l.
func (b *Broker) Attach(l *link.Link) error {
	return l.Handle(protocol.SubscriptionRequestName, func(ctx context.Context, value any) (any, error) {
		request, ok := value.(protocol.SubscriptionRequest)
		if !ok {
			return nil, &protocol.ProtocolError{Name: protocol.SubscriptionRequestName, Reason: fmt.Sprintf("unexpected payload %T", value)}
		}
		response, err := b.HandleRequest(ctx, l, request)
		if err != nil {
			return nil, err
		}
		return response.EventReplay, nil
	})
}

// HandleRequest applies a subscription request from l. A subscribing
// entry is installed before the replay runs, so nothing committed while
// the replay reads its snapshot is missed; the subscriber may see such
// a change both live and in the replay. If the replay fails or times
// out the request fails and the previous entry is restored. An
// unsubscribe removes the entry only after its replay succeeds.
func (b *Broker) HandleRequest(ctx context.Context, l *link.Link, request protocol.SubscriptionRequest) (protocol.SubscriptionResponse, error) {
	b.mu.RLock()
	t, ok := b.topics[request.EventName]
	b.mu.RUnlock()
	if !ok {
		return protocol.SubscriptionResponse{}, &protocol.ProtocolError{Name: request.EventName, Reason: "event is not subscribable"}
	}

	logger := b.logger.With("event", request.EventName, "principal", l.Principal(), "remote", l.Remote().String())

	if err := t.event.CheckPermission(l.Principal(), request); err != nil {
		logger.Info("subscription denied", "error", err)
		return protocol.SubscriptionResponse{}, err
	}

	if request.IsUnsubscribe() {
		replay, err := b.runReplay(ctx, t, l, request)
		if err != nil {
			logger.Warn("replay failed", "error", err)
			return protocol.SubscriptionResponse{}, err
		}
		b.mu.Lock()
		_, existed := t.subscribers[l]
		delete(t.subscribers, l)
		count := len(t.subscribers)
		b.mu.Unlock()
		if existed {
			b.metrics.setSubscribers(request.EventName, count)
			logger.Debug("unsubscribed")
		}
		return protocol.SubscriptionResponse{EventReplay: replay}, nil
	}

	channels := make(map[protocol.Channel]struct{}, len(request.Channels))
	for _, channel := range request.Channels {
		channels[channel] = struct{}{}
	}
	installed := &entry{all: request.AllChannels, channels: channels}

	b.mu.Lock()
	previous, hadPrevious := t.subscribers[l]
	t.subscribers[l] = installed
	count := len(t.subscribers)
	_, observed := b.observed[l]
	if !observed {
		b.observed[l] = struct{}{}
	}
	b.mu.Unlock()

	// Observe fires immediately if l closed in the meantime.
	if !observed {
		l.Observe(link.EventClose, func(link.Event) { b.evict(l) })
	}
	b.metrics.setSubscribers(request.EventName, count)

	replay, err := b.runReplay(ctx, t, l, request)
	if err != nil {
		b.mu.Lock()
		// An eviction or a newer request may have replaced the entry.
		if t.subscribers[l] == installed {
			if hadPrevious {
				t.subscribers[l] = previous
			} else {
				delete(t.subscribers, l)
			}
		}
		count = len(t.subscribers)
		b.mu.Unlock()
		b.metrics.setSubscribers(request.EventName, count)
		logger.Warn("replay failed", "error", err)
		return protocol.SubscriptionResponse{}, err
	}

	logger.Debug("subscribed", "all", request.AllChannels, "channels", len(channels))
	return protocol.SubscriptionResponse{EventReplay: replay}, nil
}

var errReplayTimeout = errors.New("replay deadline exceeded")

func (b *Broker) runReplay(ctx context.Context, t *topic, l *link.Link, request protocol.SubscriptionRequest) (any, error) {
	if t.replay == nil {
		return nil, nil
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := b.clock.AfterFunc(b.replayTimeout, func() { cancel(errReplayTimeout) })
	defer timer.Stop()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := t.replay(ctx, request, l.Remote(), l.Local())
		done <- result{value, err}
	}()

	var value any
	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(context.Cause(ctx), errReplayTimeout) {
				b.metrics.replay(request.EventName, "timeout")
				return nil, fmt.Errorf("%w: replay for %q after %s", protocol.ErrTimeout, request.EventName, b.replayTimeout)
			}
			b.metrics.replay(request.EventName, "error")
			return nil, fmt.Errorf("replay for %q: %w", request.EventName, r.err)
		}
		value = r.value
	case <-ctx.Done():
		if errors.Is(context.Cause(ctx), errReplayTimeout) {
			b.metrics.replay(request.EventName, "timeout")
			return nil, fmt.Errorf("%w: replay for %q after %s", protocol.ErrTimeout, request.EventName, b.replayTimeout)
		}
		b.metrics.replay(request.EventName, "cancelled")
		return nil, ctx.Err()
	}

	if value != nil {
		if _, err := b.registry.EntryOf(value); err != nil {
			b.metrics.replay(request.EventName, "error")
			return nil, fmt.Errorf("replay for %q: %w", request.EventName, err)
		}
	}
	b.metrics.replay(request.EventName, "ok")
	return value, nil
}

// Broadcast sends event to every link subscribed to all channels of
// its type or to the event's channel. Links found closed are evicted.
// The event is encoded once and only if some link receives it. A type
// that was not registered with Register is a protocol error.
func (b *Broker) Broadcast(event any) error {
	registered, err := b.registry.EntryOf(event)
	if err != nil {
		return err
	}

	type target struct {
		link  *link.Link
		entry *entry
	}
	b.mu.RLock()
	t, ok := b.topics[registered.Name]
	if !ok {
		b.mu.RUnlock()
		return &protocol.ProtocolError{Name: registered.Name, Reason: "event is not subscribable"}
	}
	targets := make([]target, 0, len(t.subscribers))
	for l, e := range t.subscribers {
		targets = append(targets, target{link: l, entry: e})
	}
	b.mu.RUnlock()

	channel, hasChannel := registered.ChannelOf(event)
	var encoded []byte
	var closing []*link.Link
	delivered := 0
	for _, target := range targets {
		if target.link.Closed() {
			closing = append(closing, target.link)
			continue
		}
		if !target.entry.covers(channel, hasChannel) {
			continue
		}
		if encoded == nil {
			encoded, err = b.registry.Encode(event)
			if err != nil {
				return err
			}
		}
		target.link.SendEncoded(encoded)
		delivered++
	}

	for _, l := range closing {
		b.evict(l)
	}
	b.metrics.broadcast(registered.Name, delivered)
	return nil
}

// evict removes every entry of l across all event types.
func (b *Broker) evict(l *link.Link) {
	b.mu.Lock()
	removed := 0
	counts := make(map[string]int)
	for name, t := range b.topics {
		if _, ok := t.subscribers[l]; ok {
			delete(t.subscribers, l)
			counts[name] = len(t.subscribers)
			removed++
		}
	}
	delete(b.observed, l)
	b.mu.Unlock()

	if removed == 0 {
		return
	}
	for name, count := range counts {
		b.metrics.setSubscribers(name, count)
	}
	b.metrics.evicted(removed)
	b.logger.Debug("evicted closed link", "remote", l.Remote().String(), "entries", removed)
}

// Subscribers returns the number of links subscribed to the named
// event.
func (b *Broker) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[name]
	if !ok {
		return 0
	}
	return len(t.subscribers)
}

// Subscribed reports whether l has an entry for the named event.
func (b *Broker) Subscribed(name string, l *link.Link) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[name]
	if !ok {
		return false
	}
	_, subscribed := t.subscribers[l]
	return subscribed
}
