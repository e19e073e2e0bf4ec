// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/clusterio/clusterio-sub000/lib/clock"
	"github.com/clusterio/clusterio-sub000/lib/protocol"
)

// State is whether a store has unsaved changes.
type State int

const (
	Clean State = iota
	Dirty
)

func (s State) String() string {
	if s == Dirty {
		return "dirty"
	}
	return "clean"
}

// DefaultProviderTimeout bounds provider calls when
// Options.ProviderTimeout is zero.
const DefaultProviderTimeout = 30 * time.Second

// Options configures a Store or RecordStore.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger
	// ProviderTimeout bounds each provider Load or Save. A timed-out
	// call fails with protocol.ErrTimeout and leaves the store as it
	// was.
	ProviderTimeout time.Duration
}

// Change is one entry of a change notification. For deletions Value is
// the value as it was removed (a tombstone for RecordStore).
type Change[K Key, V any] struct {
	Key     K
	Value   V
	Deleted bool
}

// Entry is a key/value pair for SetMany.
type Entry[K Key, V any] struct {
	Key   K
	Value V
}

type storeObserver[K Key, V any] struct {
	id uint64
	fn func([]Change[K, V])
}

// core holds what Store and RecordStore share: the live map, the
// Clean/Dirty state, observers, and provider access.
type core[K Key, V any] struct {
	provider Provider[K, V]
	clock    clock.Clock
	logger   *slog.Logger
	timeout  time.Duration

	data         map[K]V
	state        State
	observers    []storeObserver[K, V]
	nextObserver uint64
}

func newCore[K Key, V any](provider Provider[K, V], options Options) *core[K, V] {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.ProviderTimeout <= 0 {
		options.ProviderTimeout = DefaultProviderTimeout
	}
	return &core[K, V]{
		provider: provider,
		clock:    options.Clock,
		logger:   options.Logger,
		timeout:  options.ProviderTimeout,
		data:     make(map[K]V),
	}
}

// Get returns the value stored under key.
func (c *core[K, V]) Get(key K) (V, bool) {
	value, ok := c.data[key]
	return value, ok
}

// Has reports whether key is present.
func (c *core[K, V]) Has(key K) bool {
	_, ok := c.data[key]
	return ok
}

// Len returns the number of live entries.
func (c *core[K, V]) Len() int { return len(c.data) }

// All iterates over live entries in key order.
func (c *core[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, key := range slices.Sorted(maps.Keys(c.data)) {
			if !yield(key, c.data[key]) {
				return
			}
		}
	}
}

// Values returns the live values in key order.
func (c *core[K, V]) Values() []V {
	values := make([]V, 0, len(c.data))
	for _, value := range c.All() {
		values = append(values, value)
	}
	return values
}

// Snapshot returns a copy of the live map.
func (c *core[K, V]) Snapshot() map[K]V { return maps.Clone(c.data) }

// State returns Clean or Dirty.
func (c *core[K, V]) State() State { return c.state }

// Observe registers fn to receive one notification per mutating call
// and returns a function that cancels the registration. Observers run
// synchronously, in registration order, inside the mutating call.
func (c *core[K, V]) Observe(fn func([]Change[K, V])) (cancel func()) {
	c.nextObserver++
	id := c.nextObserver
	c.observers = append(c.observers, storeObserver[K, V]{id: id, fn: fn})
	return func() {
		c.observers = slices.DeleteFunc(c.observers, func(o storeObserver[K, V]) bool { return o.id == id })
	}
}

func (c *core[K, V]) commit(changes []Change[K, V]) {
	if len(changes) == 0 {
		return
	}
	c.state = Dirty
	for _, observer := range slices.Clone(c.observers) {
		observer.fn(changes)
	}
}

// Load replaces the live map with the provider's snapshot and marks
// the store Clean. Observers are not notified. On failure the store is
// unchanged.
func (c *core[K, V]) Load(ctx context.Context) error {
	data, err := callProvider(ctx, c.clock, c.timeout, "load", c.provider.Load)
	if err != nil {
		return err
	}
	if data == nil {
		data = make(map[K]V)
	}
	c.data = data
	c.state = Clean
	c.logger.Debug("store loaded", "entries", len(data))
	return nil
}

// Save writes the full snapshot through the provider if the store is
// Dirty and marks it Clean. A Clean store makes no provider call. On
// failure the store stays Dirty.
func (c *core[K, V]) Save(ctx context.Context) error {
	if c.state == Clean {
		return nil
	}
	snapshot := maps.Clone(c.data)
	_, err := callProvider(ctx, c.clock, c.timeout, "save", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.provider.Save(ctx, snapshot)
	})
	if err != nil {
		return err
	}
	c.state = Clean
	return nil
}

var errProviderDeadline = errors.New("provider deadline exceeded")

// callProvider runs call under the provider deadline. The call runs on
// its own goroutine so a provider that ignores its context still times
// out.
func callProvider[T any](ctx context.Context, c clock.Clock, timeout time.Duration, op string, call func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := c.AfterFunc(timeout, func() { cancel(errProviderDeadline) })
	defer timer.Stop()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := call(ctx)
		done <- result{value, err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && errors.Is(context.Cause(ctx), errProviderDeadline) {
			return zero, fmt.Errorf("%w: provider %s after %s", protocol.ErrTimeout, op, timeout)
		}
		return r.value, r.err
	case <-ctx.Done():
		if errors.Is(context.Cause(ctx), errProviderDeadline) {
			return zero, fmt.Errorf("%w: provider %s after %s", protocol.ErrTimeout, op, timeout)
		}
		return zero, ctx.Err()
	}
}

// Store is a keyed collection of plain values.
type Store[K Key, V any] struct {
	*core[K, V]
}

// NewStore returns an empty, Clean store. Call Load to read the
// provider's snapshot.
func NewStore[K Key, V any](provider Provider[K, V], options Options) *Store[K, V] {
	return &Store[K, V]{core: newCore(provider, options)}
}

// Set stores value under key.
func (s *Store[K, V]) Set(key K, value V) {
	s.SetMany([]Entry[K, V]{{Key: key, Value: value}})
}

// SetMany stores every entry and emits one notification listing all of
// them. An empty batch changes nothing and emits nothing.
func (s *Store[K, V]) SetMany(entries []Entry[K, V]) {
	changes := make([]Change[K, V], 0, len(entries))
	for _, entry := range entries {
		s.data[entry.Key] = entry.Value
		changes = append(changes, Change[K, V]{Key: entry.Key, Value: entry.Value})
	}
	s.commit(changes)
}

// Delete removes key. Deleting an absent key changes nothing.
func (s *Store[K, V]) Delete(key K) {
	s.DeleteMany([]K{key})
}

// DeleteMany removes every present key and emits one notification
// listing them with their last values.
func (s *Store[K, V]) DeleteMany(keys []K) {
	changes := make([]Change[K, V], 0, len(keys))
	for _, key := range keys {
		value, ok := s.data[key]
		if !ok {
			continue
		}
		delete(s.data, key)
		changes = append(changes, Change[K, V]{Key: key, Value: value, Deleted: true})
	}
	s.commit(changes)
}
