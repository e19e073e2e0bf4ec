// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"context"
	"maps"
	"sync"
)

// Key is the set of map key types a store supports. JSON object
// providers persist integer keys as decimal strings.
type Key interface {
	~string | ~int | ~int32 | ~int64 | ~uint32 | ~uint64
}

// Provider loads and saves complete snapshots. Load returns an empty
// map, not an error, when nothing has been saved yet; other failures
// are returned as *StorageError.
type Provider[K Key, V any] interface {
	Load(ctx context.Context) (map[K]V, error)
	Save(ctx context.Context, snapshot map[K]V) error
}

// MemoryProvider keeps the last saved snapshot in memory.
type MemoryProvider[K Key, V any] struct {
	mu       sync.Mutex
	snapshot map[K]V
	saves    int
}

// NewMemoryProvider returns a provider whose first Load yields initial
// (which may be nil).
func NewMemoryProvider[K Key, V any](initial map[K]V) *MemoryProvider[K, V] {
	return &MemoryProvider[K, V]{snapshot: maps.Clone(initial)}
}

func (p *MemoryProvider[K, V]) Load(ctx context.Context) (map[K]V, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snapshot == nil {
		return make(map[K]V), nil
	}
	return maps.Clone(p.snapshot), nil
}

func (p *MemoryProvider[K, V]) Save(ctx context.Context, snapshot map[K]V) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot = maps.Clone(snapshot)
	p.saves++
	return nil
}

// Saves returns the number of completed Save calls.
func (p *MemoryProvider[K, V]) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}
