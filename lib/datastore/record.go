// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"context"

	"github.com/clusterio/clusterio-sub000/lib/clock"
)

// Record is a value that carries its own identity, update time, and
// deletion flag. Stamped returns a copy with those fields set; stores
// never modify a record in place.
type Record[K Key, V any] interface {
	RecordID() K
	UpdatedAtMs() int64
	IsDeleted() bool
	Stamped(updatedAtMs int64, deleted bool) V
}

// RecordStore is a keyed collection of records. Mutations stamp the
// update time; deletions remove the record from the live map and
// publish it as a tombstone, so iteration never shows deleted records
// while observers still learn of the deletion.
type RecordStore[K Key, V Record[K, V]] struct {
	*core[K, V]
}

// NewRecordStore returns an empty, Clean record store.
func NewRecordStore[K Key, V Record[K, V]](provider Provider[K, V], options Options) *RecordStore[K, V] {
	return &RecordStore[K, V]{core: newCore(provider, options)}
}

// Set stamps value with the current time and stores it under its own
// id. Returns the stored value.
func (s *RecordStore[K, V]) Set(value V) V {
	return s.SetMany([]V{value})[0]
}

// SetMany stamps and stores every value with one timestamp and emits
// one notification. Returns the stored values.
func (s *RecordStore[K, V]) SetMany(values []V) []V {
	now := clock.UnixMilli(s.clock)
	stored := make([]V, 0, len(values))
	changes := make([]Change[K, V], 0, len(values))
	for _, value := range values {
		stamped := value.Stamped(now, false)
		s.data[stamped.RecordID()] = stamped
		stored = append(stored, stamped)
		changes = append(changes, Change[K, V]{Key: stamped.RecordID(), Value: stamped})
	}
	s.commit(changes)
	return stored
}

// Delete removes the record with the given id. Deleting an absent id
// changes nothing.
func (s *RecordStore[K, V]) Delete(id K) {
	s.DeleteMany([]K{id})
}

// DeleteMany removes every present id and emits one notification
// carrying the tombstones.
func (s *RecordStore[K, V]) DeleteMany(ids []K) {
	now := clock.UnixMilli(s.clock)
	changes := make([]Change[K, V], 0, len(ids))
	for _, id := range ids {
		value, ok := s.data[id]
		if !ok {
			continue
		}
		delete(s.data, id)
		changes = append(changes, Change[K, V]{Key: id, Value: value.Stamped(now, true), Deleted: true})
	}
	s.commit(changes)
}

// UpdatedSince returns the live records updated after sinceMs, in id
// order.
func (s *RecordStore[K, V]) UpdatedSince(sinceMs int64) []V {
	var result []V
	for _, value := range s.All() {
		if value.UpdatedAtMs() > sinceMs {
			result = append(result, value)
		}
	}
	return result
}

// Load replaces the live map with the provider's snapshot, dropping
// any persisted tombstones.
func (s *RecordStore[K, V]) Load(ctx context.Context) error {
	if err := s.core.Load(ctx); err != nil {
		return err
	}
	for id, value := range s.data {
		if value.IsDeleted() {
			delete(s.data, id)
		}
	}
	return nil
}
