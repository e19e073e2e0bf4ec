// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package datastore provides in-memory keyed collections with
// pluggable persistence and a batched change feed.
//
// A [Store] holds plain values; a [RecordStore] holds values that carry
// their own id, update time, and deletion flag (see [Record]). Both
// emit exactly one notification per mutating call, listing every key
// the call changed, and track whether they have unsaved changes:
//
//	Clean --mutation--> Dirty --Save--> Clean
//
// Save on a Clean store does not touch the provider.
//
// A [Provider] loads and saves whole snapshots. Three are provided:
// [MemoryProvider], [JSONObjectProvider] (a tab-indented JSON object)
// and [JSONArrayProvider] (a tab-indented JSON array whose elements
// carry an "id" field). The JSON providers accept comments and trailing
// commas on load, run an optional migration and per-entry finalize
// step, and back up the raw file when duplicate keys are collapsed.
//
// Stores do no locking of their own. Callers serialize access,
// including across Save and Load.
package datastore
