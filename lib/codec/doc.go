// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the single CBOR configuration used on the link
// wire. Every frame, value envelope, and subscription message is
// encoded through this package so both ends of a link agree on the
// byte form without each package configuring fxamacker/cbor itself.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, shortest integers, definite lengths. Identical values
// produce identical bytes, which keeps retransmitted frames
// byte-for-byte equal to the originals.
//
// Buffer form:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Stream form (handshake messages on a websocket):
//
//	encoder := codec.NewEncoder(w)
//	decoder := codec.NewDecoder(r)
//
// Types that cross the link use `cbor` struct tags, and positional
// wire forms use the `cbor:",toarray"` struct option. Persisted store
// files are JSON and never go through this package.
package codec
