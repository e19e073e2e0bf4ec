// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package link implements a persistent, resumable message link between
// two endpoints.
//
// A [Link] carries registered values (see [protocol.Registry]) as
// fire-and-forget events and as correlated request/response pairs. The
// link outlives the network connection underneath it: the transport
// owner calls [Link.Attach] when a connection is established and
// [Link.Detach] when it fails. While detached, outbound frames queue
// (bounded by [Config.QueueSize]); on re-attach, frames the peer has
// not acknowledged are retransmitted in order and duplicates are
// discarded by sequence number, so every frame is delivered to the
// peer's handlers exactly once.
//
// Frames are CBOR arrays:
//
//	[kind, seq, ack, id, value, code, message]
//
// Data frames (events, requests, responses) carry a sequence number
// starting at 1. Every frame carries the sender's count of data frames
// received so far in ack. Standalone ack frames have sequence 0.
//
// Lifecycle observers registered with [Link.Observe] see Connect (first
// attach), Drop, Resume (attach after a drop), and Close, each exactly
// once per transition and in transition order.
package link
