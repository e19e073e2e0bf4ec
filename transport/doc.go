// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries links between agents and the controller
// over websockets.
//
// [WebSocketHandler] is the controller side: an http.Handler that
// upgrades each request, reads a [Hello], and either resumes the link
// named by Hello.Session or creates a new one through
// ServerConfig.Accept. It answers with a [Welcome] carrying the session
// id and its received frame count, attaches the connection to the
// link, and feeds inbound frames to it until the connection fails. A
// dropped link waits ResumeTimeout for its peer before it is closed.
//
// [Connector] is the agent side. It dials, sends a Hello naming its
// current session, and attaches the connection to the same link when
// the controller resumes it or to a fresh link when the controller
// has forgotten the session. Failed connections are retried with
// exponential backoff.
//
// The two received counts exchanged in the handshake let each link
// discard frames its peer already has and retransmit the rest, so a
// drop loses nothing and delivers nothing twice.
//
// Every websocket message is one link frame wrapped by a [Compressor]:
// a one-byte [Compression] tag, the uncompressed length, and the body.
// Frames above the threshold are compressed with lz4 or zstd when that
// makes them smaller.
//
// [TCPListener] serves the controller's HTTP endpoints; [TCPDialer] is
// the default [Dialer] under a Connector.
package transport
