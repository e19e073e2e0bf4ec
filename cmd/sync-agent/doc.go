// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Sync-agent connects to a sync-controller and mirrors its host,
// instance, and metadata stores through subscriptions.
//
// The agent registers its callbacks once at startup. Each time the
// connector opens a new link (first connect, or reconnect after the
// controller forgot the session) the subscriptions are re-sent with
// the time of the last event seen, and the controller replays what
// changed in between. A link that merely resumed needs nothing: the
// link retransmits whatever was in flight.
//
// With --host-id the agent connects as that host, and the controller
// marks the host connected for as long as the link is open. Without
// it the agent connects as a control client. Every received update is
// logged.
package main
