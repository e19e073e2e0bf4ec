// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package subscription implements channel-filtered publish/subscribe
// over [link.Link].
//
// The [Broker] runs on the controller. Each subscribable event type is
// registered once with an optional replay function. Peers send a
// [protocol.SubscriptionRequest] naming the event type and either
// "all channels" or a set of channels; the broker records one entry
// per (event type, link) and answers with a replay of the state the
// peer missed since its LastRequestTime. [Broker.Broadcast] delivers
// an event to every link whose entry covers the event's channel.
// Entries are evicted eagerly when a link closes.
//
// The [Client] runs on the agent. It tracks local callbacks for one
// event type, keeps the broker-side subscription in sync with them,
// and dispatches replays through the same path as live events, so a
// callback cannot tell the two apart.
package subscription
