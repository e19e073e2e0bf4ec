// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Sync-controller is the controller process. It owns the host,
// instance, and metadata stores, accepts agent links over a websocket
// endpoint, and keeps every subscribed agent in step with the stores.
//
// Every store mutation, whether from a request on a link or from a
// host connecting or disconnecting, produces one change notification.
// The controller turns that notification into an event and hands it
// to the subscription broker, which sends it to each link subscribed
// to the event (and, for instance.status, to the instance's channel).
// A subscribing agent receives a replay of what changed since its last
// event before live events resume.
//
// Stores are persisted as JSON files in the data directory, which is
// locked for the lifetime of the process. Dirty stores are saved on
// a timer and once more at shutdown.
//
// Configuration comes from the YAML file named by --config or
// CLUSTERIO_CONFIG; see lib/config.
package main
