// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/clusterio/clusterio-sub000/lib/clock"
	"github.com/clusterio/clusterio-sub000/lib/link"
	"github.com/clusterio/clusterio-sub000/lib/link/linktest"
	"github.com/clusterio/clusterio-sub000/lib/protocol"
	"github.com/clusterio/clusterio-sub000/lib/schema"
	"github.com/clusterio/clusterio-sub000/lib/subscription"
	"github.com/clusterio/clusterio-sub000/lib/testutil"
	"github.com/clusterio/clusterio-sub000/lib/version"
	"github.com/clusterio/clusterio-sub000/transport"
)

const startMs = 1_700_000_000_000

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testEnv is a loaded controller on memory providers with a fake store
// clock. Links run on the real clock so acknowledgements flow.
type testEnv struct {
	t          *testing.T
	clock      *clock.FakeClock
	controller *Controller
	// agents is the registry every agent-side link shares.
	agents *protocol.Registry
}

func newTestEnv(t *testing.T, permissions func(event, principal string) bool) *testEnv {
	t.Helper()
	return newTestEnvWith(t, memoryProviders(), permissions)
}

func newTestEnvWith(t *testing.T, stores providers, permissions func(event, principal string) bool) *testEnv {
	t.Helper()
	fake := clock.Fake(time.UnixMilli(startMs))
	controller, err := newController(controllerConfig{
		Clock:       fake,
		Logger:      testLogger(),
		Providers:   stores,
		Permissions: permissions,
		Link: link.Config{
			Clock:    clock.Real(),
			AckDelay: time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("newController: %v", err)
	}
	if err := controller.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	agents := protocol.NewRegistry()
	if err := schema.Register(agents, nil); err != nil {
		t.Fatalf("registering agent schema: %v", err)
	}
	return &testEnv{t: t, clock: fake, controller: controller, agents: agents}
}

// connect opens a link the way the websocket handler does: Accept,
// then OnLink. The A side is the controller's end.
func (e *testEnv) connect(address protocol.Address, principal, name string) *linktest.Pair {
	e.t.Helper()
	hello := transport.Hello{
		Principal: principal,
		Address:   address,
		Name:      name,
		Version:   version.Short(),
	}
	config, err := e.controller.Accept(hello)
	if err != nil {
		e.t.Fatalf("Accept(%s): %v", address, err)
	}
	pair := linktest.New(config, link.Config{
		Registry: e.agents,
		Clock:    clock.Real(),
		Logger:   testLogger(),
		AckDelay: time.Millisecond,
		Local:    address,
		Remote:   controllerAddress,
	})
	e.t.Cleanup(pair.Close)
	e.controller.OnLink(pair.A, hello)
	return pair
}

func (e *testEnv) host(id int64) *linktest.Pair {
	return e.connect(protocol.Address{Kind: protocol.AddressHost, ID: id}, "agent", "")
}

func (e *testEnv) control() *linktest.Pair {
	return e.connect(protocol.Address{Kind: protocol.AddressControl, ID: 1}, "admin", "")
}

func (e *testEnv) hostRecord(id int64) (schema.HostDetails, bool) {
	e.controller.mu.Lock()
	defer e.controller.mu.Unlock()
	return e.controller.hosts.Get(id)
}

func (e *testEnv) instanceRecord(id int64) (schema.InstanceDetails, bool) {
	e.controller.mu.Lock()
	defer e.controller.mu.Unlock()
	return e.controller.instances.Get(id)
}

func (e *testEnv) setInstance(l *link.Link, instance schema.InstanceDetails) schema.InstanceDetails {
	e.t.Helper()
	response, err := l.Call(context.Background(), schema.InstanceSetRequest{Instance: instance})
	if err != nil {
		e.t.Fatalf("instance.set %d: %v", instance.ID, err)
	}
	return response.(schema.InstanceDetails)
}

// subscribe binds a client for T to l and subscribes to every channel.
func subscribe[T any](t *testing.T, e *testEnv, l *link.Link) <-chan T {
	t.Helper()
	client, err := subscription.NewClient[T](subscription.ClientConfig{Registry: e.agents, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx := context.Background()
	if err := client.ConnectControl(ctx, l); err != nil {
		t.Fatalf("ConnectControl: %v", err)
	}
	events := make(chan T, 64)
	if _, err := client.Subscribe(ctx, func(event T) { events <- event }); err != nil {
		t.Fatalf("Subscribe(%s): %v", client.EventName(), err)
	}
	return events
}

func TestAcceptRejectsInvalidPeers(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name  string
		hello transport.Hello
		want  string
	}{
		{
			name:  "instance endpoint",
			hello: transport.Hello{Principal: "p", Address: protocol.Address{Kind: protocol.AddressInstance, ID: 1}},
			want:  "cannot accept",
		},
		{
			name:  "host without id",
			hello: transport.Hello{Principal: "p", Address: protocol.Address{Kind: protocol.AddressHost}},
			want:  "host id must be positive",
		},
		{
			name:  "missing principal",
			hello: transport.Hello{Address: protocol.Address{Kind: protocol.AddressControl, ID: 1}},
			want:  "principal is required",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := env.controller.Accept(test.hello)
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("Accept: err = %v, want containing %q", err, test.want)
			}
		})
	}
}

func TestAcceptBuildsLinkConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	address := protocol.Address{Kind: protocol.AddressHost, ID: 9}
	config, err := env.controller.Accept(transport.Hello{Principal: "agent-9", Address: address, Version: "99.0.0"})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if config.Principal != "agent-9" || config.Remote != address || config.Local != controllerAddress {
		t.Errorf("config = %+v", config)
	}
	if config.Registry != env.controller.Registry() {
		t.Error("link config does not use the controller registry")
	}
}

func TestHostConnectionTracking(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.connect(protocol.Address{Kind: protocol.AddressHost, ID: 3}, "agent", "alpha")

	host, ok := env.hostRecord(3)
	if !ok || !host.Connected || host.Name != "alpha" || host.Version != version.Short() {
		t.Fatalf("after connect: host = %+v, ok = %v", host, ok)
	}
	if host.UpdatedAt != startMs {
		t.Errorf("UpdatedAt = %d, want %d", host.UpdatedAt, startMs)
	}

	// A second link for the same host keeps it connected until both
	// have closed.
	second := env.host(3)
	first.A.Close()
	env.clock.Advance(time.Second)
	testutil.Eventually(t, 5*time.Second, func() bool {
		env.controller.mu.Lock()
		defer env.controller.mu.Unlock()
		return env.controller.hostLinks[3] == 1
	}, "first link close recorded")
	if host, _ := env.hostRecord(3); !host.Connected {
		t.Fatal("host disconnected while a link remains open")
	}

	second.A.Close()
	testutil.Eventually(t, 5*time.Second, func() bool {
		host, _ := env.hostRecord(3)
		return !host.Connected
	}, "host marked disconnected")
	if host, _ := env.hostRecord(3); host.Name != "alpha" {
		t.Errorf("Name = %q after reconnect without name, want alpha", host.Name)
	}
	if got := promtestutil.ToFloat64(env.controller.metrics.links.WithLabelValues("host")); got != 0 {
		t.Errorf("host links gauge = %v, want 0", got)
	}
}

func TestHostUpdatesReachSubscribers(t *testing.T) {
	env := newTestEnv(t, nil)
	watcher := env.control()
	updates := subscribe[schema.HostUpdates](t, env, watcher.B)

	env.connect(protocol.Address{Kind: protocol.AddressHost, ID: 5}, "agent", "beta")
	event := testutil.RequireReceive(t, updates, 5*time.Second, "host.updates after connect")
	if len(event.Updates) != 1 || event.Updates[0].ID != 5 || !event.Updates[0].Connected {
		t.Errorf("event = %+v", event)
	}
}

func TestSubscriberCatchesUpThroughReplay(t *testing.T) {
	env := newTestEnv(t, nil)
	env.host(1)
	env.clock.Advance(time.Second)
	env.host(2)

	watcher := env.control()
	client, err := subscription.NewClient[schema.HostUpdates](subscription.ClientConfig{Registry: env.agents, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx := context.Background()
	if err := client.ConnectControl(ctx, watcher.B); err != nil {
		t.Fatalf("ConnectControl: %v", err)
	}
	replayed := make(chan schema.HostUpdates, 4)
	if _, err := client.Subscribe(ctx, func(event schema.HostUpdates) { replayed <- event }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	event := testutil.RequireReceive(t, replayed, 5*time.Second, "replay")
	if len(event.Updates) != 2 || event.Updates[0].ID != 1 || event.Updates[1].ID != 2 {
		t.Fatalf("replay = %+v, want hosts 1 and 2 in id order", event)
	}
	if got := client.LastResponseTime(); got != startMs+1000 {
		t.Errorf("LastResponseTime = %d, want %d", got, startMs+1000)
	}
}

func TestReplayHostsSinceLastRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	env.host(1)
	env.clock.Advance(time.Second)
	env.host(2)
	ctx := context.Background()

	replay := func(since int64) any {
		t.Helper()
		request := protocol.NewSubscriptionRequest(schema.EventHostUpdates, true, nil, since)
		value, err := env.controller.replayHosts(ctx, request, protocol.Address{}, controllerAddress)
		if err != nil {
			t.Fatalf("replayHosts(%d): %v", since, err)
		}
		return value
	}

	value := replay(startMs)
	event, ok := value.(schema.HostUpdates)
	if !ok || len(event.Updates) != 1 || event.Updates[0].ID != 2 {
		t.Errorf("replay since first connect = %+v, want host 2 only", value)
	}
	if value := replay(startMs + 1000); value != nil {
		t.Errorf("replay since last change = %+v, want nil", value)
	}
}

func TestInstanceSetBroadcastsAndReplies(t *testing.T) {
	env := newTestEnv(t, nil)
	control := env.control()
	watcher := env.host(3)
	updates := subscribe[schema.InstanceUpdates](t, env, watcher.B)

	stored := env.setInstance(control.B, schema.InstanceDetails{ID: 7, Name: "seven", AssignedHost: 3})
	if stored.Status != schema.StatusStopped || stored.UpdatedAt != startMs {
		t.Errorf("stored = %+v", stored)
	}

	event := testutil.RequireReceive(t, updates, 5*time.Second, "instance.updates")
	if len(event.Updates) != 1 || event.Updates[0].ID != 7 || event.Updates[0].AssignedHost != 3 {
		t.Errorf("event = %+v", event)
	}

	// Unassigned instances are always stored as unassigned.
	stored = env.setInstance(control.B, schema.InstanceDetails{ID: 8, Name: "eight", Status: schema.StatusRunning})
	if stored.Status != schema.StatusUnassigned {
		t.Errorf("unassigned instance status = %q", stored.Status)
	}
}

func TestInstanceSetRejections(t *testing.T) {
	env := newTestEnv(t, nil)
	control := env.control()
	ctx := context.Background()

	_, err := control.B.Call(ctx, schema.InstanceSetRequest{Instance: schema.InstanceDetails{Name: "no id"}})
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Errorf("invalid instance: err = %v, want ErrProtocol", err)
	}

	_, err = control.B.Call(ctx, schema.InstanceSetRequest{Instance: schema.InstanceDetails{ID: 1, Name: "one", AssignedHost: 42}})
	var remote *protocol.RemoteError
	if !errors.As(err, &remote) || !strings.Contains(remote.Message, "host 42") {
		t.Errorf("unknown host: err = %v", err)
	}
	if _, ok := env.instanceRecord(1); ok {
		t.Error("rejected instance was stored")
	}
	if control.A.Closed() || control.B.Closed() {
		t.Error("a failed request closed the link")
	}
}

func TestStatusReportFromAssignedHost(t *testing.T) {
	env := newTestEnv(t, nil)
	control := env.control()
	host := env.host(3)
	other := env.host(4)
	env.setInstance(control.B, schema.InstanceDetails{ID: 7, Name: "seven", AssignedHost: 3})

	client, err := subscription.NewClient[schema.InstanceStatusChanged](subscription.ClientConfig{Registry: env.agents, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx := context.Background()
	if err := client.ConnectControl(ctx, control.B); err != nil {
		t.Fatalf("ConnectControl: %v", err)
	}
	changes := make(chan schema.InstanceStatusChanged, 8)
	if _, err := client.SubscribeToChannel(ctx, protocol.IntChannel(7), func(event schema.InstanceStatusChanged) { changes <- event }); err != nil {
		t.Fatalf("SubscribeToChannel: %v", err)
	}

	env.clock.Advance(time.Second)
	if _, err := host.B.Call(ctx, schema.InstanceStatusReport{InstanceID: 7, Status: schema.StatusRunning}); err != nil {
		t.Fatalf("status report: %v", err)
	}
	event := testutil.RequireReceive(t, changes, 5*time.Second, "instance.status")
	if event.InstanceID != 7 || event.HostID != 3 || event.Status != schema.StatusRunning || event.UpdatedAt != startMs+1000 {
		t.Errorf("event = %+v", event)
	}
	if instance, _ := env.instanceRecord(7); instance.Status != schema.StatusRunning {
		t.Errorf("stored status = %q", instance.Status)
	}

	// Reporting an unchanged status is not broadcast.
	if _, err := host.B.Call(ctx, schema.InstanceStatusReport{InstanceID: 7, Status: schema.StatusRunning}); err != nil {
		t.Fatalf("repeated status report: %v", err)
	}
	testutil.RequireNoReceive(t, changes, 50*time.Millisecond, "unchanged status")

	for name, l := range map[string]*link.Link{"other host": other.B, "control": control.B} {
		_, err := l.Call(ctx, schema.InstanceStatusReport{InstanceID: 7, Status: schema.StatusStopped})
		if !errors.Is(err, protocol.ErrPermission) {
			t.Errorf("%s: err = %v, want ErrPermission", name, err)
		}
	}
}

func TestInstanceDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	control := env.control()
	host := env.host(3)
	ctx := context.Background()
	env.setInstance(control.B, schema.InstanceDetails{ID: 7, Name: "seven", AssignedHost: 3})
	updates := subscribe[schema.InstanceUpdates](t, env, control.B)
	testutil.RequireReceive(t, updates, 5*time.Second, "replay of instance 7")

	if _, err := control.B.Call(ctx, schema.InstanceDeleteRequest{ID: 99}); err == nil {
		t.Error("deleting a missing instance succeeded")
	}

	if _, err := host.B.Call(ctx, schema.InstanceStatusReport{InstanceID: 7, Status: schema.StatusRunning}); err != nil {
		t.Fatalf("status report: %v", err)
	}
	testutil.RequireReceive(t, updates, 5*time.Second, "status change")
	if _, err := control.B.Call(ctx, schema.InstanceDeleteRequest{ID: 7}); err == nil {
		t.Error("deleting a running instance succeeded")
	}

	if _, err := host.B.Call(ctx, schema.InstanceStatusReport{InstanceID: 7, Status: schema.StatusStopped}); err != nil {
		t.Fatalf("status report: %v", err)
	}
	testutil.RequireReceive(t, updates, 5*time.Second, "status change")
	env.clock.Advance(time.Second)
	if _, err := control.B.Call(ctx, schema.InstanceDeleteRequest{ID: 7}); err != nil {
		t.Fatalf("instance.delete: %v", err)
	}
	event := testutil.RequireReceive(t, updates, 5*time.Second, "tombstone")
	if len(event.Updates) != 1 || !event.Updates[0].Deleted || event.Updates[0].UpdatedAt != startMs+1000 {
		t.Errorf("tombstone event = %+v", event)
	}
	if _, ok := env.instanceRecord(7); ok {
		t.Error("deleted instance is still live")
	}
}

func TestMetadataForwardingAndReplay(t *testing.T) {
	env := newTestEnv(t, nil)
	control := env.control()
	ctx := context.Background()
	updates := subscribe[schema.MetadataUpdates](t, env, control.B)

	env.clock.Advance(time.Second)
	if _, err := control.B.Call(ctx, schema.MetadataSetRequest{Key: "motd", Value: "hello"}); err != nil {
		t.Fatalf("metadata.set: %v", err)
	}
	event := testutil.RequireReceive(t, updates, 5*time.Second, "metadata.updates")
	if len(event.Updates) != 1 || event.Updates[0] != (schema.MetadataEntry{Key: "motd", Value: "hello"}) {
		t.Errorf("set event = %+v", event)
	}
	if event.UpdatedAt != startMs+1000 {
		t.Errorf("UpdatedAt = %d", event.UpdatedAt)
	}

	// Setting the same value changes nothing and emits nothing.
	if _, err := control.B.Call(ctx, schema.MetadataSetRequest{Key: "motd", Value: "hello"}); err != nil {
		t.Fatalf("metadata.set: %v", err)
	}
	testutil.RequireNoReceive(t, updates, 50*time.Millisecond, "no-op set")

	if _, err := control.B.Call(ctx, schema.MetadataSetRequest{Key: ""}); !errors.Is(err, protocol.ErrProtocol) {
		t.Errorf("empty key: err = %v, want ErrProtocol", err)
	}

	request := protocol.NewSubscriptionRequest(schema.EventMetadataUpdates, true, nil, -1)
	value, err := env.controller.replayMetadata(ctx, request, protocol.Address{}, controllerAddress)
	if err != nil {
		t.Fatalf("replayMetadata: %v", err)
	}
	if snapshot, ok := value.(schema.MetadataUpdates); !ok || len(snapshot.Updates) != 1 {
		t.Errorf("replay = %+v, want the full snapshot", value)
	}
	request.LastRequestTime = startMs + 1000
	if value, _ := env.controller.replayMetadata(ctx, request, protocol.Address{}, controllerAddress); value != nil {
		t.Errorf("replay when current = %+v, want nil", value)
	}

	if _, err := control.B.Call(ctx, schema.MetadataDeleteRequest{Key: "motd"}); err != nil {
		t.Fatalf("metadata.delete: %v", err)
	}
	event = testutil.RequireReceive(t, updates, 5*time.Second, "metadata delete")
	if len(event.Updates) != 1 || !event.Updates[0].Deleted || event.Updates[0].Key != "motd" {
		t.Errorf("delete event = %+v", event)
	}
}

func TestHostDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	control := env.control()
	host := env.host(3)
	ctx := context.Background()
	env.setInstance(control.B, schema.InstanceDetails{ID: 7, Name: "seven", AssignedHost: 3})

	_, err := control.B.Call(ctx, schema.HostDeleteRequest{ID: 3})
	if err == nil || !strings.Contains(err.Error(), "connected") {
		t.Fatalf("deleting a connected host: err = %v", err)
	}

	host.A.Close()
	testutil.Eventually(t, 5*time.Second, func() bool {
		record, _ := env.hostRecord(3)
		return !record.Connected
	}, "host disconnected")

	if _, err := control.B.Call(ctx, schema.HostDeleteRequest{ID: 3}); err != nil {
		t.Fatalf("host.delete: %v", err)
	}
	if _, ok := env.hostRecord(3); ok {
		t.Error("deleted host is still live")
	}
	instance, _ := env.instanceRecord(7)
	if instance.AssignedHost != 0 || instance.Status != schema.StatusUnassigned {
		t.Errorf("orphaned instance = %+v", instance)
	}

	if _, err := control.B.Call(ctx, schema.HostDeleteRequest{ID: 3}); err == nil {
		t.Error("deleting a missing host succeeded")
	}
}

func TestSubscriptionPermissions(t *testing.T) {
	env := newTestEnv(t, func(event, principal string) bool {
		return event != schema.EventMetadataUpdates || principal == "admin"
	})
	guest := env.connect(protocol.Address{Kind: protocol.AddressControl, ID: 2}, "guest", "")
	ctx := context.Background()

	client, err := subscription.NewClient[schema.MetadataUpdates](subscription.ClientConfig{Registry: env.agents, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.ConnectControl(ctx, guest.B); err != nil {
		t.Fatalf("ConnectControl: %v", err)
	}
	if _, err := client.Subscribe(ctx, func(schema.MetadataUpdates) {}); !errors.Is(err, protocol.ErrPermission) {
		t.Errorf("guest subscribe: err = %v, want ErrPermission", err)
	}

	// Other events stay open to the same principal.
	subscribe[schema.HostUpdates](t, env, guest.B)
	admin := env.control()
	subscribe[schema.MetadataUpdates](t, env, admin.B)
}

func TestDirtyAndSave(t *testing.T) {
	env := newTestEnv(t, nil)
	if env.controller.Dirty() {
		t.Fatal("freshly loaded controller is dirty")
	}
	control := env.control()
	if _, err := control.B.Call(context.Background(), schema.MetadataSetRequest{Key: "k", Value: "v"}); err != nil {
		t.Fatalf("metadata.set: %v", err)
	}
	if !env.controller.Dirty() {
		t.Fatal("controller is clean after a mutation")
	}
	if err := env.controller.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if env.controller.Dirty() {
		t.Error("controller is dirty after Save")
	}
	if got := promtestutil.ToFloat64(env.controller.metrics.saves.WithLabelValues("metadata", "ok")); got != 1 {
		t.Errorf("metadata save counter = %v, want 1", got)
	}
	if got := promtestutil.ToFloat64(env.controller.metrics.records.WithLabelValues("metadata")); got != 1 {
		t.Errorf("metadata entries gauge = %v, want 1", got)
	}
}
