// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/clusterio/clusterio-sub000/lib/clock"
	"github.com/clusterio/clusterio-sub000/lib/link"
	"github.com/clusterio/clusterio-sub000/lib/protocol"
	"github.com/clusterio/clusterio-sub000/lib/testutil"
)

func newHostClient(t *testing.T, h *harness) *Client[hostUpdate] {
	t.Helper()
	client, err := NewClient[hostUpdate](ClientConfig{Registry: h.registry, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

type collector struct {
	mu     sync.Mutex
	events []hostUpdate
	labels []string
}

func (c *collector) callback(label string) func(hostUpdate) {
	return func(event hostUpdate) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, event)
		c.labels = append(c.labels, label)
	}
}

func (c *collector) snapshot() ([]hostUpdate, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]hostUpdate(nil), c.events...), append([]string(nil), c.labels...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func channelNames(channels []protocol.Channel) string {
	return fmt.Sprint(channels)
}

func TestNewClientRequiresRegisteredType(t *testing.T) {
	if _, err := NewClient[struct{ X int }](ClientConfig{Registry: protocol.NewRegistry()}); !errors.Is(err, protocol.ErrProtocol) {
		t.Errorf("err = %v, want ErrProtocol", err)
	}
}

func TestClientSettledRequestReflectsCallbacks(t *testing.T) {
	h := newHarness(t)
	h.broker.Register("host.update", nil)
	pair := h.connect("agent")
	client := newHostClient(t, h)
	ctx := context.Background()

	if err := client.ConnectControl(ctx, pair.B); err != nil {
		t.Fatalf("ConnectControl: %v", err)
	}
	noop := func(hostUpdate) {}

	all, err := client.Subscribe(ctx, noop)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if request := h.lastRequest(); !request.AllChannels {
		t.Errorf("after Subscribe: AllChannels = false")
	}

	five, _ := client.SubscribeToChannel(ctx, protocol.IntChannel(5), noop)
	client.SubscribeToChannel(ctx, protocol.IntChannel(5), noop)
	seven, _ := client.SubscribeToChannel(ctx, protocol.IntChannel(7), noop)

	if err := client.Unsubscribe(ctx, all); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	request := h.lastRequest()
	if request.AllChannels || channelNames(request.Channels) != "[5 7]" {
		t.Errorf("after Unsubscribe: %+v", request)
	}

	// One of two callbacks on channel 5 leaves the channel subscribed.
	if err := client.UnsubscribeFromChannel(ctx, protocol.IntChannel(5), five); err != nil {
		t.Fatalf("UnsubscribeFromChannel(5): %v", err)
	}
	if err := client.UnsubscribeFromChannel(ctx, protocol.IntChannel(7), seven); err != nil {
		t.Fatalf("UnsubscribeFromChannel(7): %v", err)
	}

	request = h.lastRequest()
	if request.AllChannels || channelNames(request.Channels) != "[5]" {
		t.Errorf("settled request = %+v, want channels [5] only", request)
	}
	if local := client.Request(); local.AllChannels || channelNames(local.Channels) != "[5]" {
		t.Errorf("client.Request() = %+v", local)
	}
	if !h.broker.Subscribed("host.update", pair.A) {
		t.Error("broker has no entry for the client")
	}
}

func TestClientUnsubscribeEverythingRemovesEntry(t *testing.T) {
	h := newHarness(t)
	h.broker.Register("host.update", nil)
	pair := h.connect("agent")
	client := newHostClient(t, h)
	ctx := context.Background()
	client.ConnectControl(ctx, pair.B)

	handle, _ := client.SubscribeToChannel(ctx, protocol.StringChannel("east"), func(hostUpdate) {})
	if !h.broker.Subscribed("host.update", pair.A) {
		t.Fatal("not subscribed")
	}
	client.UnsubscribeFromChannel(ctx, protocol.StringChannel("east"), handle)
	if h.broker.Subscribed("host.update", pair.A) {
		t.Error("entry remains after removing every callback")
	}
	if request := h.lastRequest(); !request.IsUnsubscribe() {
		t.Errorf("last request = %+v, want unsubscribe", request)
	}
}

func TestClientHandlerNotFound(t *testing.T) {
	h := newHarness(t)
	h.broker.Register("host.update", nil)
	pair := h.connect("agent")
	client := newHostClient(t, h)
	ctx := context.Background()
	client.ConnectControl(ctx, pair.B)

	handle, _ := client.SubscribeToChannel(ctx, protocol.IntChannel(1), func(hostUpdate) {})
	before := h.requestCount()

	if err := client.Unsubscribe(ctx, handle); !errors.Is(err, ErrHandlerNotFound) {
		t.Errorf("Unsubscribe(channel handle): err = %v, want ErrHandlerNotFound", err)
	}
	if err := client.UnsubscribeFromChannel(ctx, protocol.IntChannel(2), handle); !errors.Is(err, ErrHandlerNotFound) {
		t.Errorf("wrong channel: err = %v, want ErrHandlerNotFound", err)
	}
	if err := client.Unsubscribe(ctx, Handle(999)); !errors.Is(err, ErrHandlerNotFound) {
		t.Errorf("unknown handle: err = %v, want ErrHandlerNotFound", err)
	}
	if after := h.requestCount(); after != before {
		t.Errorf("failed unsubscribes sent %d requests", after-before)
	}
}

func TestClientChannelAndAllCallbacks(t *testing.T) {
	h := newHarness(t)
	h.broker.Register("host.update", nil)
	ctx := context.Background()

	xPair := h.connect("agent")
	yPair := h.connect("agent")
	x := newHostClient(t, h)
	y := newHostClient(t, h)
	x.ConnectControl(ctx, xPair.B)
	y.ConnectControl(ctx, yPair.B)

	var xGot, yGot collector
	if _, err := x.SubscribeToChannel(ctx, protocol.IntChannel(5), xGot.callback("x")); err != nil {
		t.Fatalf("X subscribe: %v", err)
	}
	if _, err := y.Subscribe(ctx, yGot.callback("y")); err != nil {
		t.Fatalf("Y subscribe: %v", err)
	}

	h.broker.Broadcast(hostUpdate{ID: 5, Name: "first"})
	h.broker.Broadcast(hostUpdate{ID: 7, Name: "other"})
	h.broker.Broadcast(hostUpdate{ID: 5, Name: "last"})

	testutil.Eventually(t, 5*time.Second, func() bool { return xGot.count() == 2 && yGot.count() == 3 }, "deliveries")
	xEvents, _ := xGot.snapshot()
	if xEvents[0].Name != "first" || xEvents[1].Name != "last" {
		t.Errorf("X received %+v", xEvents)
	}
	yEvents, _ := yGot.snapshot()
	if yEvents[1].ID != 7 {
		t.Errorf("Y received %+v", yEvents)
	}
}

func TestClientDispatchOrder(t *testing.T) {
	h := newHarness(t)
	h.broker.Register("host.update", nil)
	pair := h.connect("agent")
	client := newHostClient(t, h)
	ctx := context.Background()
	client.ConnectControl(ctx, pair.B)

	var got collector
	client.SubscribeToChannel(ctx, protocol.IntChannel(3), got.callback("channel"))
	client.Subscribe(ctx, got.callback("all-1"))
	client.Subscribe(ctx, got.callback("all-2"))

	h.broker.Broadcast(hostUpdate{ID: 3})
	testutil.Eventually(t, 5*time.Second, func() bool { return got.count() == 3 })
	if _, labels := got.snapshot(); fmt.Sprint(labels) != "[all-1 all-2 channel]" {
		t.Errorf("callback order = %v", labels)
	}
}

func TestClientCatchUpAfterReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var mu sync.Mutex
	state := hostUpdate{ID: 5, Name: "initial", UpdatedAt: 100}
	var seenRequestTimes []int64
	h.broker.Register("host.update", func(_ context.Context, request protocol.SubscriptionRequest, _, _ protocol.Address) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		seenRequestTimes = append(seenRequestTimes, request.LastRequestTime)
		if state.UpdatedAt > request.LastRequestTime {
			return state, nil
		}
		return nil, nil
	})

	first := h.connect("agent")
	client := newHostClient(t, h)
	var got collector
	client.ConnectControl(ctx, first.B)
	if _, err := client.Subscribe(ctx, got.callback("all")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// The initial subscribe replays the current state.
	if got.count() != 1 || client.LastResponseTime() != 100 {
		t.Fatalf("after subscribe: %d events, last response time %d", got.count(), client.LastResponseTime())
	}

	first.Close()

	mu.Lock()
	state = hostUpdate{ID: 5, Name: "changed while away", UpdatedAt: 250}
	mu.Unlock()

	second := h.connect("agent")
	if err := client.ConnectControl(ctx, second.B); err != nil {
		t.Fatalf("ConnectControl: %v", err)
	}

	events, _ := got.snapshot()
	if len(events) != 2 {
		t.Fatalf("received %d events, want the replay exactly once: %+v", len(events), events)
	}
	if events[1].Name != "changed while away" {
		t.Errorf("replayed event = %+v", events[1])
	}
	if client.LastResponseTime() != 250 {
		t.Errorf("LastResponseTime = %d, want 250", client.LastResponseTime())
	}
	if last, ok := client.LastResponse(); !ok || last.UpdatedAt != 250 {
		t.Errorf("LastResponse = %+v, %v", last, ok)
	}

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(seenRequestTimes) != "[0 100]" {
		t.Errorf("replay saw LastRequestTime %v, want [0 100]", seenRequestTimes)
	}
}

func TestClientRebindsToEarlierLink(t *testing.T) {
	h := newHarness(t)
	h.broker.Register("host.update", nil)
	ctx := context.Background()

	first := h.connect("agent")
	second := h.connect("agent")
	client := newHostClient(t, h)
	var got collector
	if _, err := client.Subscribe(ctx, got.callback("all")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i, l := range []*link.Link{first.B, second.B, first.B} {
		if err := client.ConnectControl(ctx, l); err != nil {
			t.Fatalf("bind %d: %v", i, err)
		}
	}
	if !h.broker.Subscribed("host.update", first.A) {
		t.Fatal("rebound link has no entry")
	}

	second.Close()
	h.broker.Broadcast(hostUpdate{ID: 3, UpdatedAt: 10})
	testutil.Eventually(t, 5*time.Second, func() bool { return got.count() == 1 }, "event on the rebound link")
}

func TestClientWithoutTimestampUsesClock(t *testing.T) {
	h := newHarness(t)
	pair := h.connect("agent")
	fake := clock.Fake(time.UnixMilli(1234))
	client, err := NewClient[flush](ClientConfig{Registry: h.registry, Clock: fake, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx := context.Background()
	client.ConnectControl(ctx, pair.B)
	received := make(chan flush, 1)
	client.Subscribe(ctx, func(event flush) { received <- event })

	h.broker.Broadcast(flush{Seq: 1})
	testutil.RequireReceive(t, received, 5*time.Second)
	if got := client.LastResponseTime(); got != 1234 {
		t.Errorf("LastResponseTime = %d, want 1234", got)
	}
}

func TestClientDeferredUntilConnected(t *testing.T) {
	h := newHarness(t)
	h.broker.Register("host.update", nil)
	client := newHostClient(t, h)
	ctx := context.Background()

	if _, err := client.SubscribeToChannel(ctx, protocol.IntChannel(2), func(hostUpdate) {}); err != nil {
		t.Fatalf("subscribe while unbound: %v", err)
	}
	if h.requestCount() != 0 {
		t.Fatal("request sent without a link")
	}

	pair := h.connect("agent")
	if err := client.ConnectControl(ctx, pair.B); err != nil {
		t.Fatalf("ConnectControl: %v", err)
	}
	if request := h.lastRequest(); channelNames(request.Channels) != "[2]" {
		t.Errorf("request on connect = %+v", request)
	}

	// Binding the same link again is a no-op.
	before := h.requestCount()
	if err := client.ConnectControl(ctx, pair.B); err != nil {
		t.Fatalf("second ConnectControl: %v", err)
	}
	if h.requestCount() != before {
		t.Error("rebinding the same link sent a request")
	}
}

func TestClientResyncsAfterResume(t *testing.T) {
	h := newHarness(t)
	h.broker.Register("host.update", nil)
	pair := h.connect("agent")
	client := newHostClient(t, h)
	ctx := context.Background()
	client.ConnectControl(ctx, pair.B)

	resumed := make(chan struct{})
	pair.B.Observe(link.EventResume, func(link.Event) { close(resumed) })

	pair.Drop()
	if _, err := client.Subscribe(ctx, func(hostUpdate) {}); err != nil {
		t.Fatalf("Subscribe while dropped: %v", err)
	}
	if h.broker.Subscribed("host.update", pair.A) {
		t.Fatal("subscribed while dropped")
	}

	pair.Resume()
	testutil.RequireClosed(t, resumed, 5*time.Second, "resume")
	testutil.Eventually(t, 5*time.Second, func() bool {
		return h.broker.Subscribed("host.update", pair.A)
	}, "subscription re-sent after resume")
}

func TestClientPermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.broker.Register("host.update", nil)
	pair := h.connect("guest")
	client := newHostClient(t, h)
	ctx := context.Background()
	client.ConnectControl(ctx, pair.B)

	_, err := client.Subscribe(ctx, func(hostUpdate) {})
	if !errors.Is(err, protocol.ErrPermission) {
		t.Errorf("err = %v, want ErrPermission", err)
	}
}
