package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func TestShouldSend_NoFilter(t *testing.T) {
	h := testHub()
	client := &Client{}

	event := &Event{Type: EventPendingCreated, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("unfiltered client should receive all events")
	}
}

func TestShouldSend_TenantFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{TenantID: "ten_a"}}

	mine := &Event{
		Type: EventSubscriptionActivated,
		Data: map[string]any{"tenantId": "ten_a"},
	}
	other := &Event{
		Type: EventSubscriptionActivated,
		Data: map[string]any{"tenantId": "ten_b"},
	}

	if !h.shouldSend(client, mine) {
		t.Error("should receive own tenant's events")
	}
	if h.shouldSend(client, other) {
		t.Error("should NOT receive another tenant's events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{
		EventTypes: []string{EventSubscriptionExpired, EventAccessRevoked},
	}}

	expired := &Event{Type: EventSubscriptionExpired}
	created := &Event{Type: EventPendingCreated}

	if !h.shouldSend(client, expired) {
		t.Error("should receive subscription_expired events")
	}
	if h.shouldSend(client, created) {
		t.Error("should NOT receive pending_created events")
	}
}

func TestEmitNeverBlocks(t *testing.T) {
	h := testHub()
	// no Run loop draining the queue; overfill it
	for i := 0; i < 1000; i++ {
		h.Emit(EventPendingCreated, map[string]any{"n": i})
	}
}

func TestHubDeliversToRegisteredClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 16)}
	h.register <- client

	h.Emit(EventSubscriptionActivated, map[string]any{"tenantId": "ten_a"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("empty broadcast payload")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	slow := &Client{hub: h, send: make(chan []byte)} // unbuffered, never read
	h.register <- slow

	for i := 0; i < 5; i++ {
		h.Emit(EventPendingCreated, map[string]any{"n": i})
	}

	deadline := time.After(time.Second)
	for {
		h.mu.RLock()
		n := len(h.clients)
		h.mu.RUnlock()
		if n == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("slow client was not evicted")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
