package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	t.Parallel()
	bus := New()
	sub := bus.Subscribe("channel.created")
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := bus.Publish(context.Background(), "channel.created", "general"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ev, ok := sub.Next(ctx)
	if !ok {
		t.Fatalf("expected event")
	}
	if ev.Topic != "channel.created" || ev.Payload != "general" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestSubscribeWildcard(t *testing.T) {
	t.Parallel()
	bus := New()
	sub := bus.Subscribe("channel.*")
	defer sub.Close()

	if err := bus.Publish(context.Background(), "channel.deleted", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(context.Background(), "chat.message", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := sub.Next(ctx)
	if !ok || ev.Topic != "channel.deleted" {
		t.Fatalf("expected channel.deleted, got %+v ok=%v", ev, ok)
	}

	shortCtx, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, ok := sub.Next(shortCtx); ok {
		t.Fatalf("expected no further events for non-matching topic")
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	t.Parallel()
	bus := New()
	sub := bus.SubscribeBuffered(2, "x")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		if err := bus.Publish(context.Background(), "x", i); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if sub.Dropped() != 3 {
		t.Fatalf("expected 3 dropped, got %d", sub.Dropped())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := sub.Next(ctx)
	if !ok || first.Payload != 3 {
		t.Fatalf("expected oldest surviving payload 3, got %+v", first)
	}
	second, ok := sub.Next(ctx)
	if !ok || second.Payload != 4 {
		t.Fatalf("expected payload 4, got %+v", second)
	}
}

func TestCloseUnblocksNext(t *testing.T) {
	t.Parallel()
	bus := New()
	sub := bus.Subscribe("x")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ok := sub.Next(context.Background()); ok {
			t.Error("expected Next to return false after Close")
		}
	}()

	time.Sleep(10 * time.Millisecond)
	sub.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after Close")
	}
}
