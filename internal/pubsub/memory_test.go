package pubsub

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBus_PublishReachesAllSubscribers(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()

	ctx := context.Background()
	ch1, err := bus.Subscribe(ctx, "invalidate")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	ch2, err := bus.Subscribe(ctx, "invalidate")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, "invalidate", []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for i, ch := range []<-chan []byte{ch1, ch2} {
		select {
		case msg := <-ch:
			if string(msg) != "hello" {
				t.Fatalf("subscriber %d: expected 'hello', got %q", i, msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d: timed out waiting for message", i)
		}
	}
}

func TestMemoryBus_TopicIsolation(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()

	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "a")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, "b", []byte("stray")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-ch:
		t.Fatalf("expected no delivery across topics, got %q", msg)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestMemoryBus_CancelClosesSubscription(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "invalidate")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close without delivering")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestMemoryBus_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()

	ctx := context.Background()
	if _, err := bus.Subscribe(ctx, "busy"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Overflow the subscriber buffer; every publish must still return.
	for i := 0; i < 200; i++ {
		if err := bus.Publish(ctx, "busy", []byte("m")); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemory()

	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "invalidate")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, ok := <-ch; ok {
		t.Fatal("expected subscriber channel to be closed")
	}
	if err := bus.Publish(ctx, "invalidate", []byte("x")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got: %v", err)
	}
	if _, err := bus.Subscribe(ctx, "invalidate"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got: %v", err)
	}
}
