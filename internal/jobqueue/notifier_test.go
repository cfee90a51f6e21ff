package jobqueue

import (
	"context"
	"testing"
	"time"
)

func TestLocalNotifier_NotifyWakesSubscriber(t *testing.T) {
	n := NewLocalNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := n.Subscribe(ctx, "tt")
	if err := n.Notify(context.Background(), "tt"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified")
	}
}

func TestLocalNotifier_NotifyIsNonBlockingWhenFull(t *testing.T) {
	n := NewLocalNotifier()
	ctx := context.Background()
	ch := n.Subscribe(ctx, "tt")

	for i := 0; i < 5; i++ {
		if err := n.Notify(ctx, "tt"); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-ch:
	default:
		t.Fatal("expected at least one buffered notification")
	}
}

func TestNoopNotifier_NeverFires(t *testing.T) {
	n := NewNoopNotifier()
	ch := n.Subscribe(context.Background(), "tt")
	select {
	case <-ch:
		t.Fatal("noop notifier should never signal")
	case <-time.After(20 * time.Millisecond):
	}
}
