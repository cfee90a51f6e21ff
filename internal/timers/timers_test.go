package timers

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fireRecorder collects FireFunc invocations for assertions below.
type fireRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *fireRecorder) record(_ context.Context, instanceID, timerElementID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, instanceID+"/"+timerElementID)
}

func (r *fireRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.fired))
	copy(out, r.fired)
	return out
}

func TestArmFiresAtDeadline(t *testing.T) {
	rec := &fireRecorder{}
	svc := New(rec.record, time.Second)
	defer svc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	if err := svc.Arm(context.Background(), "inst-1", "timer-1", deadline, false); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	deadline2 := time.Now().Add(35 * time.Second)
	for i := 0; i < 50; i++ {
		if len(rec.snapshot()) > 0 {
			break
		}
		if time.Now().After(deadline2) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	got := rec.snapshot()
	if len(got) != 1 || got[0] != "inst-1/timer-1" {
		t.Fatalf("expected exactly one firing for inst-1/timer-1, got %v", got)
	}
}

func TestDisarmBeforeDeadlineSuppressesFiring(t *testing.T) {
	rec := &fireRecorder{}
	svc := New(rec.record, time.Second)
	defer svc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	if err := svc.Arm(context.Background(), "inst-2", "timer-1", deadline, false); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := svc.Disarm(context.Background(), "inst-2", "timer-1"); err != nil {
		t.Fatalf("Disarm: %v", err)
	}

	time.Sleep(3 * time.Second)

	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("disarmed timer fired anyway: %v", got)
	}
}

func TestDisarmUnknownKeyIsNoop(t *testing.T) {
	rec := &fireRecorder{}
	svc := New(rec.record, time.Second)
	defer svc.Stop()

	if err := svc.Disarm(context.Background(), "no-such-instance", "no-such-timer"); err != nil {
		t.Fatalf("Disarm of unknown key should be a no-op, got error: %v", err)
	}
}

func TestRearmReplacesPriorEntry(t *testing.T) {
	rec := &fireRecorder{}
	svc := New(rec.record, time.Second)
	defer svc.Stop()

	if err := svc.Arm(context.Background(), "inst-3", "timer-1", time.Now().Add(1*time.Hour), false); err != nil {
		t.Fatalf("first Arm: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	if err := svc.Arm(context.Background(), "inst-3", "timer-1", deadline, false); err != nil {
		t.Fatalf("rearm: %v", err)
	}

	deadline2 := time.Now().Add(35 * time.Second)
	for {
		if len(rec.snapshot()) > 0 || time.Now().After(deadline2) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected the rearmed entry to fire exactly once, got %v", got)
	}
}
