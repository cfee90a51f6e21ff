package incident

import (
	"testing"
	"time"

	"github.com/oriys/bplrt/internal/procstore"
)

func TestClassify_WorkerFatalAlwaysFatal(t *testing.T) {
	if got := Classify(0, DefaultPolicy, true); got != procstore.IncidentFatal {
		t.Errorf("got %v, want Fatal", got)
	}
}

func TestClassify_RetriableUntilExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	if got := Classify(1, p, false); got != procstore.IncidentRetriable {
		t.Errorf("attempt 1: got %v, want Retriable", got)
	}
	if got := Classify(3, p, false); got != procstore.IncidentFatal {
		t.Errorf("attempt 3: got %v, want Fatal", got)
	}
}

func TestBackoff_CapsAtMax(t *testing.T) {
	p := Policy{BaseMS: 1000, MaxBackoffMS: 2000}
	d := Backoff(10, p) // 2^9 * 1000 would be huge without the cap
	if d > 2500*time.Millisecond {
		t.Errorf("backoff %v exceeds cap plus jitter headroom", d)
	}
}

func TestBackoff_NonNegative(t *testing.T) {
	for i := 0; i < 20; i++ {
		if d := Backoff(1, DefaultPolicy); d < 0 {
			t.Fatalf("negative backoff: %v", d)
		}
	}
}
