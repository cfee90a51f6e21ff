package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/bplrt/internal/procstore"
	"github.com/oriys/bplrt/internal/value"
)

func TestInstanceRoundTrip(t *testing.T) {
	s := New(time.Minute)
	defer s.Close()
	ctx := context.Background()

	inst := procstore.Instance{InstanceID: "i1", ProcessKey: "p1", State: procstore.Running}
	if err := s.SaveInstance(ctx, inst); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadInstance(ctx, "i1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ProcessKey != "p1" || got.State != procstore.Running {
		t.Errorf("got %+v", got)
	}

	if _, err := s.LoadInstance(ctx, "missing"); err != procstore.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitTick_AtomicFlagsEventsJobs(t *testing.T) {
	s := New(time.Minute)
	defer s.Close()
	ctx := context.Background()

	_ = s.SaveInstance(ctx, procstore.Instance{InstanceID: "i1", Flags: value.FlagMap{}})

	seqs, err := s.CommitTick(ctx, procstore.TickMutation{
		InstanceID:  "i1",
		FlagUpdates: value.FlagMap{1: value.Bool(true)},
		Events: []procstore.Event{
			{Kind: procstore.EventFlagSet},
			{Kind: procstore.EventJobEmitted},
		},
		JobEnqueues: []procstore.JobActivation{
			{JobKey: "j1", InstanceID: "i1", TaskType: "demo.emit-greeting"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Errorf("seqs = %v", seqs)
	}

	inst, _ := s.LoadInstance(ctx, "i1")
	if v, ok := inst.Flags[1]; !ok || !v.Truthy() {
		t.Error("flag 1 not set")
	}

	jobs, err := s.DequeueJobs(ctx, []string{"demo.emit-greeting"}, 10)
	if err != nil || len(jobs) != 1 || jobs[0].JobKey != "j1" {
		t.Errorf("jobs = %+v, err %v", jobs, err)
	}

	events, err := s.ReadEvents(ctx, "i1", 0)
	if err != nil || len(events) != 2 {
		t.Errorf("events = %+v, err %v", events, err)
	}
}

func TestCommitTick_MissingInstanceFails(t *testing.T) {
	s := New(time.Minute)
	defer s.Close()
	ctx := context.Background()

	_, err := s.CommitTick(ctx, procstore.TickMutation{
		InstanceID:  "ghost",
		FlagUpdates: value.FlagMap{1: value.Bool(true)},
	})
	if err != procstore.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFiberLifecycle(t *testing.T) {
	s := New(time.Minute)
	defer s.Close()
	ctx := context.Background()

	f := procstore.Fiber{FiberID: "f1", InstanceID: "i1", PC: 3}
	if err := s.SaveFiber(ctx, f); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadFiber(ctx, "i1", "f1")
	if err != nil || got.PC != 3 {
		t.Errorf("got %+v, err %v", got, err)
	}
	all, err := s.LoadFibers(ctx, "i1")
	if err != nil || len(all) != 1 {
		t.Errorf("all = %+v, err %v", all, err)
	}
	if err := s.DeleteFiber(ctx, "i1", "f1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadFiber(ctx, "i1", "f1"); err != procstore.ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestJoinArriveCounts(t *testing.T) {
	s := New(time.Minute)
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		n, err := s.JoinArrive(ctx, "i1", "join1")
		if err != nil {
			t.Fatal(err)
		}
		if n != i+1 {
			t.Errorf("arrival %d: count = %d, want %d", i, n, i+1)
		}
	}
	if err := s.JoinReset(ctx, "i1", "join1"); err != nil {
		t.Fatal(err)
	}
	n, _ := s.JoinArrive(ctx, "i1", "join1")
	if n != 1 {
		t.Errorf("after reset, first arrival = %d, want 1", n)
	}
}

func TestDedupeCache(t *testing.T) {
	s := New(time.Minute)
	defer s.Close()
	ctx := context.Background()

	if _, ok, _ := s.DedupeGet(ctx, "k1"); ok {
		t.Error("expected no entry before put")
	}
	completion := procstore.JobCompletion{JobKey: "j1"}
	if err := s.DedupePut(ctx, "k1", completion); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.DedupeGet(ctx, "k1")
	if err != nil || !ok || got.JobKey != "j1" {
		t.Errorf("got %+v, ok %v, err %v", got, ok, err)
	}
}

func TestJobQueueDequeueAndCancel(t *testing.T) {
	s := New(time.Minute)
	defer s.Close()
	ctx := context.Background()

	_ = s.EnqueueJob(ctx, procstore.JobActivation{JobKey: "j1", InstanceID: "i1", TaskType: "tt"})
	_ = s.EnqueueJob(ctx, procstore.JobActivation{JobKey: "j2", InstanceID: "i1", TaskType: "tt"})
	_ = s.EnqueueJob(ctx, procstore.JobActivation{JobKey: "j3", InstanceID: "i2", TaskType: "tt"})

	cancelled, err := s.CancelJobsForInstance(ctx, "i1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cancelled) != 2 {
		t.Errorf("cancelled = %v, want 2 entries", cancelled)
	}

	jobs, err := s.DequeueJobs(ctx, []string{"tt"}, 10)
	if err != nil || len(jobs) != 1 || jobs[0].JobKey != "j3" {
		t.Errorf("jobs = %+v, err %v", jobs, err)
	}
}

func TestDeadLetterPutAndTake(t *testing.T) {
	s := New(time.Minute)
	defer s.Close()
	ctx := context.Background()

	key := value.Str("order-42")
	if err := s.DeadLetterPut(ctx, "order-confirmed", key, []byte("payload"), time.Minute); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.DeadLetterTake(ctx, "order-confirmed", key)
	if err != nil || !ok || string(got) != "payload" {
		t.Errorf("got %q, ok %v, err %v", got, ok, err)
	}
	if _, ok, _ := s.DeadLetterTake(ctx, "order-confirmed", key); ok {
		t.Error("expected entry to be consumed by Take")
	}
}

func TestPayloadHistory(t *testing.T) {
	s := New(time.Minute)
	defer s.Close()
	ctx := context.Background()

	p := value.MustDomainPayload([]byte(`{"a":1}`))
	h := p.Hash()
	if err := s.SavePayloadVersion(ctx, "i1", h, p); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadPayloadVersion(ctx, "i1", h)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(p) {
		t.Error("round-tripped payload does not match")
	}
}

func TestIncidentAppendOrder(t *testing.T) {
	s := New(time.Minute)
	defer s.Close()
	ctx := context.Background()

	_ = s.SaveIncident(ctx, procstore.Incident{InstanceID: "i1", Code: "first"})
	_ = s.SaveIncident(ctx, procstore.Incident{InstanceID: "i1", Code: "second"})

	got, err := s.LoadIncidents(ctx, "i1")
	if err != nil || len(got) != 2 || got[0].Code != "first" || got[1].Code != "second" {
		t.Errorf("got %+v, err %v", got, err)
	}
}

func TestLockSerializesConcurrentTicks(t *testing.T) {
	s := New(time.Minute)
	defer s.Close()
	ctx := context.Background()

	done := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Lock(ctx, "i1", func(ctx context.Context) error {
			close(started)
			time.Sleep(20 * time.Millisecond)
			return nil
		})
		close(done)
	}()
	<-started

	t0 := time.Now()
	_ = s.Lock(ctx, "i1", func(ctx context.Context) error { return nil })
	if time.Since(t0) < 10*time.Millisecond {
		t.Error("second Lock should have waited for the first to release")
	}
	<-done
}

func TestDequeueJobs_PreservesArrivalOrderAcrossTaskTypes(t *testing.T) {
	s := New(time.Minute)
	defer s.Close()
	ctx := context.Background()

	_ = s.SaveInstance(ctx, procstore.Instance{InstanceID: "i1", Flags: value.FlagMap{}})
	enqueue := func(jobKey, taskType string) {
		_, err := s.CommitTick(ctx, procstore.TickMutation{
			InstanceID:  "i1",
			JobEnqueues: []procstore.JobActivation{{JobKey: jobKey, InstanceID: "i1", TaskType: taskType}},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	enqueue("a1", "a")
	enqueue("b1", "b")
	enqueue("a2", "a")
	enqueue("b2", "b")

	jobs, err := s.DequeueJobs(ctx, []string{"a", "b"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a1", "b1", "a2", "b2"}
	if len(jobs) != len(want) {
		t.Fatalf("got %d jobs, want %d", len(jobs), len(want))
	}
	for i, k := range want {
		if jobs[i].JobKey != k {
			t.Errorf("jobs[%d] = %q, want %q (arrival order not preserved across task types)", i, jobs[i].JobKey, k)
		}
	}
}
