package engine

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/bplrt/internal/bytecode"
	"github.com/oriys/bplrt/internal/compiler"
	"github.com/oriys/bplrt/internal/ir"
	"github.com/oriys/bplrt/internal/memstore"
	"github.com/oriys/bplrt/internal/procstore"
	"github.com/oriys/bplrt/internal/value"
)

func compileOrFatal(t *testing.T, g *ir.Graph) *bytecode.CompiledProgram {
	t.Helper()
	if errs := ir.Verify(g); len(errs) != 0 {
		t.Fatalf("ir verify: %v", errs)
	}
	prog, flags, errs := compiler.Compile(g)
	if len(errs) != 0 {
		t.Fatalf("compile: %v", errs)
	}
	if verrs := bytecode.Verify(prog, flags); len(verrs) != 0 {
		t.Fatalf("bytecode verify: %v", verrs)
	}
	return prog
}

func mustCompletion(t *testing.T, store procstore.Store, taskType string, flags value.FlagMap) procstore.JobCompletion {
	t.Helper()
	jobs, err := store.DequeueJobs(context.Background(), []string{taskType}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one queued %q job, got %d", taskType, len(jobs))
	}
	return procstore.JobCompletion{
		JobKey:            jobs[0].JobKey,
		DomainPayload:      jobs[0].DomainPayload,
		DomainPayloadHash:  jobs[0].DomainPayloadHash,
		OrchFlags:          flags,
	}
}

// TestEngine_LinearHappyPath runs Start -> ServiceTask -> End, the simplest
// complete scenario from the worked examples: one job dispatched, one
// completion, the instance lands Completed.
func TestEngine_LinearHappyPath(t *testing.T) {
	b := ir.NewBuilder()
	if err := b.AddServiceTask("greet", "emit-greeting"); err != nil {
		t.Fatal(err)
	}
	if err := b.AddEnd("end1", false); err != nil {
		t.Fatal(err)
	}
	prog := compileOrFatal(t, b.Graph)

	store := memstore.New(time.Hour)
	if err := store.StoreProgram(context.Background(), prog.Version, prog); err != nil {
		t.Fatal(err)
	}
	eng := New(store, Config{})

	payload := value.MustDomainPayload([]byte(`{"customer":"acme"}`))
	instanceID, err := eng.CreateInstance(context.Background(), "greeting-flow", prog.Version, payload, "corr-1")
	if err != nil {
		t.Fatal(err)
	}

	inst, err := store.LoadInstance(context.Background(), instanceID)
	if err != nil {
		t.Fatal(err)
	}
	if inst.State != procstore.Suspended {
		t.Fatalf("state after create = %v, want Suspended", inst.State)
	}

	completion := mustCompletion(t, store, "emit-greeting", nil)
	if err := eng.JobSucceeded(context.Background(), completion); err != nil {
		t.Fatal(err)
	}

	inst, err = store.LoadInstance(context.Background(), instanceID)
	if err != nil {
		t.Fatal(err)
	}
	if inst.State != procstore.Completed {
		t.Fatalf("final state = %v, want Completed", inst.State)
	}
}

// TestEngine_ForkJoin exercises the parallel fork/join barrier: both
// branches must complete before the instance advances past the join.
func TestEngine_ForkJoin(t *testing.T) {
	b := ir.NewBuilder()
	_ = b.Graph.AddNode(&ir.Node{ID: "A", Kind: ir.ServiceTask, TaskType: "task-a"})
	_ = b.Graph.AddNode(&ir.Node{ID: "Bn", Kind: ir.ServiceTask, TaskType: "task-b"})
	if err := b.OpenFork("fork1", []string{"A", "Bn"}); err != nil {
		t.Fatal(err)
	}
	if err := b.CloseJoin("join1", []string{"A", "Bn"}); err != nil {
		t.Fatal(err)
	}
	b.SetFocus("join1")
	if err := b.AddEnd("end1", false); err != nil {
		t.Fatal(err)
	}
	prog := compileOrFatal(t, b.Graph)

	store := memstore.New(time.Hour)
	if err := store.StoreProgram(context.Background(), prog.Version, prog); err != nil {
		t.Fatal(err)
	}
	eng := New(store, Config{})

	payload := value.MustDomainPayload(nil)
	instanceID, err := eng.CreateInstance(context.Background(), "fork-join-flow", prog.Version, payload, "")
	if err != nil {
		t.Fatal(err)
	}

	completionA := mustCompletion(t, store, "task-a", nil)
	if err := eng.JobSucceeded(context.Background(), completionA); err != nil {
		t.Fatal(err)
	}
	inst, _ := store.LoadInstance(context.Background(), instanceID)
	if inst.State == procstore.Completed {
		t.Fatal("instance completed after only one of two join branches arrived")
	}

	completionB := mustCompletion(t, store, "task-b", nil)
	if err := eng.JobSucceeded(context.Background(), completionB); err != nil {
		t.Fatal(err)
	}
	inst, _ = store.LoadInstance(context.Background(), instanceID)
	if inst.State != procstore.Completed {
		t.Fatalf("final state = %v, want Completed", inst.State)
	}
}

// TestEngine_XorBranch exercises condition-flag-guided branching: a
// ServiceTask's completion sets the flag the diverging XOR tests.
func TestEngine_XorBranch(t *testing.T) {
	b := ir.NewBuilder()
	if err := b.AddServiceTask("classify", "classify"); err != nil {
		t.Fatal(err)
	}
	if err := b.OpenXorDiverge("xor1"); err != nil {
		t.Fatal(err)
	}
	_ = b.Graph.AddNode(&ir.Node{ID: "high", Kind: ir.ServiceTask, TaskType: "handle-high"})
	_ = b.Graph.AddNode(&ir.Node{ID: "deflt", Kind: ir.ServiceTask, TaskType: "handle-default"})
	b.AddEdgeFrom("xor1", "high", "f1")
	b.AddEdgeFrom("xor1", "deflt", "")
	b.SetFocus("high")
	if err := b.AddEnd("endHigh", false); err != nil {
		t.Fatal(err)
	}
	b.SetFocus("deflt")
	if err := b.AddEnd("endDefault", false); err != nil {
		t.Fatal(err)
	}
	prog := compileOrFatal(t, b.Graph)

	store := memstore.New(time.Hour)
	if err := store.StoreProgram(context.Background(), prog.Version, prog); err != nil {
		t.Fatal(err)
	}
	eng := New(store, Config{})

	payload := value.MustDomainPayload(nil)
	instanceID, err := eng.CreateInstance(context.Background(), "classify-flow", prog.Version, payload, "")
	if err != nil {
		t.Fatal(err)
	}

	completion := mustCompletion(t, store, "classify", value.FlagMap{1: value.Bool(true)})
	if err := eng.JobSucceeded(context.Background(), completion); err != nil {
		t.Fatal(err)
	}

	highCompletion := mustCompletion(t, store, "handle-high", nil)
	if err := eng.JobSucceeded(context.Background(), highCompletion); err != nil {
		t.Fatal(err)
	}

	inst, err := store.LoadInstance(context.Background(), instanceID)
	if err != nil {
		t.Fatal(err)
	}
	if inst.State != procstore.Completed {
		t.Fatalf("final state = %v, want Completed", inst.State)
	}
}

// TestEngine_JobFailureRetriesThenFatal drives a failing job through every
// retry until the incident policy classifies it Fatal and the instance
// fails, matching §7's worked incident example.
func TestEngine_JobFailureRetriesThenFatal(t *testing.T) {
	b := ir.NewBuilder()
	if err := b.AddServiceTask("charge", "charge-card"); err != nil {
		t.Fatal(err)
	}
	if err := b.AddEnd("end1", false); err != nil {
		t.Fatal(err)
	}
	prog := compileOrFatal(t, b.Graph)

	store := memstore.New(time.Hour)
	if err := store.StoreProgram(context.Background(), prog.Version, prog); err != nil {
		t.Fatal(err)
	}
	eng := New(store, Config{})

	payload := value.MustDomainPayload(nil)
	instanceID, err := eng.CreateInstance(context.Background(), "charge-flow", prog.Version, payload, "")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < eng.policy.MaxAttempts; i++ {
		jobs, err := store.DequeueJobs(context.Background(), []string{"charge-card"}, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(jobs) != 1 {
			t.Fatalf("attempt %d: expected a queued job, got %d", i+1, len(jobs))
		}
		if err := eng.JobFailed(context.Background(), jobs[0], errTestChargeDeclined); err != nil {
			t.Fatal(err)
		}
	}

	inst, err := store.LoadInstance(context.Background(), instanceID)
	if err != nil {
		t.Fatal(err)
	}
	if inst.State != procstore.Failed {
		t.Fatalf("final state = %v, want Failed after exhausting retries", inst.State)
	}

	incidents, err := store.LoadIncidents(context.Background(), instanceID)
	if err != nil {
		t.Fatal(err)
	}
	if len(incidents) != eng.policy.MaxAttempts {
		t.Fatalf("incidents = %d, want %d", len(incidents), eng.policy.MaxAttempts)
	}
	if incidents[len(incidents)-1].Severity != procstore.IncidentFatal {
		t.Fatalf("last incident severity = %v, want Fatal", incidents[len(incidents)-1].Severity)
	}
}

var errTestChargeDeclined = &testError{"card declined"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

// TestEngine_InterruptingBoundaryTimer exercises §8 scenario 3: a boundary
// timer interrupting a ServiceTask takes the boundary's own edge to
// completion, and a late completion for the task it cancelled is dropped
// rather than reopening the instance.
func TestEngine_InterruptingBoundaryTimer(t *testing.T) {
	b := ir.NewBuilder()
	if err := b.AddServiceTask("T", "slow-task"); err != nil {
		t.Fatal(err)
	}
	if err := b.AddEnd("end1", false); err != nil {
		t.Fatal(err)
	}
	if err := b.AttachBoundaryTimer("timer1", "T", "5s", true, false); err != nil {
		t.Fatal(err)
	}
	_ = b.Graph.AddNode(&ir.Node{ID: "end2", Kind: ir.End})
	b.AddEdgeFrom("timer1", "end2", "")
	prog := compileOrFatal(t, b.Graph)

	store := memstore.New(time.Hour)
	if err := store.StoreProgram(context.Background(), prog.Version, prog); err != nil {
		t.Fatal(err)
	}
	eng := New(store, Config{})

	payload := value.MustDomainPayload(nil)
	instanceID, err := eng.CreateInstance(context.Background(), "timeout-flow", prog.Version, payload, "")
	if err != nil {
		t.Fatal(err)
	}

	jobs, err := store.DequeueJobs(context.Background(), []string{"slow-task"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one queued slow-task job, got %d", len(jobs))
	}

	if err := eng.HandleTimerFired(context.Background(), instanceID, "timer1"); err != nil {
		t.Fatal(err)
	}

	inst, err := store.LoadInstance(context.Background(), instanceID)
	if err != nil {
		t.Fatal(err)
	}
	if inst.State != procstore.Completed {
		t.Fatalf("state after timer fire = %v, want Completed via the boundary's edge", inst.State)
	}

	late := procstore.JobCompletion{JobKey: jobs[0].JobKey, DomainPayload: jobs[0].DomainPayload, DomainPayloadHash: jobs[0].DomainPayloadHash}
	if err := eng.JobSucceeded(context.Background(), late); err != nil {
		t.Fatal(err)
	}
	if inst, err = store.LoadInstance(context.Background(), instanceID); err != nil {
		t.Fatal(err)
	}
	if inst.State != procstore.Completed {
		t.Fatalf("state after stale completion = %v, want still Completed", inst.State)
	}
}

// newForkJoinProgram builds Start -> Fork -> {A, B} -> Join -> End, used by
// both the fork/join scenario and the dedupe scenarios below (redelivering
// A's completion while B is still outstanding keeps the instance
// non-terminal, the condition under which the dedupe checks actually run).
func newForkJoinProgram(t *testing.T) *bytecode.CompiledProgram {
	t.Helper()
	b := ir.NewBuilder()
	_ = b.Graph.AddNode(&ir.Node{ID: "A", Kind: ir.ServiceTask, TaskType: "task-a"})
	_ = b.Graph.AddNode(&ir.Node{ID: "Bn", Kind: ir.ServiceTask, TaskType: "task-b"})
	if err := b.OpenFork("fork1", []string{"A", "Bn"}); err != nil {
		t.Fatal(err)
	}
	if err := b.CloseJoin("join1", []string{"A", "Bn"}); err != nil {
		t.Fatal(err)
	}
	b.SetFocus("join1")
	if err := b.AddEnd("end1", false); err != nil {
		t.Fatal(err)
	}
	return compileOrFatal(t, b.Graph)
}

// TestEngine_DedupeReplayIsNoOp exercises §8 scenario 5: redelivering a
// completion with the same job key and the same payload hash is a no-op,
// not a second resume.
func TestEngine_DedupeReplayIsNoOp(t *testing.T) {
	prog := newForkJoinProgram(t)
	store := memstore.New(time.Hour)
	if err := store.StoreProgram(context.Background(), prog.Version, prog); err != nil {
		t.Fatal(err)
	}
	eng := New(store, Config{})

	payload := value.MustDomainPayload(nil)
	instanceID, err := eng.CreateInstance(context.Background(), "dedupe-flow", prog.Version, payload, "")
	if err != nil {
		t.Fatal(err)
	}

	completionA := mustCompletion(t, store, "task-a", nil)
	if err := eng.JobSucceeded(context.Background(), completionA); err != nil {
		t.Fatal(err)
	}
	inst, err := store.LoadInstance(context.Background(), instanceID)
	if err != nil {
		t.Fatal(err)
	}
	if inst.State == procstore.Completed {
		t.Fatal("instance completed after only branch A; branch B is still outstanding")
	}

	// Redeliver the identical completion for A. The instance is still
	// non-terminal, so the dedupe cache (not the terminal-instance guard)
	// is what must recognize this as a replay.
	if err := eng.JobSucceeded(context.Background(), completionA); err != nil {
		t.Fatal(err)
	}

	events, err := store.ReadEvents(context.Background(), instanceID, 0)
	if err != nil {
		t.Fatal(err)
	}
	jobCompletedCount := 0
	for _, ev := range events {
		if ev.Kind == procstore.EventJobCompleted && ev.JobKey == completionA.JobKey {
			jobCompletedCount++
		}
	}
	if jobCompletedCount != 1 {
		t.Fatalf("JobCompleted(A) events = %d, want exactly 1 despite the replay", jobCompletedCount)
	}

	completionB := mustCompletion(t, store, "task-b", nil)
	if err := eng.JobSucceeded(context.Background(), completionB); err != nil {
		t.Fatal(err)
	}
	if inst, err = store.LoadInstance(context.Background(), instanceID); err != nil {
		t.Fatal(err)
	}
	if inst.State != procstore.Completed {
		t.Fatalf("final state = %v, want Completed", inst.State)
	}
}

// TestEngine_DedupeConflictFailsInstance exercises §8 scenario 6: a
// redelivered completion under the same job key but a different payload
// hash is a DedupeConflict incident, and an uncaught one fails the
// instance rather than silently overwriting the cached result.
func TestEngine_DedupeConflictFailsInstance(t *testing.T) {
	prog := newForkJoinProgram(t)
	store := memstore.New(time.Hour)
	if err := store.StoreProgram(context.Background(), prog.Version, prog); err != nil {
		t.Fatal(err)
	}
	eng := New(store, Config{})

	payload := value.MustDomainPayload(nil)
	instanceID, err := eng.CreateInstance(context.Background(), "dedupe-conflict-flow", prog.Version, payload, "")
	if err != nil {
		t.Fatal(err)
	}

	completionA := mustCompletion(t, store, "task-a", nil)
	if err := eng.JobSucceeded(context.Background(), completionA); err != nil {
		t.Fatal(err)
	}

	conflicting := completionA
	conflicting.DomainPayload = value.MustDomainPayload([]byte(`{"divergent":true}`))
	conflicting.DomainPayloadHash = conflicting.DomainPayload.Hash()
	if err := eng.JobSucceeded(context.Background(), conflicting); err != nil {
		t.Fatal(err)
	}

	inst, err := store.LoadInstance(context.Background(), instanceID)
	if err != nil {
		t.Fatal(err)
	}
	if inst.State != procstore.Failed {
		t.Fatalf("final state = %v, want Failed after an uncaught DedupeConflict", inst.State)
	}

	incidents, err := store.LoadIncidents(context.Background(), instanceID)
	if err != nil {
		t.Fatal(err)
	}
	if len(incidents) != 1 || incidents[0].Code != "DedupeConflict" {
		t.Fatalf("incidents = %+v, want exactly one DedupeConflict", incidents)
	}
}
