// Package engine is the execution engine of §4.7: a bytecode interpreter
// organized around fibers, parallel fork/join barriers, inclusive-gateway
// token counting, boundary timers and error boundaries, and XOR branching.
// It advances one instance at a time under the store's instance-scoped
// lock (§5); multiple instances may advance concurrently via Scheduler.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/bplrt/internal/incident"
	"github.com/oriys/bplrt/internal/logging"
	"github.com/oriys/bplrt/internal/metrics"
	"github.com/oriys/bplrt/internal/observability"
	"github.com/oriys/bplrt/internal/procstore"
	"github.com/oriys/bplrt/internal/value"
)

// TimerArmer is the external timer service of §5 ("timers are external to
// instruction execution"). The engine arms a timer when a fiber suspends at
// a host carrying a boundary timer and disarms it when that host completes
// first; internal/timers provides the cron-backed production implementation.
type TimerArmer interface {
	Arm(ctx context.Context, instanceID, timerElementID string, deadline time.Time, cycle bool) error
	Disarm(ctx context.Context, instanceID, timerElementID string) error
}

// noopTimers discards every arm/disarm call; used when no timer service is
// wired (tests, or deployments with no boundary timers in their programs).
type noopTimers struct{}

func (noopTimers) Arm(context.Context, string, string, time.Time, bool) error { return nil }
func (noopTimers) Disarm(context.Context, string, string) error              { return nil }

// Config configures an Engine.
type Config struct {
	Timers TimerArmer
	// Now returns the current time; overridable so tests get deterministic
	// timer deadlines.
	Now func() time.Time
	// RetryPolicy is the default incident retry policy applied to ServiceTask
	// job failures (§7). Per-task-type overrides are an Open Question left
	// to the verb registry's future extension.
	RetryPolicy incident.Policy
	// AuditLog receives one TickLog entry per committed tick. Defaults to
	// logging.Default() when nil.
	AuditLog *logging.Logger
}

// Engine advances process instances by interpreting their compiled bytecode
// against a procstore.Store.
type Engine struct {
	store  procstore.Store
	timers TimerArmer
	now    func() time.Time
	policy incident.Policy
	audit  *logging.Logger
}

// New builds an Engine over store.
func New(store procstore.Store, cfg Config) *Engine {
	if cfg.Timers == nil {
		cfg.Timers = noopTimers{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RetryPolicy == (incident.Policy{}) {
		cfg.RetryPolicy = incident.DefaultPolicy
	}
	return &Engine{store: store, timers: cfg.Timers, now: cfg.Now, policy: cfg.RetryPolicy, audit: cfg.AuditLog}
}

// inclusiveTokenFlag is the single reserved flag key the engine uses to
// record how many tokens the program's sole diverging inclusive gateway
// emitted on its most recent activation (§4.5, §4.7). IR verify invariant 9
// caps v1 programs to at most one diverging/converging inclusive pair, so a
// single well-known key (outside any flag space a registry would plausibly
// assign, since FlagKey is a small per-verb integer) is sufficient; there is
// no ambiguity to resolve by correlating fork and join element ids.
const inclusiveTokenFlag = value.FlagKey(0xFFFFFFFF)

// jobSeqFlag is a second reserved flag key, counting total job activations
// emitted over the instance's life. §4.8 derives job_key from
// (instance_id, element_id, tick_seq); a service task that emits more than
// once (bounded-iteration retries) would otherwise collide on the same
// (instance_id, element_id) pair across emissions, so the engine folds this
// counter's pre-increment value in as the tick_seq component. It persists
// the same way any other flag does, via the tick's flagDelta.
const jobSeqFlag = value.FlagKey(0xFFFFFFFE)

// CreateInstance publishes a new instance of version, spawns its initial
// fiber at the program entry, and ticks it forward to its first suspension.
func (e *Engine) CreateInstance(ctx context.Context, processKey string, version [32]byte, payload value.DomainPayload, correlationID string) (string, error) {
	prog, err := e.store.LoadProgram(ctx, version)
	if err != nil {
		return "", fmt.Errorf("engine: load program %x: %w", version[:8], err)
	}

	instanceID := uuid.New().String()
	inst := procstore.Instance{
		InstanceID:        instanceID,
		ProcessKey:        processKey,
		Version:           version,
		DomainPayload:     payload,
		DomainPayloadHash: payload.Hash(),
		Flags:             value.FlagMap{},
		State:             procstore.Running,
		CorrelationID:     correlationID,
		CreatedAt:         e.now(),
	}
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return "", fmt.Errorf("engine: save instance: %w", err)
	}

	fiberID := uuid.New().String()
	fiber := procstore.Fiber{FiberID: fiberID, InstanceID: instanceID, PC: prog.Entry, Wait: procstore.Wait{Kind: procstore.WaitReady}}
	if _, err := e.store.AppendEvent(ctx, instanceID, procstore.Event{
		InstanceID: instanceID, Kind: procstore.EventFiberSpawned, FiberID: fiberID, At: e.now(),
	}); err != nil {
		return "", fmt.Errorf("engine: append spawn event: %w", err)
	}
	if err := e.store.SaveFiber(ctx, fiber); err != nil {
		return "", fmt.Errorf("engine: save fiber: %w", err)
	}

	if err := e.Tick(ctx, instanceID); err != nil {
		return instanceID, err
	}
	return instanceID, nil
}

// Tick acquires the instance-scoped lock and advances every Ready fiber of
// instanceID until each has suspended, returned, or raised an incident,
// then commits every staged mutation atomically (§4.7, §4.9(a)).
func (e *Engine) Tick(ctx context.Context, instanceID string) error {
	return observability.WrapTick(ctx, instanceID, func(ctx context.Context) error {
		return e.store.Lock(ctx, instanceID, func(ctx context.Context) error {
			return e.tickLocked(ctx, instanceID)
		})
	})
}

func (e *Engine) tickLocked(ctx context.Context, instanceID string) error {
	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("engine: load instance: %w", err)
	}
	if inst.State == procstore.Completed || inst.State == procstore.Cancelled || inst.State == procstore.Failed {
		return nil // nothing to advance; terminal instances never tick again
	}

	prog, err := e.store.LoadProgram(ctx, inst.Version)
	if err != nil {
		return fmt.Errorf("engine: load program: %w", err)
	}
	fibers, err := e.store.LoadFibers(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("engine: load fibers: %w", err)
	}

	tc := newTickContext(e, inst, prog)
	tc.fibersBefore = len(fibers)
	for _, f := range fibers {
		tc.fibers[f.FiberID] = f
		if f.Wait.Kind == procstore.WaitReady {
			tc.worklist = append(tc.worklist, f.FiberID)
		}
	}

	return e.drainAndCommit(ctx, tc)
}

// drainAndCommit runs every Ready fiber in tc.worklist to its next
// suspension point and commits the resulting TickMutation. Callers that
// resume a single fiber (job completions, timer fires, correlations)
// build tc directly and seed tc.worklist with just that fiber, rather than
// going through tickLocked's full fiber reload.
func (e *Engine) drainAndCommit(ctx context.Context, tc *tickContext) error {
	for len(tc.worklist) > 0 && !tc.terminal {
		fiberID := tc.worklist[0]
		tc.worklist = tc.worklist[1:]
		f, ok := tc.fibers[fiberID]
		if !ok {
			continue // destroyed by an earlier step this tick (e.g. join loser)
		}
		e.stepFiber(ctx, tc, f)
	}

	if tc.newState == nil {
		if len(tc.fibers) == 0 {
			if tc.inst.State != procstore.Completed {
				completed := procstore.Completed
				tc.newState = &completed
			}
		} else if tc.inst.State != procstore.Suspended {
			suspended := procstore.Suspended
			tc.newState = &suspended
		}
	}

	return e.commit(ctx, tc)
}

func (e *Engine) commit(ctx context.Context, tc *tickContext) error {
	start := e.now()
	m := procstore.TickMutation{
		InstanceID:  tc.instanceID,
		FlagUpdates: tc.flagDelta,
		Events:      tc.events,
		JobEnqueues: tc.jobEnqueues,
		NewState:    tc.newState,
	}
	for id, f := range tc.fibers {
		if tc.deleted[id] {
			continue
		}
		m.FibersToSave = append(m.FibersToSave, f)
	}
	for id := range tc.deleted {
		m.FiberIDsToDelete = append(m.FiberIDsToDelete, id)
	}
	if tc.payloadUpdate != nil {
		m.PayloadUpdate = tc.payloadUpdate
	}

	_, err := e.store.CommitTick(ctx, m)
	logEntry := &logging.TickLog{
		InstanceID:   tc.instanceID,
		ProcessKey:   tc.inst.ProcessKey,
		DurationMs:   e.now().Sub(start).Milliseconds(),
		Success:      err == nil,
		FibersBefore: tc.fibersBefore,
		FibersAfter:  len(m.FibersToSave),
		JobsEmitted:  len(tc.jobEnqueues),
		EventsCount:  len(tc.events),
	}
	if tc.newState != nil {
		logEntry.NewState = tc.newState.String()
	}
	if err != nil {
		logEntry.Error = err.Error()
	}
	e.auditLog().Log(logEntry)
	metrics.RecordTick(err == nil, logEntry.DurationMs)

	if err != nil {
		return fmt.Errorf("engine: commit tick: %w", err)
	}
	return nil
}

// auditLog returns the tick-audit logger; a nil Config.AuditLog falls back
// to the process-wide default so every Engine logs ticks somewhere.
func (e *Engine) auditLog() *logging.Logger {
	if e.audit != nil {
		return e.audit
	}
	return logging.Default()
}
