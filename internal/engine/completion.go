package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/bplrt/internal/bytecode"
	"github.com/oriys/bplrt/internal/incident"
	"github.com/oriys/bplrt/internal/jobqueue"
	"github.com/oriys/bplrt/internal/logging"
	"github.com/oriys/bplrt/internal/metrics"
	"github.com/oriys/bplrt/internal/observability"
	"github.com/oriys/bplrt/internal/procstore"
	"github.com/oriys/bplrt/internal/value"
)

// correlationDeadLetterTTL bounds how long an undelivered correlation
// message waits in the dead-letter buffer for a matching HumanWait to reach
// its AwaitCorrelation before being dropped (§4.8).
const correlationDeadLetterTTL = 24 * time.Hour

var _ jobqueue.CompletionSink = (*Engine)(nil)

// JobSucceeded implements jobqueue.CompletionSink. It locates the fiber
// suspended on completion's job key, merges the worker's orch_flags and any
// revised domain payload into the instance, wakes the fiber, and ticks.
func (e *Engine) JobSucceeded(ctx context.Context, completion procstore.JobCompletion) error {
	instanceID, ok := parseJobKeyInstance(completion.JobKey)
	if !ok {
		return fmt.Errorf("engine: malformed job key %q", completion.JobKey)
	}
	return observability.WrapTick(ctx, instanceID, func(ctx context.Context) error {
		return e.store.Lock(ctx, instanceID, func(ctx context.Context) error {
			return e.jobSucceededLocked(ctx, instanceID, completion)
		})
	})
}

func (e *Engine) jobSucceededLocked(ctx context.Context, instanceID string, completion procstore.JobCompletion) error {
	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("engine: load instance: %w", err)
	}
	if isTerminal(inst.State) {
		logging.Op().Debug("engine: job completion for terminal instance ignored", "instance", instanceID, "job_key", completion.JobKey)
		return nil
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
	}

	// §4.8 dedupe: a prior completion cached under this job key means this
	// delivery is either an exact replay (no-op, audited only) or a
	// divergent redelivery, which is a DedupeConflict incident rather than
	// a silent overwrite. Checked before locating the waiting fiber since a
	// replay's fiber has typically already resumed and moved on.
	if cached, ok, derr := e.store.DedupeGet(ctx, completion.JobKey); derr == nil && ok {
		if dedupeCompletionsEqual(cached, completion) {
			logging.Op().Debug("engine: dedupe replay, no-op", "instance", instanceID, "job_key", completion.JobKey)
			return nil
		}
		metrics.RecordDedupeConflict()
		e.raiseIncident(ctx, tc, completion.JobKey, "DedupeConflict", bytecode.Fatal,
			fmt.Sprintf("%s: job %s: cached completion hash %s, redelivered hash %s", jobqueue.ErrDedupeConflict, completion.JobKey, cached.DomainPayloadHash, completion.DomainPayloadHash))
		return e.drainAndCommit(ctx, tc)
	}

	var target *procstore.Fiber
	for i := range fibers {
		if fibers[i].Wait.Kind == procstore.WaitJob && fibers[i].Wait.JobKey == completion.JobKey {
			target = &fibers[i]
			break
		}
	}
	if target == nil {
		// A stray completion for a cancelled job, or a dedupe miss that
		// nonetheless can't find its fiber (programming error upstream);
		// neither warrants an event in the instance's own log.
		logging.Op().Debug("engine: stale job completion", "instance", instanceID, "job_key", completion.JobKey)
		return nil
	}

	if completion.DomainPayloadHash != inst.DomainPayloadHash {
		tc.payloadUpdate = &procstore.PayloadUpdate{Payload: completion.DomainPayload, Hash: completion.DomainPayloadHash}
	}
	for k, v := range completion.OrchFlags {
		tc.setFlag(k, v)
	}

	e.cancelSiblingWaitsExcept(tc, target.Wait.HostID, target.FiberID)

	f := *target
	f.Wait = procstore.Wait{Kind: procstore.WaitReady}
	tc.fibers[f.FiberID] = f
	tc.worklist = append(tc.worklist, f.FiberID)
	tc.emit(procstore.Event{Kind: procstore.EventJobCompleted, FiberID: f.FiberID, JobKey: completion.JobKey})

	if err := e.store.DedupePut(ctx, completion.JobKey, completion); err != nil {
		logging.Op().Error("engine: dedupe put failed", "instance", instanceID, "job_key", completion.JobKey, "error", err)
	}

	return e.drainAndCommit(ctx, tc)
}

// dedupeCompletionsEqual implements §4.8's replay-equivalence test: the
// cached and redelivered completion agree on the resulting payload hash and
// every orchestration flag they set.
func dedupeCompletionsEqual(a, b procstore.JobCompletion) bool {
	if a.DomainPayloadHash != b.DomainPayloadHash {
		return false
	}
	if len(a.OrchFlags) != len(b.OrchFlags) {
		return false
	}
	for k, v := range a.OrchFlags {
		bv, ok := b.OrchFlags[k]
		if !ok || !value.Equal(v, bv) {
			return false
		}
	}
	return true
}

// JobFailed implements jobqueue.CompletionSink. job already carries
// InstanceID directly, so no job-key parsing is needed here. The incident
// policy decides retry vs. fatal; a retriable failure re-enqueues the same
// job (same job key, so the dedupe cache still recognizes a late duplicate
// completion of an earlier attempt).
func (e *Engine) JobFailed(ctx context.Context, job procstore.JobActivation, cause error) error {
	return observability.WrapTick(ctx, job.InstanceID, func(ctx context.Context) error {
		return e.store.Lock(ctx, job.InstanceID, func(ctx context.Context) error {
			return e.jobFailedLocked(ctx, job, cause)
		})
	})
}

func (e *Engine) jobFailedLocked(ctx context.Context, job procstore.JobActivation, cause error) error {
	inst, err := e.store.LoadInstance(ctx, job.InstanceID)
	if err != nil {
		return fmt.Errorf("engine: load instance: %w", err)
	}
	if isTerminal(inst.State) {
		return nil
	}

	attempt := e.policy.MaxAttempts - job.RetriesRemaining + 1
	severity := incident.Classify(attempt, e.policy, isWorkerFatal(cause))

	prog, err := e.store.LoadProgram(ctx, inst.Version)
	if err != nil {
		return fmt.Errorf("engine: load program: %w", err)
	}
	fibers, err := e.store.LoadFibers(ctx, job.InstanceID)
	if err != nil {
		return fmt.Errorf("engine: load fibers: %w", err)
	}
	tc := newTickContext(e, inst, prog)
	tc.fibersBefore = len(fibers)
	for _, f := range fibers {
		tc.fibers[f.FiberID] = f
	}

	bcSeverity := bytecode.Retriable
	if severity == procstore.IncidentFatal {
		bcSeverity = bytecode.Fatal
	}
	e.raiseIncident(ctx, tc, job.ServiceTaskID, "job-failed", bcSeverity, cause.Error())

	if severity != procstore.IncidentFatal && !tc.terminal {
		job.RetriesRemaining--
		tc.jobEnqueues = append(tc.jobEnqueues, job)
		tc.emit(procstore.Event{Kind: procstore.EventJobEmitted, JobKey: job.JobKey, Detail: "retry:" + job.TaskType})
	}

	return e.drainAndCommit(ctx, tc)
}

// fatalJobError lets a Handler mark a failure as non-retriable regardless of
// attempts remaining (e.g. a validation error no retry could fix).
type fatalJobError interface {
	Fatal() bool
}

func isWorkerFatal(cause error) bool {
	var fe fatalJobError
	if errors.As(cause, &fe) {
		return fe.Fatal()
	}
	return false
}

func isTerminal(s procstore.InstanceState) bool {
	return s == procstore.Completed || s == procstore.Cancelled || s == procstore.Failed
}

// HandleTimerFired resumes the boundary-watcher (or standalone) fiber armed
// for elementID once internal/timers reports a firing.
func (e *Engine) HandleTimerFired(ctx context.Context, instanceID, elementID string) error {
	return e.store.Lock(ctx, instanceID, func(ctx context.Context) error {
		inst, err := e.store.LoadInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("engine: load instance: %w", err)
		}
		if isTerminal(inst.State) {
			return nil
		}
		fibers, err := e.store.LoadFibers(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("engine: load fibers: %w", err)
		}
		var target *procstore.Fiber
		for i := range fibers {
			if fibers[i].Wait.Kind == procstore.WaitTimer && fibers[i].Wait.HostID == elementID {
				target = &fibers[i]
				break
			}
		}
		if target == nil {
			logging.Op().Debug("engine: stale timer fire", "instance", instanceID, "element", elementID)
			return nil
		}
		prog, err := e.store.LoadProgram(ctx, inst.Version)
		if err != nil {
			return fmt.Errorf("engine: load program: %w", err)
		}
		tc := newTickContext(e, inst, prog)
		tc.fibersBefore = len(fibers)
		for _, f := range fibers {
			tc.fibers[f.FiberID] = f
		}
		tc.emit(procstore.Event{Kind: procstore.EventTimerFired, FiberID: target.FiberID, Detail: elementID})

		// A firing boundary timer is the host's error-boundary sibling: if
		// it is interrupting, every other wait on the host activity itself
		// (not the boundary timer's own element id) is cancelled, matching
		// cancelSiblingWaits' use from raiseIncident.
		hostID, entry := findTimerEntry(tc.prog.Boundary.Timers, elementID)
		if entry != nil && entry.Interrupting {
			e.cancelSiblingWaitsExcept(tc, hostID, target.FiberID)
		}

		f := *target
		f.Wait = procstore.Wait{Kind: procstore.WaitReady}
		tc.fibers[f.FiberID] = f
		tc.worklist = append(tc.worklist, f.FiberID)
		tc.emit(procstore.Event{Kind: procstore.EventBoundaryFired, FiberID: f.FiberID, Detail: elementID})

		return e.drainAndCommit(ctx, tc)
	})
}

// findTimerEntry locates the BoundaryTimerEntry compiled for elementID
// (the boundary timer's own id) along with the host activity id it was
// found under, since BoundaryIndex.Timers is keyed by host, not by the
// boundary timer's own element id.
func findTimerEntry(idx map[string][]bytecode.BoundaryTimerEntry, elementID string) (string, *bytecode.BoundaryTimerEntry) {
	for hostID, entries := range idx {
		for i := range entries {
			if entries[i].ElementID == elementID {
				return hostID, &entries[i]
			}
		}
	}
	return "", nil
}

// DeliverCorrelation resumes every fiber waiting on name whose
// CorrelationKey equals key, merging payload into the instance's domain
// payload. If no fiber is waiting, the delivery is buffered in the
// dead-letter store for a later arrival to pick up (§4.8).
func (e *Engine) DeliverCorrelation(ctx context.Context, instanceID, name string, key value.Value, payload value.DomainPayload) error {
	return e.store.Lock(ctx, instanceID, func(ctx context.Context) error {
		inst, err := e.store.LoadInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("engine: load instance: %w", err)
		}
		if isTerminal(inst.State) {
			return nil
		}
		fibers, err := e.store.LoadFibers(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("engine: load fibers: %w", err)
		}
		var target *procstore.Fiber
		for i := range fibers {
			w := fibers[i].Wait
			if w.Kind == procstore.WaitCorrelation && w.CorrelationName == name && value.Equal(w.CorrelationKey, key) {
				target = &fibers[i]
				break
			}
		}
		if target == nil {
			if err := e.store.DeadLetterPut(ctx, name, key, payload.Bytes(), correlationDeadLetterTTL); err != nil {
				return fmt.Errorf("engine: dead-letter put: %w", err)
			}
			return nil
		}

		prog, err := e.store.LoadProgram(ctx, inst.Version)
		if err != nil {
			return fmt.Errorf("engine: load program: %w", err)
		}
		tc := newTickContext(e, inst, prog)
		tc.fibersBefore = len(fibers)
		for _, f := range fibers {
			tc.fibers[f.FiberID] = f
		}
		tc.payloadUpdate = &procstore.PayloadUpdate{Payload: payload, Hash: payload.Hash()}

		f := *target
		f.Wait = procstore.Wait{Kind: procstore.WaitReady}
		tc.fibers[f.FiberID] = f
		tc.worklist = append(tc.worklist, f.FiberID)
		tc.emit(procstore.Event{Kind: procstore.EventFiberResumed, FiberID: f.FiberID, Detail: "correlation:" + name})

		return e.drainAndCommit(ctx, tc)
	})
}

// cancelSiblingWaitsExcept is cancelSiblingWaits restricted to fibers other
// than keepFiberID, used when the surviving fiber is being woken in the
// same pass that cancels its siblings.
func (e *Engine) cancelSiblingWaitsExcept(tc *tickContext, hostID, keepFiberID string) {
	// Boundary-timer watchers wait under the timer's own element id, not
	// the host's.
	watchers := make(map[string]bool)
	for _, t := range tc.prog.Boundary.Timers[hostID] {
		watchers[t.ElementID] = true
	}
	for id, f := range tc.fibers {
		if id == keepFiberID {
			continue
		}
		if f.Wait.HostID == hostID || watchers[f.Wait.HostID] {
			if f.Wait.Kind == procstore.WaitTimer {
				if err := e.timers.Disarm(context.Background(), tc.instanceID, f.Wait.HostID); err != nil {
					logging.Op().Error("engine: disarm timer failed", "instance", tc.instanceID, "element", f.Wait.HostID, "error", err)
				}
			}
			tc.retireFiber(id)
		}
	}
}
