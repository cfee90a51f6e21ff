package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/bplrt/internal/bytecode"
	"github.com/oriys/bplrt/internal/incident"
	"github.com/oriys/bplrt/internal/logging"
	"github.com/oriys/bplrt/internal/metrics"
	"github.com/oriys/bplrt/internal/procstore"
	"github.com/oriys/bplrt/internal/value"
)

// tickContext accumulates everything one Tick produces before it is
// committed in a single TickMutation (§4.9(a)). Join arrivals, incidents,
// and job cancellations are the exceptions: §4.9 does not list them among
// the tick's atomic group, so they are applied directly against the store
// as they occur, mid-tick.
type tickContext struct {
	eng        *Engine
	instanceID string
	inst       procstore.Instance
	prog       *bytecode.CompiledProgram

	flags     value.FlagMap // read view: inst.Flags overlaid with flagDelta
	flagDelta value.FlagMap

	fibers       map[string]procstore.Fiber
	fibersBefore int
	deleted      map[string]bool
	worklist     []string

	events      []procstore.Event
	jobEnqueues []procstore.JobActivation

	newState      *procstore.InstanceState
	payloadUpdate *procstore.PayloadUpdate
	terminal      bool
}

func newTickContext(e *Engine, inst procstore.Instance, prog *bytecode.CompiledProgram) *tickContext {
	return &tickContext{
		eng:        e,
		instanceID: inst.InstanceID,
		inst:       inst,
		prog:       prog,
		flags:      inst.Flags.Clone(),
		flagDelta:  value.FlagMap{},
		fibers:     make(map[string]procstore.Fiber),
		deleted:    make(map[string]bool),
	}
}

func (tc *tickContext) getFlag(k value.FlagKey) value.Value { return tc.flags[k] }

func (tc *tickContext) setFlag(k value.FlagKey, v value.Value) {
	tc.flags[k] = v
	tc.flagDelta[k] = v
	tc.emit(procstore.Event{Kind: procstore.EventFlagSet, Detail: fmt.Sprintf("f%d=%s", k, v)})
}

func (tc *tickContext) emit(e procstore.Event) {
	e.InstanceID = tc.instanceID
	e.At = tc.eng.now()
	tc.events = append(tc.events, e)
}

func (tc *tickContext) spawnFiber(pc bytecode.Addr, wait procstore.Wait) procstore.Fiber {
	f := procstore.Fiber{FiberID: uuid.New().String(), InstanceID: tc.instanceID, PC: pc, Wait: wait}
	tc.fibers[f.FiberID] = f
	if wait.Kind == procstore.WaitReady {
		tc.worklist = append(tc.worklist, f.FiberID)
	}
	tc.emit(procstore.Event{Kind: procstore.EventFiberSpawned, FiberID: f.FiberID})
	return f
}

func (tc *tickContext) retireFiber(fiberID string) {
	tc.deleted[fiberID] = true
	delete(tc.fibers, fiberID)
}

func pop(stack *[]value.Value) value.Value {
	n := len(*stack)
	if n == 0 {
		return value.Value{}
	}
	v := (*stack)[n-1]
	*stack = (*stack)[:n-1]
	return v
}

// stepFiber interprets f until it suspends, returns, forks, or raises a
// terminal incident, mutating tc in place. The fiber itself is re-saved into
// tc.fibers (or retired) before returning; callers must not reuse f.
func (e *Engine) stepFiber(ctx context.Context, tc *tickContext, f procstore.Fiber) {
	stack := append([]value.Value(nil), f.Stack...)

	for {
		if int(f.PC) >= len(tc.prog.Instrs) {
			tc.retireFiber(f.FiberID)
			return
		}
		ins := tc.prog.Instrs[f.PC]

		switch ins.Op {
		case bytecode.OpLoadConst:
			stack = append(stack, ins.Const)
			f.PC++

		case bytecode.OpLoadFlag:
			stack = append(stack, tc.getFlag(ins.Flag))
			f.PC++

		case bytecode.OpStoreFlag:
			tc.setFlag(ins.Flag, pop(&stack))
			f.PC++

		case bytecode.OpJump:
			f.PC = ins.Target

		case bytecode.OpBrIf:
			if pop(&stack).Truthy() {
				f.PC = ins.Target
			} else {
				f.PC++
			}

		case bytecode.OpBrIfNot:
			if !pop(&stack).Truthy() {
				f.PC = ins.Target
			} else {
				f.PC++
			}

		case bytecode.OpBrCounterLt:
			counter, _ := tc.getFlag(ins.Counter).AsInt()
			limit, _ := tc.getFlag(ins.Limit).AsInt()
			if counter < limit {
				tc.setFlag(ins.Counter, value.Int(counter+1))
				f.PC = ins.Target
			} else {
				f.PC++
			}

		case bytecode.OpReturn:
			f.Stack = stack
			e.handleReturn(ctx, tc, f, ins)
			return

		case bytecode.OpEmitJob:
			f.PC++
			f.Stack = stack
			e.handleEmitJob(tc, f, ins)
			return

		case bytecode.OpAwaitTimer:
			f.PC++
			f.Stack = stack
			e.handleAwaitTimer(ctx, tc, f, ins)
			return

		case bytecode.OpAwaitCorrelation:
			f.PC++
			f.Stack = stack
			e.handleAwaitCorrelation(ctx, tc, f, ins)
			return

		case bytecode.OpFork:
			f.Stack = stack
			e.handleFork(tc, f, ins)
			return

		case bytecode.OpJoinArrive:
			f.Stack = stack
			if !e.handleJoinArrive(ctx, tc, &f, ins) {
				return // this arrival did not release the barrier; fiber retired
			}
			stack = f.Stack
			f.PC++

		case bytecode.OpIncident:
			f.Stack = stack
			e.raiseIncident(ctx, tc, ins.ElementID, ins.Code, ins.SeverityV, "bytecode incident")
			tc.retireFiber(f.FiberID)
			return

		default:
			logging.Op().Error("engine: unknown opcode", "op", ins.Op, "instance", tc.instanceID)
			tc.retireFiber(f.FiberID)
			return
		}
	}
}

// handleReturn processes an End node. A terminate End (§3) cancels every
// other fiber and outstanding job in the instance and completes it
// immediately; an ordinary End only retires its own fiber, and the
// instance as a whole completes once no fiber remains.
func (e *Engine) handleReturn(ctx context.Context, tc *tickContext, f procstore.Fiber, ins bytecode.Instr) {
	tc.retireFiber(f.FiberID)
	tc.emit(procstore.Event{Kind: procstore.EventFiberSuspended, FiberID: f.FiberID, Detail: "return:" + ins.ElementID})

	if tc.prog.TerminateEnds[ins.ElementID] {
		for id := range tc.fibers {
			tc.retireFiber(id)
		}
		tc.worklist = nil
		if cancelled, err := tc.eng.store.CancelJobsForInstance(ctx, tc.instanceID); err != nil {
			logging.Op().Error("engine: cancel jobs on terminate", "instance", tc.instanceID, "error", err)
		} else if len(cancelled) > 0 {
			tc.emit(procstore.Event{Kind: procstore.EventJobCompleted, Detail: fmt.Sprintf("terminated %d jobs", len(cancelled))})
		}
		completed := procstore.Completed
		tc.newState = &completed
		tc.terminal = true
	}
}

// handleEmitJob dispatches a ServiceTask's job and suspends f on its
// completion. The job key embeds the instance id so JobSucceeded (which
// only receives a bare JobCompletion) can recover it, and a tick_seq drawn
// from jobSeqFlag so repeat emissions of the same service task don't
// collide.
func (e *Engine) handleEmitJob(tc *tickContext, f procstore.Fiber, ins bytecode.Instr) {
	seq, _ := tc.getFlag(jobSeqFlag).AsInt()
	tc.setFlag(jobSeqFlag, value.Int(seq+1))
	jobKey := makeJobKey(tc.instanceID, ins.ServiceTaskID, seq)
	orchFlags := value.FlagMap{}
	for _, k := range ins.Inputs {
		orchFlags[k] = tc.getFlag(k)
	}
	job := procstore.JobActivation{
		JobKey:            jobKey,
		InstanceID:        tc.instanceID,
		TaskType:          ins.TaskType,
		ServiceTaskID:     ins.ServiceTaskID,
		DomainPayload:     tc.inst.DomainPayload,
		DomainPayloadHash: tc.inst.DomainPayloadHash,
		OrchFlags:         orchFlags,
		RetriesRemaining:  e.policy.MaxAttempts,
	}
	tc.jobEnqueues = append(tc.jobEnqueues, job)

	f.Wait = procstore.Wait{Kind: procstore.WaitJob, JobKey: jobKey, HostID: ins.ServiceTaskID}
	tc.fibers[f.FiberID] = f
	tc.emit(procstore.Event{Kind: procstore.EventJobEmitted, FiberID: f.FiberID, JobKey: jobKey, Detail: ins.TaskType})
	metrics.RecordJobEmitted(ins.TaskType)
	metrics.RecordFiberSuspension("job")

	e.armBoundaryWatchers(tc, ins.ServiceTaskID)
}

// handleAwaitTimer suspends f until either a standalone timer fires or, for
// a boundary-watcher fiber spawned by armBoundaryWatchers, the attached
// host's boundary timer fires first.
func (e *Engine) handleAwaitTimer(ctx context.Context, tc *tickContext, f procstore.Fiber, ins bytecode.Instr) {
	deadline, cycle := resolveTimerDeadline(e.now(), ins.TimerSpec)
	f.Wait = procstore.Wait{Kind: procstore.WaitTimer, Deadline: deadline, HostID: ins.ElementID}
	tc.fibers[f.FiberID] = f
	if err := e.timers.Arm(ctx, tc.instanceID, ins.ElementID, deadline, cycle); err != nil {
		logging.Op().Error("engine: arm timer failed", "instance", tc.instanceID, "element", ins.ElementID, "error", err)
	}
	tc.emit(procstore.Event{Kind: procstore.EventTimerArmed, FiberID: f.FiberID, Detail: ins.ElementID})
	metrics.RecordFiberSuspension("timer")
}

// handleAwaitCorrelation suspends f until a matching named correlation is
// delivered. The correlation key is read from the flag the compiler wired
// as CorrelationKey (flag 0 in the current compiler, per §4.5's HumanWait
// lowering), letting a business flow stage its match key before waiting.
func (e *Engine) handleAwaitCorrelation(ctx context.Context, tc *tickContext, f procstore.Fiber, ins bytecode.Instr) {
	key := tc.getFlag(ins.CorrelationKey)
	// A message buffered by DeliverCorrelation before this fiber arrived
	// resumes it at once instead of parking it.
	if raw, ok, err := e.store.DeadLetterTake(ctx, ins.CorrelationName, key); err != nil {
		logging.Op().Error("engine: dead-letter take failed", "instance", tc.instanceID, "name", ins.CorrelationName, "error", err)
	} else if ok {
		if payload, perr := value.NewDomainPayload(raw); perr == nil {
			tc.payloadUpdate = &procstore.PayloadUpdate{Payload: payload, Hash: payload.Hash()}
			tc.fibers[f.FiberID] = f
			tc.worklist = append(tc.worklist, f.FiberID)
			tc.emit(procstore.Event{Kind: procstore.EventFiberResumed, FiberID: f.FiberID, Detail: "correlation:" + ins.CorrelationName})
			return
		}
	}
	f.Wait = procstore.Wait{Kind: procstore.WaitCorrelation, CorrelationName: ins.CorrelationName, CorrelationKey: key, HostID: ins.ElementID}
	tc.fibers[f.FiberID] = f
	tc.emit(procstore.Event{Kind: procstore.EventFiberSuspended, FiberID: f.FiberID, Detail: "await:" + ins.CorrelationName})
	metrics.RecordFiberSuspension("correlation")
}

// armBoundaryWatchers spawns one Ready fiber per boundary timer attached to
// hostID, entering directly at its compiled AwaitTimer address so the main
// interpreter loop arms the real timer on the very next step.
func (e *Engine) armBoundaryWatchers(tc *tickContext, hostID string) {
	for _, t := range tc.prog.Boundary.Timers[hostID] {
		tc.spawnFiber(t.AwaitAddr, procstore.Wait{Kind: procstore.WaitReady})
	}
}

// handleFork executes a parallel (AND) or guarded (inclusive) diverging
// gateway: the executing fiber is terminal (§4.7 "fork retires the forking
// fiber"), replaced by one new Ready fiber per active branch, each stepped
// within this same tick.
func (e *Engine) handleFork(tc *tickContext, f procstore.Fiber, ins bytecode.Instr) {
	tc.retireFiber(f.FiberID)

	if ins.Inputs == nil {
		for _, addr := range ins.FiberEntries {
			tc.spawnFiber(addr, procstore.Wait{Kind: procstore.WaitReady})
		}
		return
	}

	// Inclusive: only branches whose guard flag is truthy (0 = default,
	// always active) spawn; the count of spawned branches is staged into
	// the reserved flag the paired join compares arrivals against.
	active := 0
	for i, addr := range ins.FiberEntries {
		guard := ins.Inputs[i]
		if guard != 0 && !tc.getFlag(guard).Truthy() {
			continue
		}
		tc.spawnFiber(addr, procstore.Wait{Kind: procstore.WaitReady})
		active++
	}
	tc.setFlag(inclusiveTokenFlag, value.Int(int64(active)))
	if active == 0 {
		e.raiseIncident(context.Background(), tc, ins.ElementID, "inclusive-gateway-no-branch",
			bytecode.Fatal, "diverging inclusive gateway activated zero branches")
	}
}

// handleJoinArrive advances a join counter (committed immediately against
// the store, outside the tick's batch per §4.9) and reports whether this
// arrival released the barrier. A released join leaves exactly one
// surviving fiber to continue past the join; every other arrival retires
// its fiber.
func (e *Engine) handleJoinArrive(ctx context.Context, tc *tickContext, f *procstore.Fiber, ins bytecode.Instr) bool {
	count, err := e.store.JoinArrive(ctx, tc.instanceID, ins.JoinID)
	if err != nil {
		logging.Op().Error("engine: join arrive failed", "instance", tc.instanceID, "join", ins.JoinID, "error", err)
		tc.retireFiber(f.FiberID)
		return false
	}
	tc.emit(procstore.Event{Kind: procstore.EventJoinArrived, FiberID: f.FiberID, JoinID: ins.JoinID})

	expected := ins.Expected
	if expected < 0 { // inclusive: token-counted, not static fan-in
		tokens, _ := tc.getFlag(inclusiveTokenFlag).AsInt()
		expected = int(tokens)
	}

	if count < expected {
		tc.retireFiber(f.FiberID)
		return false
	}

	if err := e.store.JoinReset(ctx, tc.instanceID, ins.JoinID); err != nil {
		logging.Op().Error("engine: join reset failed", "instance", tc.instanceID, "join", ins.JoinID, "error", err)
	}
	tc.fibers[f.FiberID] = *f
	tc.emit(procstore.Event{Kind: procstore.EventJoinReleased, FiberID: f.FiberID, JoinID: ins.JoinID})
	metrics.RecordJoinReleased()
	return true
}

// raiseIncident records an Incident (committed immediately, outside the
// tick's batch, per §4.9) and, if a boundary-error catch is attached to
// elementID, spawns a fiber at its target in the same tick. With no match,
// a Fatal incident fails the instance; a Retriable one is left for the job
// dispatch layer's own retry policy to resolve.
func (e *Engine) raiseIncident(ctx context.Context, tc *tickContext, elementID, code string, sev bytecode.Severity, detail string) {
	severity := procstore.IncidentRetriable
	if sev == bytecode.Fatal {
		severity = procstore.IncidentFatal
	}
	inc := incident.New(tc.instanceID, code, elementID, severity, detail, e.now())
	if err := e.store.SaveIncident(ctx, inc); err != nil {
		logging.Op().Error("engine: save incident failed", "instance", tc.instanceID, "error", err)
	}
	tc.emit(procstore.Event{Kind: procstore.EventIncidentRaised, Detail: elementID + ":" + code})
	if severity == procstore.IncidentFatal {
		metrics.RecordIncident("fatal")
	} else {
		metrics.RecordIncident("retriable")
	}

	if entry, ok := matchBoundaryError(tc.prog.Boundary.Errors[elementID], code); ok {
		e.cancelSiblingWaits(tc, elementID)
		tc.spawnFiber(entry.Target, procstore.Wait{Kind: procstore.WaitReady})
		return
	}

	if severity == procstore.IncidentFatal {
		for id := range tc.fibers {
			tc.retireFiber(id)
		}
		tc.worklist = nil
		failed := procstore.Failed
		tc.newState = &failed
		tc.terminal = true
	}
}

// matchBoundaryError finds the first catch whose ErrorCode matches code
// exactly, falling back to the first catch-all (empty ErrorCode), in
// declaration order (§4.7).
func matchBoundaryError(entries []bytecode.BoundaryErrorEntry, code string) (bytecode.BoundaryErrorEntry, bool) {
	var catchAll *bytecode.BoundaryErrorEntry
	for i := range entries {
		if entries[i].ErrorCode == code {
			return entries[i], true
		}
		if entries[i].ErrorCode == "" && catchAll == nil {
			catchAll = &entries[i]
		}
	}
	if catchAll != nil {
		return *catchAll, true
	}
	return bytecode.BoundaryErrorEntry{}, false
}

// cancelSiblingWaits retires every other fiber still watching hostID (its
// main activity wait and any other boundary-timer watchers), implementing
// the interrupting-boundary-event convention that the first boundary event
// to fire wins.
func (e *Engine) cancelSiblingWaits(tc *tickContext, hostID string) {
	e.cancelSiblingWaitsExcept(tc, hostID, "")
}

// makeJobKey derives job_key from (instance_id, element_id, tick_seq) per
// §4.8. seq is this service task's ordinal among all job activations the
// instance has ever emitted, so a ServiceTask re-emitted across
// bounded-iteration retries doesn't collide with its own earlier activation.
func makeJobKey(instanceID, serviceTaskID string, seq int64) string {
	return fmt.Sprintf("%s#%s#%d", instanceID, serviceTaskID, seq)
}

func parseJobKeyInstance(jobKey string) (string, bool) {
	idx := strings.IndexByte(jobKey, '#')
	if idx < 0 {
		return "", false
	}
	return jobKey[:idx], true
}

// resolveTimerDeadline parses a timer spec. A spec prefixed "R/" (e.g.
// "R/1h") is reported as a repeating cycle timer; the period after the
// prefix, like any spec without it, is read with time.ParseDuration. A spec
// that does not parse as a Go duration, including ISO-8601 forms such as
// "PT1H", falls back to one minute.
func resolveTimerDeadline(now time.Time, spec string) (time.Time, bool) {
	cycle := strings.HasPrefix(spec, "R/")
	raw := strings.TrimPrefix(spec, "R/")
	d, err := time.ParseDuration(raw)
	if err != nil {
		d = time.Minute
	}
	return now.Add(d), cycle
}
