// Package procstore specifies the abstract persistence contract the engine
// runs on (§4.9): instances, fibers, join counters, the dedupe cache, the
// job queue, the program store, the dead-letter buffer, the event log,
// payload history, and incidents. It is an interface-only package; the
// in-memory reference implementation lives in internal/memstore.
package procstore

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/bplrt/internal/bytecode"
	"github.com/oriys/bplrt/internal/value"
)

// ErrNotFound is returned by any required load that finds nothing.
var ErrNotFound = errors.New("procstore: not found")

// ErrLockConflict names an instance-scoped tick lock already held by a
// concurrent tick for the same instance. The Lock implementations in this
// repository (memstore, pgstore) wait for the lock and never return it.
var ErrLockConflict = errors.New("procstore: instance lock held")

// InstanceState is the lifecycle state of an Instance (§3). It is monotone
// except for the Running<->Suspended oscillation.
type InstanceState uint8

const (
	Running InstanceState = iota
	Suspended
	Completed
	Cancelled
	Failed
)

func (s InstanceState) String() string {
	switch s {
	case Running:
		return "Running"
	case Suspended:
		return "Suspended"
	case Completed:
		return "Completed"
	case Cancelled:
		return "Cancelled"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Instance is the persisted state-machine record.
type Instance struct {
	InstanceID        string
	ProcessKey        string
	Version           [32]byte
	DomainPayload     value.DomainPayload
	DomainPayloadHash value.PayloadHash
	Flags             value.FlagMap
	State             InstanceState
	CorrelationID     string
	CreatedAt         time.Time
}

// WaitKind classifies a Fiber's suspension.
type WaitKind uint8

const (
	WaitReady WaitKind = iota
	WaitJob
	WaitTimer
	WaitCorrelation
	WaitJoin
)

// Wait is a fiber's current suspension, tagged by WaitKind.
type Wait struct {
	Kind            WaitKind
	JobKey          string    // WaitJob
	Deadline        time.Time // WaitTimer
	CorrelationName string    // WaitCorrelation
	CorrelationKey  value.Value
	JoinID          string // WaitJoin
	// HostID is the element id this wait is ultimately watching on behalf
	// of: the ServiceTask for WaitJob, the HumanWait for WaitCorrelation,
	// or the boundary timer's own element id for a boundary-timer watcher
	// fiber's WaitTimer. The engine uses it to find and cancel a host's
	// waits and its boundary watchers when one of them finishes first.
	HostID string
}

// Fiber is a persisted lightweight thread of execution within an instance.
type Fiber struct {
	FiberID    string
	InstanceID string
	PC         bytecode.Addr
	Stack      []value.Value
	Wait       Wait
}

// JobActivation is a unit of externally-dispatched work (§3).
type JobActivation struct {
	JobKey            string
	InstanceID        string
	TaskType          string
	ServiceTaskID     string
	DomainPayload     value.DomainPayload
	DomainPayloadHash value.PayloadHash
	OrchFlags         value.FlagMap
	RetriesRemaining  int
}

// JobCompletion is the result a worker reports back for a JobActivation.
type JobCompletion struct {
	JobKey            string
	DomainPayload     value.DomainPayload
	DomainPayloadHash value.PayloadHash
	OrchFlags         value.FlagMap
}

// IncidentSeverity classifies an Incident as retriable or fatal.
type IncidentSeverity uint8

const (
	IncidentRetriable IncidentSeverity = iota
	IncidentFatal
)

// Incident is a per-instance, append-only, ordered error record.
type Incident struct {
	InstanceID  string
	Code        string
	ElementID   string
	Severity    IncidentSeverity
	Timestamp   time.Time
	Detail      string
}

// EventKind enumerates the RuntimeEvent kinds named in §3.
type EventKind uint8

const (
	EventFlagSet EventKind = iota
	EventFiberSpawned
	EventFiberSuspended
	EventFiberResumed
	EventJobEmitted
	EventJobCompleted
	EventTimerArmed
	EventTimerFired
	EventJoinArrived
	EventJoinReleased
	EventBoundaryFired
	EventIncidentRaised
	EventInstanceStateChanged
)

func (k EventKind) String() string {
	names := [...]string{
		"FlagSet", "FiberSpawned", "FiberSuspended", "FiberResumed",
		"JobEmitted", "JobCompleted", "TimerArmed", "TimerFired",
		"JoinArrived", "JoinReleased", "BoundaryFired", "IncidentRaised",
		"InstanceStateChanged",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// Event is one entry in an instance's strictly ordered event log.
type Event struct {
	InstanceID string
	Kind       EventKind
	FiberID    string
	JobKey     string
	JoinID     string
	Detail     string
	Seq        uint64 // allocated by the store at append time
	At         time.Time
}

// TickMutation bundles every write one engine tick produces. The store must
// apply it atomically per §4.9(a): flags, events, job enqueues, fiber
// saves/deletes, and any state transition land together or not at all.
type TickMutation struct {
	InstanceID      string
	FlagUpdates     value.FlagMap
	Events          []Event
	JobEnqueues     []JobActivation
	FibersToSave    []Fiber
	FiberIDsToDelete []string
	NewState        *InstanceState // nil = no state transition this tick
	PayloadUpdate   *PayloadUpdate
}

// PayloadUpdate pairs a new payload with its content hash. CommitTick
// records the instance's outgoing payload in payload history before
// replacing it, in the same commit (§4.9(c)).
type PayloadUpdate struct {
	Payload value.DomainPayload
	Hash    value.PayloadHash
}

// Store is the full process store contract. Implementations must uphold
// the atomicity groups documented on each method and in the package
// comment's §4.9 reference.
type Store interface {
	InstanceStore
	FiberStore
	JoinStore
	DedupeStore
	JobQueueStore
	ProgramStore
	DeadLetterStore
	EventStore
	PayloadHistoryStore
	IncidentStore

	// CommitTick applies a TickMutation atomically: all-or-nothing across
	// flags, events, job enqueues, fiber saves/deletes, and any state
	// transition (§4.9(a)). It returns the allocated seq for each event in
	// Events, in the same order.
	CommitTick(ctx context.Context, m TickMutation) ([]uint64, error)

	// Lock acquires the instance-scoped tick lock for the duration of fn;
	// concurrent ticks for the same instance_id are forbidden (§5).
	Lock(ctx context.Context, instanceID string, fn func(context.Context) error) error
}

// InstanceStore covers the "Instance" operation group of §4.9.
type InstanceStore interface {
	SaveInstance(ctx context.Context, inst Instance) error
	LoadInstance(ctx context.Context, instanceID string) (Instance, error)
	UpdateInstanceState(ctx context.Context, instanceID string, state InstanceState) error
	UpdateInstanceFlags(ctx context.Context, instanceID string, flags value.FlagMap) error
	UpdateInstancePayload(ctx context.Context, instanceID string, payload value.DomainPayload, hash value.PayloadHash) error
}

// FiberStore covers the "Fibers" operation group of §4.9.
type FiberStore interface {
	SaveFiber(ctx context.Context, f Fiber) error
	LoadFiber(ctx context.Context, instanceID, fiberID string) (Fiber, error)
	LoadFibers(ctx context.Context, instanceID string) ([]Fiber, error)
	DeleteFiber(ctx context.Context, instanceID, fiberID string) error
	DeleteAllFibers(ctx context.Context, instanceID string) error
}

// JoinStore covers the "Join counters" operation group of §4.9.
type JoinStore interface {
	JoinArrive(ctx context.Context, instanceID, joinID string) (int, error)
	JoinReset(ctx context.Context, instanceID, joinID string) error
	JoinDeleteAll(ctx context.Context, instanceID string) error
}

// DedupeStore covers the "Dedupe cache" operation group of §4.9.
type DedupeStore interface {
	DedupeGet(ctx context.Context, key string) (JobCompletion, bool, error)
	DedupePut(ctx context.Context, key string, completion JobCompletion) error
}

// JobQueueStore covers the "Job queue" operation group of §4.9.
type JobQueueStore interface {
	EnqueueJob(ctx context.Context, a JobActivation) error
	DequeueJobs(ctx context.Context, taskTypes []string, max int) ([]JobActivation, error)
	AckJob(ctx context.Context, jobKey string) error
	CancelJobsForInstance(ctx context.Context, instanceID string) ([]string, error)
}

// ProgramStore covers the "Program store" operation group of §4.9.
type ProgramStore interface {
	StoreProgram(ctx context.Context, version [32]byte, program *bytecode.CompiledProgram) error
	LoadProgram(ctx context.Context, version [32]byte) (*bytecode.CompiledProgram, error)
}

// DeadLetterStore covers the "Dead-letter" operation group of §4.9.
type DeadLetterStore interface {
	DeadLetterPut(ctx context.Context, name string, corrKey value.Value, payload []byte, ttl time.Duration) error
	DeadLetterTake(ctx context.Context, name string, corrKey value.Value) ([]byte, bool, error)
}

// EventStore covers the "Event log" operation group of §4.9.
type EventStore interface {
	AppendEvent(ctx context.Context, instanceID string, e Event) (uint64, error)
	ReadEvents(ctx context.Context, instanceID string, fromSeq uint64) ([]Event, error)
}

// PayloadHistoryStore covers the "Payload history" operation group of §4.9.
type PayloadHistoryStore interface {
	SavePayloadVersion(ctx context.Context, instanceID string, hash value.PayloadHash, payload value.DomainPayload) error
	LoadPayloadVersion(ctx context.Context, instanceID string, hash value.PayloadHash) (value.DomainPayload, error)
}

// IncidentStore covers the "Incidents" operation group of §4.9.
type IncidentStore interface {
	SaveIncident(ctx context.Context, incident Incident) error
	LoadIncidents(ctx context.Context, instanceID string) ([]Incident, error)
}
