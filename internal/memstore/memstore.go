// Package memstore is the in-memory reference implementation of
// procstore.Store (§4.9's conformance ground truth): a single
// mutex-guarded struct of maps, copy-on-read, and a background cleanup
// loop for time-bounded entries (here, the dead-letter buffer).
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oriys/bplrt/internal/bytecode"
	"github.com/oriys/bplrt/internal/procstore"
	"github.com/oriys/bplrt/internal/value"
)

type deadLetterEntry struct {
	payload   []byte
	expiresAt time.Time
}

// Store is a process store entirely backed by Go maps, safe for concurrent
// use. It is meant for tests and single-process development, not for
// production durability.
type Store struct {
	mu sync.Mutex

	instances map[string]procstore.Instance
	fibers    map[string]map[string]procstore.Fiber
	joins     map[string]map[string]int

	dedupe map[string]procstore.JobCompletion

	jobQueue []procstore.JobActivation // arrival-ordered; §4.8 dequeue preserves this order across task types
	jobTask  map[string]string         // jobKey -> taskType, for Ack/Cancel lookups
	jobInst  map[string]string         // jobKey -> instanceID

	programs map[[32]byte]*bytecode.CompiledProgram

	deadLetters map[string]map[string]deadLetterEntry // name -> corrKey.SerializeKey() -> entry

	events   map[string][]procstore.Event
	eventSeq map[string]uint64

	payloadHistory map[string]map[value.PayloadHash]value.DomainPayload

	incidents map[string][]procstore.Incident

	instLocks map[string]*sync.Mutex

	dlTTL time.Duration
	stop  chan struct{}
}

// New creates an empty Store. dlTTL bounds how long dead-letter entries
// survive if never claimed; if <= 0 it defaults to 24h.
func New(dlTTL time.Duration) *Store {
	if dlTTL <= 0 {
		dlTTL = 24 * time.Hour
	}
	s := &Store{
		instances:      make(map[string]procstore.Instance),
		fibers:         make(map[string]map[string]procstore.Fiber),
		joins:          make(map[string]map[string]int),
		dedupe:         make(map[string]procstore.JobCompletion),
		jobTask:        make(map[string]string),
		jobInst:        make(map[string]string),
		programs:       make(map[[32]byte]*bytecode.CompiledProgram),
		deadLetters:    make(map[string]map[string]deadLetterEntry),
		events:         make(map[string][]procstore.Event),
		eventSeq:       make(map[string]uint64),
		payloadHistory: make(map[string]map[value.PayloadHash]value.DomainPayload),
		incidents:      make(map[string][]procstore.Incident),
		instLocks:      make(map[string]*sync.Mutex),
		dlTTL:          dlTTL,
		stop:           make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Close stops the background cleanup loop.
func (s *Store) Close() {
	close(s.stop)
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.dlTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for name, byKey := range s.deadLetters {
				for k, e := range byKey {
					if now.After(e.expiresAt) {
						delete(byKey, k)
					}
				}
				if len(byKey) == 0 {
					delete(s.deadLetters, name)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Lock acquires the per-instance tick lock, creating it on first use, and
// runs fn while holding it (§5: ticks for one instance never overlap).
func (s *Store) Lock(ctx context.Context, instanceID string, fn func(context.Context) error) error {
	s.mu.Lock()
	l, ok := s.instLocks[instanceID]
	if !ok {
		l = &sync.Mutex{}
		s.instLocks[instanceID] = l
	}
	s.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// CommitTick applies every part of m under a single critical section.
func (s *Store) CommitTick(ctx context.Context, m procstore.TickMutation) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(m.FlagUpdates) != 0 {
		inst, ok := s.instances[m.InstanceID]
		if !ok {
			return nil, procstore.ErrNotFound
		}
		inst.Flags = inst.Flags.Merge(m.FlagUpdates)
		s.instances[m.InstanceID] = inst
	}

	if m.PayloadUpdate != nil {
		inst, ok := s.instances[m.InstanceID]
		if !ok {
			return nil, procstore.ErrNotFound
		}
		hist, ok := s.payloadHistory[m.InstanceID]
		if !ok {
			hist = make(map[value.PayloadHash]value.DomainPayload)
			s.payloadHistory[m.InstanceID] = hist
		}
		hist[inst.DomainPayloadHash] = inst.DomainPayload
		inst.DomainPayload = m.PayloadUpdate.Payload
		inst.DomainPayloadHash = m.PayloadUpdate.Hash
		s.instances[m.InstanceID] = inst
	}

	for _, f := range m.FibersToSave {
		byInst, ok := s.fibers[m.InstanceID]
		if !ok {
			byInst = make(map[string]procstore.Fiber)
			s.fibers[m.InstanceID] = byInst
		}
		byInst[f.FiberID] = f
	}
	for _, id := range m.FiberIDsToDelete {
		delete(s.fibers[m.InstanceID], id)
	}

	for _, a := range m.JobEnqueues {
		s.enqueueJobLocked(a)
	}

	if m.NewState != nil {
		inst, ok := s.instances[m.InstanceID]
		if !ok {
			return nil, procstore.ErrNotFound
		}
		inst.State = *m.NewState
		s.instances[m.InstanceID] = inst
	}

	seqs := make([]uint64, len(m.Events))
	for i, e := range m.Events {
		seqs[i] = s.appendEventLocked(m.InstanceID, e)
	}
	return seqs, nil
}

// --- InstanceStore ---

func (s *Store) SaveInstance(ctx context.Context, inst procstore.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.InstanceID] = inst
	return nil
}

func (s *Store) LoadInstance(ctx context.Context, instanceID string) (procstore.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return procstore.Instance{}, procstore.ErrNotFound
	}
	return inst, nil
}

func (s *Store) UpdateInstanceState(ctx context.Context, instanceID string, state procstore.InstanceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return procstore.ErrNotFound
	}
	inst.State = state
	s.instances[instanceID] = inst
	return nil
}

func (s *Store) UpdateInstanceFlags(ctx context.Context, instanceID string, flags value.FlagMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return procstore.ErrNotFound
	}
	inst.Flags = inst.Flags.Merge(flags)
	s.instances[instanceID] = inst
	return nil
}

func (s *Store) UpdateInstancePayload(ctx context.Context, instanceID string, payload value.DomainPayload, hash value.PayloadHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return procstore.ErrNotFound
	}
	hist, ok := s.payloadHistory[instanceID]
	if !ok {
		hist = make(map[value.PayloadHash]value.DomainPayload)
		s.payloadHistory[instanceID] = hist
	}
	hist[inst.DomainPayloadHash] = inst.DomainPayload
	inst.DomainPayload = payload
	inst.DomainPayloadHash = hash
	s.instances[instanceID] = inst
	return nil
}

// --- FiberStore ---

func (s *Store) SaveFiber(ctx context.Context, f procstore.Fiber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byInst, ok := s.fibers[f.InstanceID]
	if !ok {
		byInst = make(map[string]procstore.Fiber)
		s.fibers[f.InstanceID] = byInst
	}
	byInst[f.FiberID] = f
	return nil
}

func (s *Store) LoadFiber(ctx context.Context, instanceID, fiberID string) (procstore.Fiber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fibers[instanceID][fiberID]
	if !ok {
		return procstore.Fiber{}, procstore.ErrNotFound
	}
	return f, nil
}

func (s *Store) LoadFibers(ctx context.Context, instanceID string) ([]procstore.Fiber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byInst := s.fibers[instanceID]
	out := make([]procstore.Fiber, 0, len(byInst))
	ids := make([]string, 0, len(byInst))
	for id := range byInst {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, byInst[id])
	}
	return out, nil
}

func (s *Store) DeleteFiber(ctx context.Context, instanceID, fiberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fibers[instanceID], fiberID)
	return nil
}

func (s *Store) DeleteAllFibers(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fibers, instanceID)
	return nil
}

// --- JoinStore ---

func (s *Store) JoinArrive(ctx context.Context, instanceID, joinID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byInst, ok := s.joins[instanceID]
	if !ok {
		byInst = make(map[string]int)
		s.joins[instanceID] = byInst
	}
	byInst[joinID]++
	return byInst[joinID], nil
}

func (s *Store) JoinReset(ctx context.Context, instanceID, joinID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joins[instanceID], joinID)
	return nil
}

func (s *Store) JoinDeleteAll(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joins, instanceID)
	return nil
}

// --- DedupeStore ---

func (s *Store) DedupeGet(ctx context.Context, key string) (procstore.JobCompletion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.dedupe[key]
	return c, ok, nil
}

func (s *Store) DedupePut(ctx context.Context, key string, completion procstore.JobCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedupe[key] = completion
	return nil
}

// --- JobQueueStore ---

func (s *Store) enqueueJobLocked(a procstore.JobActivation) {
	s.jobQueue = append(s.jobQueue, a)
	s.jobTask[a.JobKey] = a.TaskType
	s.jobInst[a.JobKey] = a.InstanceID
}

func (s *Store) EnqueueJob(ctx context.Context, a procstore.JobActivation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueJobLocked(a)
	return nil
}

// DequeueJobs scans s.jobQueue in arrival order and pulls out every
// activation whose task type is in taskTypes, up to max (§4.8: "across task
// types, the store preserves the order in which activations appeared
// (stable first-match scan)"), matching store_memory.rs's dequeue_jobs over
// a single VecDeque.
func (s *Store) DequeueJobs(ctx context.Context, taskTypes []string, max int) ([]procstore.JobActivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(taskTypes))
	for _, tt := range taskTypes {
		wanted[tt] = true
	}
	var out []procstore.JobActivation
	remaining := s.jobQueue[:0:0]
	for _, a := range s.jobQueue {
		if wanted[a.TaskType] && (max <= 0 || len(out) < max) {
			out = append(out, a)
		} else {
			remaining = append(remaining, a)
		}
	}
	s.jobQueue = remaining
	return out, nil
}

func (s *Store) AckJob(ctx context.Context, jobKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobTask, jobKey)
	delete(s.jobInst, jobKey)
	return nil
}

func (s *Store) CancelJobsForInstance(ctx context.Context, instanceID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cancelled []string
	kept := s.jobQueue[:0:0]
	for _, a := range s.jobQueue {
		if a.InstanceID == instanceID {
			cancelled = append(cancelled, a.JobKey)
			delete(s.jobTask, a.JobKey)
			delete(s.jobInst, a.JobKey)
			continue
		}
		kept = append(kept, a)
	}
	s.jobQueue = kept
	return cancelled, nil
}

// --- ProgramStore ---

func (s *Store) StoreProgram(ctx context.Context, version [32]byte, program *bytecode.CompiledProgram) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs[version] = program
	return nil
}

func (s *Store) LoadProgram(ctx context.Context, version [32]byte) (*bytecode.CompiledProgram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.programs[version]
	if !ok {
		return nil, procstore.ErrNotFound
	}
	return p, nil
}

// --- DeadLetterStore ---

func (s *Store) DeadLetterPut(ctx context.Context, name string, corrKey value.Value, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.deadLetters[name]
	if !ok {
		byKey = make(map[string]deadLetterEntry)
		s.deadLetters[name] = byKey
	}
	if ttl <= 0 {
		ttl = s.dlTTL
	}
	byKey[corrKey.SerializeKey()] = deadLetterEntry{payload: payload, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *Store) DeadLetterTake(ctx context.Context, name string, corrKey value.Value) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.deadLetters[name]
	if !ok {
		return nil, false, nil
	}
	k := corrKey.SerializeKey()
	e, ok := byKey[k]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	delete(byKey, k)
	return e.payload, true, nil
}

// --- EventStore ---

func (s *Store) appendEventLocked(instanceID string, e procstore.Event) uint64 {
	s.eventSeq[instanceID]++
	seq := s.eventSeq[instanceID]
	e.Seq = seq
	s.events[instanceID] = append(s.events[instanceID], e)
	return seq
}

func (s *Store) AppendEvent(ctx context.Context, instanceID string, e procstore.Event) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEventLocked(instanceID, e), nil
}

func (s *Store) ReadEvents(ctx context.Context, instanceID string, fromSeq uint64) ([]procstore.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.events[instanceID]
	out := make([]procstore.Event, 0, len(all))
	for _, e := range all {
		if e.Seq >= fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- PayloadHistoryStore ---

func (s *Store) SavePayloadVersion(ctx context.Context, instanceID string, hash value.PayloadHash, payload value.DomainPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist, ok := s.payloadHistory[instanceID]
	if !ok {
		hist = make(map[value.PayloadHash]value.DomainPayload)
		s.payloadHistory[instanceID] = hist
	}
	hist[hash] = payload
	return nil
}

func (s *Store) LoadPayloadVersion(ctx context.Context, instanceID string, hash value.PayloadHash) (value.DomainPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payloadHistory[instanceID][hash]
	if !ok {
		return value.DomainPayload{}, procstore.ErrNotFound
	}
	return p, nil
}

// --- IncidentStore ---

func (s *Store) SaveIncident(ctx context.Context, incident procstore.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[incident.InstanceID] = append(s.incidents[incident.InstanceID], incident)
	return nil
}

func (s *Store) LoadIncidents(ctx context.Context, instanceID string) ([]procstore.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]procstore.Incident, len(s.incidents[instanceID]))
	copy(out, s.incidents[instanceID])
	return out, nil
}

// DueInstances implements engine.InstanceSource: instance ids holding a
// fiber whose WaitTimer deadline has already passed, a direct scan
// appropriate to the in-memory store's scale. A durable store backs this
// with an indexed query instead.
func (s *Store) DueInstances(ctx context.Context, max int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	seen := make(map[string]bool)
	var out []string
	for instanceID, byID := range s.fibers {
		if seen[instanceID] {
			continue
		}
		for _, f := range byID {
			if f.Wait.Kind == procstore.WaitTimer && !f.Wait.Deadline.After(now) {
				seen[instanceID] = true
				out = append(out, instanceID)
				break
			}
		}
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

var _ procstore.Store = (*Store)(nil)
