package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/bplrt/internal/logging"
	"github.com/oriys/bplrt/internal/procstore"
)

// ErrDedupeConflict is the sentinel the engine's DedupeConflict incident
// code is derived from (§4.8, §7): a job key's cached completion and a
// redelivered one disagree on payload hash or orchestration flags.
// Callers branch on it with errors.Is; the engine itself never returns it
// (divergent redelivery surfaces as an incident, not an error return), but
// it gives CompletionSink implementations and tests a stable identity for
// the same condition.
var ErrDedupeConflict = errors.New("jobqueue: dedupe conflict")

// Handler performs the side effect named by a JobActivation's TaskType and
// returns the completion the engine will merge back into the instance.
type Handler interface {
	Handle(ctx context.Context, job procstore.JobActivation) (procstore.JobCompletion, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job procstore.JobActivation) (procstore.JobCompletion, error)

func (f HandlerFunc) Handle(ctx context.Context, job procstore.JobActivation) (procstore.JobCompletion, error) {
	return f(ctx, job)
}

// CompletionSink is how the worker pool reports outcomes back to the
// engine, which owns retry/incident policy and fiber resumption.
type CompletionSink interface {
	JobSucceeded(ctx context.Context, completion procstore.JobCompletion) error
	JobFailed(ctx context.Context, job procstore.JobActivation, cause error) error
}

// Config configures a WorkerPool.
type Config struct {
	TaskTypes     []string
	Workers       int
	PollInterval  time.Duration
	BatchSize     int
	InvokeTimeout time.Duration
	Notifier      Notifier
	Adaptive      AdaptiveConfig
}

const (
	defaultWorkers      = 16
	defaultPollInterval = 100 * time.Millisecond
	defaultBatchSize    = 8
	defaultInvokeTimeout = 30 * time.Second
)

// WorkerPool pulls JobActivations for its configured task types from a
// procstore.Store, dedupes against prior completions, and dispatches each
// to Handler concurrently across a poller/worker split.
type WorkerPool struct {
	store   procstore.Store
	handler Handler
	sink    CompletionSink
	cfg     Config

	notifier Notifier
	stopCh   chan struct{}
	taskCh   chan procstore.JobActivation
	started  bool
	mu       sync.Mutex
	wg       sync.WaitGroup

	adaptive *AdaptiveController

	inFlight atomic.Int64
}

func New(store procstore.Store, handler Handler, sink CompletionSink, cfg Config) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = defaultInvokeTimeout
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NewNoopNotifier()
	}
	wp := &WorkerPool{
		store:    store,
		handler:  handler,
		sink:     sink,
		cfg:      cfg,
		notifier: notifier,
		stopCh:   make(chan struct{}),
		taskCh:   make(chan procstore.JobActivation, cfg.Workers*cfg.BatchSize),
	}
	if cfg.Adaptive.Enabled {
		wp.adaptive = newAdaptiveController(cfg.Adaptive, cfg.Workers, cfg.BatchSize, cfg.PollInterval)
	}
	return wp
}

// Start launches poller and worker goroutines.
func (w *WorkerPool) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	workers := w.cfg.Workers
	pollers := calcPollerCount(workers, w.cfg.BatchSize)
	if w.adaptive != nil {
		w.adaptive.Start()
		workers = w.adaptive.Workers()
		pollers = w.adaptive.Pollers()
	}

	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}
	for i := 0; i < pollers; i++ {
		w.wg.Add(1)
		go w.poller(i)
	}

	logging.Op().Info("jobqueue workers started",
		"task_types", w.cfg.TaskTypes, "workers", workers, "pollers", pollers,
		"poll_interval", w.cfg.PollInterval, "batch_size", w.cfg.BatchSize)
}

// Stop gracefully shuts down every worker and poller.
func (w *WorkerPool) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.stopCh)
	w.mu.Unlock()

	if w.adaptive != nil {
		w.adaptive.Stop()
	}
	w.wg.Wait()
	logging.Op().Info("jobqueue workers stopped")
}

func (w *WorkerPool) poller(id int) {
	defer w.wg.Done()
	interval := w.cfg.PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifyChs := make([]<-chan struct{}, len(w.cfg.TaskTypes))
	for i, tt := range w.cfg.TaskTypes {
		notifyChs[i] = w.notifier.Subscribe(ctx, tt)
	}
	merged := mergeChans(ctx, notifyChs)

	pollerID := fmt.Sprintf("jobqueue-poller-%d", id)
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.pollBatch(pollerID)
			if w.adaptive != nil {
				if newInterval := w.adaptive.PollInterval(); newInterval != interval {
					interval = newInterval
					ticker.Reset(interval)
				}
			}
		case <-merged:
			w.pollBatch(pollerID)
		}
	}
}

func mergeChans(ctx context.Context, chs []<-chan struct{}) <-chan struct{} {
	out := make(chan struct{}, 1)
	for _, c := range chs {
		go func(c <-chan struct{}) {
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-c:
					if !ok {
						return
					}
					select {
					case out <- struct{}{}:
					default:
					}
				}
			}
		}(c)
	}
	return out
}

func (w *WorkerPool) pollBatch(pollerID string) {
	batchSize := w.cfg.BatchSize
	if w.adaptive != nil {
		batchSize = w.adaptive.BatchSize()
	}

	jobs, err := w.store.DequeueJobs(context.Background(), w.cfg.TaskTypes, batchSize)
	if err != nil {
		logging.Op().Error("jobqueue dequeue failed", "poller", pollerID, "error", err)
		return
	}
	if w.adaptive != nil {
		if len(jobs) >= batchSize {
			w.adaptive.SetQueueDepth(int64(batchSize) * 2)
		} else {
			w.adaptive.SetQueueDepth(int64(len(jobs)))
		}
	}
	for _, job := range jobs {
		select {
		case w.taskCh <- job:
		case <-w.stopCh:
			return
		}
	}
	if len(jobs) >= batchSize {
		select {
		case <-w.stopCh:
		default:
			w.pollBatch(pollerID)
		}
	}
}

func (w *WorkerPool) worker(id int) {
	defer w.wg.Done()
	workerID := fmt.Sprintf("jobqueue-worker-%d", id)
	for {
		select {
		case <-w.stopCh:
			return
		case job := <-w.taskCh:
			w.processJob(workerID, job)
		}
	}
}

func (w *WorkerPool) processJob(workerID string, job procstore.JobActivation) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.InvokeTimeout)
	defer cancel()

	if cached, ok, err := w.store.DedupeGet(ctx, job.JobKey); err == nil && ok {
		logging.Op().Debug("jobqueue dedupe hit, replaying completion", "worker", workerID, "job_key", job.JobKey)
		if w.adaptive != nil {
			w.adaptive.RecordCompleted(1)
		}
		if err := w.sink.JobSucceeded(ctx, cached); err != nil {
			logging.Op().Error("jobqueue sink failed on dedupe replay", "job_key", job.JobKey, "error", err)
		}
		return
	}

	completion, err := w.handler.Handle(ctx, job)
	if w.adaptive != nil {
		w.adaptive.RecordCompleted(1)
	}

	if err != nil {
		if ferr := w.sink.JobFailed(context.Background(), job, err); ferr != nil {
			logging.Op().Error("jobqueue sink failed on job failure", "job_key", job.JobKey, "error", ferr)
		}
		return
	}

	if err := w.sink.JobSucceeded(context.Background(), completion); err != nil {
		logging.Op().Error("jobqueue sink failed on success", "job_key", job.JobKey, "error", err)
	}
	if err := w.store.DedupePut(context.Background(), job.JobKey, completion); err != nil {
		logging.Op().Error("jobqueue dedupe put failed", "job_key", job.JobKey, "error", err)
	}
	if err := w.store.AckJob(context.Background(), job.JobKey); err != nil {
		logging.Op().Error("jobqueue ack failed", "job_key", job.JobKey, "error", err)
	}
}

// DrainOnce synchronously dequeues and processes up to max jobs across the
// pool's task types, using an errgroup-bounded fan-out instead of the
// background poller/worker goroutines. Intended for tests and single-shot
// CLI runs where a persistent pool is unnecessary.
func (w *WorkerPool) DrainOnce(ctx context.Context, max int) error {
	jobs, err := w.store.DequeueJobs(ctx, w.cfg.TaskTypes, max)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Workers)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			w.processJob("drain", job)
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
				return nil
			}
		})
	}
	return g.Wait()
}
