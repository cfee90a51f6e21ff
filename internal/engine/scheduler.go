package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/bplrt/internal/logging"
	"github.com/oriys/bplrt/internal/procstore"
)

// SchedulerConfig configures a Scheduler's polling sweep.
type SchedulerConfig struct {
	// PollInterval is how often the scheduler looks for instances that
	// might be ready to advance (fired boundary timers it owns, or any
	// store-specific "needs a tick" signal a production store exposes).
	PollInterval time.Duration
	// Concurrency bounds how many instances tick in parallel per sweep.
	Concurrency int
}

const (
	defaultPollInterval = time.Second
	defaultConcurrency  = 32
)

// Scheduler drives Engine.Tick across many instances concurrently using an
// errgroup fan-out, the same concurrency pattern internal/jobqueue.WorkerPool
// uses for job dispatch.
type Scheduler struct {
	eng    *Engine
	source InstanceSource
	cfg    SchedulerConfig
	stopCh chan struct{}
	done   chan struct{}
}

// InstanceSource yields instance ids that may be ready to tick. A
// production deployment backs this with the store's own "due" index
// (timers past deadline, jobs newly completed); internal/memstore and
// internal/pgstore each provide one.
type InstanceSource interface {
	DueInstances(ctx context.Context, max int) ([]string, error)
}

// NewScheduler builds a Scheduler over eng, pulling candidate instance ids
// from source.
func NewScheduler(eng *Engine, source InstanceSource, cfg SchedulerConfig) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Scheduler{eng: eng, source: source, cfg: cfg, stopCh: make(chan struct{}), done: make(chan struct{})}
}

// Run blocks, sweeping for due instances every PollInterval until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				logging.Op().Error("scheduler sweep failed", "error", err)
			}
		}
	}
}

// Stop signals Run to return and waits for it to do so.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.done
}

func (s *Scheduler) sweepOnce(ctx context.Context) error {
	ids, err := s.source.DueInstances(ctx, s.cfg.Concurrency*4)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := s.eng.Tick(gctx, id); err != nil {
				logging.Op().Error("scheduler tick failed", "instance", id, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// CancelInstance transitions instanceID to Cancelled, retiring every fiber
// and outstanding job. Unlike a terminate End, this is operator/API-driven
// rather than triggered by a program reaching a terminate node.
func (e *Engine) CancelInstance(ctx context.Context, instanceID string) error {
	return e.store.Lock(ctx, instanceID, func(ctx context.Context) error {
		inst, err := e.store.LoadInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if isTerminal(inst.State) {
			return nil
		}
		if err := e.store.DeleteAllFibers(ctx, instanceID); err != nil {
			return err
		}
		if err := e.store.JoinDeleteAll(ctx, instanceID); err != nil {
			return err
		}
		if _, err := e.store.CancelJobsForInstance(ctx, instanceID); err != nil {
			return err
		}
		cancelled := procstore.Cancelled
		_, err = e.store.CommitTick(ctx, procstore.TickMutation{
			InstanceID: instanceID,
			NewState:   &cancelled,
			Events:     []procstore.Event{{InstanceID: instanceID, Kind: procstore.EventInstanceStateChanged, Detail: "cancelled", At: e.now()}},
		})
		return err
	})
}
