package jobqueue

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/bplrt/internal/logging"
)

// AdaptiveController dynamically adjusts worker count, poll interval, and
// batch size against observed queue depth and completion throughput:
// additive increase when the task queue is growing, multiplicative
// decrease when it drains, all clamped to configured bounds (AIMD).
type AdaptiveController struct {
	cfg AdaptiveConfig

	currentWorkers atomic.Int32
	currentBatch   atomic.Int32
	currentPollNs  atomic.Int64
	currentPollers atomic.Int32

	completedCount atomic.Int64
	queueDepth     atomic.Int64

	prevDepth    int64
	stableRounds int

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// AdaptiveConfig configures the controller.
type AdaptiveConfig struct {
	Enabled bool

	ProbeInterval time.Duration

	MinWorkers int
	MaxWorkers int

	MinBatchSize int
	MaxBatchSize int

	MinPollInterval time.Duration
	MaxPollInterval time.Duration

	ScaleUpStep   int
	ScaleDownRate float64

	StableRoundsBeforeScaleDown int
}

func defaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		ProbeInterval:               2 * time.Second,
		MinWorkers:                  4,
		MaxWorkers:                  256,
		MinBatchSize:                4,
		MaxBatchSize:                32,
		MinPollInterval:             20 * time.Millisecond,
		MaxPollInterval:             500 * time.Millisecond,
		ScaleUpStep:                 4,
		ScaleDownRate:               0.75,
		StableRoundsBeforeScaleDown: 3,
	}
}

func mergeAdaptiveConfig(cfg AdaptiveConfig) AdaptiveConfig {
	d := defaultAdaptiveConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = d.ProbeInterval
	}
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = d.MinWorkers
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = d.MaxWorkers
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = d.MinBatchSize
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = d.MaxBatchSize
	}
	if cfg.MaxBatchSize < cfg.MinBatchSize {
		cfg.MaxBatchSize = cfg.MinBatchSize
	}
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = d.MinPollInterval
	}
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = d.MaxPollInterval
	}
	if cfg.MaxPollInterval < cfg.MinPollInterval {
		cfg.MaxPollInterval = cfg.MinPollInterval
	}
	if cfg.ScaleUpStep <= 0 {
		cfg.ScaleUpStep = d.ScaleUpStep
	}
	if cfg.ScaleDownRate <= 0 || cfg.ScaleDownRate >= 1 {
		cfg.ScaleDownRate = d.ScaleDownRate
	}
	if cfg.StableRoundsBeforeScaleDown <= 0 {
		cfg.StableRoundsBeforeScaleDown = d.StableRoundsBeforeScaleDown
	}
	return cfg
}

func newAdaptiveController(cfg AdaptiveConfig, initialWorkers, initialBatch int, initialPoll time.Duration) *AdaptiveController {
	cfg = mergeAdaptiveConfig(cfg)

	workers := clampInt(initialWorkers, cfg.MinWorkers, cfg.MaxWorkers)
	batch := clampInt(initialBatch, cfg.MinBatchSize, cfg.MaxBatchSize)
	poll := clampDuration(initialPoll, cfg.MinPollInterval, cfg.MaxPollInterval)

	ac := &AdaptiveController{cfg: cfg, stopCh: make(chan struct{})}
	ac.currentWorkers.Store(int32(workers))
	ac.currentBatch.Store(int32(batch))
	ac.currentPollNs.Store(int64(poll))
	ac.currentPollers.Store(int32(calcPollerCount(workers, batch)))
	return ac
}

func (ac *AdaptiveController) Start() {
	ac.wg.Add(1)
	go ac.loop()
}

func (ac *AdaptiveController) Stop() {
	close(ac.stopCh)
	ac.wg.Wait()
}

func (ac *AdaptiveController) RecordCompleted(n int64) { ac.completedCount.Add(n) }
func (ac *AdaptiveController) SetQueueDepth(depth int64) { ac.queueDepth.Store(depth) }

func (ac *AdaptiveController) Workers() int      { return int(ac.currentWorkers.Load()) }
func (ac *AdaptiveController) BatchSize() int     { return int(ac.currentBatch.Load()) }
func (ac *AdaptiveController) PollInterval() time.Duration {
	return time.Duration(ac.currentPollNs.Load())
}
func (ac *AdaptiveController) Pollers() int { return int(ac.currentPollers.Load()) }

func (ac *AdaptiveController) loop() {
	defer ac.wg.Done()
	ticker := time.NewTicker(ac.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ac.stopCh:
			return
		case <-ticker.C:
			ac.probe()
		}
	}
}

func (ac *AdaptiveController) probe() {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	completed := ac.completedCount.Swap(0)
	depth := ac.queueDepth.Load()

	workers := int(ac.currentWorkers.Load())
	batch := int(ac.currentBatch.Load())
	pollNs := ac.currentPollNs.Load()

	growing := depth > 0 && depth > ac.prevDepth
	idle := depth == 0 && completed == 0
	draining := depth == 0 && completed > 0

	switch {
	case growing:
		ac.stableRounds = 0
		workers = minInt(workers+ac.cfg.ScaleUpStep, ac.cfg.MaxWorkers)
		if depth > int64(batch*workers) {
			batch = minInt(batch+2, ac.cfg.MaxBatchSize)
		}
		newPoll := time.Duration(float64(pollNs) * 0.75)
		pollNs = int64(clampDuration(newPoll, ac.cfg.MinPollInterval, ac.cfg.MaxPollInterval))

	case idle:
		ac.stableRounds++
		if ac.stableRounds >= ac.cfg.StableRoundsBeforeScaleDown {
			workers = maxInt(int(math.Ceil(float64(workers)*ac.cfg.ScaleDownRate)), ac.cfg.MinWorkers)
			batch = maxInt(batch-1, ac.cfg.MinBatchSize)
			newPoll := time.Duration(float64(pollNs) * 1.5)
			pollNs = int64(clampDuration(newPoll, ac.cfg.MinPollInterval, ac.cfg.MaxPollInterval))
		}

	case draining:
		ac.stableRounds++
		if ac.stableRounds >= ac.cfg.StableRoundsBeforeScaleDown {
			workers = maxInt(int(math.Ceil(float64(workers)*ac.cfg.ScaleDownRate)), ac.cfg.MinWorkers)
			newPoll := time.Duration(float64(pollNs) * 1.25)
			pollNs = int64(clampDuration(newPoll, ac.cfg.MinPollInterval, ac.cfg.MaxPollInterval))
		}

	default:
		ac.stableRounds = 0
		if depth > int64(workers) {
			workers = minInt(workers+1, ac.cfg.MaxWorkers)
		}
	}

	pollers := calcPollerCount(workers, batch)
	ac.currentWorkers.Store(int32(workers))
	ac.currentBatch.Store(int32(batch))
	ac.currentPollNs.Store(pollNs)
	ac.currentPollers.Store(int32(pollers))
	ac.prevDepth = depth

	logging.Op().Debug("jobqueue adaptive probe",
		"depth", depth, "completed", completed,
		"workers", workers, "pollers", pollers,
		"batch_size", batch, "poll_interval", time.Duration(pollNs),
	)
}

func calcPollerCount(workers, batchSize int) int {
	if batchSize <= 0 {
		batchSize = 1
	}
	count := workers / batchSize
	if count < 2 {
		count = 2
	}
	if count > 8 {
		count = 8
	}
	return count
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
