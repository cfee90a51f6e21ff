// Package timers is the external timer service of §5: timers are external
// to instruction execution, and this service watches armed timers and
// delivers TimerFired events to the engine. It arms and disarms
// per-instance boundary timers, tracking each as a cron entry keyed by
// (instance_id, timer_element_id) with a one-shot absolute-deadline cron
// spec rather than a recurring cron expression.
package timers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oriys/bplrt/internal/logging"
)

// FireFunc is invoked, once, when an armed timer's deadline elapses. The
// engine supplies one that calls its own TimerFired handling; whether a
// cycle timer re-arms is the engine's decision (§4.7), not this service's.
type FireFunc func(ctx context.Context, instanceID, timerElementID string)

// Service arms/disarms timers against a robfig/cron scheduler.
type Service struct {
	cron       *cron.Cron
	fire       FireFunc
	resolution time.Duration

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New starts a Service that rounds deadlines down to resolution; boundary
// timers need sub-minute precision, so this defaults to one second.
func New(fire FireFunc, resolution time.Duration) *Service {
	if resolution <= 0 {
		resolution = time.Second
	}
	s := &Service{
		cron:       cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		fire:       fire,
		resolution: resolution,
		entries:    make(map[string]cron.EntryID),
	}
	s.cron.Start()
	return s
}

// Stop shuts down the underlying cron scheduler.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func timerKey(instanceID, timerElementID string) string {
	return instanceID + "/" + timerElementID
}

// Arm schedules fire(instanceID, timerElementID) to run once deadline
// elapses. Re-arming an already-armed key (a cycle timer's next firing,
// or a host racing to disarm and rearm) replaces the prior entry.
func (s *Service) Arm(ctx context.Context, instanceID, timerElementID string, deadline time.Time, cycle bool) error {
	spec := oneShotSpec(deadline.Truncate(s.resolution))

	s.mu.Lock()
	defer s.mu.Unlock()
	k := timerKey(instanceID, timerElementID)
	if prev, ok := s.entries[k]; ok {
		s.cron.Remove(prev)
		delete(s.entries, k)
	}

	iid, eid := instanceID, timerElementID
	entryID, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		delete(s.entries, k)
		s.mu.Unlock()
		logging.Op().Debug("timer fired", "instance", iid, "element", eid, "cycle", cycle)
		s.fire(context.Background(), iid, eid)
	})
	if err != nil {
		return fmt.Errorf("timers: arm %s: %w", k, err)
	}
	s.entries[k] = entryID
	return nil
}

// Disarm cancels a previously armed timer. Disarming an unknown or
// already-fired key is a no-op: the host activity may have completed
// first, which is the expected race this method exists to resolve.
func (s *Service) Disarm(ctx context.Context, instanceID, timerElementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := timerKey(instanceID, timerElementID)
	if entryID, ok := s.entries[k]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, k)
	}
	return nil
}

// oneShotSpec synthesizes a six-field (seconds-enabled) cron spec that
// matches only the exact second of deadline within its year. robfig/cron
// has no native "run once" primitive; pinning every field (including
// day-of-month and month) to deadline's values and removing the entry the
// moment it fires is sufficient since the engine never leaves a one-shot
// timer armed across a year boundary without re-arming it first.
func oneShotSpec(deadline time.Time) string {
	return fmt.Sprintf("%d %d %d %d %d *",
		deadline.Second(), deadline.Minute(), deadline.Hour(), deadline.Day(), int(deadline.Month()))
}
