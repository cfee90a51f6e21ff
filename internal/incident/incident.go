// Package incident classifies ServiceTask failures as retriable or fatal
// and computes the exponential backoff schedule for retriable ones.
package incident

import (
	"math"
	"math/rand"
	"time"

	"github.com/oriys/bplrt/internal/procstore"
)

// Policy is a per-task-type retry policy (§3, §7's incident worked example).
type Policy struct {
	MaxAttempts  int
	BaseMS       int
	MaxBackoffMS int
}

// DefaultPolicy is a handful of capped-exponential retries before a task
// type is treated as fatal.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseMS: 1000, MaxBackoffMS: 30000}

// Classify decides whether a ServiceTask failure is retriable given how
// many attempts have already been made. Exhausting MaxAttempts always
// yields IncidentFatal regardless of what the worker reported.
func Classify(attempt int, policy Policy, workerFatal bool) procstore.IncidentSeverity {
	if workerFatal {
		return procstore.IncidentFatal
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if attempt >= policy.MaxAttempts {
		return procstore.IncidentFatal
	}
	return procstore.IncidentRetriable
}

// Backoff computes the delay before attempt+1, full-jittered ±25% around a
// capped exponential curve.
func Backoff(attempt int, policy Policy) time.Duration {
	baseMS := policy.BaseMS
	if baseMS <= 0 {
		baseMS = DefaultPolicy.BaseMS
	}
	maxMS := policy.MaxBackoffMS
	if maxMS <= 0 {
		maxMS = DefaultPolicy.MaxBackoffMS
	}

	ms := float64(baseMS) * math.Pow(2, float64(attempt-1))
	if ms > float64(maxMS) {
		ms = float64(maxMS)
	}

	jitter := ms * 0.25 * (2*rand.Float64() - 1)
	ms += jitter
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// New builds an Incident record ready to append to the event log and the
// IncidentStore.
func New(instanceID, code, elementID string, severity procstore.IncidentSeverity, detail string, at time.Time) procstore.Incident {
	return procstore.Incident{
		InstanceID: instanceID,
		Code:       code,
		ElementID:  elementID,
		Severity:   severity,
		Timestamp:  at,
		Detail:     detail,
	}
}
