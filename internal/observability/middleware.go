package observability

import (
	"context"
)

// WrapTick runs fn inside a span named "instance.tick", tagged with
// instanceID, recording the error (if any) on the span before returning it.
// internal/engine calls this around every Tick/JobSucceeded/JobFailed
// lock-and-commit cycle.
func WrapTick(ctx context.Context, instanceID string, fn func(ctx context.Context) error) error {
	if !Enabled() {
		return fn(ctx)
	}
	ctx, span := StartSpan(ctx, "instance.tick", AttrInstanceID.String(instanceID))
	defer span.End()
	err := fn(ctx)
	if err != nil {
		SetSpanError(span, err)
	} else {
		SetSpanOK(span)
	}
	return err
}

// WrapStoreCall runs fn inside a span named "store."+op, tagged with
// instanceID, for a single procstore round trip (LoadInstance, CommitTick,
// JoinArrive, ...).
func WrapStoreCall(ctx context.Context, op, instanceID string, fn func(ctx context.Context) error) error {
	if !Enabled() {
		return fn(ctx)
	}
	ctx, span := StartSpan(ctx, "store."+op, AttrInstanceID.String(instanceID))
	defer span.End()
	err := fn(ctx)
	if err != nil {
		SetSpanError(span, err)
	} else {
		SetSpanOK(span)
	}
	return err
}

// WrapJob runs fn inside a span named "job."+op for a job-worker round trip
// (dispatch, succeed, fail), tagged with the job's key and task type.
func WrapJob(ctx context.Context, op, jobKey, taskType string, fn func(ctx context.Context) error) error {
	if !Enabled() {
		return fn(ctx)
	}
	ctx, span := StartSpan(ctx, "job."+op,
		AttrJobKey.String(jobKey),
		AttrTaskType.String(taskType),
	)
	defer span.End()
	err := fn(ctx)
	if err != nil {
		SetSpanError(span, err)
	} else {
		SetSpanOK(span)
	}
	return err
}
