package grpcjobs

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oriys/bplrt/internal/jobqueue"
	"github.com/oriys/bplrt/internal/logging"
	"github.com/oriys/bplrt/internal/procstore"
)

// Server implements jobWorkerServer over a procstore.Store (for Dequeue)
// and a jobqueue.CompletionSink (for applying Complete/Fail), mirroring
// the dedupe-then-apply-then-ack sequence jobqueue.WorkerPool.processJob
// runs for in-process handlers.
type Server struct {
	store procstore.Store
	sink  jobqueue.CompletionSink

	server *grpc.Server
}

// NewServer wires a job-worker gRPC endpoint against store and sink.
func NewServer(store procstore.Store, sink jobqueue.CompletionSink) *Server {
	return &Server{store: store, sink: sink}
}

// Start begins serving the job worker protocol on addr.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpcjobs: listen: %w", err)
	}

	s.server = grpc.NewServer(grpc.ChainUnaryInterceptor(recoveryInterceptor, loggingInterceptor))
	s.server.RegisterService(&serviceDesc, s)

	logging.Op().Info("grpcjobs server started", "addr", addr)
	go func() {
		if err := s.server.Serve(lis); err != nil {
			logging.Op().Error("grpcjobs server stopped", "error", err)
		}
	}()
	return nil
}

// Stop gracefully drains in-flight RPCs and stops serving.
func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}

// Dequeue implements the worker's pull side: dequeue_jobs(task_types, max).
func (s *Server) Dequeue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	max := int(numberField(fields, "max", 0))
	if max <= 0 {
		return nil, status.Error(codes.InvalidArgument, "max must be positive")
	}
	taskTypes := stringListField(fields, "task_types")
	if len(taskTypes) == 0 {
		return nil, status.Error(codes.InvalidArgument, "task_types is required")
	}

	jobs, err := s.store.DequeueJobs(ctx, taskTypes, max)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "dequeue jobs: %v", err)
	}
	rendered := make([]any, 0, len(jobs))
	for _, j := range jobs {
		js, err := activationToStruct(j)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode activation: %v", err)
		}
		rendered = append(rendered, js.AsMap())
	}
	return structpb.NewStruct(map[string]any{"jobs": rendered})
}

// Complete applies a JobCompletion under the dedupe protocol: a dedupe hit
// replays the cached completion instead of re-applying flags/payload; a
// fresh completion is committed via the sink, then stored for dedupe, and
// only then acked, so a crash between sink apply and ack simply redelivers
// the same already-applied completion on retry rather than losing it.
func (s *Server) Complete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	completion, err := structToCompletion(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	if completion.JobKey == "" {
		return nil, status.Error(codes.InvalidArgument, "job_key is required")
	}

	if cached, ok, err := s.store.DedupeGet(ctx, completion.JobKey); err == nil && ok {
		if err := s.sink.JobSucceeded(ctx, cached); err != nil {
			return nil, status.Errorf(codes.Internal, "replay completion: %v", err)
		}
		return structpb.NewStruct(map[string]any{"replayed": true})
	}

	if err := s.sink.JobSucceeded(ctx, completion); err != nil {
		return nil, status.Errorf(codes.Internal, "apply completion: %v", err)
	}
	if err := s.store.DedupePut(ctx, completion.JobKey, completion); err != nil {
		logging.Op().Error("grpcjobs dedupe put failed", "job_key", completion.JobKey, "error", err)
	}
	if err := s.store.AckJob(ctx, completion.JobKey); err != nil {
		logging.Op().Error("grpcjobs ack failed", "job_key", completion.JobKey, "error", err)
	}
	return structpb.NewStruct(map[string]any{"replayed": false})
}

// Fail reports a worker-side failure; the caller echoes back the full
// JobActivation (the store no longer holds it once dequeued) plus a
// reason, which the incident-classification policy in internal/engine
// turns into a retry re-enqueue or a fatal incident.
func (s *Server) Fail(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	activation, err := structToActivation(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	if activation.JobKey == "" {
		return nil, status.Error(codes.InvalidArgument, "job_key is required")
	}
	reason := stringField(fields, "reason", "worker reported failure")

	if err := s.sink.JobFailed(ctx, activation, fmt.Errorf("%s", reason)); err != nil {
		return nil, status.Errorf(codes.Internal, "apply failure: %v", err)
	}
	return structpb.NewStruct(map[string]any{"ok": true})
}

func stringListField(fields map[string]*structpb.Value, key string) []string {
	lv := fields[key].GetListValue()
	if lv == nil {
		return nil
	}
	out := make([]string, 0, len(lv.GetValues()))
	for _, v := range lv.GetValues() {
		out = append(out, v.GetStringValue())
	}
	return out
}

func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	duration := time.Since(start)
	if err != nil {
		logging.Op().Error("grpcjobs request failed", "method", info.FullMethod, "duration", duration, "error", err)
	} else {
		logging.Op().Debug("grpcjobs request completed", "method", info.FullMethod, "duration", duration)
	}
	return resp, err
}

func recoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("grpcjobs handler panicked", "method", info.FullMethod, "panic", r)
			err = status.Errorf(codes.Internal, "panic: %v", r)
		}
	}()
	return handler(ctx, req)
}
