// Package grpcserver exposes the job queue as the focusstack.v1.FocusStack
// gRPC service.
package grpcserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"focusstack/internal/pipeline"
	"focusstack/internal/storage"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const maxMsgSize = 16 * 1024 * 1024

// Queue is the part of the pipeline the service drives.
type Queue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server implements FocusStackServer over a pipeline and its job store.
type Server struct {
	queue  Queue
	store  *storage.Store
	log    *slog.Logger
	health *health.Server
}

// New creates the service. store may be nil; GetJob then reports Unavailable.
func New(queue Queue, store *storage.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{queue: queue, store: store, log: log, health: health.NewServer()}
}

// Register adds the service and the standard health service to gs.
func (s *Server) Register(gs *grpc.Server) {
	RegisterFocusStackServer(gs, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// NewGRPCServer builds a grpc.Server with logging and the services registered.
func (s *Server) NewGRPCServer() *grpc.Server {
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.ChainUnaryInterceptor(s.logUnary),
	)
	s.Register(gs)
	return gs
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	gs := s.NewGRPCServer()
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down grpc server")
		s.health.Shutdown()
		gs.GracefulStop()
	}()
	s.log.Info("grpc server starting", "addr", lis.Addr().String())
	return gs.Serve(lis)
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	s.log.Log(ctx, level, "grpc call", "method", info.FullMethod, "duration", time.Since(start).String(), "code", status.Code(err).String())
	return resp, err
}

// Submit queues a job.
func (s *Server) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	typ, err := pipeline.ParseJobType(f["type"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	job := pipeline.Job{
		ID:        f["id"].GetStringValue(),
		Type:      typ,
		InputPath: f["input"].GetStringValue(),
		Output:    f["output"].GetStringValue(),
	}
	if job.InputPath == "" && typ != pipeline.JobStack {
		return nil, status.Error(codes.InvalidArgument, "input is required")
	}
	if opts := f["options"].GetStructValue(); opts != nil {
		job.Options = opts.AsMap()
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := s.queue.Submit(job); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.log.Info("job submitted", "job_id", job.ID, "type", job.Type, "input", job.InputPath, "via", "grpc")
	return structpb.NewStruct(map[string]any{"id": job.ID, "status": "queued"})
}

// GetJob returns a job record with its result meta and frame alignments.
func (s *Server) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, status.Error(codes.Unavailable, "job history not available")
	}
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.Errorf(codes.NotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	meta, err := s.store.JobMeta(id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.log.Warn("could not read job meta", "job_id", id, "error", err)
	}
	frames, err := s.store.FrameAlignments(id)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	degraded := 0
	for _, f := range frames {
		if f.Outcome == "fallback" {
			degraded++
		}
	}
	return toStruct(map[string]any{
		"job":      rec,
		"meta":     meta,
		"frames":   frames,
		"degraded": degraded,
	})
}

// Results streams job results until the client goes away.
func (s *Server) Results(_ *structpb.Struct, stream grpc.ServerStream) error {
	results, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case res, ok := <-results:
			if !ok {
				return nil
			}
			ev := map[string]any{
				"id":     res.Job.ID,
				"type":   string(res.Job.Type),
				"status": "completed",
				"input":  res.Job.InputPath,
				"output": res.Job.Output,
				"meta":   res.Meta,
			}
			if res.Error != nil {
				ev["status"] = "failed"
				ev["error"] = res.Error.Error()
			}
			msg, err := toStruct(ev)
			if err != nil {
				s.log.Warn("could not encode job result", "job_id", res.Job.ID, "error", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// toStruct converts v to a Struct through its JSON form, which accepts
// typed slices and structs that structpb.NewStruct rejects.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
