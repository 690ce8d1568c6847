// Package grpcserver publishes the solver's readiness through the standard
// gRPC health service.
package grpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/encoding/protojson"

	"platesolve/internal/pipeline"
)

// ServiceName is the health service name tracking the solver connection.
const ServiceName = "platesolve"

// StateSource is the pipeline view the health server follows.
type StateSource interface {
	State() pipeline.State
	Subscribe() (<-chan pipeline.Event, func())
}

// Server reports SERVING for ServiceName while the pipeline loop runs.
type Server struct {
	addr   string
	log    *slog.Logger
	src    StateSource
	health *health.Server
}

// New creates the health server. The overall ("") service is always SERVING.
func New(addr string, src StateSource, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{addr: addr, log: log, src: src, health: health.NewServer()}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.SetServing(connected(src.State()))
	return s
}

func connected(st pipeline.State) bool {
	return st == pipeline.LoopRunning || st == pipeline.Solving
}

// SetServing flips the status of ServiceName.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}

// Register installs the health and reflection services on g.
func (s *Server) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.health)
	reflection.Register(g)
}

// Follow tracks pipeline events until ctx is done.
func (s *Server) Follow(ctx context.Context) {
	events, unsubscribe := s.src.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.SetServing(false)
				return
			}
			switch ev.Kind {
			case pipeline.EventServerConnected:
				s.SetServing(true)
			case pipeline.EventServerDisconnected, pipeline.EventConnectionFailed:
				s.SetServing(false)
			}
		}
	}
}

// Start serves on the configured address until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	g := grpc.NewServer()
	s.Register(g)
	go s.Follow(ctx)

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		g.GracefulStop()
	}()

	s.log.Info("gRPC health server starting", "addr", lis.Addr().String())
	if err := g.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Probe asks the health service at addr for service's status.
func Probe(ctx context.Context, addr, service string, opts ...grpc.DialOption) (*healthpb.HealthCheckResponse, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	return healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
}

// FormatResponse renders a health response as JSON.
func FormatResponse(resp *healthpb.HealthCheckResponse) (string, error) {
	b, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(resp)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
