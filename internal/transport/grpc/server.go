// Package grpcx, служебный gRPC-порт: стандартный health-сервис для балансировщиков и k8s.
package grpcx

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName: имя в health-протоколе для проверки именно мессенджера.
const ServiceName = "dm.v1.Messaging"

type Server struct {
	GRPC   *grpc.Server
	health *health.Server
	log    *slog.Logger
}

func NewServer(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(log)),
		grpc.ChainStreamInterceptor(StreamServerInterceptor(log)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	s := &Server{GRPC: gs, health: hs, log: log}
	s.SetServing(false)
	return s
}

func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// WatchReadiness периодически дёргает check и переключает статус, пока жив ctx.
func (s *Server) WatchReadiness(ctx context.Context, every time.Duration, check func(context.Context) error) {
	if every <= 0 {
		every = 10 * time.Second
	}
	refresh := func() {
		cctx, cancel := context.WithTimeout(ctx, every)
		defer cancel()
		err := check(cctx)
		if err != nil {
			s.log.Warn("readiness check failed", "err", err)
		}
		s.SetServing(err == nil)
	}

	refresh()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			refresh()
		}
	}
}

// Shutdown переводит health в NOT_SERVING и мягко останавливает сервер.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.GRPC.GracefulStop()
}
