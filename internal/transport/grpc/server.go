package grpcapi

import (
	"errors"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Server: gRPC-сервер с сервисом резервов, health и reflection.
type Server struct {
	*grpc.Server
	Health *health.Server
}

// ServerOption настраивает NewServer.
type ServerOption func(*serverOptions)

type serverOptions struct {
	idempotency    domain.IdempotencyRepository
	idempotencyTTL time.Duration
}

// WithIdempotency включает IdempotencyInterceptor для мутирующих методов.
func WithIdempotency(repo domain.IdempotencyRepository, ttl time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.idempotency = repo
		o.idempotencyTTL = ttl
	}
}

// NewServer собирает сервер. Метрики go-grpc-prometheus регистрируются в reg;
// повторная регистрация переиспользует уже зарегистрированный коллектор.
func NewServer(svc ReservationServer, reg prometheus.Registerer, logger *log.Entry, opts ...ServerOption) *Server {
	if logger == nil {
		logger = log.WithField("component", "grpc-server")
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	grpcMetrics := promgrpc.NewServerMetrics()
	if reg != nil {
		if err := reg.Register(grpcMetrics); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
					grpcMetrics = existing
				}
			} else {
				logger.WithError(err).Warn("failed to register grpc metrics")
			}
		}
	}

	unary := []grpc.UnaryServerInterceptor{grpcMetrics.UnaryServerInterceptor()}
	if o.idempotency != nil {
		unary = append(unary, IdempotencyInterceptor(o.idempotency, o.idempotencyTTL, logger))
	}
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	RegisterReservationServer(server, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)

	return &Server{Server: server, Health: healthServer}
}

// GracefulStop переводит health в NOT_SERVING и останавливает сервер, дожидаясь текущих вызовов.
func (s *Server) GracefulStop() {
	s.Health.Shutdown()
	s.Server.GracefulStop()
}
