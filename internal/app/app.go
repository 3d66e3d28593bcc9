package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/idempotency"
	"github.com/vladislavdragonenkov/checkout/internal/service/outbox"
	"github.com/vladislavdragonenkov/checkout/internal/service/reclaim"
	"github.com/vladislavdragonenkov/checkout/internal/service/reservation"
	"github.com/vladislavdragonenkov/checkout/internal/service/saga"
	"github.com/vladislavdragonenkov/checkout/internal/tracing"
	grpcapi "github.com/vladislavdragonenkov/checkout/internal/transport/grpc"
	httpapi "github.com/vladislavdragonenkov/checkout/internal/transport/http"
	"github.com/vladislavdragonenkov/checkout/internal/version"
)

const (
	grpcStopTimeout    = 5 * time.Second
	// после этого отставания публикации /healthz сообщает degraded
	outboxLagThreshold = 5 * time.Minute
)

// Run поднимает сервис и блокируется до отмены ctx или отказа одного из серверов.
// Отмена ctx считается штатной остановкой и возвращает nil.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := log.WithField("component", "app")

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version.Current().Version,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("failed to flush traces")
		}
	}()

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	rt := newRuntime(cfg, deps, prometheus.DefaultRegisterer, logger)
	defer closeKafka(rt.producer, logger)

	return rt.run(ctx)
}

// runtime: собранные компоненты процесса.
type runtime struct {
	cfg    Config
	logger *log.Entry
	deps   *runtimeDependencies

	manager      *reservation.Manager
	orchestrator *saga.Orchestrator
	dispatcher   *saga.Dispatcher
	recovery     *saga.RecoveryWorker
	sweeper      *reclaim.Sweeper
	warner       *reclaim.Warner
	outboxWorker *outbox.Worker
	cleanup      *idempotency.CleanupWorker

	producer *kafka.Producer
	consumer *kafka.Consumer
	router   *kafka.Router

	httpHandler http.Handler
	grpcServer  *grpcapi.Server
	health      *health.Handler
}

// newRuntime связывает компоненты. Недоступный Kafka не мешает старту: события копятся в outbox.
func newRuntime(cfg Config, deps *runtimeDependencies, registerer prometheus.Registerer, logger *log.Entry) *runtime {
	rt := &runtime{cfg: cfg, logger: logger, deps: deps}

	reservationMetrics := metrics.NewReservationMetricsWithRegisterer(registerer)
	sagaMetrics := metrics.NewSagaMetricsWithRegisterer(registerer)

	rt.manager = reservation.NewManager(deps.stock, deps.reservations,
		reservation.WithDefaultTTL(cfg.Reservation.DefaultTTL),
		reservation.WithMetrics(reservationMetrics),
		reservation.WithLogger(logger.WithField("component", "reservation")),
	)

	collaborators := buildCollaborators(cfg.Collaborators, rt.manager, logger.WithField("component", "collaborator"))
	rt.orchestrator = createOrchestrator(deps, collaborators, cfg.Saga, sagaMetrics, logger)
	rt.dispatcher = saga.NewDispatcher(rt.orchestrator, cfg.Saga.MaxParallel, logger.WithField("component", "saga-dispatcher"))
	rt.recovery = saga.NewRecoveryWorker(deps.sagas, rt.dispatcher, cfg.Saga.RecoveryInterval, logger.WithField("component", "saga-recovery"))

	rt.sweeper = reclaim.NewSweeper(deps.reservations, rt.manager,
		reclaim.WithInterval(cfg.Reclaim.SweepInterval),
		reclaim.WithBatchSize(cfg.Reclaim.BatchSize),
		reclaim.WithMetrics(reservationMetrics),
		reclaim.WithLogger(logger.WithField("component", "reclaim-sweeper")),
	)
	rt.warner = reclaim.NewWarner(deps.reservations, deps.outbox,
		reclaim.WithInterval(cfg.Reclaim.WarnInterval),
		reclaim.WithWindow(cfg.Reclaim.WarnWindow),
		reclaim.WithBatchSize(cfg.Reclaim.BatchSize),
		reclaim.WithMetrics(reservationMetrics),
		reclaim.WithLogger(logger.WithField("component", "reclaim-warner")),
	)
	rt.cleanup = idempotency.NewCleanupWorker(deps.idempotency,
		idempotency.WithInterval(cfg.Idempotency.CleanupInterval),
		idempotency.WithBatchSize(cfg.Idempotency.CleanupBatchSize),
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
	)

	producer, err := initKafkaProducer(cfg.Kafka, logger)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
	}
	rt.producer = producer
	rt.outboxWorker = newOutboxWorker(cfg.Outbox, deps.outbox, producer, logger)

	guard := idempotency.NewGuard(deps.idempotency,
		idempotency.WithKeyTTL(cfg.Idempotency.TTL),
		idempotency.WithGuardLogger(logger.WithField("component", "idempotency-guard")),
	)
	rt.router = kafka.NewRouter(guard, rt.orchestrator, rt.dispatcher, deps.sagas, rt.manager, deps.outbox, logger.WithField("component", "event-router"))
	if producer != nil {
		consumer, err := initKafkaConsumer(cfg.Kafka, rt.router, producer, logger)
		if err != nil {
			logger.WithError(err).Warn("failed to create kafka consumer, consumed events are disabled")
		}
		rt.consumer = consumer
	}

	rt.httpHandler = httpapi.NewHandler(rt.manager, rt.orchestrator, rt.dispatcher,
		httpapi.WithIdempotency(deps.idempotency, cfg.Idempotency.TTL),
		httpapi.WithLogger(logger.WithField("component", "http")),
	).Router(cfg.Tracing.ServiceName)

	grpcService := grpcapi.NewService(rt.manager, rt.orchestrator, logger.WithField("component", "grpc"))
	rt.grpcServer = grpcapi.NewServer(grpcService, registerer, logger.WithField("component", "grpc"),
		grpcapi.WithIdempotency(deps.idempotency, cfg.Idempotency.TTL))

	rt.health = health.NewHandler(version.Current().Version)
	rt.health.RegisterChecker("storage", deps.storageChecker)
	for name, checker := range deps.checkers {
		rt.health.RegisterChecker(name, checker)
	}
	rt.health.RegisterChecker("kafka", kafkaChecker(producer))
	rt.health.RegisterChecker("outbox", health.NewBacklogChecker("outbox", deps.outbox.Stats, outboxLagThreshold))

	return rt
}

func newOutboxWorker(cfg OutboxConfig, repo domain.OutboxRepository, producer *kafka.Producer, logger *log.Entry) *outbox.Worker {
	settings := outbox.Settings{
		PollInterval:   cfg.PollInterval,
		BatchSize:      cfg.BatchSize,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		Parallelism:    cfg.Parallelism,
	}
	withLogger := outbox.WithLogger(logger.WithField("component", "outbox-worker"))
	if producer == nil {
		return outbox.NewWorker(repo, logPublisher{logger: logger.WithField("component", "outbox-log")}, settings, withLogger)
	}
	return outbox.NewWorker(repo, kafka.NewOutboxPublisher(producer, ""), settings, withLogger,
		outbox.WithDeadLetters(kafka.NewOutboxPublisher(producer, domain.TopicDeadLetterQueue)))
}

// run запускает серверы и воркеры в одной errgroup. Отказ любого сервера останавливает остальные.
func (rt *runtime) run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", rt.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	grpcLis, err := net.Listen("tcp", rt.cfg.GRPCAddr)
	if err != nil {
		_ = httpLis.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}
	metricsLis, err := net.Listen("tcp", rt.cfg.MetricsAddr)
	if err != nil {
		_ = httpLis.Close()
		_ = grpcLis.Close()
		return fmt.Errorf("listen metrics: %w", err)
	}

	httpSrv := &http.Server{Handler: rt.httpHandler, ReadHeaderTimeout: 5 * time.Second}
	metricsSrv := &http.Server{Handler: newMetricsMux(rt.health), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rt.logger.Infof("REST API слушает %s", httpLis.Addr())
		return serveHTTP(httpSrv, httpLis)
	})
	g.Go(func() error {
		rt.logger.Infof("метрики и health checks доступны по адресу %s", metricsLis.Addr())
		return serveHTTP(metricsSrv, metricsLis)
	})
	g.Go(func() error {
		rt.logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		if err := rt.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	for _, worker := range []interface{ Run(context.Context) }{
		rt.sweeper, rt.warner, rt.recovery, rt.outboxWorker, rt.cleanup,
	} {
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}

	if rt.consumer != nil {
		if err := rt.consumer.Start(gctx); err != nil {
			rt.logger.WithError(err).Warn("failed to start kafka consumer")
		}
	}

	// незавершённые саги прошлого запуска
	if _, err := rt.recovery.RecoverOnce(gctx); err != nil {
		rt.logger.WithError(err).Warn("initial saga recovery failed")
	}

	g.Go(func() error {
		<-gctx.Done()
		rt.logger.Info("получен сигнал остановки, останавливаем сервис")
		rt.shutdown(httpSrv, metricsSrv)
		return nil
	})

	return g.Wait()
}

// shutdown останавливает приём запросов, затем дожидается исполняемых саг.
func (rt *runtime) shutdown(servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.ShutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		rt.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(grpcStopTimeout):
		rt.logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		rt.grpcServer.Stop()
	}

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.WithError(err).Warn("http shutdown with error")
		}
	}

	if rt.consumer != nil {
		if err := rt.consumer.Stop(); err != nil {
			rt.logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}

	if err := rt.dispatcher.Shutdown(ctx); err != nil {
		rt.logger.WithError(err).Warn("sagas still running at shutdown, recovery resumes them on next start")
	}
}

func serveHTTP(srv *http.Server, lis net.Listener) error {
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newMetricsMux отдаёт /metrics и health endpoints.
func newMetricsMux(healthHandler *health.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	healthHandler.Mount(mux)
	return mux
}
