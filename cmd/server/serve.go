package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-crm-pipeline/internal/auth"
	"github.com/pesio-ai/be-crm-pipeline/internal/client"
	"github.com/pesio-ai/be-crm-pipeline/internal/config"
	"github.com/pesio-ai/be-crm-pipeline/internal/database"
	"github.com/pesio-ai/be-crm-pipeline/internal/handler"
	"github.com/pesio-ai/be-crm-pipeline/internal/logger"
	"github.com/pesio-ai/be-crm-pipeline/internal/middleware"
	"github.com/pesio-ai/be-crm-pipeline/internal/policy"
	"github.com/pesio-ai/be-crm-pipeline/internal/rbac"
	"github.com/pesio-ai/be-crm-pipeline/internal/repository"
	"github.com/pesio-ai/be-crm-pipeline/internal/repository/memory"
	"github.com/pesio-ai/be-crm-pipeline/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC servers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, log)
	},
}

// stores groups the persistence ports for one driver.
type stores struct {
	records   service.RecordStore
	approvals service.ApprovalStore
	inventory service.InventoryStore
	audit     service.AuditSink
}

func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (*stores, func(), error) {
	if cfg.Pipeline.StoreDriver == "memory" {
		log.Warn().Msg("Using in-memory store; data is lost on restart")
		m := memory.New()
		return &stores{
			records:   m.Records(),
			approvals: m.Approvals(),
			inventory: m.Inventory(),
			audit:     m.Audit(),
		}, func() {}, nil
	}

	db, err := database.New(ctx, database.Config{
		URL:         cfg.Database.URL,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info().Msg("Database connection established")

	return &stores{
		records:   repository.NewRecordRepository(db),
		approvals: repository.NewApprovalRequestRepository(db),
		inventory: repository.NewInventoryRepository(db),
		audit:     repository.NewAuditRepository(db),
	}, db.Close, nil
}

func openNotifier(cfg *config.Config, log *logger.Logger) (*client.NotificationPublisher, func(), error) {
	component := log.Component("notifications").Logger
	if cfg.NATS.URL == "" {
		log.Warn().Msg("NATS URL not set; notifications are disabled")
		return client.NewNotificationPublisher(nil, cfg.NATS.SubjectPrefix, component), func() {}, nil
	}

	nc, js, err := client.ConnectJetStream(cfg.NATS.URL, cfg.Service.Name)
	if err != nil {
		return nil, nil, err
	}
	pub := client.NewNotificationPublisher(js, cfg.NATS.SubjectPrefix, component)
	if err := pub.EnsureStream(cfg.NATS.Stream); err != nil {
		nc.Close()
		return nil, nil, err
	}
	log.Info().Str("url", cfg.NATS.URL).Str("stream", cfg.NATS.Stream).Msg("NATS JetStream connected")
	return pub, nc.Close, nil
}

func openRoleDirectory(cfg *config.Config, log *logger.Logger) (service.RoleDirectory, func(), error) {
	if cfg.Redis.URL == "" {
		log.Warn().Msg("Redis URL not set; approver directory is empty")
		return client.NewStaticRoleDirectory(), func() {}, nil
	}
	dir, err := client.NewRedisRoleDirectory(cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Msg("Role directory connected")
	return dir, func() { _ = dir.Close() }, nil
}

func loadPolicy(cfg *config.Config) (*policy.Policy, error) {
	if cfg.Pipeline.PolicyFile == "" {
		return policy.Default()
	}
	return policy.Load(cfg.Pipeline.PolicyFile)
}

func serve(parent context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Pipeline.StoreDriver).
		Msg("Starting CRM Pipeline Service")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	notifier, closeNotifier, err := openNotifier(cfg, log)
	if err != nil {
		return err
	}
	defer closeNotifier()

	roles, closeRoles, err := openRoleDirectory(cfg, log)
	if err != nil {
		return err
	}
	defer closeRoles()

	pol, err := loadPolicy(cfg)
	if err != nil {
		return err
	}

	// Initialize services
	oracle := rbac.NewOracle()
	gate := service.NewApprovalGate(pol, st.approvals, roles, notifier, log)
	ledger := service.NewInventoryLedger(st.inventory, log)
	cascade := service.NewCascadeDispatcher(st.records, ledger, st.audit, notifier, pol, log)
	verifier := service.NewConsistencyVerifier(st.records, service.VerifierConfig{
		Delay:      cfg.Pipeline.VerifyDelay,
		MaxRetries: cfg.Pipeline.VerifyRetries,
	}, log)
	executor := service.NewTransitionExecutor(st.records, oracle, gate, verifier, cascade, st.audit, log)
	recordService := service.NewRecordService(st.records, oracle, executor, st.audit, log)
	approvalService := service.NewApprovalService(st.approvals, oracle, executor, st.audit, notifier, log)

	validator := auth.NewValidator(cfg.Auth.JWTSecret)

	// Setup HTTP routes
	mux := http.NewServeMux()
	handler.NewHTTPHandler(recordService, approvalService, log.Component("http")).Register(mux)

	limiter := middleware.NewTenantRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)

	// Apply middleware; the last wrap runs first.
	var h http.Handler = mux
	h = limiter.Middleware(h)
	h = middleware.Authenticate(validator, &log.Logger, "/health")(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)
	h = middleware.CORS(cfg.Server.CORSOrigins)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.RequestID(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.LoggingInterceptor(log.Component("grpc").Logger),
		handler.AuthInterceptor(validator),
	))
	handler.RegisterPipelineServer(grpcServer, handler.NewGRPCHandler(recordService, log.Logger))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("failed to create gRPC listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Int("port", cfg.GRPC.Port).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(cfg.Server.ShutdownTimeout):
			grpcServer.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}
