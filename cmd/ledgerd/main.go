// ledgerd serves the medaudit ledger: audit ingest and integrity checks over
// HTTP, plus gRPC health that tracks chain validity.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/medaudit/internal/audit"
	"github.com/jmerrifield20/medaudit/internal/auditledger"
	"github.com/jmerrifield20/medaudit/internal/blockstore"
	"github.com/jmerrifield20/medaudit/internal/config"
	"github.com/jmerrifield20/medaudit/internal/email"
	"github.com/jmerrifield20/medaudit/internal/health"
	"github.com/jmerrifield20/medaudit/internal/ingestauth"
	"github.com/jmerrifield20/medaudit/internal/server"
	"github.com/jmerrifield20/medaudit/internal/server/handler"
	"github.com/jmerrifield20/medaudit/internal/webhooks"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

func main() {
	configPath := flag.String("config", "", "path to ledgerd.yaml (default: search ./configs and .)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if cfg.File == "" {
		logger.Warn("no config file found, using defaults and env vars")
	} else {
		logger.Info("config loaded", zap.String("file", cfg.File))
	}

	// ── Block store ──────────────────────────────────────────────────────────
	ctx := context.Background()
	store, err := blockstore.Open(ctx, cfg.BlockStore(), logger)
	if err != nil {
		return fmt.Errorf("open block store: %w", err)
	}
	defer store.Close()
	logger.Info("block store open", zap.String("driver", cfg.Store.Driver))

	// ── Alerts ───────────────────────────────────────────────────────────────
	dispatcher := webhooks.NewDispatcher(webhooks.Config{
		URLs:    cfg.Alerts.WebhookURLs,
		Secret:  cfg.Alerts.WebhookSecret,
		Timeout: cfg.Alerts.Timeout,
	}, logger)
	dispatcher.SetMetricsRecorder(handler.RecordWebhookDelivery)
	defer dispatcher.Wait()

	var mailer email.Sender = email.NewLogSender(logger)
	if cfg.Alerts.SMTP.Host != "" {
		mailer = email.NewSMTPSender(email.SMTPConfig(cfg.Alerts.SMTP))
	}
	mailAlerts := email.NewAlerter(mailer, cfg.Alerts.EmailTo, logger)
	defer mailAlerts.Wait()

	// ── Ledger + audit service ───────────────────────────────────────────────
	metrics := handler.LedgerMetrics{}
	ledger, err := auditledger.New(
		auditledger.WithDifficulty(cfg.Ledger.Difficulty),
		auditledger.WithLogger(logger),
		auditledger.WithRecorder(metrics),
	)
	if err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}

	svc := audit.NewService(ledger, store, logger,
		audit.WithAppendTimeout(cfg.Ledger.AppendTimeout),
		audit.WithMetrics(metrics),
	)

	// Every verification reaches the monitor exactly once: the periodic ones
	// through CheckOnce, on-demand ones through the router's OnVerify and the
	// startup check below.
	monitor := health.NewMonitor(svc, health.Config{
		Interval:      cfg.Monitor.Interval,
		VerifyTimeout: cfg.Monitor.VerifyTimeout,
	}, logger)
	monitor.SetMetricsRecord(handler.RecordMonitorRun)
	monitor.SetWebhookDispatch(func(ctx context.Context, eventType string, payload map[string]string) {
		dispatcher.Dispatch(ctx, eventType, payload)
		mailAlerts.Notify(ctx, eventType, payload)
	})

	if err := svc.LoadPersisted(ctx); err != nil {
		var corrupt *auditledger.ChainCorruption
		if errors.As(err, &corrupt) {
			if res, ok := svc.LastVerification(); ok {
				monitor.Observe(res)
			}
			// logger.Fatal skips deferred calls
			dispatcher.Wait()
			mailAlerts.Wait()
			return fmt.Errorf("refusing to serve a corrupted ledger: %w", err)
		}
		return fmt.Errorf("load ledger: %w", err)
	}
	logger.Info("audit ledger ready",
		zap.Int("blocks", ledger.Len()),
		zap.String("root", ledger.Root()),
		zap.Int("difficulty", ledger.Difficulty()),
	)

	// ── Ingest auth ──────────────────────────────────────────────────────────
	var tokens *ingestauth.TokenIssuer
	if cfg.Auth.JWTSecret != "" {
		tokens = ingestauth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer)
	}
	auth := ingestauth.NewAuthenticator(tokens, ingestauth.NewKeySet(cfg.Auth.APIKeyHashes), logger)

	// ── gRPC health ──────────────────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", cfg.Server.GRPCPort, err)
	}
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	)
	healthSvc := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	reflection.Register(grpcServer)
	monitor.SetHealthServer(healthSvc)

	// ── HTTP ─────────────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.NewRouter(server.Deps{
		Service:        svc,
		Auth:           auth,
		Dispatcher:     dispatcher,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		BlockCacheSize: cfg.Ledger.BlockCacheSize,
		OnVerify:       monitor.Observe,
		Logger:         logger,
	})
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Start ────────────────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	stopMonitor := make(chan struct{})
	go monitor.Start(stopMonitor)

	go func() {
		logger.Info("ledgerd gRPC listening", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("gRPC serve error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down ledgerd...")
	close(stopMonitor)
	healthSvc.Shutdown()

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("ledgerd stopped")
	return nil
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
