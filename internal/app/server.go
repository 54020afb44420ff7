// internal/app/server.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"billing-service/internal/config"
	"billing-service/internal/db"
	"billing-service/internal/domain/subscription"
	adminHandler "billing-service/internal/handlers/admin"
	checkoutHandler "billing-service/internal/handlers/checkout"
	webhookHandler "billing-service/internal/handlers/webhook"
	"billing-service/internal/middleware"
	"billing-service/internal/pkg/httpclient"
	"billing-service/internal/pkg/jwt"
	"billing-service/internal/provider"
	"billing-service/internal/provider/mercadopago"
	"billing-service/internal/provider/stripe"
	"billing-service/internal/repository/memory"
	"billing-service/internal/repository/postgres"
	"billing-service/internal/repository/redisstore"
	checkoutUsecase "billing-service/internal/service/checkout"
	"billing-service/internal/service/dunning"
	"billing-service/internal/service/notification"
	"billing-service/internal/service/reconcile"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	dunningLockKey  = "billing:dunning:lock"
	shutdownTimeout = 10 * time.Second
)

type Server struct {
	cfg    config.AppConfig
	engine *gin.Engine
	logger *zap.Logger

	closers []func()
}

func NewServer(cfg config.AppConfig) (*Server, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{cfg: cfg, engine: gin.New(), logger: logger}, nil
}

// Start wires every component and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	defer s.close()
	logger := s.logger

	// ----- Storage -----
	repo, err := s.subscriptionRepository(ctx)
	if err != nil {
		return err
	}

	// ----- Redis (optional) -----
	var redisClient redis.UniversalClient
	if s.cfg.RedisAddr != "" {
		redisClient, err = db.NewRedis(ctx, db.RedisConfig{
			Addresses: []string{s.cfg.RedisAddr},
			Password:  s.cfg.RedisPass,
			DB:        s.cfg.RedisDB,
			PoolSize:  10,
		})
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() { _ = redisClient.Close() })
		logger.Info("redis connected", zap.String("addr", s.cfg.RedisAddr))
	} else {
		logger.Warn("REDIS_ADDR not set, dunning runs without sweep lock or suspend retry queue")
	}

	// ----- Provider adapters -----
	mpClient := mercadopago.NewClient(
		mercadopago.Config{
			BaseURL:         s.cfg.MercadoPago.BaseURL,
			AccessToken:     s.cfg.MercadoPago.AccessToken,
			WebhookSecret:   s.cfg.MercadoPago.WebhookSecret,
			NotificationURL: s.cfg.MercadoPago.NotificationURL,
			BackURL:         s.cfg.MercadoPago.BackURL,
			Currency:        s.cfg.Billing.Currency,
		},
		httpclient.New(httpclient.Config{Timeout: s.cfg.Provider.Timeout}, logger),
		httpclient.New(httpclient.Config{Timeout: s.cfg.Provider.Timeout, MaxRetries: s.cfg.Provider.MaxRetries}, logger),
		logger,
	)
	stripeClient := stripe.NewClient(stripe.Config{
		BaseURL:       s.cfg.Stripe.BaseURL,
		SecretKey:     s.cfg.Stripe.SecretKey,
		WebhookSecret: s.cfg.Stripe.WebhookSecret,
		SuccessURL:    s.cfg.Stripe.SuccessURL,
		CancelURL:     s.cfg.Stripe.CancelURL,
		Currency:      s.cfg.Billing.Currency,
		Timeout:       s.cfg.Provider.Timeout,
		MaxRetries:    s.cfg.Provider.MaxRetries,
	}, logger)
	providers := provider.NewRegistry(
		provider.Instrument(mpClient),
		provider.Instrument(stripeClient),
	)

	// ----- Notifications -----
	var sink notification.Sink = notification.NewLogSink(logger)
	if s.cfg.Notification.BaseURL != "" {
		sink = notification.NewGatewaySink(
			notification.GatewayConfig{
				BaseURL:         s.cfg.Notification.BaseURL,
				Token:           s.cfg.Notification.Token,
				Timeout:         s.cfg.Notification.Timeout,
				MaxAttempts:     3,
				InitialInterval: 500 * time.Millisecond,
			},
			httpclient.New(httpclient.Config{Timeout: s.cfg.Notification.Timeout}, logger),
			logger,
		)
	}
	dispatcher := notification.NewDispatcher(sink, s.cfg.Notification.Workers, logger)
	// closers run in reverse, so this drains after the sweep has stopped
	s.closers = append(s.closers, dispatcher.Close)

	// ----- Services -----
	engine := reconcile.New(repo, dispatcher, reconcile.Options{
		IntervalDays: s.cfg.Billing.IntervalDays,
	}, logger)

	workerOpts := []dunning.Option{}
	if redisClient != nil {
		workerOpts = append(workerOpts,
			dunning.WithLocker(redisstore.NewLock(redisClient, dunningLockKey, s.cfg.Dunning.LockTTL)),
			dunning.WithRetryQueue(redisstore.NewSuspendRetryQueue(redisClient, redisstore.RetryQueueConfig{
				MaxAttempts: s.cfg.Dunning.SuspendMaxAttempts,
			})),
		)
	}
	worker := dunning.NewWorker(repo, providers, dispatcher, dunning.Config{
		Interval:     s.cfg.Dunning.Interval,
		InitialDelay: s.cfg.Dunning.InitialDelay,
	}, logger, workerOpts...)

	checkoutService := checkoutUsecase.NewCheckoutService(providers, s.cfg.Billing.Currency, logger)

	// ----- Handlers -----
	webhookOpts := []webhookHandler.Option{}
	if s.cfg.MercadoPago.WebhookSecret != "" {
		webhookOpts = append(webhookOpts, webhookHandler.WithMercadoPagoVerifier(mpClient))
	}
	if s.cfg.Stripe.WebhookSecret != "" {
		webhookOpts = append(webhookOpts, webhookHandler.WithStripeVerifier(stripeClient))
	}

	// ----- Admin auth -----
	var verifier middleware.TokenVerifier
	if v, err := jwt.LoadVerifier(s.cfg.JWT); err != nil {
		logger.Warn("admin API disabled, JWT public key not loaded", zap.Error(err))
	} else {
		verifier = v
	}

	handlers := &Handlers{
		WebhookHandler:  webhookHandler.NewWebhookHandler(providers, engine, s.cfg.WebhookTimeout, logger, webhookOpts...),
		CheckoutHandler: checkoutHandler.NewCheckoutHandler(checkoutService),
		AdminHandler:    adminHandler.NewAdminHandler(repo, worker, logger),
		AuthMiddleware:  middleware.NewAuthMiddleware(verifier),
	}

	s.engine.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		middleware.MetricsMiddleware(),
	)
	SetupRouter(s.engine, logger, handlers)

	// ----- Dunning sweep -----
	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		worker.Start(sweepCtx)
	}()
	s.closers = append(s.closers, func() {
		stopSweep()
		<-sweepDone
	})

	// ----- Start HTTP -----
	httpServer := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server running", zap.String("addr", s.cfg.HTTPAddr), zap.String("store", s.cfg.StoreDriver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

func (s *Server) subscriptionRepository(ctx context.Context) (subscription.Repository, error) {
	switch s.cfg.StoreDriver {
	case config.StoreDriverMemory:
		s.logger.Warn("using in-memory store, state is lost on restart")
		return memory.NewStore(), nil
	default:
		pool, err := db.ConnectDB(ctx, db.PostgresConfig{URL: s.cfg.DatabaseURL})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		s.logger.Info("postgres connected")
		return postgres.NewSubscriptionRepository(postgres.NewDB(pool)), nil
	}
}

// close runs the registered closers in reverse order.
func (s *Server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
	_ = s.logger.Sync()
}

func newLogger(cfg config.AppConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Env == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build(zap.Fields(zap.String("service", "billing-service")))
}
