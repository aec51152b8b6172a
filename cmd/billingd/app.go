package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/config"
	"github.com/MarkoPoloResearchLab/billing/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/billing/internal/httpapi"
	"github.com/MarkoPoloResearchLab/billing/internal/lease"
	"github.com/MarkoPoloResearchLab/billing/internal/notify"
	"github.com/MarkoPoloResearchLab/billing/internal/observability"
	"github.com/MarkoPoloResearchLab/billing/internal/processor"
	"github.com/MarkoPoloResearchLab/billing/internal/processor/stripeprocessor"
	"github.com/MarkoPoloResearchLab/billing/internal/purchase"
	"github.com/MarkoPoloResearchLab/billing/internal/reconcile"
	"github.com/MarkoPoloResearchLab/billing/internal/refresh"
	"github.com/MarkoPoloResearchLab/billing/internal/scheduler"
	"github.com/MarkoPoloResearchLab/billing/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/billing/internal/subscription"
	"github.com/MarkoPoloResearchLab/billing/internal/webhook"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"gorm.io/gorm"
)

const (
	jobDailyRefresh = "daily_refresh"
	jobTrialExpiry  = "trial_expiry"
	jobReconcile    = "reconcile"
	redisPingWait   = 5 * time.Second
)

// application holds the wired services of one daemon process.
type application struct {
	cfg           config.Config
	logger        *zap.Logger
	metrics       *observability.Metrics
	leases        lease.Store
	closeLeases   func() error
	ledger        *ledger.Service
	purchases     *purchase.Service
	subscriptions *subscription.Service
	refresh       *refresh.Service
	reconcile     *reconcile.Service
	webhooks      *webhook.Service
}

func newApplication(ctx context.Context, cfg config.Config, db *gorm.DB, logger *zap.Logger) (*application, error) {
	now := func() time.Time { return time.Now().UTC() }

	metrics, err := observability.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		return nil, fmt.Errorf("metrics init: %w", err)
	}
	store := gormstore.New(db)

	ledgerService, err := ledger.NewService(store, now,
		ledger.WithOperationLogger(observability.NewZapOperationLogger(logger, metrics)),
		ledger.WithCASAttempts(cfg.CASAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger service init: %w", err)
	}

	stripeClient, err := stripeprocessor.NewClient(stripeprocessor.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("stripe client init: %w", err)
	}
	breaker := processor.NewCircuitBreaker(processor.BreakerConfig{
		Name:             "stripe",
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
		Timeout:          cfg.BreakerTimeout,
		OnStateChange:    metrics.ObserveBreaker,
	})
	gateway, err := processor.NewGateway(stripeClient, breaker, processor.DefaultGatewayConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("gateway init: %w", err)
	}

	purchases, err := purchase.NewService(store, gateway, purchase.Config{
		Packs:       cfg.CreditPacks,
		TierPrices:  cfg.TierPrices,
		SuccessURL:  cfg.CheckoutSuccessURL,
		CancelURL:   cfg.CheckoutCancelURL,
		CASAttempts: cfg.CASAttempts,
	}, now, logger)
	if err != nil {
		return nil, fmt.Errorf("purchase service init: %w", err)
	}
	subscriptions, err := subscription.NewService(store, gateway, subscription.Config{
		TrialTier:     cfg.TrialTier,
		TrialDuration: cfg.TrialDuration,
		TrialCredits:  cfg.TrialCredits,
		Allowances:    cfg.TierAllowances,
		PriceTiers:    cfg.PriceTiers(),
		CASAttempts:   cfg.CASAttempts,
	}, now, logger)
	if err != nil {
		return nil, fmt.Errorf("subscription service init: %w", err)
	}
	refreshService, err := refresh.NewService(store, refresh.Config{
		DailyAmount: cfg.DailyCredits,
		Interval:    cfg.DailyRefreshInterval,
		CASAttempts: cfg.CASAttempts,
	}, now, logger)
	if err != nil {
		return nil, fmt.Errorf("refresh service init: %w", err)
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}
	reconcileService, err := reconcile.NewService(store, gateway, purchases, notifier, reconcile.Config{
		PendingAge:  cfg.PendingPurchaseAge,
		CASAttempts: cfg.CASAttempts,
	}, now, logger, reconcile.WithObserver(metrics))
	if err != nil {
		return nil, fmt.Errorf("reconcile service init: %w", err)
	}

	leases, closeLeases, err := newLeaseStore(ctx, cfg, db, now)
	if err != nil {
		return nil, err
	}
	handlers, err := webhook.NewHandlers(purchases, subscriptions, ledgerService, store, logger)
	if err != nil {
		_ = closeLeases()
		return nil, fmt.Errorf("webhook handlers init: %w", err)
	}
	registry := webhook.NewRegistry(logger)
	handlers.Register(registry)
	webhooks, err := webhook.NewService(stripeClient, registry, leases, store, webhook.Config{LeaseTTL: cfg.LeaseTTL}, now, logger, webhook.WithObserver(metrics))
	if err != nil {
		_ = closeLeases()
		return nil, fmt.Errorf("webhook service init: %w", err)
	}

	return &application{
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
		leases:        leases,
		closeLeases:   closeLeases,
		ledger:        ledgerService,
		purchases:     purchases,
		subscriptions: subscriptions,
		refresh:       refreshService,
		reconcile:     reconcileService,
		webhooks:      webhooks,
	}, nil
}

func (app *application) Close() error {
	if app.closeLeases == nil {
		return nil
	}
	return app.closeLeases()
}

func newNotifier(cfg config.Config, logger *zap.Logger) (notify.Notifier, error) {
	logNotifier := notify.NewLogNotifier(logger)
	if cfg.SendGridAPIKey == "" {
		return logNotifier, nil
	}
	mailNotifier, err := notify.NewSendGridNotifier(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.AlertFromEmail,
		ToEmail:   cfg.AlertToEmail,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("alert mail init: %w", err)
	}
	return notify.Multi{logNotifier, mailNotifier}, nil
}

// newLeaseStore prefers Redis when an address is configured and falls back
// to the lease table otherwise.
func newLeaseStore(ctx context.Context, cfg config.Config, db *gorm.DB, now func() time.Time) (lease.Store, func() error, error) {
	if cfg.RedisAddr == "" {
		return lease.NewSQLStore(db, now), func() error { return nil }, nil
	}
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:       []string{cfg.RedisAddr},
		DialTimeout: redisPingWait,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingWait)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return lease.NewRedisStore(client, cfg.RedisPrefix), client.Close, nil
}

func (app *application) jobs() []scheduler.Job {
	return []scheduler.Job{
		{
			Name:     jobDailyRefresh,
			Interval: app.cfg.RefreshSchedule,
			Run: func(ctx context.Context) error {
				result, err := app.refresh.RefreshDue(ctx)
				if err == nil && result.Refreshed > 0 {
					app.logger.Info("daily refresh applied", zap.Int("refreshed", result.Refreshed), zap.Int("failed", result.Failed))
				}
				return err
			},
		},
		{
			Name:     jobTrialExpiry,
			Interval: app.cfg.TrialExpirySchedule,
			Run: func(ctx context.Context) error {
				_, err := app.subscriptions.ExpireTrials(ctx)
				return err
			},
		},
		{
			Name:       jobReconcile,
			Interval:   app.cfg.ReconcileSchedule,
			RunAtStart: true,
			Run: func(ctx context.Context) error {
				return app.reconcile.Run(ctx).Err()
			},
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if driver == driverSQLite {
		if err := migrateSchema(gormDB); err != nil {
			return err
		}
	}

	app, err := newApplication(ctx, *cfg, gormDB, logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	runner, err := scheduler.NewRunner(app.jobs(), logger, scheduler.WithLeases(app.leases), scheduler.WithObserver(app.metrics))
	if err != nil {
		return fmt.Errorf("scheduler init: %w", err)
	}
	httpServer, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:         cfg.HTTPListenAddr,
		AllowedOrigins:     cfg.AllowedOrigins,
		SessionSigningKey:  cfg.SessionSigningKey,
		SessionIssuer:      cfg.SessionIssuer,
		SessionCookieName:  cfg.SessionCookieName,
		WalletHistoryLimit: cfg.WalletHistoryLimit,
	}, httpapi.Dependencies{
		Ledger:        app.ledger,
		Purchases:     app.purchases,
		Subscriptions: app.subscriptions,
		Webhooks:      app.webhooks,
		Metrics:       app.metrics.Handler(),
	}, logger)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	grpcserver.RegisterCreditServiceServer(grpcServer, grpcserver.NewCreditServiceServer(app.ledger))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return serveGRPC(groupCtx, grpcServer, lis, logger)
	})
	group.Go(func() error {
		return httpServer.Run(groupCtx)
	})
	group.Go(func() error {
		return runner.Run(groupCtx)
	})
	return group.Wait()
}

func serveGRPC(ctx context.Context, grpcServer *grpc.Server, lis net.Listener, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", lis.Addr().String()))
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func runMigrate(ctx context.Context, cfg *config.Config) error {
	gormDB, cleanup, _, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()
	return migrateSchema(gormDB)
}

// runTask wires the services without the servers and runs one job.
func runTask(ctx context.Context, cfg *config.Config, task func(app *application) error) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	return runTaskWithLogger(ctx, cfg, logger, task)
}

func runTaskWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger, task func(app *application) error) error {
	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()
	if driver == driverSQLite {
		if err := migrateSchema(gormDB); err != nil {
			return err
		}
	}
	app, err := newApplication(ctx, *cfg, gormDB, logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	return task(app)
}
