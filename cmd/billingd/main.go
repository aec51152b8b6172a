package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/billing/internal/config"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL          = "database-url"
	flagGRPCListenAddr       = "grpc-listen-addr"
	flagHTTPListenAddr       = "http-listen-addr"
	flagAllowedOrigins       = "allowed-origins"
	flagJWTSigningKey        = "jwt-signing-key"
	flagJWTIssuer            = "jwt-issuer"
	flagJWTCookieName        = "jwt-cookie-name"
	flagStripeSecretKey      = "stripe-secret-key"
	flagStripeWebhookSecret  = "stripe-webhook-secret"
	flagCheckoutSuccessURL   = "checkout-success-url"
	flagCheckoutCancelURL    = "checkout-cancel-url"
	flagCreditPacks          = "credit-packs"
	flagTierPrices           = "tier-prices"
	flagTierAllowances       = "tier-allowances"
	flagTrialTier            = "trial-tier"
	flagTrialDuration        = "trial-duration"
	flagTrialCredits         = "trial-credits"
	flagDailyCredits         = "daily-credits"
	flagDailyRefreshInterval = "daily-refresh-interval"
	flagRefreshSchedule      = "refresh-schedule"
	flagTrialExpirySchedule  = "trial-expiry-schedule"
	flagReconcileSchedule    = "reconcile-schedule"
	flagPendingPurchaseAge   = "pending-purchase-age"
	flagRedisAddr            = "redis-addr"
	flagRedisPrefix          = "redis-prefix"
	flagLeaseTTL             = "lease-ttl"
	flagBreakerThreshold     = "breaker-threshold"
	flagBreakerCooldown      = "breaker-cooldown"
	flagBreakerTimeout       = "breaker-timeout"
	flagSendGridAPIKey       = "sendgrid-api-key"
	flagAlertFromEmail       = "alert-from-email"
	flagAlertToEmail         = "alert-to-email"
	flagCASAttempts          = "cas-attempts"
	flagWalletHistoryLimit   = "wallet-history-limit"
	envPrefix                = "BILLINGD"
)

var configFlags = []string{
	flagDatabaseURL, flagGRPCListenAddr, flagHTTPListenAddr, flagAllowedOrigins,
	flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
	flagStripeSecretKey, flagStripeWebhookSecret, flagCheckoutSuccessURL, flagCheckoutCancelURL,
	flagCreditPacks, flagTierPrices, flagTierAllowances,
	flagTrialTier, flagTrialDuration, flagTrialCredits,
	flagDailyCredits, flagDailyRefreshInterval,
	flagRefreshSchedule, flagTrialExpirySchedule, flagReconcileSchedule, flagPendingPurchaseAge,
	flagRedisAddr, flagRedisPrefix, flagLeaseTTL,
	flagBreakerThreshold, flagBreakerCooldown, flagBreakerTimeout,
	flagSendGridAPIKey, flagAlertFromEmail, flagAlertToEmail,
	flagCASAttempts, flagWalletHistoryLimit,
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "billingd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "billingd",
		Short:         "Credit ledger and billing reconciliation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, "", "PostgreSQL or SQLite connection string")
	flags.String(flagGRPCListenAddr, "", "gRPC listen address")
	flags.String(flagHTTPListenAddr, "", "HTTP listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagJWTCookieName, "", "JWT cookie name")
	flags.String(flagStripeSecretKey, "", "Stripe secret API key")
	flags.String(flagStripeWebhookSecret, "", "Stripe webhook signing secret (required)")
	flags.String(flagCheckoutSuccessURL, "", "URL the checkout returns to on success")
	flags.String(flagCheckoutCancelURL, "", "URL the checkout returns to on cancel")
	flags.String(flagCreditPacks, "", "credit packs as price_id=credits pairs")
	flags.String(flagTierPrices, "", "subscription prices as tier=price_id pairs")
	flags.String(flagTierAllowances, "", "per-period allowances as tier=credits pairs")
	flags.String(flagTrialTier, "", "tier granted during the trial")
	flags.Duration(flagTrialDuration, 0, "trial length")
	flags.String(flagTrialCredits, "", "credits granted with the trial")
	flags.String(flagDailyCredits, "", "free-tier daily credits")
	flags.Duration(flagDailyRefreshInterval, 0, "interval between daily refreshes of one account")
	flags.Duration(flagRefreshSchedule, 0, "how often the daily refresh job runs")
	flags.Duration(flagTrialExpirySchedule, 0, "how often the trial expiry job runs")
	flags.Duration(flagReconcileSchedule, 0, "how often reconciliation runs")
	flags.Duration(flagPendingPurchaseAge, 0, "age after which unfinished purchases are reconciled")
	flags.String(flagRedisAddr, "", "Redis address for leases; empty uses the database")
	flags.String(flagRedisPrefix, "", "Redis key prefix for leases")
	flags.Duration(flagLeaseTTL, 0, "webhook lease ttl")
	flags.Int(flagBreakerThreshold, 0, "processor failures that open the circuit breaker")
	flags.Duration(flagBreakerCooldown, 0, "how long the breaker stays open")
	flags.Duration(flagBreakerTimeout, 0, "per-call processor timeout")
	flags.String(flagSendGridAPIKey, "", "SendGrid API key for alert mail")
	flags.String(flagAlertFromEmail, "", "alert sender address")
	flags.String(flagAlertToEmail, "", "alert recipient address")
	flags.Int(flagCASAttempts, 0, "optimistic update attempts per account mutation")
	flags.Int(flagWalletHistoryLimit, 0, "entries returned with the wallet")

	cmd.AddCommand(
		newServeCommand(cfg),
		newMigrateCommand(cfg),
		newReconcileCommand(cfg),
		newRefreshCommand(cfg),
		newExpireTrialsCommand(cfg),
	)
	return cmd
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve gRPC and HTTP and run the background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), cfg)
		},
	}
}

func newReconcileCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run every reconciliation check once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd.Context(), cfg, func(app *application) error {
				return app.reconcile.Run(cmd.Context()).Err()
			})
		},
	}
}

func newRefreshCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the daily credits of every due account once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd.Context(), cfg, func(app *application) error {
				_, err := app.refresh.RefreshDue(cmd.Context())
				return err
			})
		},
	}
}

func newExpireTrialsCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "expire-trials",
		Short: "End every trial past its end time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd.Context(), cfg, func(app *application) error {
				_, err := app.subscriptions.ExpireTrials(cmd.Context())
				return err
			})
		},
	}
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}

	var err error
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.HTTPListenAddr = strings.TrimSpace(v.GetString(flagHTTPListenAddr))
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.StripeSecretKey = strings.TrimSpace(v.GetString(flagStripeSecretKey))
	cfg.StripeWebhookSecret = strings.TrimSpace(v.GetString(flagStripeWebhookSecret))
	cfg.CheckoutSuccessURL = strings.TrimSpace(v.GetString(flagCheckoutSuccessURL))
	cfg.CheckoutCancelURL = strings.TrimSpace(v.GetString(flagCheckoutCancelURL))
	if cfg.CreditPacks, err = config.ParseCreditPacks(v.GetString(flagCreditPacks)); err != nil {
		return fmt.Errorf("%s: %w", flagCreditPacks, err)
	}
	if cfg.TierPrices, err = config.ParseTierPrices(v.GetString(flagTierPrices)); err != nil {
		return fmt.Errorf("%s: %w", flagTierPrices, err)
	}
	if cfg.TierAllowances, err = config.ParseTierAmounts(v.GetString(flagTierAllowances)); err != nil {
		return fmt.Errorf("%s: %w", flagTierAllowances, err)
	}
	if raw := strings.TrimSpace(v.GetString(flagTrialTier)); raw != "" {
		if cfg.TrialTier, err = ledger.ParseTier(raw); err != nil {
			return fmt.Errorf("%s: %w", flagTrialTier, err)
		}
	}
	cfg.TrialDuration = v.GetDuration(flagTrialDuration)
	if cfg.TrialCredits, err = parseCredits(v.GetString(flagTrialCredits)); err != nil {
		return fmt.Errorf("%s: %w", flagTrialCredits, err)
	}
	if cfg.DailyCredits, err = parseCredits(v.GetString(flagDailyCredits)); err != nil {
		return fmt.Errorf("%s: %w", flagDailyCredits, err)
	}
	cfg.DailyRefreshInterval = v.GetDuration(flagDailyRefreshInterval)
	cfg.RefreshSchedule = v.GetDuration(flagRefreshSchedule)
	cfg.TrialExpirySchedule = v.GetDuration(flagTrialExpirySchedule)
	cfg.ReconcileSchedule = v.GetDuration(flagReconcileSchedule)
	cfg.PendingPurchaseAge = v.GetDuration(flagPendingPurchaseAge)
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.RedisPrefix = strings.TrimSpace(v.GetString(flagRedisPrefix))
	cfg.LeaseTTL = v.GetDuration(flagLeaseTTL)
	cfg.BreakerThreshold = v.GetInt(flagBreakerThreshold)
	cfg.BreakerCooldown = v.GetDuration(flagBreakerCooldown)
	cfg.BreakerTimeout = v.GetDuration(flagBreakerTimeout)
	cfg.SendGridAPIKey = strings.TrimSpace(v.GetString(flagSendGridAPIKey))
	cfg.AlertFromEmail = strings.TrimSpace(v.GetString(flagAlertFromEmail))
	cfg.AlertToEmail = strings.TrimSpace(v.GetString(flagAlertToEmail))
	cfg.CASAttempts = v.GetInt(flagCASAttempts)
	cfg.WalletHistoryLimit = v.GetInt(flagWalletHistoryLimit)

	return cfg.Validate()
}

func parseCredits(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(trimmed)
}
