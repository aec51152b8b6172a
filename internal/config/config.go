// Package config holds the runtime settings of the billing daemon.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/shopspring/decimal"
)

const (
	defaultDatabaseURL     = "sqlite:///tmp/billing.db"
	defaultGRPCListenAddr  = ":7000"
	defaultHTTPListenAddr  = ":8080"
	defaultAllowedOrigin   = "http://localhost:8000"
	defaultSessionIssuer   = "tauth"
	defaultSessionCookie   = "app_session"
	defaultRedisPrefix     = "billing:lease:"
	defaultCASAttempts     = 5
	defaultRefreshInterval = 24 * time.Hour
	defaultRefreshSchedule = time.Minute
	defaultTrialSchedule   = 5 * time.Minute
	defaultReconcileEvery  = 15 * time.Minute
	defaultLeaseTTL        = 2 * time.Minute
	defaultWalletHistory   = 20
)

var defaultDailyCredits = decimal.NewFromInt(10)

// Config aggregates runtime settings for billingd.
type Config struct {
	DatabaseURL    string
	GRPCListenAddr string
	HTTPListenAddr string
	AllowedOrigins []string

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	// CreditPacks maps one-off price ids to the credits they buy.
	CreditPacks map[string]decimal.Decimal
	// TierPrices maps paid tiers to their recurring price ids.
	TierPrices map[ledger.Tier]string
	// TierAllowances is the expiring grant per paid period.
	TierAllowances map[ledger.Tier]decimal.Decimal

	TrialTier     ledger.Tier
	TrialDuration time.Duration
	TrialCredits  decimal.Decimal

	DailyCredits         decimal.Decimal
	DailyRefreshInterval time.Duration

	RefreshSchedule     time.Duration
	TrialExpirySchedule time.Duration
	ReconcileSchedule   time.Duration
	PendingPurchaseAge  time.Duration

	RedisAddr   string
	RedisPrefix string
	LeaseTTL    time.Duration

	BreakerThreshold int
	BreakerCooldown  time.Duration
	BreakerTimeout   time.Duration

	SendGridAPIKey string
	AlertFromEmail string
	AlertToEmail   string

	CASAttempts        int
	WalletHistoryLimit int
}

// Validate fills defaults and rejects inconsistent settings.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.RedisPrefix = defaultIfEmpty(cfg.RedisPrefix, defaultRedisPrefix)
	if cfg.TrialTier == "" {
		cfg.TrialTier = ledger.TierPlus
	}
	if cfg.DailyCredits.IsZero() {
		cfg.DailyCredits = defaultDailyCredits
	}
	cfg.DailyRefreshInterval = defaultDuration(cfg.DailyRefreshInterval, defaultRefreshInterval)
	cfg.RefreshSchedule = defaultDuration(cfg.RefreshSchedule, defaultRefreshSchedule)
	cfg.TrialExpirySchedule = defaultDuration(cfg.TrialExpirySchedule, defaultTrialSchedule)
	cfg.ReconcileSchedule = defaultDuration(cfg.ReconcileSchedule, defaultReconcileEvery)
	cfg.LeaseTTL = defaultDuration(cfg.LeaseTTL, defaultLeaseTTL)
	if cfg.CASAttempts <= 0 {
		cfg.CASAttempts = defaultCASAttempts
	}
	if cfg.WalletHistoryLimit <= 0 {
		cfg.WalletHistoryLimit = defaultWalletHistory
	}

	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("session signing key is required")
	}
	if strings.TrimSpace(cfg.StripeWebhookSecret) == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	if !cfg.TrialTier.IsPaid() {
		return fmt.Errorf("trial tier %q must be a paid tier", cfg.TrialTier)
	}
	if cfg.DailyCredits.IsNegative() {
		return fmt.Errorf("daily credits must not be negative")
	}
	for tier := range cfg.TierPrices {
		if !tier.IsPaid() {
			return fmt.Errorf("tier %q cannot have a subscription price", tier)
		}
	}
	for tier, allowance := range cfg.TierAllowances {
		if !tier.IsPaid() {
			return fmt.Errorf("tier %q cannot have an allowance", tier)
		}
		if err := ledger.ValidateAmount(allowance); err != nil {
			return fmt.Errorf("allowance for %s: %w", tier, err)
		}
	}
	if cfg.SendGridAPIKey != "" && (cfg.AlertFromEmail == "" || cfg.AlertToEmail == "") {
		return fmt.Errorf("alert sender and recipient are required with a sendgrid key")
	}
	return nil
}

// PriceTiers inverts TierPrices for webhook lookups.
func (cfg *Config) PriceTiers() map[string]ledger.Tier {
	priceTiers := make(map[string]ledger.Tier, len(cfg.TierPrices))
	for tier, priceID := range cfg.TierPrices {
		priceTiers[priceID] = tier
	}
	return priceTiers
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func defaultDuration(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	return splitList(raw)
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// ParseCreditPacks reads "price_id=credits" pairs, comma-delimited.
func ParseCreditPacks(raw string) (map[string]decimal.Decimal, error) {
	packs := map[string]decimal.Decimal{}
	for _, pair := range splitList(raw) {
		key, value, err := splitPair(pair)
		if err != nil {
			return nil, err
		}
		credits, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("credit pack %s: %w", key, err)
		}
		if err := ledger.ValidateAmount(credits); err != nil {
			return nil, fmt.Errorf("credit pack %s: %w", key, err)
		}
		packs[key] = credits
	}
	return packs, nil
}

// ParseTierPrices reads "tier=price_id" pairs, comma-delimited.
func ParseTierPrices(raw string) (map[ledger.Tier]string, error) {
	prices := map[ledger.Tier]string{}
	for _, pair := range splitList(raw) {
		key, value, err := splitPair(pair)
		if err != nil {
			return nil, err
		}
		tier, err := ledger.ParseTier(key)
		if err != nil {
			return nil, err
		}
		prices[tier] = value
	}
	return prices, nil
}

// ParseTierAmounts reads "tier=credits" pairs, comma-delimited.
func ParseTierAmounts(raw string) (map[ledger.Tier]decimal.Decimal, error) {
	amounts := map[ledger.Tier]decimal.Decimal{}
	for _, pair := range splitList(raw) {
		key, value, err := splitPair(pair)
		if err != nil {
			return nil, err
		}
		tier, err := ledger.ParseTier(key)
		if err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("amount for %s: %w", tier, err)
		}
		amounts[tier] = amount
	}
	return amounts, nil
}

func splitPair(pair string) (string, string, error) {
	key, value, found := strings.Cut(pair, "=")
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if !found || key == "" || value == "" {
		return "", "", fmt.Errorf("expected key=value, got %q", pair)
	}
	return key, value, nil
}
