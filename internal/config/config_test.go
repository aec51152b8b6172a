package config

import (
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/shopspring/decimal"
)

func validConfig() Config {
	return Config{
		SessionSigningKey:   "secret",
		StripeWebhookSecret: "whsec_test",
	}
}

func TestValidateAppliesDefaults(test *testing.T) {
	test.Parallel()
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.DatabaseURL != defaultDatabaseURL || cfg.GRPCListenAddr != defaultGRPCListenAddr || cfg.HTTPListenAddr != defaultHTTPListenAddr {
		test.Fatalf("unexpected addresses %+v", cfg)
	}
	if cfg.TrialTier != ledger.TierPlus || !cfg.DailyCredits.Equal(decimal.NewFromInt(10)) {
		test.Fatalf("unexpected plan defaults %+v", cfg)
	}
	if cfg.DailyRefreshInterval != 24*time.Hour || cfg.LeaseTTL != 2*time.Minute || cfg.CASAttempts != defaultCASAttempts {
		test.Fatalf("unexpected runtime defaults %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.SessionCookieName != defaultSessionCookie {
		test.Fatalf("unexpected session defaults %+v", cfg)
	}
}

func TestValidateRejectsInconsistentSettings(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		mutate  func(cfg *Config)
		message string
	}{
		{name: "missing signing key", mutate: func(cfg *Config) { cfg.SessionSigningKey = "" }, message: "signing key"},
		{name: "missing webhook secret", mutate: func(cfg *Config) { cfg.StripeWebhookSecret = " " }, message: "webhook secret"},
		{name: "free trial tier", mutate: func(cfg *Config) { cfg.TrialTier = ledger.TierFree }, message: "paid tier"},
		{name: "negative daily credits", mutate: func(cfg *Config) { cfg.DailyCredits = decimal.NewFromInt(-1) }, message: "daily credits"},
		{name: "free tier price", mutate: func(cfg *Config) { cfg.TierPrices = map[ledger.Tier]string{ledger.TierFree: "price_free"} }, message: "subscription price"},
		{name: "zero allowance", mutate: func(cfg *Config) { cfg.TierAllowances = map[ledger.Tier]decimal.Decimal{ledger.TierPro: decimal.Zero} }, message: "allowance"},
		{name: "sendgrid without recipient", mutate: func(cfg *Config) { cfg.SendGridAPIKey = "SG.key" }, message: "sendgrid"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			cfg := validConfig()
			testCase.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				test.Fatalf("expected error mentioning %q, got %v", testCase.message, err)
			}
		})
	}
}

func TestParsers(test *testing.T) {
	test.Parallel()
	packs, err := ParseCreditPacks("price_small=20, price_large=100.5")
	if err != nil {
		test.Fatalf("packs: %v", err)
	}
	if len(packs) != 2 || !packs["price_large"].Equal(decimal.RequireFromString("100.5")) {
		test.Fatalf("unexpected packs %+v", packs)
	}
	prices, err := ParseTierPrices("plus=price_plus,pro=price_pro")
	if err != nil || prices[ledger.TierPro] != "price_pro" {
		test.Fatalf("unexpected prices %+v %v", prices, err)
	}
	amounts, err := ParseTierAmounts("plus=100,ultra=1000")
	if err != nil || !amounts[ledger.TierUltra].Equal(decimal.NewFromInt(1000)) {
		test.Fatalf("unexpected amounts %+v %v", amounts, err)
	}
	cfg := Config{TierPrices: prices}
	if cfg.PriceTiers()["price_plus"] != ledger.TierPlus {
		test.Fatalf("unexpected price tiers %+v", cfg.PriceTiers())
	}

	for _, raw := range []string{"price_only", "price=abc", "price=0", "=10"} {
		if _, err := ParseCreditPacks(raw); err == nil {
			test.Errorf("expected %q to be rejected", raw)
		}
	}
	if _, err := ParseTierPrices("gold=price_gold"); err == nil {
		test.Fatalf("expected unknown tier to be rejected")
	}
	if origins := ParseAllowedOrigins(" https://a.test , ,https://b.test"); len(origins) != 2 {
		test.Fatalf("unexpected origins %v", origins)
	}
}
