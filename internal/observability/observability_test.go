package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/processor"
	"github.com/MarkoPoloResearchLab/billing/internal/reconcile"
	"github.com/MarkoPoloResearchLab/billing/internal/webhook"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func mustMetrics(test *testing.T) *Metrics {
	test.Helper()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		test.Fatalf("new metrics: %v", err)
	}
	return metrics
}

func mustAccountID(test *testing.T, raw string) ledger.AccountID {
	test.Helper()
	accountID, err := ledger.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func TestZapOperationLoggerWritesStructuredFields(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.DebugLevel)
	metrics := mustMetrics(test)
	operationLogger := NewZapOperationLogger(zap.New(core), metrics)
	accountID := mustAccountID(test, "user-1")

	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation:       "grant",
		AccountID:       accountID,
		EntryType:       ledger.EntryPurchase,
		Amount:          decimal.NewFromInt(20),
		ExternalEventID: "evt_1",
		Balance:         decimal.NewFromInt(20),
		Status:          "ok",
	})
	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation: "deduct",
		AccountID: accountID,
		EntryType: ledger.EntryUsage,
		Amount:    decimal.NewFromInt(50),
		Model:     "gpt-4o",
		Status:    "error",
		Error:     ledger.ErrInsufficientCredits,
	})

	entries := logs.All()
	if len(entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(entries))
	}
	first := entries[0].ContextMap()
	if entries[0].Level != zapcore.InfoLevel || first["external_event_id"] != "evt_1" || first["entry_type"] != "purchase" {
		test.Fatalf("unexpected grant log %v %+v", entries[0].Level, first)
	}
	if entries[1].Level != zapcore.WarnLevel || entries[1].ContextMap()["model"] != "gpt-4o" {
		test.Fatalf("unexpected failure log %v %+v", entries[1].Level, entries[1].ContextMap())
	}

	if value := testutil.ToFloat64(metrics.creditsGranted.WithLabelValues("purchase")); value != 20 {
		test.Fatalf("expected 20 granted credits, got %v", value)
	}
	if value := testutil.ToFloat64(metrics.insufficientCredits); value != 1 {
		test.Fatalf("expected one insufficient credits rejection, got %v", value)
	}
	if value := testutil.ToFloat64(metrics.operations.WithLabelValues("deduct", "error")); value != 1 {
		test.Fatalf("expected one failed deduct, got %v", value)
	}
}

func TestMetricsObserveDomainCallbacks(test *testing.T) {
	test.Parallel()
	metrics := mustMetrics(test)

	metrics.ObserveWebhook("invoice.paid", webhook.OutcomeProcessed, 20*time.Millisecond, nil)
	metrics.ObserveWebhook("invoice.paid", webhook.OutcomeDuplicate, time.Millisecond, nil)
	metrics.ObserveWebhook("", webhook.OutcomeProcessed, time.Millisecond, errors.New("bad signature"))
	metrics.ObserveReconciliation(reconcile.CheckResult{Name: reconcile.CheckDoubleCharges, Repaired: 2, Duration: time.Second})
	metrics.ObserveReconciliation(reconcile.CheckResult{Name: reconcile.CheckFailedPayments, Err: reconcile.ErrCheckPanicked})
	metrics.ObserveJob("refresh", time.Second, nil)
	metrics.ObserveJob("refresh", time.Second, errors.New("database down"))
	metrics.ObserveBreaker("stripe", processor.StateClosed, processor.StateOpen)

	testCases := []struct {
		name      string
		collector prometheus.Collector
		expected  float64
	}{
		{name: "processed webhook", collector: metrics.webhookEvents.WithLabelValues("invoice.paid", "processed"), expected: 1},
		{name: "duplicate webhook", collector: metrics.webhookEvents.WithLabelValues("invoice.paid", "duplicate"), expected: 1},
		{name: "failed webhook", collector: metrics.webhookEvents.WithLabelValues("unknown", "error"), expected: 1},
		{name: "flagged charges", collector: metrics.reconcileRepaired.WithLabelValues(reconcile.CheckDoubleCharges), expected: 2},
		{name: "panicked check", collector: metrics.reconcileFailures.WithLabelValues(reconcile.CheckFailedPayments), expected: 1},
		{name: "job ok", collector: metrics.jobRuns.WithLabelValues("refresh", "ok"), expected: 1},
		{name: "job error", collector: metrics.jobRuns.WithLabelValues("refresh", "error"), expected: 1},
		{name: "breaker state", collector: metrics.breakerState.WithLabelValues("stripe"), expected: float64(processor.StateOpen)},
		{name: "breaker transition", collector: metrics.breakerTransitions.WithLabelValues("stripe", "closed", "open"), expected: 1},
	}
	for _, testCase := range testCases {
		if value := testutil.ToFloat64(testCase.collector); value != testCase.expected {
			test.Errorf("%s: expected %v, got %v", testCase.name, testCase.expected, value)
		}
	}
}

func TestMetricsHandlerServesRegistry(test *testing.T) {
	test.Parallel()
	metrics := mustMetrics(test)
	metrics.ObserveJob("reconcile", time.Second, nil)

	recorder := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		test.Fatalf("unexpected status %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `billing_job_runs_total{job="reconcile",result="ok"} 1`) {
		test.Fatalf("metrics output missing job counter:\n%s", recorder.Body.String())
	}
}

func TestNewMetricsRejectsDoubleRegistration(test *testing.T) {
	test.Parallel()
	registry := prometheus.NewRegistry()
	if _, err := NewMetrics(registry); err != nil {
		test.Fatalf("first registration: %v", err)
	}
	if _, err := NewMetrics(registry); err == nil {
		test.Fatalf("expected duplicate registration to fail")
	}
}
