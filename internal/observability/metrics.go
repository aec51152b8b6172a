package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/processor"
	"github.com/MarkoPoloResearchLab/billing/internal/reconcile"
	"github.com/MarkoPoloResearchLab/billing/internal/webhook"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "billing"

	resultOK    = "ok"
	resultError = "error"
)

// Metrics holds the collectors of the billing daemon. Collectors are
// registered on the injected registry, never the global one.
type Metrics struct {
	registry *prometheus.Registry

	operations          *prometheus.CounterVec
	creditsGranted      *prometheus.CounterVec
	creditsConsumed     prometheus.Counter
	insufficientCredits prometheus.Counter
	webhookEvents       *prometheus.CounterVec
	webhookDuration     *prometheus.HistogramVec
	reconcileRepaired   *prometheus.CounterVec
	reconcileFailures   *prometheus.CounterVec
	reconcileDuration   *prometheus.HistogramVec
	jobRuns             *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	breakerState        *prometheus.GaugeVec
	breakerTransitions  *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics := &Metrics{
		registry: registry,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by operation and status.",
		}, []string{"operation", "status"}),
		creditsGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_granted_total",
			Help:      "Credits granted by entry type.",
		}, []string{"entry_type"}),
		creditsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_consumed_total",
			Help:      "Credits deducted for usage.",
		}),
		insufficientCredits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insufficient_credits_total",
			Help:      "Deductions rejected for lack of credits.",
		}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Processor webhook deliveries by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Webhook handling time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		reconcileRepaired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_repaired_total",
			Help:      "Records repaired or flagged by reconciliation checks.",
		}, []string{"check"}),
		reconcileFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_failures_total",
			Help:      "Reconciliation checks that failed or panicked.",
		}, []string{"check"}),
		reconcileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciliation_duration_seconds",
			Help:      "Reconciliation check duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"check"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Background job runs by job and result.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Background job run time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"name"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"name", "from", "to"}),
	}
	collectors := []prometheus.Collector{
		metrics.operations,
		metrics.creditsGranted,
		metrics.creditsConsumed,
		metrics.insufficientCredits,
		metrics.webhookEvents,
		metrics.webhookDuration,
		metrics.reconcileRepaired,
		metrics.reconcileFailures,
		metrics.reconcileDuration,
		metrics.jobRuns,
		metrics.jobDuration,
		metrics.breakerState,
		metrics.breakerTransitions,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

// Registry returns the registry the collectors live on.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// Handler serves the registry in the Prometheus text format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{Registry: metrics.registry})
}

// ObserveOperation counts a ledger operation.
func (metrics *Metrics) ObserveOperation(entry ledger.OperationLog) {
	metrics.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Error != nil {
		if errors.Is(entry.Error, ledger.ErrInsufficientCredits) {
			metrics.insufficientCredits.Inc()
		}
		return
	}
	if entry.Status != resultOK {
		return
	}
	amount := entry.Amount.InexactFloat64()
	switch entry.EntryType {
	case ledger.EntryUsage:
		metrics.creditsConsumed.Add(amount)
	case ledger.EntryPurchase, ledger.EntryTierGrant, ledger.EntryDailyRefresh:
		if amount > 0 {
			metrics.creditsGranted.WithLabelValues(string(entry.EntryType)).Add(amount)
		}
	}
}

// ObserveWebhook implements webhook.Observer.
func (metrics *Metrics) ObserveWebhook(eventType string, outcome webhook.Outcome, duration time.Duration, err error) {
	label := string(outcome)
	if err != nil {
		label = resultError
	}
	if eventType == "" {
		eventType = "unknown"
	}
	metrics.webhookEvents.WithLabelValues(eventType, label).Inc()
	metrics.webhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// ObserveReconciliation implements reconcile.Observer.
func (metrics *Metrics) ObserveReconciliation(result reconcile.CheckResult) {
	metrics.reconcileDuration.WithLabelValues(result.Name).Observe(result.Duration.Seconds())
	if result.Repaired > 0 {
		metrics.reconcileRepaired.WithLabelValues(result.Name).Add(float64(result.Repaired))
	}
	if result.Err != nil {
		metrics.reconcileFailures.WithLabelValues(result.Name).Inc()
	}
}

// ObserveJob implements scheduler.Observer.
func (metrics *Metrics) ObserveJob(name string, duration time.Duration, err error) {
	result := resultOK
	if err != nil {
		result = resultError
	}
	metrics.jobRuns.WithLabelValues(name, result).Inc()
	metrics.jobDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// ObserveBreaker records a breaker transition. It matches
// processor.BreakerConfig.OnStateChange.
func (metrics *Metrics) ObserveBreaker(name string, from processor.State, to processor.State) {
	metrics.breakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
	metrics.breakerState.WithLabelValues(name).Set(float64(to))
}
