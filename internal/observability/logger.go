// Package observability adapts domain callbacks to zap and Prometheus.
package observability

import (
	"context"

	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"go.uber.org/zap"
)

// ZapOperationLogger writes ledger operations to a zap logger and, when
// metrics are attached, counts them.
type ZapOperationLogger struct {
	logger  *zap.Logger
	metrics *Metrics
}

// NewZapOperationLogger returns a ledger.OperationLogger. metrics may be nil.
func NewZapOperationLogger(logger *zap.Logger, metrics *Metrics) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger.Named("ledger"), metrics: metrics}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.String("status", entry.Status),
		zap.String("amount", entry.Amount.String()),
		zap.String("balance", entry.Balance.String()),
	}
	if entry.EntryType != "" {
		fields = append(fields, zap.String("entry_type", string(entry.EntryType)))
	}
	if entry.ExternalEventID != "" {
		fields = append(fields, zap.String("external_event_id", entry.ExternalEventID))
	}
	if entry.Model != "" {
		fields = append(fields, zap.String("model", entry.Model))
	}
	if operationLogger.metrics != nil {
		operationLogger.metrics.ObserveOperation(entry)
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
