package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation       string
	AccountID       AccountID
	EntryType       EntryType
	Amount          decimal.Decimal
	ExternalEventID string
	Model           string
	Balance         decimal.Decimal
	Status          string
	Error           error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithPriceTable replaces the built-in model catalogue.
func WithPriceTable(prices PriceTable) ServiceOption {
	return func(service *Service) {
		service.prices = prices
	}
}

// WithCASAttempts bounds the optimistic retry loop used for account mutations.
func WithCASAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.casAttempts = attempts
		}
	}
}
