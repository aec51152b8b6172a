package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// UsageReport is the token usage of one completed model call.
type UsageReport struct {
	AccountID        AccountID
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	SessionID        string
	Metadata         MetadataJSON
}

// UsageResult is the charge applied for a usage report.
type UsageResult struct {
	Cost    decimal.Decimal
	Charged bool
	Balance Balance
}

// ReportUsage prices a model call and deducts it. Zero-cost calls record nothing.
func (service *Service) ReportUsage(ctx context.Context, report UsageReport) (UsageResult, error) {
	if report.AccountID.IsZero() {
		return UsageResult{}, ErrInvalidAccountID
	}
	cost, err := service.prices.Cost(report.Model, report.PromptTokens, report.CompletionTokens)
	if err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationUsage,
			AccountID: report.AccountID,
			Model:     report.Model,
			Error:     err,
		})
		return UsageResult{}, err
	}
	if cost.IsZero() {
		balance, err := service.Balance(ctx, report.AccountID)
		if err != nil {
			return UsageResult{}, err
		}
		return UsageResult{Cost: cost, Balance: balance}, nil
	}
	balance, err := service.Deduct(ctx, report.AccountID, cost, Usage{
		Model:        report.Model,
		InputTokens:  report.PromptTokens,
		OutputTokens: report.CompletionTokens,
		SessionID:    report.SessionID,
		Metadata:     report.Metadata,
	})
	if err != nil {
		return UsageResult{Cost: cost}, err
	}
	return UsageResult{Cost: cost, Charged: true, Balance: balance}, nil
}
