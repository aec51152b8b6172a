package purchase

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/processor"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CompleteRequest identifies a paid purchase by id or checkout session.
type CompleteRequest struct {
	PurchaseID        string
	CheckoutSessionID string
	PaymentIntentID   string
	// ExternalEventID keys the purchase entry; redelivery of the same event
	// can never grant twice.
	ExternalEventID string
}

// Completion reports the outcome of Complete. Applied is false when the
// purchase had already been completed by someone else.
type Completion struct {
	Purchase ledger.Purchase
	Balance  ledger.Balance
	Applied  bool
}

// Complete grants the purchased credits and marks the purchase completed in
// one transaction. The status compare-and-set inside that transaction makes
// the webhook grant and reconciliation recovery mutually exclusive.
func (service *Service) Complete(ctx context.Context, request CompleteRequest) (Completion, error) {
	purchase, err := service.lookup(ctx, request)
	if err != nil {
		return Completion{}, err
	}
	var completion Completion
	account, err := ledger.MutateAccount(ctx, service.store, purchase.AccountID, service.config.CASAttempts, service.nowFn,
		func(ctx context.Context, txStore ledger.Store, account ledger.Account, now time.Time) (ledger.Account, error) {
			current, err := txStore.GetPurchase(ctx, purchase.PurchaseID)
			if err != nil {
				return account, err
			}
			if !completable(current.Status) {
				completion = Completion{Purchase: current}
				return account, nil
			}
			updated, entry, err := ledger.ApplyCredit(ctx, txStore, account, ledger.BucketNonExpiring, current.Credits, ledger.Entry{
				Type:            ledger.EntryPurchase,
				ExternalEventID: request.ExternalEventID,
				Metadata: ledger.MetadataFromMap(map[string]string{
					processor.MetadataPurchaseID: current.PurchaseID,
					"checkout_session_id":        current.CheckoutSessionID,
				}),
			}, now)
			if err != nil {
				return account, err
			}
			previous := current.Status
			current.Status = ledger.PurchaseStatusCompleted
			current.LedgerEntryID = entry.EntryID
			if request.PaymentIntentID != "" {
				current.PaymentIntentID = request.PaymentIntentID
			}
			current.UpdatedAt = now
			if err := txStore.UpdatePurchase(ctx, current, previous); err != nil {
				return account, err
			}
			completion = Completion{Purchase: current, Applied: true}
			return updated, nil
		})
	if err != nil {
		return Completion{}, err
	}
	completion.Balance = ledger.BalanceOf(account)
	if completion.Applied {
		service.logger.Info("purchase completed",
			zap.String("account_id", purchase.AccountID.String()),
			zap.String("purchase_id", purchase.PurchaseID),
			zap.String("credits", completion.Purchase.Credits.String()),
			zap.String("external_event_id", request.ExternalEventID),
		)
	}
	return completion, nil
}

func (service *Service) lookup(ctx context.Context, request CompleteRequest) (ledger.Purchase, error) {
	switch {
	case request.PurchaseID != "":
		return service.store.GetPurchase(ctx, request.PurchaseID)
	case request.CheckoutSessionID != "":
		return service.store.FindPurchaseByCheckoutSession(ctx, request.CheckoutSessionID)
	default:
		return ledger.Purchase{}, fmt.Errorf("%w: purchase or checkout session id is required", ledger.ErrValidation)
	}
}

func completable(status ledger.PurchaseStatus) bool {
	switch status {
	case ledger.PurchaseStatusPending, ledger.PurchaseStatusProcessing, ledger.PurchaseStatusFailed:
		return true
	default:
		return false
	}
}

// MarkFailed moves a purchase that is still processing to failed.
func (service *Service) MarkFailed(ctx context.Context, purchaseID string) error {
	purchase, err := service.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return err
	}
	if purchase.Status != ledger.PurchaseStatusProcessing {
		return fmt.Errorf("%w: purchase %s is %s", ledger.ErrPurchaseStateConflict, purchaseID, purchase.Status)
	}
	purchase.Status = ledger.PurchaseStatusFailed
	purchase.UpdatedAt = service.nowFn().UTC()
	return service.store.UpdatePurchase(ctx, purchase, ledger.PurchaseStatusProcessing)
}

// RefundNotice is a processor report that a purchase charge was refunded.
// Amounts are cumulative and in the charge's minor currency unit.
type RefundNotice struct {
	PaymentIntentID string
	ChargeID        string
	AmountCharged   int64
	AmountRefunded  int64
	ExternalEventID string
}

// RefundResult reports what a refund reversed. Shortfall is the part of the
// refund the account had already spent.
type RefundResult struct {
	Purchase  ledger.Purchase
	Balance   ledger.Balance
	Reversed  decimal.Decimal
	Shortfall decimal.Decimal
	Applied   bool
}

// ApplyRefund claws back the refunded share of a purchase with a refund
// entry, taking non-expiring credits first. Balances never go negative.
func (service *Service) ApplyRefund(ctx context.Context, notice RefundNotice) (RefundResult, error) {
	if notice.PaymentIntentID == "" {
		return RefundResult{}, fmt.Errorf("%w: refund without payment intent", ledger.ErrValidation)
	}
	purchase, err := service.store.FindPurchaseByPaymentIntent(ctx, notice.PaymentIntentID)
	if err != nil {
		return RefundResult{}, err
	}
	var result RefundResult
	account, err := ledger.MutateAccount(ctx, service.store, purchase.AccountID, service.config.CASAttempts, service.nowFn,
		func(ctx context.Context, txStore ledger.Store, account ledger.Account, now time.Time) (ledger.Account, error) {
			current, err := txStore.GetPurchase(ctx, purchase.PurchaseID)
			if err != nil {
				return account, err
			}
			target := refundedCredits(current.Credits, notice.AmountCharged, notice.AmountRefunded)
			toReverse := target.Sub(current.RefundedCredits)
			if current.Status != ledger.PurchaseStatusCompleted || !toReverse.IsPositive() {
				result = RefundResult{Purchase: current, Reversed: decimal.Zero, Shortfall: decimal.Zero}
				return account, nil
			}
			consumed, shortfall := ledger.PlanReversal(account.Buckets, toReverse)
			updated, _, err := ledger.ApplyEntry(ctx, txStore, account, ledger.Entry{
				Type:            ledger.EntryRefund,
				Delta:           consumed.Neg(),
				ExternalEventID: notice.ExternalEventID,
				Metadata: ledger.MetadataFromMap(map[string]string{
					processor.MetadataPurchaseID: current.PurchaseID,
					"charge_id":                  notice.ChargeID,
					"requested":                  toReverse.String(),
					"shortfall":                  shortfall.String(),
				}),
			}, now)
			if err != nil {
				return account, err
			}
			current.RefundedCredits = target
			if target.GreaterThanOrEqual(current.Credits) {
				current.Status = ledger.PurchaseStatusRefunded
			}
			current.UpdatedAt = now
			if err := txStore.UpdatePurchase(ctx, current, ledger.PurchaseStatusCompleted); err != nil {
				return account, err
			}
			result = RefundResult{
				Purchase:  current,
				Reversed:  consumed.Total(),
				Shortfall: shortfall,
				Applied:   true,
			}
			return updated, nil
		})
	if err != nil {
		return RefundResult{}, err
	}
	result.Balance = ledger.BalanceOf(account)
	if result.Applied && result.Shortfall.IsPositive() {
		service.logger.Warn("refund exceeded remaining credits",
			zap.String("account_id", purchase.AccountID.String()),
			zap.String("purchase_id", purchase.PurchaseID),
			zap.String("shortfall", result.Shortfall.String()),
		)
	}
	return result, nil
}

func refundedCredits(credits decimal.Decimal, charged int64, refunded int64) decimal.Decimal {
	if charged <= 0 || refunded >= charged {
		return credits
	}
	if refunded <= 0 {
		return decimal.Zero
	}
	ratio := decimal.NewFromInt(refunded).Div(decimal.NewFromInt(charged))
	return ledger.RoundCredits(credits.Mul(ratio))
}

// RequestRefund asks the processor to refund a completed purchase. Credits
// are reversed when the processor confirms with a charge.refunded event.
func (service *Service) RequestRefund(ctx context.Context, accountID ledger.AccountID, purchaseID string) (processor.Refund, error) {
	purchase, err := service.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return processor.Refund{}, err
	}
	if purchase.AccountID != accountID {
		return processor.Refund{}, ledger.ErrPurchaseNotFound
	}
	if purchase.Status != ledger.PurchaseStatusCompleted || purchase.PaymentIntentID == "" {
		return processor.Refund{}, fmt.Errorf("%w: purchase %s cannot be refunded", ledger.ErrPurchaseStateConflict, purchaseID)
	}
	return service.gateway.CreateRefund(ctx, processor.RefundParams{
		AccountID:       accountID.String(),
		PaymentIntentID: purchase.PaymentIntentID,
	}, purchaseID)
}
