package ledger

import (
	"context"
	"fmt"
)

// AccessReason is a stable code for an access decision.
type AccessReason string

const (
	AccessAllowed             AccessReason = "allowed"
	AccessModelNotAllowed     AccessReason = "model_not_allowed"
	AccessInsufficientCredits AccessReason = "insufficient_credits"
	AccessAccountInactive     AccessReason = "account_inactive"
)

// AccessInfo carries the state an access decision was made on.
type AccessInfo struct {
	Model        string
	Tier         Tier
	RequiredTier Tier
	TrialStatus  TrialStatus
	Balance      Balance
}

// AccessDecision is the outcome of the model and billing gate.
type AccessDecision struct {
	Allowed bool
	Reason  AccessReason
	Message string
	Info    AccessInfo
}

// CheckAccess verifies the tier may use model and the total balance is
// positive. It never mutates state and does not create unknown accounts.
func (service *Service) CheckAccess(ctx context.Context, accountID AccountID, model string) (AccessDecision, error) {
	if accountID.IsZero() {
		return AccessDecision{}, ErrInvalidAccountID
	}
	price, err := service.prices.Lookup(model)
	if err != nil {
		return AccessDecision{}, err
	}
	account, err := service.Account(ctx, accountID)
	if err != nil {
		return AccessDecision{}, err
	}
	info := AccessInfo{
		Model:        normalizeModelName(model),
		Tier:         account.Tier,
		RequiredTier: price.MinimumTier,
		TrialStatus:  account.TrialStatus,
		Balance:      BalanceOf(account),
	}
	switch {
	case !account.Active:
		return AccessDecision{Reason: AccessAccountInactive, Message: "account is deactivated", Info: info}, nil
	case !account.Tier.AtLeast(price.MinimumTier):
		return AccessDecision{
			Reason:  AccessModelNotAllowed,
			Message: fmt.Sprintf("model %s requires the %s tier or higher; upgrade your plan", info.Model, price.MinimumTier),
			Info:    info,
		}, nil
	case !info.Balance.Total.IsPositive():
		return AccessDecision{
			Reason:  AccessInsufficientCredits,
			Message: "no credits left; top up or wait for the daily refresh",
			Info:    info,
		}, nil
	default:
		return AccessDecision{Allowed: true, Reason: AccessAllowed, Info: info}, nil
	}
}

// CheckModelAndBillingAccess is the access gate consumed by the request
// pipeline: it returns whether the call may proceed, a user-facing message
// and the state behind the decision.
func (service *Service) CheckModelAndBillingAccess(ctx context.Context, accountID AccountID, model string) (bool, string, AccessInfo, error) {
	decision, err := service.CheckAccess(ctx, accountID, model)
	if err != nil {
		return false, "", AccessInfo{}, err
	}
	return decision.Allowed, decision.Message, decision.Info, nil
}
