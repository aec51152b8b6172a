package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/billing/internal/purchase"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
)

type usageRequest struct {
	Model            string          `json:"model"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	SessionID        string          `json:"session_id"`
	Metadata         json.RawMessage `json:"metadata"`
}

type purchaseRequest struct {
	PriceID string `json:"price_id" binding:"required"`
}

type subscriptionCheckoutRequest struct {
	Tier  string `json:"tier" binding:"required"`
	Nonce string `json:"nonce"`
}

type walletResponse struct {
	Balance      balancePayload      `json:"balance"`
	Subscription subscriptionPayload `json:"subscription"`
	Entries      []entryPayload      `json:"entries"`
}

type balancePayload struct {
	Daily       string `json:"daily"`
	Expiring    string `json:"expiring"`
	NonExpiring string `json:"non_expiring"`
	Total       string `json:"total"`
}

type subscriptionPayload struct {
	Tier                    string `json:"tier"`
	TrialStatus             string `json:"trial_status"`
	TrialEndsUnixUTC        int64  `json:"trial_ends_unix_utc,omitempty"`
	SubscriptionStatus      string `json:"subscription_status"`
	BillingCycleEndsUnixUTC int64  `json:"billing_cycle_ends_unix_utc,omitempty"`
	Active                  bool   `json:"active"`
}

type entryPayload struct {
	EntryID         string          `json:"entry_id"`
	Type            string          `json:"type"`
	Amount          string          `json:"amount"`
	Model           string          `json:"model,omitempty"`
	InputTokens     int64           `json:"input_tokens,omitempty"`
	OutputTokens    int64           `json:"output_tokens,omitempty"`
	ExternalEventID string          `json:"external_event_id,omitempty"`
	Metadata        json.RawMessage `json:"metadata"`
	CreatedUnixUTC  int64           `json:"created_unix_utc"`
}

type checkoutPayload struct {
	PurchaseID  string `json:"purchase_id,omitempty"`
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

func newBalancePayload(balance ledger.Balance) balancePayload {
	return balancePayload{
		Daily:       balance.Daily.String(),
		Expiring:    balance.Expiring.String(),
		NonExpiring: balance.NonExpiring.String(),
		Total:       balance.Total.String(),
	}
}

func newSubscriptionPayload(account ledger.Account) subscriptionPayload {
	payload := subscriptionPayload{
		Tier:               string(account.Tier),
		TrialStatus:        string(account.TrialStatus),
		SubscriptionStatus: string(account.SubscriptionStatus),
		Active:             account.Active,
	}
	if !account.TrialEndsAt.IsZero() {
		payload.TrialEndsUnixUTC = account.TrialEndsAt.Unix()
	}
	if !account.BillingCycleEndsAt.IsZero() {
		payload.BillingCycleEndsUnixUTC = account.BillingCycleEndsAt.Unix()
	}
	return payload
}

func newEntryPayload(entry ledger.Entry) entryPayload {
	return entryPayload{
		EntryID:         entry.EntryID,
		Type:            string(entry.Type),
		Amount:          entry.Amount.String(),
		Model:           entry.Model,
		InputTokens:     entry.InputTokens,
		OutputTokens:    entry.OutputTokens,
		ExternalEventID: entry.ExternalEventID,
		Metadata:        json.RawMessage(entry.Metadata.String()),
		CreatedUnixUTC:  entry.CreatedAt.Unix(),
	}
}

func newCheckoutPayload(checkout purchase.Checkout) checkoutPayload {
	return checkoutPayload{
		PurchaseID:  checkout.PurchaseID,
		SessionID:   checkout.SessionID,
		CheckoutURL: checkout.URL,
	}
}

func metadataFromRequest(raw json.RawMessage) (ledger.MetadataJSON, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return ledger.NewMetadataJSON("")
	}
	return ledger.NewMetadataJSON(string(raw))
}

type errorClass struct {
	target     error
	statusCode int
	code       string
}

// Ordered most specific first; ErrValidation catches the remaining input errors.
var errorClasses = []errorClass{
	{ledger.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient_credits"},
	{ledger.ErrModelNotAllowed, http.StatusForbidden, "model_not_allowed"},
	{ledger.ErrAccountInactive, http.StatusForbidden, "account_inactive"},
	{ledger.ErrTrialAlreadyUsed, http.StatusConflict, "trial_already_used"},
	{ledger.ErrSubscriptionState, http.StatusConflict, "subscription_state"},
	{ledger.ErrPurchaseStateConflict, http.StatusConflict, "purchase_state_conflict"},
	{ledger.ErrConcurrentUpdate, http.StatusConflict, "concurrent_update"},
	{ledger.ErrPurchaseNotFound, http.StatusNotFound, "purchase_not_found"},
	{ledger.ErrAccountNotFound, http.StatusNotFound, "account_not_found"},
	{ledger.ErrProcessorUnavailable, http.StatusServiceUnavailable, "processor_unavailable"},
	{ledger.ErrUnknownModel, http.StatusBadRequest, "unknown_model"},
	{ledger.ErrInvalidTokenCount, http.StatusBadRequest, "invalid_token_count"},
	{ledger.ErrInvalidMetadataJSON, http.StatusBadRequest, "invalid_metadata_json"},
	{ledger.ErrInvalidTier, http.StatusBadRequest, "invalid_tier"},
	{ledger.ErrValidation, http.StatusBadRequest, "invalid_request"},
}

func classifyError(err error) (int, string) {
	for _, class := range errorClasses {
		if errors.Is(err, class.target) {
			return class.statusCode, class.code
		}
	}
	return http.StatusInternalServerError, "internal"
}
