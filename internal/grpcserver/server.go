package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	errorInsufficientCredits  = "insufficient_credits"
	errorAccountInactive      = "account_inactive"
	errorModelNotAllowed      = "model_not_allowed"
	errorUnknownModel         = "unknown_model"
	errorInvalidAccountID     = "invalid_account_id"
	errorInvalidAmount        = "invalid_amount"
	errorInvalidEntryType     = "invalid_entry_type"
	errorInvalidMetadata      = "invalid_metadata_json"
	errorInvalidTokenCount    = "invalid_token_count"
	errorInvalidListLimit     = "invalid_list_limit"
	errorInvalidArgument      = "invalid_argument"
	errorDuplicateExternalID  = "duplicate_external_event_id"
	errorAccountNotFound      = "account_not_found"
	errorConcurrentUpdate     = "concurrent_update"
	errorProcessorUnavailable = "processor_unavailable"
	errorSubscriptionState    = "subscription_state"
	errorInternal             = "internal"
	defaultListEntriesLimit   = 50
	maxListEntriesLimit       = 200
	maxExactTokenCount        = 1 << 53
	fieldAccountID            = "account_id"
	fieldAmount               = "amount"
	fieldType                 = "type"
	fieldModel                = "model"
	fieldExternalEventID      = "external_event_id"
	fieldMetadataJSON         = "metadata_json"
	fieldPromptTokens         = "prompt_tokens"
	fieldCompletionTokens     = "completion_tokens"
	fieldSessionID            = "session_id"
	fieldLimit                = "limit"
	fieldBeforeUnixUTC        = "before_unix_utc"
)

// CreditServiceServer exposes the credit ledger over gRPC. Messages are
// google.protobuf.Struct values keyed by snake_case field names; credit
// amounts travel as decimal strings.
type CreditServiceServer struct {
	creditService *ledger.Service
}

// NewCreditServiceServer constructs a gRPC server for the ledger service.
func NewCreditServiceServer(creditService *ledger.Service) *CreditServiceServer {
	return &CreditServiceServer{creditService: creditService}
}

func (service *CreditServiceServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, fieldAccountID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, operationError := service.creditService.Balance(ctx, accountID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newStruct(map[string]any{"balance": balanceFields(balance)})
}

func (service *CreditServiceServer) CheckAccess(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, fieldAccountID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	decision, operationError := service.creditService.CheckAccess(ctx, accountID, stringField(request, fieldModel))
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newStruct(map[string]any{
		"allowed":       decision.Allowed,
		"reason":        string(decision.Reason),
		"message":       decision.Message,
		"model":         decision.Info.Model,
		"tier":          string(decision.Info.Tier),
		"required_tier": string(decision.Info.RequiredTier),
		"trial_status":  string(decision.Info.TrialStatus),
		"balance":       balanceFields(decision.Info.Balance),
	})
}

func (service *CreditServiceServer) ReportUsage(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, fieldAccountID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	promptTokens, err := tokenField(request, fieldPromptTokens)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	completionTokens, err := tokenField(request, fieldCompletionTokens)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := ledger.NewMetadataJSON(stringField(request, fieldMetadataJSON))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, operationError := service.creditService.ReportUsage(ctx, ledger.UsageReport{
		AccountID:        accountID,
		Model:            stringField(request, fieldModel),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		SessionID:        stringField(request, fieldSessionID),
		Metadata:         metadata,
	})
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newStruct(map[string]any{
		"cost":    result.Cost.String(),
		"charged": result.Charged,
		"balance": balanceFields(result.Balance),
	})
}

func (service *CreditServiceServer) Grant(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, fieldAccountID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := decimal.NewFromString(stringField(request, fieldAmount))
	if err != nil {
		return nil, mapToGRPCError(fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, err))
	}
	entryType, err := ledger.ParseEntryType(stringField(request, fieldType))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := ledger.NewMetadataJSON(stringField(request, fieldMetadataJSON))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, operationError := service.creditService.Grant(ctx, ledger.GrantRequest{
		AccountID:       accountID,
		Amount:          amount,
		Type:            entryType,
		ExternalEventID: stringField(request, fieldExternalEventID),
		Metadata:        metadata,
	})
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newStruct(map[string]any{"balance": balanceFields(balance)})
}

func (service *CreditServiceServer) ListEntries(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, fieldAccountID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	limit, err := normalizeListLimit(numberField(request, fieldLimit))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	var before time.Time
	if beforeUnix := numberField(request, fieldBeforeUnixUTC); beforeUnix > 0 {
		before = time.Unix(int64(beforeUnix), 0).UTC()
	}
	entries, operationError := service.creditService.ListEntries(ctx, accountID, before, limit)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	values := make([]any, 0, len(entries))
	for _, entryRecord := range entries {
		values = append(values, map[string]any{
			"entry_id":          entryRecord.EntryID,
			"account_id":        entryRecord.AccountID.String(),
			"type":              string(entryRecord.Type),
			"amount":            entryRecord.Amount.String(),
			"daily":             entryRecord.Delta.Daily.String(),
			"expiring":          entryRecord.Delta.Expiring.String(),
			"non_expiring":      entryRecord.Delta.NonExpiring.String(),
			"model":             entryRecord.Model,
			"input_tokens":      float64(entryRecord.InputTokens),
			"output_tokens":     float64(entryRecord.OutputTokens),
			"external_event_id": entryRecord.ExternalEventID,
			"metadata_json":     entryRecord.Metadata.String(),
			"created_unix_utc":  float64(entryRecord.CreatedAt.Unix()),
		})
	}
	return newStruct(map[string]any{"entries": values})
}

func balanceFields(balance ledger.Balance) map[string]any {
	return map[string]any{
		"daily":        balance.Daily.String(),
		"expiring":     balance.Expiring.String(),
		"non_expiring": balance.NonExpiring.String(),
		"total":        balance.Total.String(),
	}
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, errorInternal)
	}
	return response, nil
}

func stringField(request *structpb.Struct, name string) string {
	return request.GetFields()[name].GetStringValue()
}

func numberField(request *structpb.Struct, name string) float64 {
	return request.GetFields()[name].GetNumberValue()
}

func tokenField(request *structpb.Struct, name string) (int64, error) {
	value := numberField(request, name)
	if value < 0 || value != math.Trunc(value) || value > maxExactTokenCount {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ledger.ErrInvalidTokenCount, name)
	}
	return int64(value), nil
}

func normalizeListLimit(limit float64) (int, error) {
	if limit <= 0 {
		return defaultListEntriesLimit, nil
	}
	if limit > maxListEntriesLimit {
		return 0, fmt.Errorf("limit exceeds maximum: %v > %d", limit, maxListEntriesLimit)
	}
	return int(limit), nil
}

func mapToGRPCError(source error) error {
	switch {
	case errors.Is(source, ledger.ErrInvalidAccountID):
		return status.Error(codes.InvalidArgument, errorInvalidAccountID)
	case errors.Is(source, ledger.ErrInvalidAmount):
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	case errors.Is(source, ledger.ErrInvalidEntryType):
		return status.Error(codes.InvalidArgument, errorInvalidEntryType)
	case errors.Is(source, ledger.ErrInvalidMetadataJSON):
		return status.Error(codes.InvalidArgument, errorInvalidMetadata)
	case errors.Is(source, ledger.ErrInvalidTokenCount):
		return status.Error(codes.InvalidArgument, errorInvalidTokenCount)
	case errors.Is(source, ledger.ErrUnknownModel):
		return status.Error(codes.InvalidArgument, errorUnknownModel)
	case errors.Is(source, ledger.ErrDuplicateExternalEvent):
		return status.Error(codes.AlreadyExists, errorDuplicateExternalID)
	case errors.Is(source, ledger.ErrValidation):
		return status.Error(codes.InvalidArgument, errorInvalidArgument)
	case errors.Is(source, ledger.ErrInsufficientCredits):
		return status.Error(codes.FailedPrecondition, errorInsufficientCredits)
	case errors.Is(source, ledger.ErrAccountInactive):
		return status.Error(codes.FailedPrecondition, errorAccountInactive)
	case errors.Is(source, ledger.ErrModelNotAllowed):
		return status.Error(codes.PermissionDenied, errorModelNotAllowed)
	case errors.Is(source, ledger.ErrSubscriptionState):
		return status.Error(codes.FailedPrecondition, errorSubscriptionState)
	case errors.Is(source, ledger.ErrAccountNotFound):
		return status.Error(codes.NotFound, errorAccountNotFound)
	case errors.Is(source, ledger.ErrConcurrentUpdate):
		return status.Error(codes.Aborted, errorConcurrentUpdate)
	case errors.Is(source, ledger.ErrProcessorUnavailable):
		return status.Error(codes.Unavailable, errorProcessorUnavailable)
	default:
		return status.Error(codes.Internal, source.Error())
	}
}
