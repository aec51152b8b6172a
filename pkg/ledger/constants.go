package ledger

const (
	operationGrant      = "grant"
	operationDeduct     = "deduct"
	operationUsage      = "usage"
	operationDeactivate = "deactivate"

	operationStatusOK    = "ok"
	operationStatusError = "error"
	operationStatusNoop  = "noop"

	// CreditScale is the number of fractional digits kept for credit amounts.
	CreditScale int32 = 6

	defaultCASAttempts = 3
	tokensPerPriceUnit = 1000

	errorOperationService = "service"
	errorSubjectAccount   = "account"
	errorSubjectEntry     = "entry"
	errorCodeUpdate       = "update"
	errorCodeInsert       = "insert"
	errorCodeLookup       = "lookup"
	errorCodeConflict     = "conflict"
)
