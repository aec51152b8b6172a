package ledger

import (
	"errors"
	"fmt"
)

// ErrValidation is the parent of every invalid-input error.
var ErrValidation = errors.New("validation failed")

// Validation errors. Each one matches ErrValidation via errors.Is.
var (
	ErrInvalidAccountID       = fmt.Errorf("%w: invalid account id", ErrValidation)
	ErrInvalidAmount          = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrInvalidEntryType       = fmt.Errorf("%w: invalid entry type", ErrValidation)
	ErrInvalidBucket          = fmt.Errorf("%w: invalid bucket", ErrValidation)
	ErrInvalidTier            = fmt.Errorf("%w: invalid tier", ErrValidation)
	ErrInvalidMetadataJSON    = fmt.Errorf("%w: invalid metadata json", ErrValidation)
	ErrInvalidTokenCount      = fmt.Errorf("%w: invalid token count", ErrValidation)
	ErrUnknownModel           = fmt.Errorf("%w: unknown model", ErrValidation)
	ErrInvalidExternalEventID = fmt.Errorf("%w: invalid external event id", ErrValidation)
	ErrDuplicateExternalEvent = fmt.Errorf("%w: duplicate external event id", ErrValidation)
	ErrInvalidPriceTable      = fmt.Errorf("%w: invalid price table", ErrValidation)
)

// Domain-level error values returned by the ledger service and its collaborators.
var (
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrAccountNotFound       = errors.New("account not found")
	ErrAccountInactive       = errors.New("account inactive")
	ErrEntryNotFound         = errors.New("entry not found")
	ErrPurchaseNotFound      = errors.New("purchase not found")
	ErrPurchaseStateConflict = errors.New("purchase state conflict")
	ErrConcurrentUpdate      = errors.New("concurrent account update")
	ErrSubscriptionState     = errors.New("invalid subscription state")
	ErrTrialAlreadyUsed      = fmt.Errorf("%w: trial already used", ErrSubscriptionState)
	ErrModelNotAllowed       = errors.New("model not allowed for tier")
	ErrProcessorUnavailable  = errors.New("payment processor unavailable")
	ErrSignatureVerification = errors.New("webhook signature verification failed")
	ErrReconciliationDrift   = errors.New("reconciliation drift")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
