package ledger

import (
	"errors"
	"testing"
)

const (
	operationName    = "ledger"
	subjectName      = "entry"
	codeName         = "invalid"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) || operationError.Code() != codeName {
		test.Fatalf("expected OperationError with code %q, got %v", codeName, wrappedError)
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestValidationErrorsShareParent(test *testing.T) {
	test.Parallel()
	validationErrors := []error{
		ErrInvalidAccountID,
		ErrInvalidAmount,
		ErrInvalidEntryType,
		ErrInvalidTier,
		ErrInvalidTokenCount,
		ErrUnknownModel,
		ErrDuplicateExternalEvent,
	}
	for _, validationError := range validationErrors {
		if !errors.Is(validationError, ErrValidation) {
			test.Fatalf("expected %v to match ErrValidation", validationError)
		}
	}
	if errors.Is(ErrInsufficientCredits, ErrValidation) {
		test.Fatalf("insufficient credits must not be a validation error")
	}
	if !errors.Is(ErrTrialAlreadyUsed, ErrSubscriptionState) {
		test.Fatalf("expected trial reuse to be a subscription state error")
	}
}
