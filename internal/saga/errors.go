package saga

import (
	"encoding/json"
	"errors"
	"fmt"

	"fulfillment/internal/inventory"
	"fulfillment/internal/schema"
	"fulfillment/internal/shadow"
	"fulfillment/internal/store"
)

// Kind classifies a failed saga step.
type Kind int

const (
	KindTransport Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindInsufficient
	KindMissingKey
	KindUnknownOperation
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInsufficient:
		return "insufficient"
	case KindMissingKey:
		return "missing_key"
	case KindUnknownOperation:
		return "unknown_operation"
	default:
		return "transport"
	}
}

// Error is a failed saga step.
type Error struct {
	Kind Kind
	Op   Operation
	Err  error
}

// NewError wraps err with a kind.
func NewError(kind Kind, op Operation, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == 0 {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps errors of the store, shadow and inventory packages to a Kind.
// Anything unrecognized is a transport failure.
func Classify(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	var (
		ve      *schema.ValidationError
		syntax  *json.SyntaxError
		typeErr *json.UnmarshalTypeError
	)
	switch {
	case err == nil:
		return KindTransport
	case errors.Is(err, ErrMissingCorrelationKey):
		return KindMissingKey
	case errors.Is(err, ErrUnknownOperation):
		return KindUnknownOperation
	case errors.As(err, &ve), errors.As(err, &syntax), errors.As(err, &typeErr),
		errors.Is(err, shadow.ErrUnknownOperation), errors.Is(err, shadow.ErrInvalidValue),
		errors.Is(err, inventory.ErrInvalidCount):
		return KindValidation
	case errors.Is(err, shadow.ErrTransactionConflict), errors.Is(err, shadow.ErrOrderExists),
		errors.Is(err, shadow.ErrSagaMismatch), errors.Is(err, inventory.ErrJournalMismatch),
		errors.Is(err, store.ErrAlreadyExists):
		return KindConflict
	case errors.Is(err, shadow.ErrOrderNotFound), errors.Is(err, shadow.ErrShadowMissing),
		errors.Is(err, inventory.ErrGoodNotFound), errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrSourceMissing):
		return KindNotFound
	case errors.Is(err, inventory.ErrInsufficientStock):
		return KindInsufficient
	}
	return KindTransport
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && Classify(err) == kind
}
