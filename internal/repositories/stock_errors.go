package repositories

import "fmt"

// StockErrorCode enumerates repository error causes for stock ledger operations.
type StockErrorCode string

const (
	// StockErrorUnknown represents an unspecified failure.
	StockErrorUnknown StockErrorCode = "stock_unknown"
	// StockErrorVariantNotFound indicates the variant row does not exist.
	StockErrorVariantNotFound StockErrorCode = "stock_variant_not_found"
	// StockErrorNegativeBalance indicates the store rejected a movement that would drive stock below zero.
	StockErrorNegativeBalance StockErrorCode = "stock_negative_balance"
)

// StockError wraps ledger failures with machine readable codes.
type StockError struct {
	Op        string
	Code      StockErrorCode
	VariantID string
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewStockError constructs a typed stock error.
func NewStockError(code StockErrorCode, variantID string, message string, err error) *StockError {
	if message == "" {
		message = string(code)
	}
	return &StockError{
		Code:      code,
		VariantID: variantID,
		Message:   message,
		Err:       err,
	}
}
