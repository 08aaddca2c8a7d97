package services

import (
	"errors"
	"fmt"

	"github.com/hanko-field/orderengine/internal/repositories"
)

var (
	// ErrValidation signals the caller provided invalid data. Wrapped errors carry the field detail.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientStock matches every *InsufficientStockError.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrVariantNotFound indicates the variant does not exist.
	ErrVariantNotFound = errors.New("stock: variant not found")

	// ErrVoucherNotFound indicates no voucher matches the code.
	ErrVoucherNotFound = errors.New("voucher: not found")
	// ErrVoucherExpired covers inactive, not yet started and ended vouchers.
	ErrVoucherExpired = errors.New("voucher: expired or inactive")
	// ErrVoucherBelowMinimum indicates the order amount is below the voucher minimum.
	ErrVoucherBelowMinimum = errors.New("voucher: order amount below minimum")
	// ErrVoucherLimitReached indicates the voucher usage limit is exhausted.
	ErrVoucherLimitReached = errors.New("voucher: usage limit reached")

	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderStateConflict indicates the operation is not allowed in the current order state.
	ErrOrderStateConflict = errors.New("order: state conflict")
	// ErrOrderReferencesExhausted means the day's ORD-YYYYMMDD-NNNNNN range is used up.
	ErrOrderReferencesExhausted = errors.New("order: daily reference numbers exhausted")
	// ErrPriceMismatch indicates a quoted line price differs from the catalog snapshot.
	ErrPriceMismatch = errors.New("order: price changed")

	// ErrUnavailable indicates a backing store could not be reached.
	ErrUnavailable = errors.New("service unavailable")
)

// InsufficientStockError reports the first variant that could not cover the request.
type InsufficientStockError struct {
	VariantID string
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("stock: variant %s has %d available, %d requested", e.VariantID, e.Available, e.Requested)
}

// Is makes errors.Is(err, ErrInsufficientStock) hold.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ReconciliationError wraps any failure inside Apply. The transaction was rolled back.
type ReconciliationError struct {
	OrderReference string
	Status         PaymentStatus
	Err            error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile %s to %s: %v", e.OrderReference, e.Status, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// mapRepositoryError translates repository failures into service errors. notFound is the sentinel
// used when the store reports a missing row.
func mapRepositoryError(err error, notFound error) error {
	if err == nil {
		return nil
	}

	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorVariantNotFound:
			return fmt.Errorf("%w: %s", ErrVariantNotFound, stockErr.VariantID)
		case repositories.StockErrorNegativeBalance:
			return &InsufficientStockError{VariantID: stockErr.VariantID}
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound() && notFound != nil:
			return fmt.Errorf("%w: %v", notFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderStateConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	return err
}
