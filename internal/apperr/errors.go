package apperr

import (
	"errors"
	"fmt"
)

// ErrVersionConflict signals an optimistic-lock failure: the inventory row
// changed between read and write. Callers retry; it is never a hard error.
var ErrVersionConflict = errors.New("version conflict")

// NotFoundError indicates a missing entity (product, order, payment, inventory).
type NotFoundError struct {
	Resource string
	ID       interface{}
}

func (e *NotFoundError) Error() string {
	if e.ID != nil {
		return fmt.Sprintf("%s %v not found", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// NewNotFound creates a NotFoundError for a resource.
func NewNotFound(resource string, id interface{}) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ValidationError indicates a business-rule violation: illegal status
// transition, inactive product, non-cancellable order, and so on.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidation creates a ValidationError with a formatted message.
func NewValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InsufficientStockError carries the requested and available quantities so
// the caller can display them.
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// IsInsufficientStock reports whether err is an InsufficientStockError.
func IsInsufficientStock(err error) bool {
	var is *InsufficientStockError
	return errors.As(err, &is)
}

// LockAcquisitionError indicates the advisory lock for a resource could not
// be acquired within the wait timeout. Retryable from the client's side.
type LockAcquisitionError struct {
	Resource string
}

func (e *LockAcquisitionError) Error() string {
	return fmt.Sprintf("unable to acquire lock for %s", e.Resource)
}

// IsLockAcquisition reports whether err is a LockAcquisitionError.
func IsLockAcquisition(err error) bool {
	var la *LockAcquisitionError
	return errors.As(err, &la)
}

// ConflictError indicates a duplicate unique key (order number, inventory
// row, idempotency key collision).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// NewConflict creates a ConflictError with a formatted message.
func NewConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// AuthorizationError indicates an ownership or role mismatch.
type AuthorizationError struct {
	Message string
}

func (e *AuthorizationError) Error() string { return e.Message }

// NewAuthorization creates an AuthorizationError.
func NewAuthorization(message string) *AuthorizationError {
	return &AuthorizationError{Message: message}
}

// IsAuthorization reports whether err is an AuthorizationError.
func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}
