package domain

import (
	"errors"
	"fmt"
	"time"
)

// businessError marks rule violations. They abort the enclosing transaction
// and are never retried.
type businessError interface {
	error
	Business() bool
}

// IsBusiness reports whether err (or anything it wraps) is a business rule violation.
func IsBusiness(err error) bool {
	var be businessError
	return errors.As(err, &be) && be.Business()
}

// ValidationError names the offending field and, for cart or return input, the 1-based line.
type ValidationError struct {
	Line   int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s %s", e.Line, e.Field, e.Reason)
	}
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Business() bool { return true }

func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func InvalidLine(line int, field, reason string) *ValidationError {
	return &ValidationError{Line: line, Field: field, Reason: reason}
}

type InsufficientStockError struct {
	Line        int
	ProductID   string
	ProductName string
	Available   int
	Requested   int
}

func (e *InsufficientStockError) Error() string {
	name := e.ProductName
	if name == "" {
		name = e.ProductID
	}
	return fmt.Sprintf("line %d: insufficient stock for %s: available %d, requested %d", e.Line, name, e.Available, e.Requested)
}

func (e *InsufficientStockError) Business() bool { return true }

type InsufficientBatchStockError struct {
	Line      int
	ProductID string
	Available int
	Requested int
}

func (e *InsufficientBatchStockError) Error() string {
	msg := fmt.Sprintf("insufficient batch stock for product %s: available %d, requested %d", e.ProductID, e.Available, e.Requested)
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, msg)
	}
	return msg
}

func (e *InsufficientBatchStockError) Business() bool { return true }

type ProductNotFoundError struct {
	Line      int
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: product %s not found in store", e.Line, e.ProductID)
	}
	return fmt.Sprintf("product %s not found in store", e.ProductID)
}

func (e *ProductNotFoundError) Business() bool { return true }

type OperatorNotAuthorizedError struct {
	OperatorID string
	StoreID    string
}

func (e *OperatorNotAuthorizedError) Error() string {
	return fmt.Sprintf("operator %s is not authorized for store %s", e.OperatorID, e.StoreID)
}

func (e *OperatorNotAuthorizedError) Business() bool { return true }

type PinLockedError struct {
	EmploymentID string
	Until        time.Time
	RetryAfter   time.Duration
}

func (e *PinLockedError) Error() string {
	minutes := int(e.RetryAfter.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		return fmt.Sprintf("too many failed PIN attempts, try again in %d seconds", int(e.RetryAfter.Seconds()+0.5))
	}
	return fmt.Sprintf("too many failed PIN attempts, try again in %d minutes", minutes)
}

func (e *PinLockedError) Business() bool { return true }

type ReturnQuantityExceededError struct {
	Line        int
	SaleItemID  string
	ProductName string
	Requested   int
	Returnable  int
}

func (e *ReturnQuantityExceededError) Error() string {
	name := e.ProductName
	if name == "" {
		name = e.SaleItemID
	}
	return fmt.Sprintf("line %d: cannot return %d of %s, only %d returnable", e.Line, e.Requested, name, e.Returnable)
}

func (e *ReturnQuantityExceededError) Business() bool { return true }

type SaleNotReturnableError struct {
	SaleID string
	Status SaleStatus
}

func (e *SaleNotReturnableError) Error() string {
	return fmt.Sprintf("sale %s with status %s does not accept returns", e.SaleID, e.Status)
}

func (e *SaleNotReturnableError) Business() bool { return true }

type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	if e.Reason == "" {
		return "forbidden"
	}
	return "forbidden: " + e.Reason
}

func (e *ForbiddenError) Business() bool { return true }
