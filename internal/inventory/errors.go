package inventory

import (
	"errors"
	"fmt"
)

// Code is the outcome code reported by the ledger scripts.
type Code int

const (
	CodeOK               Code = 0
	CodeInsufficient     Code = 1
	CodeCategoryNotFound Code = 2
	CodeSeatUnavailable  Code = 3
	CodeSeatNotLocked    Code = 4

	// codeNotResident means the group's ledger was not in the distributed
	// cache when the script ran. It never reaches callers.
	codeNotResident Code = 5

	// CodeContended means every seat matched for a quantity-only item was
	// taken by concurrent reservations before the ledger script ran. No
	// mutation happened and the request may be retried.
	CodeContended Code = 6
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInsufficient:
		return "insufficient"
	case CodeCategoryNotFound:
		return "category_not_found"
	case CodeSeatUnavailable:
		return "seat_unavailable"
	case CodeSeatNotLocked:
		return "seat_not_locked"
	case CodeContended:
		return "contended"
	case codeNotResident:
		return "not_resident"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

var (
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	ErrCategoryNotFound  = errors.New("inventory: category not found")
	ErrSeatUnavailable   = errors.New("inventory: seat unavailable")
	ErrSeatNotLocked     = errors.New("inventory: seat not locked")
	ErrInvalidRequest    = errors.New("inventory: invalid request")
	ErrContended         = errors.New("inventory: seats contended, retry")

	// ErrInvariant reports that ledger state broke an atomicity invariant,
	// e.g. a negative remaining count. It is never expected in operation.
	ErrInvariant = errors.New("inventory: invariant violated")
)

// RejectionError is a business rejection. No mutation happened. It matches
// the sentinel for its code with errors.Is.
type RejectionError struct {
	Code       Code
	GroupID    int64
	CategoryID int64
	SeatID     int64 // set for seat-level rejections
	Remaining  int64 // set for CodeInsufficient
}

func (e *RejectionError) Error() string {
	switch e.Code {
	case CodeInsufficient:
		return fmt.Sprintf("inventory: insufficient stock in group %d category %d (%d left)", e.GroupID, e.CategoryID, e.Remaining)
	case CodeCategoryNotFound:
		return fmt.Sprintf("inventory: category %d not found in group %d", e.CategoryID, e.GroupID)
	case CodeSeatUnavailable:
		return fmt.Sprintf("inventory: seat %d of group %d category %d is not available", e.SeatID, e.GroupID, e.CategoryID)
	case CodeSeatNotLocked:
		return fmt.Sprintf("inventory: seat %d of group %d category %d is not locked", e.SeatID, e.GroupID, e.CategoryID)
	case CodeContended:
		return fmt.Sprintf("inventory: seats of group %d category %d taken concurrently, retry", e.GroupID, e.CategoryID)
	default:
		return fmt.Sprintf("inventory: rejected with %s", e.Code)
	}
}

// Is maps the rejection code onto the package sentinels.
func (e *RejectionError) Is(target error) bool {
	switch target {
	case ErrInsufficientStock:
		return e.Code == CodeInsufficient
	case ErrCategoryNotFound:
		return e.Code == CodeCategoryNotFound
	case ErrSeatUnavailable:
		return e.Code == CodeSeatUnavailable
	case ErrSeatNotLocked:
		return e.Code == CodeSeatNotLocked
	case ErrContended:
		return e.Code == CodeContended
	}
	return false
}

// TransientError wraps an infrastructure failure (cache or store
// unreachable). The engine never retries these itself; callers may retry
// with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return "inventory: " + e.Op + ": " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}
