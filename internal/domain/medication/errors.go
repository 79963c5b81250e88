package medication

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks. Each typed error below matches exactly one of them.
var (
	ErrConstraint  = errors.New("constraint violation")
	ErrNotFound    = errors.New("not found")
	ErrCorruptData = errors.New("corrupt data")
	ErrTransaction = errors.New("transaction failed")
)

// ConstraintError reports a caller-supplied or stored value that breaks a field invariant.
// It is returned before any write takes place.
type ConstraintError struct {
	Entity string
	Field  string
	Reason string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s: invalid %s: %s", e.Entity, e.Field, e.Reason)
}

func (e *ConstraintError) Is(target error) bool { return target == ErrConstraint }

// NotFoundError reports an update or lookup that targets an id with no stored row.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CorruptDataError reports a stored row that violates a non-null or enum contract on read.
type CorruptDataError struct {
	Entity string
	ID     int64
	Field  string
	Reason string
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("%s %d: corrupt %s: %s", e.Entity, e.ID, e.Field, e.Reason)
}

func (e *CorruptDataError) Is(target error) bool { return target == ErrCorruptData }

// TransactionError wraps a storage failure that aborted an operation. Nothing the
// operation wrote is visible afterwards.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: transaction failed: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

func (e *TransactionError) Is(target error) bool { return target == ErrTransaction }
