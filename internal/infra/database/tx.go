package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"medication_dose_tracker/internal/domain/medication"
	"medication_dose_tracker/internal/live"
)

// Postgres error classes the repository maps onto the domain taxonomy.
const (
	pqNotNullViolation     = pq.ErrorCode("23502")
	pqCheckViolation       = pq.ErrorCode("23514")
	pqSerializationFailure = pq.ErrorCode("40001")
	pqDeadlockDetected     = pq.ErrorCode("40P01")
)

var serializable = &sql.TxOptions{Isolation: sql.LevelSerializable}

// withTx runs fn in a serializable transaction. The transaction is rolled back on every
// path that does not reach Commit. On success the touched tables are published to the hub.
func (r *PostgresMedicationRepository) withTx(ctx context.Context, op string, touched []live.Table, fn func(txn *sql.Tx) error) error {
	txn, err := r.db.BeginTx(ctx, serializable)
	if err != nil {
		return &medication.TransactionError{Op: op, Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	defer txn.Rollback() // Rollback if not committed

	if err := fn(txn); err != nil {
		return classify(op, err)
	}
	if err := txn.Commit(); err != nil {
		return &medication.TransactionError{Op: op, Err: fmt.Errorf("failed to commit: %w", err)}
	}

	if len(touched) > 0 {
		r.hub.Publish(touched...)
	}
	return nil
}

// classify keeps domain errors as they are and turns everything else into a TransactionError.
func classify(op string, err error) error {
	if errors.Is(err, medication.ErrConstraint) ||
		errors.Is(err, medication.ErrNotFound) ||
		errors.Is(err, medication.ErrCorruptData) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqNotNullViolation, pqCheckViolation:
			return &medication.ConstraintError{Entity: pqErr.Table, Field: pqErr.Column, Reason: pqErr.Message}
		case pqSerializationFailure, pqDeadlockDetected:
			return &medication.TransactionError{Op: op, Err: fmt.Errorf("concurrent update (%s): %w", pqErr.Code.Name(), err)}
		}
	}
	return &medication.TransactionError{Op: op, Err: err}
}
