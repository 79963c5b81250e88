package database

import (
	"context"
	"database/sql"
	"fmt"
)

// ChangeChannel is the NOTIFY channel the triggers below publish table names on.
const ChangeChannel = "medication_changes"

// daily_doses has no foreign key to treatments; the repository
// removes a treatment's doses itself inside the deleting transaction.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS treatments (
		id                BIGSERIAL PRIMARY KEY,
		medication_name   TEXT    NOT NULL,
		dosage            TEXT    NOT NULL,
		start_date        BIGINT  NOT NULL,
		duration_in_days  INTEGER NOT NULL,
		frequency_per_day INTEGER NOT NULL,
		start_hour        INTEGER NOT NULL,
		start_minute      INTEGER NOT NULL,
		interval_hours    INTEGER NOT NULL,
		days_completed    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS daily_doses (
		id              BIGSERIAL PRIMARY KEY,
		treatment_id    BIGINT  NOT NULL,
		medication_name TEXT    NOT NULL,
		dosage          TEXT    NOT NULL,
		dose_time       TEXT    NOT NULL,
		dose_date       TEXT    NOT NULL,
		status          TEXT    NOT NULL,
		taken_timestamp BIGINT  NULL,
		postpone_count  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS daily_doses_date_idx ON daily_doses (dose_date, dose_time)`,
	`CREATE INDEX IF NOT EXISTS daily_doses_treatment_date_idx ON daily_doses (treatment_id, dose_date)`,
	`CREATE INDEX IF NOT EXISTS daily_doses_status_idx ON daily_doses (status)`,
	`CREATE OR REPLACE FUNCTION notify_medication_change() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('` + ChangeChannel + `', TG_TABLE_NAME);
		RETURN NULL;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS treatments_changed ON treatments`,
	`CREATE TRIGGER treatments_changed AFTER INSERT OR UPDATE OR DELETE OR TRUNCATE ON treatments
		FOR EACH STATEMENT EXECUTE FUNCTION notify_medication_change()`,
	`DROP TRIGGER IF EXISTS daily_doses_changed ON daily_doses`,
	`CREATE TRIGGER daily_doses_changed AFTER INSERT OR UPDATE OR DELETE OR TRUNCATE ON daily_doses
		FOR EACH STATEMENT EXECUTE FUNCTION notify_medication_change()`,
}

// Migrate creates the tables, indexes and change triggers if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	txn, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer txn.Rollback() // Rollback if not committed

	for i, stmt := range schemaStatements {
		if _, err := txn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error applying schema statement %d: %w", i, err)
		}
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}
