package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"medication_dose_tracker/internal/domain/medication"
	"medication_dose_tracker/internal/live"
)

const (
	treatmentColumns = `id, medication_name, dosage, start_date, duration_in_days, frequency_per_day,
		start_hour, start_minute, interval_hours, days_completed`
	doseColumns = `id, treatment_id, medication_name, dosage, dose_time, dose_date, status,
		taken_timestamp, postpone_count`
)

var (
	onlyTreatments = []live.Table{live.TableTreatments}
	onlyDoses      = []live.Table{live.TableDoses}
	bothTables     = []live.Table{live.TableTreatments, live.TableDoses}
)

// PostgresMedicationRepository implements medication.Repository on PostgreSQL.
type PostgresMedicationRepository struct {
	db  *sql.DB
	hub *live.Hub
	log *logrus.Entry
}

func NewPostgresMedicationRepository(db *sql.DB, hub *live.Hub, log *logrus.Entry) *PostgresMedicationRepository {
	return &PostgresMedicationRepository{db: db, hub: hub, log: log}
}

var _ medication.Repository = (*PostgresMedicationRepository)(nil)

// --- Treatment writes ---

func (r *PostgresMedicationRepository) InsertTreatment(ctx context.Context, t *medication.Treatment) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	t.Normalize()
	err := r.withTx(ctx, "insert treatment", onlyTreatments, func(txn *sql.Tx) error {
		return insertTreatment(ctx, txn, t)
	})
	if err != nil {
		return 0, err
	}
	return t.ID, nil
}

func (r *PostgresMedicationRepository) InsertTreatmentWithDoses(ctx context.Context, t *medication.Treatment, generate medication.DoseGenerator) ([]medication.Dose, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.Normalize()

	var (
		doses      []medication.Dose
		originalID = t.ID
	)
	err := r.withTx(ctx, "insert treatment with doses", bothTables, func(txn *sql.Tx) error {
		if err := insertTreatment(ctx, txn, t); err != nil {
			return err
		}
		doses = generate(*t)
		return insertDoses(ctx, txn, doses)
	})
	if err != nil {
		t.ID = originalID
		return nil, err
	}
	return doses, nil
}

// insertTreatment assigns t.ID. A treatment that already carries an id replaces the stored row.
func insertTreatment(ctx context.Context, txn *sql.Tx, t *medication.Treatment) error {
	args := []any{t.MedicationName, t.Dosage, t.StartDateMillis(), t.DurationInDays, t.FrequencyPerDay,
		t.StartHour, t.StartMinute, t.IntervalHours, t.DaysCompleted}

	if t.ID == 0 {
		query := `INSERT INTO treatments (medication_name, dosage, start_date, duration_in_days, frequency_per_day,
		               start_hour, start_minute, interval_hours, days_completed)
		           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		           RETURNING id`
		if err := txn.QueryRowContext(ctx, query, args...).Scan(&t.ID); err != nil {
			return fmt.Errorf("error inserting treatment: %w", err)
		}
		return nil
	}

	query := `INSERT INTO treatments (id, medication_name, dosage, start_date, duration_in_days, frequency_per_day,
	               start_hour, start_minute, interval_hours, days_completed)
	           VALUES ($10, $1, $2, $3, $4, $5, $6, $7, $8, $9)
	           ON CONFLICT (id) DO UPDATE SET
	               medication_name = EXCLUDED.medication_name, dosage = EXCLUDED.dosage,
	               start_date = EXCLUDED.start_date, duration_in_days = EXCLUDED.duration_in_days,
	               frequency_per_day = EXCLUDED.frequency_per_day, start_hour = EXCLUDED.start_hour,
	               start_minute = EXCLUDED.start_minute, interval_hours = EXCLUDED.interval_hours,
	               days_completed = EXCLUDED.days_completed
	           RETURNING id`
	if err := txn.QueryRowContext(ctx, query, append(args, t.ID)...).Scan(&t.ID); err != nil {
		return fmt.Errorf("error replacing treatment %d: %w", t.ID, err)
	}
	return advanceSequence(ctx, txn, "treatments")
}

func (r *PostgresMedicationRepository) UpdateTreatment(ctx context.Context, t *medication.Treatment) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.Normalize()
	return r.withTx(ctx, "update treatment", onlyTreatments, func(txn *sql.Tx) error {
		query := `UPDATE treatments
		           SET medication_name = $1, dosage = $2, start_date = $3, duration_in_days = $4,
		               frequency_per_day = $5, start_hour = $6, start_minute = $7, interval_hours = $8,
		               days_completed = $9
		           WHERE id = $10`
		res, err := txn.ExecContext(ctx, query, t.MedicationName, t.Dosage, t.StartDateMillis(), t.DurationInDays,
			t.FrequencyPerDay, t.StartHour, t.StartMinute, t.IntervalHours, t.DaysCompleted, t.ID)
		if err != nil {
			return fmt.Errorf("error updating treatment: %w", err)
		}
		return requireAffected(res, "treatment", t.ID)
	})
}

// --- Dose writes ---

func (r *PostgresMedicationRepository) InsertDose(ctx context.Context, d *medication.Dose) (int64, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	err := r.withTx(ctx, "insert dose", onlyDoses, func(txn *sql.Tx) error {
		return insertDose(ctx, txn, d)
	})
	if err != nil {
		return 0, err
	}
	return d.ID, nil
}

// insertDose assigns d.ID. An explicit id that is already taken is left alone and no row is written.
func insertDose(ctx context.Context, txn *sql.Tx, d *medication.Dose) error {
	args := []any{d.TreatmentID, d.MedicationName, d.Dosage, d.Time, d.Date, string(d.Status),
		d.TakenTimestamp, d.PostponeCount}

	if d.ID == 0 {
		query := `INSERT INTO daily_doses (treatment_id, medication_name, dosage, dose_time, dose_date, status,
		               taken_timestamp, postpone_count)
		           VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		           RETURNING id`
		if err := txn.QueryRowContext(ctx, query, args...).Scan(&d.ID); err != nil {
			return fmt.Errorf("error inserting dose: %w", err)
		}
		return nil
	}

	query := `INSERT INTO daily_doses (id, treatment_id, medication_name, dosage, dose_time, dose_date, status,
	               taken_timestamp, postpone_count)
	           VALUES ($9, $1, $2, $3, $4, $5, $6, $7, $8)
	           ON CONFLICT (id) DO NOTHING
	           RETURNING id`
	var id int64
	err := txn.QueryRowContext(ctx, query, append(args, d.ID)...).Scan(&id)
	if err != nil && err != sql.ErrNoRows { // ErrNoRows: conflict ignored
		return fmt.Errorf("error inserting dose %d: %w", d.ID, err)
	}
	return advanceSequence(ctx, txn, "daily_doses")
}

// advanceSequence moves table's id sequence past the largest stored id, so that rows
// written with an explicit id are never handed out again by BIGSERIAL.
func advanceSequence(ctx context.Context, txn *sql.Tx, table string) error {
	query := fmt.Sprintf(`SELECT setval(pg_get_serial_sequence('%[1]s', 'id'), GREATEST(MAX(id), 1)) FROM %[1]s`, table)
	if _, err := txn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("error advancing %s id sequence: %w", table, err)
	}
	return nil
}

// insertDoses writes generated doses with one prepared statement and assigns their ids.
func insertDoses(ctx context.Context, txn *sql.Tx, doses []medication.Dose) error {
	if len(doses) == 0 {
		return nil
	}

	stmt, err := txn.PrepareContext(ctx, `INSERT INTO daily_doses (treatment_id, medication_name, dosage, dose_time,
	                                          dose_date, status, taken_timestamp, postpone_count)
	                                      VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	                                      RETURNING id`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement for dose insert: %w", err)
	}
	defer stmt.Close()

	for i := range doses {
		d := &doses[i]
		if err := d.Validate(); err != nil {
			return err
		}
		err := stmt.QueryRowContext(ctx, d.TreatmentID, d.MedicationName, d.Dosage, d.Time, d.Date,
			string(d.Status), d.TakenTimestamp, d.PostponeCount).Scan(&d.ID)
		if err != nil {
			return fmt.Errorf("error inserting dose (T:%d, %s): %w", d.TreatmentID, d.Slot(), err)
		}
	}
	return nil
}

func (r *PostgresMedicationRepository) UpdateDose(ctx context.Context, d *medication.Dose) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return r.withTx(ctx, "update dose", onlyDoses, func(txn *sql.Tx) error {
		stored, err := scanDose(txn.QueryRowContext(ctx, `SELECT `+doseColumns+` FROM daily_doses WHERE id = $1 FOR UPDATE`, d.ID))
		if err != nil {
			if err == sql.ErrNoRows {
				return &medication.NotFoundError{Entity: "dose", ID: d.ID}
			}
			return err
		}
		if err := medication.CheckUpdate(*stored, *d); err != nil {
			return err
		}
		return updateDose(ctx, txn, d)
	})
}

func updateDose(ctx context.Context, txn *sql.Tx, d *medication.Dose) error {
	query := `UPDATE daily_doses
	           SET treatment_id = $1, medication_name = $2, dosage = $3, dose_time = $4, dose_date = $5,
	               status = $6, taken_timestamp = $7, postpone_count = $8
	           WHERE id = $9`
	res, err := txn.ExecContext(ctx, query, d.TreatmentID, d.MedicationName, d.Dosage, d.Time, d.Date,
		string(d.Status), d.TakenTimestamp, d.PostponeCount, d.ID)
	if err != nil {
		return fmt.Errorf("error updating dose: %w", err)
	}
	return requireAffected(res, "dose", d.ID)
}

func (r *PostgresMedicationRepository) MarkDoseTaken(ctx context.Context, doseID int64, now time.Time) (*medication.Dose, bool, error) {
	var (
		dose         *medication.Dose
		dayCompleted bool
	)
	err := r.withTx(ctx, "mark dose taken", bothTables, func(txn *sql.Tx) error {
		var err error
		dose, err = scanDose(txn.QueryRowContext(ctx, `SELECT `+doseColumns+` FROM daily_doses WHERE id = $1 FOR UPDATE`, doseID))
		if err != nil {
			if err == sql.ErrNoRows {
				return &medication.NotFoundError{Entity: "dose", ID: doseID}
			}
			return err
		}
		if err := dose.MarkTaken(now); err != nil {
			return err
		}
		if err := updateDose(ctx, txn, dose); err != nil {
			return err
		}

		var open int
		err = txn.QueryRowContext(ctx, `SELECT COUNT(*) FROM daily_doses
		                                 WHERE treatment_id = $1 AND dose_date = $2 AND status != $3`,
			dose.TreatmentID, dose.Date, string(medication.StatusTaken)).Scan(&open)
		if err != nil {
			return fmt.Errorf("error counting open doses: %w", err)
		}
		if open > 0 {
			return nil
		}

		res, err := txn.ExecContext(ctx, `UPDATE treatments SET days_completed = days_completed + 1 WHERE id = $1`, dose.TreatmentID)
		if err != nil {
			return fmt.Errorf("error completing treatment day: %w", err)
		}
		n, _ := res.RowsAffected()
		dayCompleted = n > 0 // an orphaned dose has no treatment to credit
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return dose, dayCompleted, nil
}

// --- Deletes ---

func (r *PostgresMedicationRepository) ClearAllData(ctx context.Context) error {
	err := r.withTx(ctx, "clear all data", bothTables, func(txn *sql.Tx) error {
		if _, err := txn.ExecContext(ctx, `DELETE FROM daily_doses`); err != nil {
			return fmt.Errorf("error clearing doses: %w", err)
		}
		if _, err := txn.ExecContext(ctx, `DELETE FROM treatments`); err != nil {
			return fmt.Errorf("error clearing treatments: %w", err)
		}
		return nil
	})
	if err == nil {
		r.log.Debug("All treatments and doses cleared.")
	}
	return err
}

func (r *PostgresMedicationRepository) DeleteTreatmentAndDoses(ctx context.Context, treatmentID int64) error {
	var removed int64
	err := r.withTx(ctx, "delete treatment and doses", bothTables, func(txn *sql.Tx) error {
		res, err := txn.ExecContext(ctx, `DELETE FROM daily_doses WHERE treatment_id = $1`, treatmentID)
		if err != nil {
			return fmt.Errorf("error deleting doses of treatment: %w", err)
		}
		removed, _ = res.RowsAffected()

		res, err = txn.ExecContext(ctx, `DELETE FROM treatments WHERE id = $1`, treatmentID)
		if err != nil {
			return fmt.Errorf("error deleting treatment: %w", err)
		}
		return requireAffected(res, "treatment", treatmentID)
	})
	if err == nil {
		r.log.WithFields(logrus.Fields{"treatment_id": treatmentID, "doses": removed}).Debug("Treatment and its doses deleted.")
	}
	return err
}

func (r *PostgresMedicationRepository) ClearAllTreatments(ctx context.Context) error {
	return r.execTx(ctx, "clear treatments", onlyTreatments, `DELETE FROM treatments`)
}

func (r *PostgresMedicationRepository) ClearAllDoses(ctx context.Context) error {
	return r.execTx(ctx, "clear doses", onlyDoses, `DELETE FROM daily_doses`)
}

func (r *PostgresMedicationRepository) DeleteTreatmentByID(ctx context.Context, treatmentID int64) error {
	return r.withTx(ctx, "delete treatment", onlyTreatments, func(txn *sql.Tx) error {
		res, err := txn.ExecContext(ctx, `DELETE FROM treatments WHERE id = $1`, treatmentID)
		if err != nil {
			return fmt.Errorf("error deleting treatment: %w", err)
		}
		return requireAffected(res, "treatment", treatmentID)
	})
}

func (r *PostgresMedicationRepository) DeleteDosesByTreatmentID(ctx context.Context, treatmentID int64) error {
	return r.execTx(ctx, "delete doses of treatment", onlyDoses, `DELETE FROM daily_doses WHERE treatment_id = $1`, treatmentID)
}

func (r *PostgresMedicationRepository) DeleteDoseByID(ctx context.Context, doseID int64) error {
	return r.withTx(ctx, "delete dose", onlyDoses, func(txn *sql.Tx) error {
		res, err := txn.ExecContext(ctx, `DELETE FROM daily_doses WHERE id = $1`, doseID)
		if err != nil {
			return fmt.Errorf("error deleting dose: %w", err)
		}
		return requireAffected(res, "dose", doseID)
	})
}

func (r *PostgresMedicationRepository) execTx(ctx context.Context, op string, touched []live.Table, query string, args ...any) error {
	return r.withTx(ctx, op, touched, func(txn *sql.Tx) error {
		if _, err := txn.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("error executing %s: %w", op, err)
		}
		return nil
	})
}

func requireAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading affected rows: %w", err)
	}
	if n == 0 {
		return &medication.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

// --- Live queries ---

func (r *PostgresMedicationRepository) GetAllTreatments(ctx context.Context) *live.Subscription[medication.Treatment] {
	return live.Subscribe(ctx, r.hub, live.TableTreatments, r.listTreatments)
}

func (r *PostgresMedicationRepository) GetDosesForDate(ctx context.Context, date string) *live.Subscription[medication.Dose] {
	return live.Subscribe(ctx, r.hub, live.TableDoses, func(ctx context.Context) ([]medication.Dose, error) {
		return r.queryDoses(ctx, `SELECT `+doseColumns+` FROM daily_doses WHERE dose_date = $1 ORDER BY dose_time ASC`, date)
	})
}

func (r *PostgresMedicationRepository) GetPastDosesHistory(ctx context.Context) *live.Subscription[medication.Dose] {
	return live.Subscribe(ctx, r.hub, live.TableDoses, func(ctx context.Context) ([]medication.Dose, error) {
		return r.queryDoses(ctx, `SELECT `+doseColumns+` FROM daily_doses
		                           WHERE status IN ($1, $2)
		                           ORDER BY dose_date DESC, dose_time DESC`,
			string(medication.StatusTaken), string(medication.StatusMissed))
	})
}

func (r *PostgresMedicationRepository) listTreatments(ctx context.Context) ([]medication.Treatment, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+treatmentColumns+` FROM treatments ORDER BY start_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("error listing treatments: %w", err)
	}
	defer rows.Close()

	treatments := make([]medication.Treatment, 0)
	for rows.Next() {
		t, err := scanTreatment(rows)
		if err != nil {
			return nil, err
		}
		treatments = append(treatments, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating treatments: %w", err)
	}
	return treatments, nil
}

// --- Point reads ---

func (r *PostgresMedicationRepository) GetTreatmentByID(ctx context.Context, id int64) (*medication.Treatment, error) {
	t, err := scanTreatment(r.db.QueryRowContext(ctx, `SELECT `+treatmentColumns+` FROM treatments WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &medication.NotFoundError{Entity: "treatment", ID: id}
		}
		return nil, err
	}
	return t, nil
}

func (r *PostgresMedicationRepository) GetDoseByID(ctx context.Context, id int64) (*medication.Dose, error) {
	d, err := scanDose(r.db.QueryRowContext(ctx, `SELECT `+doseColumns+` FROM daily_doses WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &medication.NotFoundError{Entity: "dose", ID: id}
		}
		return nil, err
	}
	return d, nil
}

func (r *PostgresMedicationRepository) CountDosesForDate(ctx context.Context, date string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(id) FROM daily_doses WHERE dose_date = $1`, date).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error counting doses for date: %w", err)
	}
	return count, nil
}

func (r *PostgresMedicationRepository) GetDosesForTreatmentOnDate(ctx context.Context, treatmentID int64, date string) ([]medication.Dose, error) {
	return r.queryDoses(ctx, `SELECT `+doseColumns+` FROM daily_doses
	                           WHERE treatment_id = $1 AND dose_date = $2 ORDER BY dose_time ASC`, treatmentID, date)
}

func (r *PostgresMedicationRepository) GetPendingDosesForDate(ctx context.Context, date string) ([]medication.Dose, error) {
	return r.queryDoses(ctx, `SELECT `+doseColumns+` FROM daily_doses
	                           WHERE dose_date = $1 AND status = $2 ORDER BY dose_time ASC`, date, string(medication.StatusPending))
}

func (r *PostgresMedicationRepository) queryDoses(ctx context.Context, query string, args ...any) ([]medication.Dose, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying doses: %w", err)
	}
	defer rows.Close()

	doses := make([]medication.Dose, 0)
	for rows.Next() {
		d, err := scanDose(rows)
		if err != nil {
			return nil, err
		}
		doses = append(doses, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating doses: %w", err)
	}
	return doses, nil
}

// --- Row mapping ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTreatment(row rowScanner) (*medication.Treatment, error) {
	var (
		t         medication.Treatment
		startDate sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.MedicationName, &t.Dosage, &startDate, &t.DurationInDays, &t.FrequencyPerDay,
		&t.StartHour, &t.StartMinute, &t.IntervalHours, &t.DaysCompleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("error scanning treatment row: %w", err)
	}
	if !startDate.Valid {
		return nil, &medication.CorruptDataError{Entity: "treatment", ID: t.ID, Field: "startDate", Reason: "stored as NULL"}
	}
	t.StartDate = time.UnixMilli(startDate.Int64).UTC()
	return &t, nil
}

func scanDose(row rowScanner) (*medication.Dose, error) {
	var (
		d      medication.Dose
		status string
	)
	err := row.Scan(&d.ID, &d.TreatmentID, &d.MedicationName, &d.Dosage, &d.Time, &d.Date, &status,
		&d.TakenTimestamp, &d.PostponeCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("error scanning dose row: %w", err)
	}
	if d.Status, err = medication.ParseStatus(status); err != nil {
		return nil, err
	}
	return &d, nil
}
