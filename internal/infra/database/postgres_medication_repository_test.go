package database

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medication_dose_tracker/internal/domain/medication"
	"medication_dose_tracker/internal/domain/schedule"
	"medication_dose_tracker/internal/live"
)

var (
	treatmentCols = []string{"id", "medication_name", "dosage", "start_date", "duration_in_days", "frequency_per_day",
		"start_hour", "start_minute", "interval_hours", "days_completed"}
	doseCols = []string{"id", "treatment_id", "medication_name", "dosage", "dose_time", "dose_date", "status",
		"taken_timestamp", "postpone_count"}

	jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func setupMockRepository(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresMedicationRepository, *live.Hub) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	hub := live.NewHub()
	repo := NewPostgresMedicationRepository(db, hub, logrus.NewEntry(log))

	return db, mock, repo, hub
}

func q(sql string) string { return regexp.QuoteMeta(sql) }

func ibuprofen() *medication.Treatment {
	return &medication.Treatment{
		MedicationName:  "Ibuprofen",
		Dosage:          "200mg",
		StartDate:       jan1,
		DurationInDays:  2,
		FrequencyPerDay: 2,
		StartHour:       8,
		IntervalHours:   12,
	}
}

func signalled(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestInsertTreatment_Success(t *testing.T) {
	db, mock, repo, hub := setupMockRepository(t)
	defer db.Close()
	changed, unwatch := hub.Watch(live.TableTreatments)
	defer unwatch()

	tr := ibuprofen()
	mock.ExpectBegin()
	mock.ExpectQuery(q("INSERT INTO treatments (medication_name")).
		WithArgs("Ibuprofen", "200mg", jan1.UnixMilli(), 2, 2, 8, 0, 12, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectCommit()

	id, err := repo.InsertTreatment(context.Background(), tr)

	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, int64(7), tr.ID)
	assert.True(t, signalled(changed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTreatment_ReplacesExplicitID(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	tr := ibuprofen()
	tr.ID = 3
	mock.ExpectBegin()
	mock.ExpectQuery(q("ON CONFLICT (id) DO UPDATE")).
		WithArgs("Ibuprofen", "200mg", jan1.UnixMilli(), 2, 2, 8, 0, 12, 0, int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectExec(q("SELECT setval(pg_get_serial_sequence('treatments', 'id'), GREATEST(MAX(id), 1)) FROM treatments")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := repo.InsertTreatment(context.Background(), tr)

	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTreatment_InvalidNeverReachesDatabase(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	tr := ibuprofen()
	tr.MedicationName = ""

	_, err := repo.InsertTreatment(context.Background(), tr)

	assert.ErrorIs(t, err, medication.ErrConstraint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTreatment_ZonedStartKeepsCalendarDay(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	tr := ibuprofen()
	tr.StartDate = time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("UTC+1", 60*60))
	mock.ExpectBegin()
	mock.ExpectQuery(q("INSERT INTO treatments (medication_name")).
		WithArgs("Ibuprofen", "200mg", jan1.UnixMilli(), 2, 2, 8, 0, 12, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()
	mock.ExpectQuery(q("FROM treatments WHERE id = $1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(treatmentCols).
			AddRow(1, "Ibuprofen", "200mg", jan1.UnixMilli(), 2, 2, 8, 0, 12, 0))

	_, err := repo.InsertTreatment(context.Background(), tr)
	require.NoError(t, err)
	got, err := repo.GetTreatmentByID(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, tr, got)
	assert.Equal(t, "2024-01-01", got.StartDate.Format(medication.DateLayout))
	assert.Equal(t, "2024-01-01 08:00", schedule.Generator{}.Generate(*got)[0].Slot())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTreatmentWithDoses_Success(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(q("INSERT INTO treatments")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	prep := mock.ExpectPrepare(q("INSERT INTO daily_doses"))
	for i, slot := range [][2]string{{"08:00", "2024-01-01"}, {"20:00", "2024-01-01"}, {"08:00", "2024-01-02"}, {"20:00", "2024-01-02"}} {
		prep.ExpectQuery().
			WithArgs(int64(1), "Ibuprofen", "200mg", slot[0], slot[1], "PENDING", sqlmock.AnyArg(), 0).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(i + 10))
	}
	mock.ExpectCommit()

	doses, err := repo.InsertTreatmentWithDoses(context.Background(), ibuprofen(), schedule.Generator{}.Generate)

	require.NoError(t, err)
	require.Len(t, doses, 4)
	assert.Equal(t, int64(10), doses[0].ID)
	assert.Equal(t, int64(13), doses[3].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTreatmentWithDoses_RollsBackOnDoseFailure(t *testing.T) {
	db, mock, repo, hub := setupMockRepository(t)
	defer db.Close()
	changed, unwatch := hub.Watch(live.AllTables...)
	defer unwatch()

	mock.ExpectBegin()
	mock.ExpectQuery(q("INSERT INTO treatments")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	prep := mock.ExpectPrepare(q("INSERT INTO daily_doses"))
	prep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
	prep.ExpectQuery().WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	tr := ibuprofen()
	doses, err := repo.InsertTreatmentWithDoses(context.Background(), tr, schedule.Generator{}.Generate)

	assert.ErrorIs(t, err, medication.ErrTransaction)
	assert.Nil(t, doses)
	assert.Zero(t, tr.ID)
	assert.False(t, signalled(changed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTreatment_NotFound(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	tr := ibuprofen()
	tr.ID = 42
	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE treatments")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.UpdateTreatment(context.Background(), tr)

	var nf *medication.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, int64(42), nf.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDose_IgnoresExistingID(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	d := &medication.Dose{ID: 5, TreatmentID: 1, MedicationName: "Ibuprofen", Dosage: "200mg",
		Date: "2024-01-01", Time: "08:00", Status: medication.StatusPending}
	mock.ExpectBegin()
	mock.ExpectQuery(q("ON CONFLICT (id) DO NOTHING")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(q("SELECT setval(pg_get_serial_sequence('daily_doses', 'id'), GREATEST(MAX(id), 1)) FROM daily_doses")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := repo.InsertDose(context.Background(), d)

	require.NoError(t, err)
	assert.Equal(t, int64(5), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDose_RejectsLeavingTerminalState(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	d := &medication.Dose{ID: 5, TreatmentID: 1, MedicationName: "Ibuprofen", Dosage: "200mg",
		Date: "2024-01-01", Time: "08:00", Status: medication.StatusPending}
	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM daily_doses WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(doseCols).
			AddRow(5, 1, "Ibuprofen", "200mg", "08:00", "2024-01-01", "TAKEN", int64(1704096120000), 0))
	mock.ExpectRollback()

	err := repo.UpdateDose(context.Background(), d)

	assert.ErrorIs(t, err, medication.ErrConstraint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDose_Success(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	d := &medication.Dose{ID: 5, TreatmentID: 1, MedicationName: "Ibuprofen", Dosage: "200mg",
		Date: "2024-01-01", Time: "08:00", Status: medication.StatusMissed}
	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM daily_doses WHERE id = $1 FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows(doseCols).
			AddRow(5, 1, "Ibuprofen", "200mg", "08:00", "2024-01-01", "PENDING", nil, 0))
	mock.ExpectExec(q("UPDATE daily_doses")).
		WithArgs(int64(1), "Ibuprofen", "200mg", "08:00", "2024-01-01", "MISSED", nil, 0, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.UpdateDose(context.Background(), d))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDose_TakenRowIsFrozen(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()
	takenAt := time.Date(2024, 1, 1, 8, 2, 0, 0, time.UTC).UnixMilli()

	d := &medication.Dose{ID: 5, TreatmentID: 1, MedicationName: "Ibuprofen", Dosage: "200mg",
		Date: "2024-01-01", Time: "08:00", Status: medication.StatusTaken,
		TakenTimestamp: sql.NullInt64{Int64: takenAt + 60_000, Valid: true}}
	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM daily_doses WHERE id = $1 FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows(doseCols).
			AddRow(5, 1, "Ibuprofen", "200mg", "08:00", "2024-01-01", "TAKEN", takenAt, 0))
	mock.ExpectRollback()

	err := repo.UpdateDose(context.Background(), d)

	assert.ErrorIs(t, err, medication.ErrConstraint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDose_TakenWithoutTimestampNeverReachesDatabase(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	d := &medication.Dose{ID: 5, TreatmentID: 1, MedicationName: "Ibuprofen", Dosage: "200mg",
		Date: "2024-01-01", Time: "08:00", Status: medication.StatusTaken}

	assert.ErrorIs(t, repo.UpdateDose(context.Background(), d), medication.ErrConstraint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDoseTaken_CompletesDay(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()
	now := time.Date(2024, 1, 1, 20, 3, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM daily_doses WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(doseCols).
			AddRow(2, 1, "Ibuprofen", "200mg", "20:00", "2024-01-01", "PENDING", nil, 0))
	mock.ExpectExec(q("UPDATE daily_doses")).
		WithArgs(int64(1), "Ibuprofen", "200mg", "20:00", "2024-01-01", "TAKEN", now.UnixMilli(), 0, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("SELECT COUNT(*) FROM daily_doses")).
		WithArgs(int64(1), "2024-01-01", "TAKEN").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(q("UPDATE treatments SET days_completed = days_completed + 1")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	dose, completed, err := repo.MarkDoseTaken(context.Background(), 2, now)

	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, medication.StatusTaken, dose.Status)
	assert.Equal(t, now.UnixMilli(), dose.TakenTimestamp.Int64)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDoseTaken_DayStillOpen(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows(doseCols).
			AddRow(1, 1, "Ibuprofen", "200mg", "08:00", "2024-01-01", "PENDING", nil, 0))
	mock.ExpectExec(q("UPDATE daily_doses")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("SELECT COUNT(*)")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	_, completed, err := repo.MarkDoseTaken(context.Background(), 1, time.Now())

	require.NoError(t, err)
	assert.False(t, completed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteTreatmentAndDoses_Success(t *testing.T) {
	db, mock, repo, hub := setupMockRepository(t)
	defer db.Close()
	changed, unwatch := hub.Watch(live.TableDoses)
	defer unwatch()

	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM daily_doses WHERE treatment_id = $1")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(q("DELETE FROM treatments WHERE id = $1")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.DeleteTreatmentAndDoses(context.Background(), 1))
	assert.True(t, signalled(changed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteTreatmentAndDoses_FailureAfterDosesRollsBack(t *testing.T) {
	db, mock, repo, hub := setupMockRepository(t)
	defer db.Close()
	changed, unwatch := hub.Watch(live.AllTables...)
	defer unwatch()

	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM daily_doses WHERE treatment_id = $1")).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(q("DELETE FROM treatments WHERE id = $1")).
		WillReturnError(errors.New("i/o timeout"))
	mock.ExpectRollback()

	err := repo.DeleteTreatmentAndDoses(context.Background(), 1)

	var txErr *medication.TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, "delete treatment and doses", txErr.Op)
	assert.False(t, signalled(changed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteTreatmentAndDoses_MissingTreatmentRollsBack(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM daily_doses")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("DELETE FROM treatments")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.DeleteTreatmentAndDoses(context.Background(), 9)

	assert.ErrorIs(t, err, medication.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClearAllData_RollsBackWhenSecondDeleteFails(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM daily_doses")).WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectExec(q("DELETE FROM treatments")).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.ClearAllData(context.Background())

	assert.ErrorIs(t, err, medication.ErrTransaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClearAllData_CommitFailure(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM daily_doses")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("DELETE FROM treatments")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})

	err := repo.ClearAllData(context.Background())

	assert.ErrorIs(t, err, medication.ErrTransaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNarrowDeletes(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM daily_doses WHERE id = $1")).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM daily_doses WHERE treatment_id = $1")).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM treatments WHERE id = $1")).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM treatments")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM daily_doses")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	assert.ErrorIs(t, repo.DeleteDoseByID(ctx, 3), medication.ErrNotFound)
	assert.NoError(t, repo.DeleteDosesByTreatmentID(ctx, 3))
	assert.NoError(t, repo.DeleteTreatmentByID(ctx, 3))
	assert.NoError(t, repo.ClearAllTreatments(ctx))
	assert.NoError(t, repo.ClearAllDoses(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginFailure(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	err := repo.ClearAllDoses(context.Background())

	assert.ErrorIs(t, err, medication.ErrTransaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTreatmentByID(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	mock.ExpectQuery(q("FROM treatments WHERE id = $1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(treatmentCols).
			AddRow(1, "Ibuprofen", "200mg", jan1.UnixMilli(), 2, 2, 8, 0, 12, 1))

	got, err := repo.GetTreatmentByID(context.Background(), 1)

	require.NoError(t, err)
	want := ibuprofen()
	want.ID = 1
	want.DaysCompleted = 1
	assert.Equal(t, want, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTreatmentByID_Absent(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	mock.ExpectQuery(q("FROM treatments WHERE id = $1")).WillReturnRows(sqlmock.NewRows(treatmentCols))

	_, err := repo.GetTreatmentByID(context.Background(), 1)

	assert.ErrorIs(t, err, medication.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTreatmentByID_NullStartDateIsCorrupt(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	mock.ExpectQuery(q("FROM treatments WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows(treatmentCols).
			AddRow(1, "Ibuprofen", "200mg", nil, 2, 2, 8, 0, 12, 0))

	_, err := repo.GetTreatmentByID(context.Background(), 1)

	var corrupt *medication.CorruptDataError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, "startDate", corrupt.Field)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDoseByID_UnknownStatus(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	mock.ExpectQuery(q("FROM daily_doses WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows(doseCols).
			AddRow(1, 1, "Ibuprofen", "200mg", "08:00", "2024-01-01", "SKIPPED", nil, 0))

	_, err := repo.GetDoseByID(context.Background(), 1)

	assert.ErrorIs(t, err, medication.ErrConstraint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountDosesForDate(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	mock.ExpectQuery(q("SELECT COUNT(id) FROM daily_doses WHERE dose_date = $1")).
		WithArgs("2024-01-01").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := repo.CountDosesForDate(context.Background(), "2024-01-01")

	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPendingDosesForDate(t *testing.T) {
	db, mock, repo, _ := setupMockRepository(t)
	defer db.Close()

	mock.ExpectQuery(q("WHERE dose_date = $1 AND status = $2 ORDER BY dose_time ASC")).
		WithArgs("2024-01-01", "PENDING").
		WillReturnRows(sqlmock.NewRows(doseCols).
			AddRow(2, 1, "Ibuprofen", "200mg", "20:00", "2024-01-01", "PENDING", nil, 1))

	doses, err := repo.GetPendingDosesForDate(context.Background(), "2024-01-01")

	require.NoError(t, err)
	require.Len(t, doses, 1)
	assert.Equal(t, 1, doses[0].PostponeCount)
	assert.False(t, doses[0].TakenTimestamp.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPastDosesHistory_ReemitsOnChange(t *testing.T) {
	db, mock, repo, hub := setupMockRepository(t)
	defer db.Close()
	takenAt := time.Date(2024, 1, 1, 8, 2, 0, 0, time.UTC).UnixMilli()

	mock.ExpectQuery(q("WHERE status IN ($1, $2)")).
		WithArgs("TAKEN", "MISSED").
		WillReturnRows(sqlmock.NewRows(doseCols))
	mock.ExpectQuery(q("WHERE status IN ($1, $2)")).
		WithArgs("TAKEN", "MISSED").
		WillReturnRows(sqlmock.NewRows(doseCols).
			AddRow(1, 1, "Ibuprofen", "200mg", "08:00", "2024-01-01", "TAKEN", takenAt, 0))

	sub := repo.GetPastDosesHistory(context.Background())
	defer sub.Close()

	first := <-sub.Updates()
	assert.Empty(t, first)

	hub.Publish(live.TableDoses)

	select {
	case second := <-sub.Updates():
		require.Len(t, second, 1)
		assert.Equal(t, takenAt, second[0].TakenTimestamp.Int64)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot after change")
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"domain error kept", &medication.NotFoundError{Entity: "dose", ID: 1}, medication.ErrNotFound},
		{"not null", &pq.Error{Code: "23502", Table: "daily_doses", Column: "dose_date"}, medication.ErrConstraint},
		{"check", &pq.Error{Code: "23514", Table: "treatments"}, medication.ErrConstraint},
		{"serialization", &pq.Error{Code: "40001"}, medication.ErrTransaction},
		{"deadlock", &pq.Error{Code: "40P01"}, medication.ErrTransaction},
		{"anything else", errors.New("broken pipe"), medication.ErrTransaction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, classify("op", tc.err), tc.want)
		})
	}
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	for range schemaStatements {
		mock.ExpectExec(".").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	require.NoError(t, Migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_StopsOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS treatments")).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	assert.Error(t, Migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
