package medication

import (
	"context"
	"time"

	"medication_dose_tracker/internal/live"
)

// DoseGenerator expands a persisted treatment into the doses it implies.
type DoseGenerator func(t Treatment) []Dose

// Repository defines persistence for treatments and their doses. Every write is atomic:
// it either fully applies or leaves the store untouched.
type Repository interface {
	// Treatment writes
	InsertTreatment(ctx context.Context, t *Treatment) (int64, error)
	// InsertTreatmentWithDoses stores t, then the doses generate returns for it, in one transaction.
	InsertTreatmentWithDoses(ctx context.Context, t *Treatment, generate DoseGenerator) ([]Dose, error)
	UpdateTreatment(ctx context.Context, t *Treatment) error

	// Dose writes
	InsertDose(ctx context.Context, d *Dose) (int64, error) // explicit-id conflicts are ignored
	UpdateDose(ctx context.Context, d *Dose) error          // refuses to leave TAKEN or MISSED
	// MarkDoseTaken marks a dose taken and, when it was the last open dose of its treatment
	// on that date, increments the treatment's days completed. Reports whether the day completed.
	MarkDoseTaken(ctx context.Context, doseID int64, now time.Time) (*Dose, bool, error)

	// Deletes
	ClearAllData(ctx context.Context) error
	DeleteTreatmentAndDoses(ctx context.Context, treatmentID int64) error
	ClearAllTreatments(ctx context.Context) error
	ClearAllDoses(ctx context.Context) error
	DeleteTreatmentByID(ctx context.Context, treatmentID int64) error
	DeleteDosesByTreatmentID(ctx context.Context, treatmentID int64) error
	DeleteDoseByID(ctx context.Context, doseID int64) error

	// Live queries, ordered by start date descending / time ascending / date and time descending.
	GetAllTreatments(ctx context.Context) *live.Subscription[Treatment]
	GetDosesForDate(ctx context.Context, date string) *live.Subscription[Dose]
	GetPastDosesHistory(ctx context.Context) *live.Subscription[Dose]

	// Point reads. Absent rows are reported as *NotFoundError.
	GetTreatmentByID(ctx context.Context, id int64) (*Treatment, error)
	GetDoseByID(ctx context.Context, id int64) (*Dose, error)
	CountDosesForDate(ctx context.Context, date string) (int, error)
	GetDosesForTreatmentOnDate(ctx context.Context, treatmentID int64, date string) ([]Dose, error)
	GetPendingDosesForDate(ctx context.Context, date string) ([]Dose, error)
}
