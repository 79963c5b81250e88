package medication

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Dose is one scheduled administration of a treatment.
// Corresponds to the 'daily_doses' table.
type Dose struct {
	ID             int64
	TreatmentID    int64  // not enforced by the store
	MedicationName string // copied from the treatment at generation time
	Dosage         string
	Time           string // HH:mm
	Date           string // YYYY-MM-DD
	Status         Status
	TakenTimestamp sql.NullInt64 // epoch millis, set only on PENDING -> TAKEN
	PostponeCount  int
}

// Validate checks the dose's field invariants before a write.
func (d Dose) Validate() error {
	switch {
	case d.TreatmentID < 1:
		return doseConstraint("treatmentId", "must reference a persisted treatment")
	case strings.TrimSpace(d.MedicationName) == "":
		return doseConstraint("medicationName", "must not be empty")
	case strings.TrimSpace(d.Dosage) == "":
		return doseConstraint("dosage", "must not be empty")
	case d.PostponeCount < 0:
		return doseConstraint("postponeCount", "must not be negative")
	}
	if _, err := time.Parse(DateLayout, d.Date); err != nil {
		return doseConstraint("date", fmt.Sprintf("%q is not YYYY-MM-DD", d.Date))
	}
	if _, err := time.Parse(TimeLayout, d.Time); err != nil {
		return doseConstraint("time", fmt.Sprintf("%q is not HH:mm", d.Time))
	}
	if _, err := ParseStatus(string(d.Status)); err != nil {
		return err
	}
	if d.TakenTimestamp.Valid != (d.Status == StatusTaken) {
		return doseConstraint("takenTimestamp", fmt.Sprintf("must be set exactly when status is %s", StatusTaken))
	}
	return nil
}

// ScheduledAt combines Date and Time into an instant in loc.
func (d Dose) ScheduledAt(loc *time.Location) (time.Time, error) {
	at, err := time.ParseInLocation(DateLayout+" "+TimeLayout, d.Date+" "+d.Time, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("error parsing schedule of dose %d: %w", d.ID, err)
	}
	return at, nil
}

// Slot is the (date, time) pair a dose occupies within its treatment.
func (d Dose) Slot() string {
	return d.Date + " " + d.Time
}

func doseConstraint(field, reason string) error {
	return &ConstraintError{Entity: "dose", Field: field, Reason: reason}
}
