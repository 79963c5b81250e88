package medication

import (
	"strings"
	"time"
)

// Treatment is a prescribed medication course.
// Corresponds to the 'treatments' table.
type Treatment struct {
	ID              int64 // 0 until persisted
	MedicationName  string
	Dosage          string
	StartDate       time.Time // only the calendar date matters for scheduling
	DurationInDays  int
	FrequencyPerDay int
	StartHour       int
	StartMinute     int
	IntervalHours   int
	DaysCompleted   int
}

// Validate checks every field invariant of a treatment. The first violation is returned.
func (t Treatment) Validate() error {
	switch {
	case strings.TrimSpace(t.MedicationName) == "":
		return treatmentConstraint("medicationName", "must not be empty")
	case strings.TrimSpace(t.Dosage) == "":
		return treatmentConstraint("dosage", "must not be empty")
	case t.StartDate.IsZero():
		return treatmentConstraint("startDate", "must be set")
	case t.DurationInDays < 1:
		return treatmentConstraint("durationInDays", "must be at least 1")
	case t.FrequencyPerDay < 1:
		return treatmentConstraint("frequencyPerDay", "must be at least 1")
	case t.StartHour < 0 || t.StartHour > 23:
		return treatmentConstraint("startHour", "must be within 0-23")
	case t.StartMinute < 0 || t.StartMinute > 59:
		return treatmentConstraint("startMinute", "must be within 0-59")
	case t.IntervalHours < 1:
		return treatmentConstraint("intervalHours", "must be at least 1")
	case (t.FrequencyPerDay-1)*t.IntervalHours >= 24:
		// Otherwise a later dose of the day lands on the same slot as an earlier one.
		return treatmentConstraint("intervalHours", "all doses of a day must fall within 24 hours of the first")
	case t.DaysCompleted < 0:
		return treatmentConstraint("daysCompleted", "must not be negative")
	}
	return nil
}

// Normalize pins StartDate to UTC midnight of its own calendar date, the form both
// stores keep. The caller's zone only decides which day that is.
func (t *Treatment) Normalize() {
	t.StartDate = startOfDay(t.StartDate)
}

// StartDateMillis is the stored form of StartDate.
func (t Treatment) StartDateMillis() int64 {
	return startOfDay(t.StartDate).UnixMilli()
}

func (t Treatment) EndDate() string {
	y, m, d := t.StartDate.Date()
	return time.Date(y, m, d+t.DurationInDays-1, 0, 0, 0, 0, time.UTC).Format(DateLayout)
}

func startOfDay(at time.Time) time.Time {
	y, m, d := at.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func treatmentConstraint(field, reason string) error {
	return &ConstraintError{Entity: "treatment", Field: field, Reason: reason}
}
