// Package schedule expands a treatment into its calendar of doses.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"medication_dose_tracker/internal/domain/medication"
)

// OverflowPolicy decides where a dose lands when startHour:startMinute + k*intervalHours
// passes midnight.
type OverflowPolicy string

const (
	// Rollover places the dose on the following calendar day.
	Rollover OverflowPolicy = "rollover"
	// Wrap keeps the dose on its own day with the time taken modulo 24h.
	Wrap OverflowPolicy = "wrap"
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case Rollover, Wrap:
		return p, nil
	case "":
		return Wrap, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

// Generator produces doses for treatments. The zero value uses Wrap, which keeps every
// dose inside [startDate, startDate+durationInDays-1].
type Generator struct {
	Policy OverflowPolicy
}

func NewGenerator(policy OverflowPolicy) Generator {
	return Generator{Policy: policy}
}

// Generate returns durationInDays*frequencyPerDay pending doses, ordered by day and then
// by dose index within the day. It has no side effects; equal input yields equal output.
func (g Generator) Generate(t medication.Treatment) []medication.Dose {
	if t.DurationInDays < 1 || t.FrequencyPerDay < 1 {
		return nil
	}

	// Wall-clock arithmetic in UTC keeps the result free of DST shifts in t.StartDate's zone.
	y, m, d := t.StartDate.Date()
	doses := make([]medication.Dose, 0, t.DurationInDays*t.FrequencyPerDay)
	for day := 0; day < t.DurationInDays; day++ {
		date := time.Date(y, m, d+day, 0, 0, 0, 0, time.UTC)
		first := date.Add(time.Duration(t.StartHour)*time.Hour + time.Duration(t.StartMinute)*time.Minute)
		for k := 0; k < t.FrequencyPerDay; k++ {
			at := first.Add(time.Duration(k*t.IntervalHours) * time.Hour)
			doseDate := date
			if g.Policy == Rollover {
				doseDate = at
			}
			doses = append(doses, medication.Dose{
				TreatmentID:    t.ID,
				MedicationName: t.MedicationName,
				Dosage:         t.Dosage,
				Date:           doseDate.Format(medication.DateLayout),
				Time:           at.Format(medication.TimeLayout),
				Status:         medication.StatusPending,
			})
		}
	}
	return doses
}

// Check rejects treatments whose doses would share a time of day under Wrap, where the
// second dose of a slot would be lost. Rollover collisions land on the same instant and
// are folded together by Unique.
func (g Generator) Check(t medication.Treatment) error {
	if g.Policy == Rollover {
		return nil
	}
	const day = 24 * 60
	seen := make(map[int]int, t.FrequencyPerDay)
	for k := 0; k < t.FrequencyPerDay; k++ {
		minute := (t.StartHour*60 + t.StartMinute + k*t.IntervalHours*60) % day
		if first, ok := seen[minute]; ok {
			return &medication.ConstraintError{Entity: "treatment", Field: "intervalHours",
				Reason: fmt.Sprintf("doses %d and %d of a day fall on the same time when wrapped", first+1, k+1)}
		}
		seen[minute] = k
	}
	return nil
}

// Unique drops every dose whose slot already appeared earlier in doses.
func Unique(doses []medication.Dose) []medication.Dose {
	seen := make(map[string]struct{}, len(doses))
	out := make([]medication.Dose, 0, len(doses))
	for _, d := range doses {
		if _, ok := seen[d.Slot()]; ok {
			continue
		}
		seen[d.Slot()] = struct{}{}
		out = append(out, d)
	}
	return out
}

// Missing filters generated down to the slots absent from existing.
func Missing(generated, existing []medication.Dose) []medication.Dose {
	taken := make(map[string]struct{}, len(existing))
	for _, d := range existing {
		taken[d.Slot()] = struct{}{}
	}
	out := make([]medication.Dose, 0, len(generated))
	for _, d := range generated {
		if _, ok := taken[d.Slot()]; ok {
			continue
		}
		out = append(out, d)
	}
	return out
}
