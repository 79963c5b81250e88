package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"medication_dose_tracker/internal/domain/medication"
	"medication_dose_tracker/internal/domain/schedule"
)

const (
	DefaultPostponeStep = 15 * time.Minute
	DefaultMaxPostpones = 2
	DefaultMissedGrace  = 2 * time.Hour
)

// DoseService defines the treatment and dose use cases built on top of the repository.
type DoseService interface {
	// CreateTreatment stores a new treatment together with its full dose calendar.
	CreateTreatment(ctx context.Context, t *medication.Treatment) ([]medication.Dose, error)
	// RegenerateDoses adds the doses of a stored treatment whose slots are not present yet.
	RegenerateDoses(ctx context.Context, treatmentID int64) ([]medication.Dose, error)
	MarkDoseTaken(ctx context.Context, doseID int64) (*medication.Dose, error)
	MarkDoseMissed(ctx context.Context, doseID int64) (*medication.Dose, error)
	PostponeDose(ctx context.Context, doseID int64) (*medication.Dose, error)
	// SweepMissedDoses marks overdue pending doses of yesterday and today as missed.
	SweepMissedDoses(ctx context.Context) (int, error)
	DeleteTreatment(ctx context.Context, treatmentID int64) error
	ResetAllData(ctx context.Context) error
}

// DoseServiceOptions tunes the reconciler rules. Unset PostponeStep and MaxPostpones take
// the defaults above and a negative MaxPostpones turns postponing off. A zero MissedGrace
// means a dose is missed as soon as its time passes.
type DoseServiceOptions struct {
	PostponeStep time.Duration
	MaxPostpones int
	MissedGrace  time.Duration
	Location     *time.Location // zone dose dates and times are read in
	Now          func() time.Time
}

// DoseServiceImpl implements the DoseService interface.
type DoseServiceImpl struct {
	repo      medication.Repository
	generator schedule.Generator
	logger    *logrus.Entry
	opts      DoseServiceOptions
}

func NewDoseServiceImpl(
	repo medication.Repository,
	generator schedule.Generator,
	logger *logrus.Entry,
	opts DoseServiceOptions,
) *DoseServiceImpl {
	if opts.PostponeStep <= 0 {
		opts.PostponeStep = DefaultPostponeStep
	}
	switch {
	case opts.MaxPostpones == 0:
		opts.MaxPostpones = DefaultMaxPostpones
	case opts.MaxPostpones < 0:
		opts.MaxPostpones = 0
	}
	if opts.MissedGrace < 0 {
		opts.MissedGrace = DefaultMissedGrace
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &DoseServiceImpl{repo: repo, generator: generator, logger: logger, opts: opts}
}

var _ DoseService = (*DoseServiceImpl)(nil)

func (s *DoseServiceImpl) CreateTreatment(ctx context.Context, t *medication.Treatment) ([]medication.Dose, error) {
	if err := s.generator.Check(*t); err != nil {
		return nil, fmt.Errorf("failed to create treatment: %w", err)
	}
	doses, err := s.repo.InsertTreatmentWithDoses(ctx, t, s.calendar)
	if err != nil {
		return nil, fmt.Errorf("failed to create treatment: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"treatment_id": t.ID,
		"medication":   t.MedicationName,
		"doses":        len(doses),
	}).Info("Treatment created with its dose calendar.")
	return doses, nil
}

// RegenerateDoses merges by slot: doses already stored keep their status, only absent
// (date, time) pairs are inserted. Re-running after a partial failure is safe.
func (s *DoseServiceImpl) RegenerateDoses(ctx context.Context, treatmentID int64) ([]medication.Dose, error) {
	t, err := s.repo.GetTreatmentByID(ctx, treatmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load treatment for regeneration: %w", err)
	}

	if err := s.generator.Check(*t); err != nil {
		return nil, fmt.Errorf("failed to regenerate doses of treatment %d: %w", treatmentID, err)
	}

	generated := s.calendar(*t)
	existing := make([]medication.Dose, 0)
	seenDates := make(map[string]bool)
	for _, d := range generated {
		if seenDates[d.Date] {
			continue
		}
		seenDates[d.Date] = true
		onDate, err := s.repo.GetDosesForTreatmentOnDate(ctx, treatmentID, d.Date)
		if err != nil {
			return nil, fmt.Errorf("failed to load existing doses for %s: %w", d.Date, err)
		}
		existing = append(existing, onDate...)
	}

	missing := schedule.Missing(generated, existing)
	for i := range missing {
		if _, err := s.repo.InsertDose(ctx, &missing[i]); err != nil {
			return nil, fmt.Errorf("failed to insert regenerated dose %s: %w", missing[i].Slot(), err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"treatment_id": treatmentID,
		"generated":    len(generated),
		"inserted":     len(missing),
	}).Info("Dose calendar regenerated.")
	return missing, nil
}

// calendar is the generated schedule with repeated slots folded into one dose.
func (s *DoseServiceImpl) calendar(t medication.Treatment) []medication.Dose {
	return schedule.Unique(s.generator.Generate(t))
}

func (s *DoseServiceImpl) MarkDoseTaken(ctx context.Context, doseID int64) (*medication.Dose, error) {
	dose, dayCompleted, err := s.repo.MarkDoseTaken(ctx, doseID, s.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to mark dose %d taken: %w", doseID, err)
	}
	entry := s.logger.WithFields(logrus.Fields{"dose_id": doseID, "treatment_id": dose.TreatmentID})
	if dayCompleted {
		entry.WithField("date", dose.Date).Info("All doses of the day taken, treatment day completed.")
	} else {
		entry.Debug("Dose marked taken.")
	}
	return dose, nil
}

func (s *DoseServiceImpl) MarkDoseMissed(ctx context.Context, doseID int64) (*medication.Dose, error) {
	return s.transition(ctx, doseID, "mark missed", func(d *medication.Dose) error {
		return d.MarkMissed()
	})
}

func (s *DoseServiceImpl) PostponeDose(ctx context.Context, doseID int64) (*medication.Dose, error) {
	dose, err := s.transition(ctx, doseID, "postpone", func(d *medication.Dose) error {
		return d.Postpone(s.opts.PostponeStep, s.opts.MaxPostpones)
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"dose_id":        doseID,
		"slot":           dose.Slot(),
		"postpone_count": dose.PostponeCount,
	}).Info("Dose postponed.")
	return dose, nil
}

// transition loads a dose, applies change and stores it. The repository re-checks the
// stored status, so a concurrent TAKEN/MISSED write wins over this one.
func (s *DoseServiceImpl) transition(ctx context.Context, doseID int64, op string, change func(*medication.Dose) error) (*medication.Dose, error) {
	dose, err := s.repo.GetDoseByID(ctx, doseID)
	if err != nil {
		return nil, fmt.Errorf("failed to %s dose %d: %w", op, doseID, err)
	}
	if err := change(dose); err != nil {
		return nil, fmt.Errorf("failed to %s dose %d: %w", op, doseID, err)
	}
	if err := s.repo.UpdateDose(ctx, dose); err != nil {
		return nil, fmt.Errorf("failed to %s dose %d: %w", op, doseID, err)
	}
	return dose, nil
}

func (s *DoseServiceImpl) SweepMissedDoses(ctx context.Context) (int, error) {
	now := s.opts.Now().In(s.opts.Location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.opts.Location)
	dates := []string{
		today.AddDate(0, 0, -1).Format(medication.DateLayout),
		today.Format(medication.DateLayout),
	}

	missed := 0
	for _, date := range dates {
		pending, err := s.repo.GetPendingDosesForDate(ctx, date)
		if err != nil {
			return missed, fmt.Errorf("failed to list pending doses for %s: %w", date, err)
		}
		for i := range pending {
			dose := &pending[i]
			at, err := dose.ScheduledAt(s.opts.Location)
			if err != nil {
				s.logger.WithError(err).WithField("dose_id", dose.ID).Warn("Skipping dose with unreadable schedule.")
				continue
			}
			if !at.Add(s.opts.MissedGrace).Before(now) {
				continue
			}
			if err := dose.MarkMissed(); err != nil {
				return missed, err
			}
			if err := s.repo.UpdateDose(ctx, dose); err != nil {
				if errors.Is(err, medication.ErrConstraint) || errors.Is(err, medication.ErrNotFound) {
					// Taken or deleted since it was listed.
					s.logger.WithError(err).WithField("dose_id", dose.ID).Debug("Dose changed during sweep, skipping.")
					continue
				}
				return missed, fmt.Errorf("failed to mark dose %d missed: %w", dose.ID, err)
			}
			missed++
		}
	}

	if missed > 0 {
		s.logger.WithField("missed", missed).Info("Overdue doses marked as missed.")
	}
	return missed, nil
}

func (s *DoseServiceImpl) DeleteTreatment(ctx context.Context, treatmentID int64) error {
	if err := s.repo.DeleteTreatmentAndDoses(ctx, treatmentID); err != nil {
		return fmt.Errorf("failed to delete treatment %d: %w", treatmentID, err)
	}
	s.logger.WithField("treatment_id", treatmentID).Info("Treatment and its doses deleted.")
	return nil
}

func (s *DoseServiceImpl) ResetAllData(ctx context.Context) error {
	if err := s.repo.ClearAllData(ctx); err != nil {
		return fmt.Errorf("failed to reset data: %w", err)
	}
	s.logger.Warn("All local treatment data cleared.")
	return nil
}
