// Package memory is an in-process medication.Repository. One lock serialises every write,
// which gives each operation the same all-or-nothing behaviour as a database transaction.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"medication_dose_tracker/internal/domain/medication"
	"medication_dose_tracker/internal/live"
)

type medicationRepo struct {
	mu              sync.RWMutex
	treatments      map[int64]medication.Treatment
	doses           map[int64]medication.Dose
	lastTreatmentID int64
	lastDoseID      int64
	hub             *live.Hub
}

func NewMedicationRepo(hub *live.Hub) medication.Repository {
	return &medicationRepo{
		treatments: make(map[int64]medication.Treatment),
		doses:      make(map[int64]medication.Dose),
		hub:        hub,
	}
}

// write runs fn under the write lock and publishes touched tables if fn succeeds.
// fn must validate before mutating anything.
func (r *medicationRepo) write(ctx context.Context, touched []live.Table, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return &medication.TransactionError{Op: "memory write", Err: err}
	}
	r.mu.Lock()
	err := fn()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.hub.Publish(touched...)
	return nil
}

// --- Treatment writes ---

func (r *medicationRepo) InsertTreatment(ctx context.Context, t *medication.Treatment) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	t.Normalize()
	err := r.write(ctx, []live.Table{live.TableTreatments}, func() error {
		r.putTreatment(t)
		return nil
	})
	return t.ID, err
}

func (r *medicationRepo) InsertTreatmentWithDoses(ctx context.Context, t *medication.Treatment, generate medication.DoseGenerator) ([]medication.Dose, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.Normalize()

	var doses []medication.Dose
	err := r.write(ctx, live.AllTables, func() error {
		staged := *t
		if staged.ID == 0 {
			staged.ID = r.lastTreatmentID + 1
		}
		doses = generate(staged)
		for _, d := range doses {
			if err := d.Validate(); err != nil {
				return err
			}
		}

		r.putTreatment(t)
		for i := range doses {
			r.lastDoseID++
			doses[i].ID = r.lastDoseID
			r.doses[doses[i].ID] = doses[i]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doses, nil
}

// putTreatment assigns an id to new treatments and replaces existing ones. Caller holds the lock.
func (r *medicationRepo) putTreatment(t *medication.Treatment) {
	if t.ID == 0 {
		r.lastTreatmentID++
		t.ID = r.lastTreatmentID
	} else if t.ID > r.lastTreatmentID {
		r.lastTreatmentID = t.ID
	}
	r.treatments[t.ID] = *t
}

func (r *medicationRepo) UpdateTreatment(ctx context.Context, t *medication.Treatment) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.Normalize()
	return r.write(ctx, []live.Table{live.TableTreatments}, func() error {
		if _, ok := r.treatments[t.ID]; !ok {
			return &medication.NotFoundError{Entity: "treatment", ID: t.ID}
		}
		r.treatments[t.ID] = *t
		return nil
	})
}

// --- Dose writes ---

func (r *medicationRepo) InsertDose(ctx context.Context, d *medication.Dose) (int64, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	err := r.write(ctx, []live.Table{live.TableDoses}, func() error {
		if d.ID != 0 {
			if _, exists := r.doses[d.ID]; exists {
				return nil
			}
			if d.ID > r.lastDoseID {
				r.lastDoseID = d.ID
			}
		} else {
			r.lastDoseID++
			d.ID = r.lastDoseID
		}
		r.doses[d.ID] = *d
		return nil
	})
	return d.ID, err
}

func (r *medicationRepo) UpdateDose(ctx context.Context, d *medication.Dose) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return r.write(ctx, []live.Table{live.TableDoses}, func() error {
		stored, ok := r.doses[d.ID]
		if !ok {
			return &medication.NotFoundError{Entity: "dose", ID: d.ID}
		}
		if err := medication.CheckUpdate(stored, *d); err != nil {
			return err
		}
		r.doses[d.ID] = *d
		return nil
	})
}

func (r *medicationRepo) MarkDoseTaken(ctx context.Context, doseID int64, now time.Time) (*medication.Dose, bool, error) {
	var (
		dose         medication.Dose
		dayCompleted bool
	)
	err := r.write(ctx, live.AllTables, func() error {
		var ok bool
		dose, ok = r.doses[doseID]
		if !ok {
			return &medication.NotFoundError{Entity: "dose", ID: doseID}
		}
		if err := dose.MarkTaken(now); err != nil {
			return err
		}
		r.doses[doseID] = dose

		for _, other := range r.doses {
			if other.TreatmentID == dose.TreatmentID && other.Date == dose.Date && other.Status != medication.StatusTaken {
				return nil
			}
		}
		if t, ok := r.treatments[dose.TreatmentID]; ok {
			t.DaysCompleted++
			r.treatments[t.ID] = t
			dayCompleted = true
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &dose, dayCompleted, nil
}

// --- Deletes ---

func (r *medicationRepo) ClearAllData(ctx context.Context) error {
	return r.write(ctx, live.AllTables, func() error {
		clear(r.doses)
		clear(r.treatments)
		return nil
	})
}

func (r *medicationRepo) DeleteTreatmentAndDoses(ctx context.Context, treatmentID int64) error {
	return r.write(ctx, live.AllTables, func() error {
		if _, ok := r.treatments[treatmentID]; !ok {
			return &medication.NotFoundError{Entity: "treatment", ID: treatmentID}
		}
		r.deleteDosesOf(treatmentID)
		delete(r.treatments, treatmentID)
		return nil
	})
}

func (r *medicationRepo) ClearAllTreatments(ctx context.Context) error {
	return r.write(ctx, []live.Table{live.TableTreatments}, func() error {
		clear(r.treatments)
		return nil
	})
}

func (r *medicationRepo) ClearAllDoses(ctx context.Context) error {
	return r.write(ctx, []live.Table{live.TableDoses}, func() error {
		clear(r.doses)
		return nil
	})
}

func (r *medicationRepo) DeleteTreatmentByID(ctx context.Context, treatmentID int64) error {
	return r.write(ctx, []live.Table{live.TableTreatments}, func() error {
		if _, ok := r.treatments[treatmentID]; !ok {
			return &medication.NotFoundError{Entity: "treatment", ID: treatmentID}
		}
		delete(r.treatments, treatmentID)
		return nil
	})
}

func (r *medicationRepo) DeleteDosesByTreatmentID(ctx context.Context, treatmentID int64) error {
	return r.write(ctx, []live.Table{live.TableDoses}, func() error {
		r.deleteDosesOf(treatmentID)
		return nil
	})
}

func (r *medicationRepo) DeleteDoseByID(ctx context.Context, doseID int64) error {
	return r.write(ctx, []live.Table{live.TableDoses}, func() error {
		if _, ok := r.doses[doseID]; !ok {
			return &medication.NotFoundError{Entity: "dose", ID: doseID}
		}
		delete(r.doses, doseID)
		return nil
	})
}

func (r *medicationRepo) deleteDosesOf(treatmentID int64) {
	for id, d := range r.doses {
		if d.TreatmentID == treatmentID {
			delete(r.doses, id)
		}
	}
}

// --- Live queries ---

func (r *medicationRepo) GetAllTreatments(ctx context.Context) *live.Subscription[medication.Treatment] {
	return live.Subscribe(ctx, r.hub, live.TableTreatments, func(context.Context) ([]medication.Treatment, error) {
		r.mu.RLock()
		defer r.mu.RUnlock()

		out := make([]medication.Treatment, 0, len(r.treatments))
		for _, t := range r.treatments {
			out = append(out, t)
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].StartDate.Equal(out[j].StartDate) {
				return out[i].StartDate.After(out[j].StartDate)
			}
			return out[i].ID < out[j].ID
		})
		return out, nil
	})
}

func (r *medicationRepo) GetDosesForDate(ctx context.Context, date string) *live.Subscription[medication.Dose] {
	return live.Subscribe(ctx, r.hub, live.TableDoses, func(context.Context) ([]medication.Dose, error) {
		return r.filterDoses(func(d medication.Dose) bool { return d.Date == date }, byTimeAsc), nil
	})
}

func (r *medicationRepo) GetPastDosesHistory(ctx context.Context) *live.Subscription[medication.Dose] {
	return live.Subscribe(ctx, r.hub, live.TableDoses, func(context.Context) ([]medication.Dose, error) {
		return r.filterDoses(func(d medication.Dose) bool { return d.Status.Terminal() }, byDateTimeDesc), nil
	})
}

// --- Point reads ---

func (r *medicationRepo) GetTreatmentByID(ctx context.Context, id int64) (*medication.Treatment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.treatments[id]
	if !ok {
		return nil, &medication.NotFoundError{Entity: "treatment", ID: id}
	}
	return &t, nil
}

func (r *medicationRepo) GetDoseByID(ctx context.Context, id int64) (*medication.Dose, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.doses[id]
	if !ok {
		return nil, &medication.NotFoundError{Entity: "dose", ID: id}
	}
	return &d, nil
}

func (r *medicationRepo) CountDosesForDate(ctx context.Context, date string) (int, error) {
	return len(r.filterDoses(func(d medication.Dose) bool { return d.Date == date }, nil)), nil
}

func (r *medicationRepo) GetDosesForTreatmentOnDate(ctx context.Context, treatmentID int64, date string) ([]medication.Dose, error) {
	return r.filterDoses(func(d medication.Dose) bool {
		return d.TreatmentID == treatmentID && d.Date == date
	}, byTimeAsc), nil
}

func (r *medicationRepo) GetPendingDosesForDate(ctx context.Context, date string) ([]medication.Dose, error) {
	return r.filterDoses(func(d medication.Dose) bool {
		return d.Date == date && d.Status == medication.StatusPending
	}, byTimeAsc), nil
}

func (r *medicationRepo) filterDoses(keep func(medication.Dose) bool, less func(a, b medication.Dose) bool) []medication.Dose {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]medication.Dose, 0)
	for _, d := range r.doses {
		if keep(d) {
			out = append(out, d)
		}
	}
	if less != nil {
		sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	}
	return out
}

func byTimeAsc(a, b medication.Dose) bool {
	if a.Time != b.Time {
		return a.Time < b.Time
	}
	return a.ID < b.ID
}

func byDateTimeDesc(a, b medication.Dose) bool {
	if a.Date != b.Date {
		return a.Date > b.Date
	}
	if a.Time != b.Time {
		return a.Time > b.Time
	}
	return a.ID < b.ID
}
