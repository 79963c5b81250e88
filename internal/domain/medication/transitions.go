package medication

import (
	"database/sql"
	"fmt"
	"time"
)

// MarkTaken moves a pending dose to TAKEN and records when.
func (d *Dose) MarkTaken(now time.Time) error {
	if err := d.leave(StatusTaken); err != nil {
		return err
	}
	d.Status = StatusTaken
	d.TakenTimestamp = sql.NullInt64{Int64: now.UnixMilli(), Valid: true}
	return nil
}

// MarkMissed moves a pending dose to MISSED.
func (d *Dose) MarkMissed() error {
	if err := d.leave(StatusMissed); err != nil {
		return err
	}
	d.Status = StatusMissed
	return nil
}

// Postpone defers a pending dose by step, moving to the next calendar day when the
// new time passes midnight. At most maxPostpones deferrals are allowed per dose.
func (d *Dose) Postpone(step time.Duration, maxPostpones int) error {
	if d.Status != StatusPending {
		return doseConstraint("status", fmt.Sprintf("cannot postpone a %s dose", d.Status))
	}
	if d.PostponeCount >= maxPostpones {
		return doseConstraint("postponeCount", fmt.Sprintf("postpone limit of %d reached", maxPostpones))
	}
	at, err := d.ScheduledAt(time.UTC)
	if err != nil {
		return doseConstraint("time", err.Error())
	}
	at = at.Add(step)
	d.Date = at.Format(DateLayout)
	d.Time = at.Format(TimeLayout)
	d.PostponeCount++
	return nil
}

func (d *Dose) leave(to Status) error {
	if d.Status != StatusPending {
		return doseConstraint("status", fmt.Sprintf("cannot move from %s to %s", d.Status, to))
	}
	return nil
}

// CheckUpdate decides whether stored may be overwritten with next. A TAKEN or MISSED
// row is final: it may only be rewritten with identical content.
func CheckUpdate(stored, next Dose) error {
	if !CanTransition(stored.Status, next.Status) {
		return doseConstraint("status", fmt.Sprintf("cannot move from %s to %s", stored.Status, next.Status))
	}
	if stored.Status.Terminal() && stored != next {
		return doseConstraint("status", fmt.Sprintf("a %s dose cannot be modified", stored.Status))
	}
	return nil
}
