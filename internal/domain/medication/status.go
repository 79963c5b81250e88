package medication

import "fmt"

// Status is the stored text form of a dose's state.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusTaken   Status = "TAKEN"
	StatusMissed  Status = "MISSED"
)

// ParseStatus maps stored text back to a Status. Unknown text is rejected rather than defaulted.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusTaken, StatusMissed:
		return Status(s), nil
	}
	return "", &ConstraintError{Entity: "dose", Field: "status", Reason: fmt.Sprintf("unrecognized value %q", s)}
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusTaken || s == StatusMissed
}

// CanTransition reports whether a stored dose may move from one status to another.
// Staying put is always allowed so that a full-row update of a terminal dose can still
// touch unrelated fields.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return from == StatusPending && to.Terminal()
}
