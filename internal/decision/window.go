package decision

import "time"

// Window is the period in which attendance for a session may be taken.
// The zero Window places no restriction.
type Window struct {
	OpensAt  time.Time     `json:"opens_at"`
	ClosesAt time.Time     `json:"closes_at"`
	Grace    time.Duration `json:"grace"`
}

// Contains reports whether t falls in the window, widened by Grace on both ends.
// An unset bound is open-ended.
func (w Window) Contains(t time.Time) bool {
	if !w.OpensAt.IsZero() && t.Before(w.OpensAt.Add(-w.Grace)) {
		return false
	}
	if !w.ClosesAt.IsZero() && t.After(w.ClosesAt.Add(w.Grace)) {
		return false
	}
	return true
}
