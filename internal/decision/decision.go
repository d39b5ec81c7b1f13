package decision

import (
	"sort"
	"time"

	"presence/internal/matcher"
)

// Reason is a failing check recorded on a rejected decision.
type Reason string

const (
	ReasonIdentityMismatch Reason = "identity_mismatch"
	ReasonEmptyGallery     Reason = "empty_gallery"
	ReasonOutOfRange       Reason = "out_of_range"
	ReasonOutOfWindow      Reason = "out_of_window"
)

// Decision is the fused, auditable outcome of one attendance attempt.
// Reasons is empty exactly when Accepted is true.
type Decision struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	IdentityID    *string   `json:"identity_id"`
	Distance      float64   `json:"distance"`
	Confidence    float64   `json:"confidence"`
	MatchAccepted bool      `json:"match_accepted"`
	InRange       bool      `json:"in_range"`
	InWindow      bool      `json:"in_window"`
	Accepted      bool      `json:"accepted"`
	Reasons       []Reason  `json:"reasons"`
	DecidedAt     time.Time `json:"decided_at"`
}

// Has reports whether r is among the failing reasons.
func (d Decision) Has(r Reason) bool {
	for _, x := range d.Reasons {
		if x == r {
			return true
		}
	}
	return false
}

// Fuser combines sub-check results. Now defaults to time.Now.
type Fuser struct {
	Now func() time.Time
}

// Decide uses a Fuser with the wall clock.
func Decide(match matcher.Result, inRange, inWindow bool) Decision {
	return Fuser{}.Decide(match, inRange, inWindow)
}

// Decide accepts only when the match, the geofence and the time window all pass,
// and otherwise lists every check that failed.
func (f Fuser) Decide(match matcher.Result, inRange, inWindow bool) Decision {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}

	d := Decision{
		IdentityID:    match.IdentityID,
		Distance:      match.Distance,
		Confidence:    match.Confidence,
		MatchAccepted: match.Accepted,
		InRange:       inRange,
		InWindow:      inWindow,
		Reasons:       []Reason{},
		DecidedAt:     now().UTC(),
	}

	if !match.Accepted {
		if match.Reason == matcher.ReasonEmptyGallery {
			d.Reasons = append(d.Reasons, ReasonEmptyGallery)
		} else {
			d.Reasons = append(d.Reasons, ReasonIdentityMismatch)
		}
	}
	if !inRange {
		d.Reasons = append(d.Reasons, ReasonOutOfRange)
	}
	if !inWindow {
		d.Reasons = append(d.Reasons, ReasonOutOfWindow)
	}
	sort.Slice(d.Reasons, func(i, j int) bool { return d.Reasons[i] < d.Reasons[j] })

	d.Accepted = len(d.Reasons) == 0
	return d
}
