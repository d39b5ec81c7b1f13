package capture

import (
	"math"
)

// DefaultMinFaceFrames is roughly one second of stable presence at a 100ms poll.
const DefaultMinFaceFrames = 10

// State is the tracker's position in the capture cycle.
type State int

const (
	StateIdle State = iota
	StateDetecting
	StateStabilizing
	StateCaptured
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetecting:
		return "detecting"
	case StateStabilizing:
		return "stabilizing"
	case StateCaptured:
		return "captured"
	case StateError:
		return "error"
	}
	return "unknown"
}

// BoundingBox is a detected face region in frame pixels.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the box area, or 0 for degenerate or non-finite boxes.
func (b BoundingBox) Area() float64 {
	a := b.Width * b.Height
	if b.Width <= 0 || b.Height <= 0 || math.IsNaN(a) || math.IsInf(a, 0) {
		return 0
	}
	return a
}

// Detection is one face found by the extractor.
type Detection struct {
	Box       BoundingBox `json:"box"`
	Embedding []float32   `json:"embedding"`
	Score     float64     `json:"score,omitempty"`
}

// Valid reports whether the detection can be used: positive area and a
// non-empty, finite embedding.
func (d Detection) Valid() bool {
	if d.Box.Area() <= 0 || len(d.Embedding) == 0 {
		return false
	}
	for _, v := range d.Embedding {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// SelectPrimary picks the detection to act on when a frame holds several faces:
// the largest valid bounding box, the earliest one on equal areas.
func SelectPrimary(detections []Detection) (Detection, bool) {
	best := -1
	bestArea := 0.0
	for i, d := range detections {
		if !d.Valid() {
			continue
		}
		if a := d.Box.Area(); best < 0 || a > bestArea {
			best = i
			bestArea = a
		}
	}
	if best < 0 {
		return Detection{}, false
	}
	return detections[best], true
}

// FrameResult reports the tracker's view after one frame.
type FrameResult struct {
	StableCount   int
	ShouldCapture bool
	State         State
	// Primary is the face selected in this frame, if any.
	Primary *Detection
}

// Tracker decides the single frame to submit after a face has been present for
// MinFaceFrames consecutive frames. It is owned by one session and is not safe
// for concurrent use.
type Tracker struct {
	minFrames int
	state     State
	count     int
	latched   bool
	err       error
}

// NewTracker returns an idle tracker. minFrames below 1 uses DefaultMinFaceFrames.
func NewTracker(minFrames int) *Tracker {
	if minFrames < 1 {
		minFrames = DefaultMinFaceFrames
	}
	return &Tracker{minFrames: minFrames}
}

// ProcessFrame advances the tracker with the detections of one frame.
// ShouldCapture is true at most once between resets.
func (t *Tracker) ProcessFrame(detections []Detection) FrameResult {
	if t.state == StateCaptured || t.state == StateError {
		return FrameResult{StableCount: t.count, State: t.state}
	}

	primary, ok := SelectPrimary(detections)
	if !ok {
		t.count = 0
		t.state = StateDetecting
		return FrameResult{State: t.state}
	}

	t.count++
	t.state = StateStabilizing
	res := FrameResult{StableCount: t.count, State: t.state, Primary: &primary}

	if t.count >= t.minFrames && !t.latched {
		t.latched = true
		t.state = StateCaptured
		res.State = t.state
		res.ShouldCapture = true
	}
	return res
}

// Fail moves the tracker into the error state after a stream or transport fault.
func (t *Tracker) Fail(err error) {
	t.state = StateError
	t.count = 0
	t.err = err
}

// Reset clears the counter and the latch and returns to idle.
func (t *Tracker) Reset() {
	t.state = StateIdle
	t.count = 0
	t.latched = false
	t.err = nil
}

// State returns the current state.
func (t *Tracker) State() State { return t.state }

// StableCount returns the current run of consecutive face frames.
func (t *Tracker) StableCount() int { return t.count }

// Err returns the fault recorded by Fail, if the tracker is in the error state.
func (t *Tracker) Err() error { return t.err }

// MinFrames returns the configured stability threshold.
func (t *Tracker) MinFrames() int { return t.minFrames }
