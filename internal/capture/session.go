package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"presence/internal/decision"
	"presence/internal/geofence"
)

var (
	// ErrCaptureFailure marks camera, stream or submission faults. The session
	// retries locally and only returns it after repeated failures.
	ErrCaptureFailure = errors.New("capture failure")
	// ErrNoFrame is returned by a FrameSource that has nothing new this tick.
	ErrNoFrame = errors.New("no new frame")
)

// FrameSource yields encoded frames from a camera. Close releases the device.
type FrameSource interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Extractor turns a frame into face detections.
type Extractor interface {
	Extract(ctx context.Context, frame []byte) ([]Detection, error)
}

// LocationProvider reports the device position at capture time.
type LocationProvider interface {
	Locate(ctx context.Context) (*geofence.Coordinate, error)
}

// Submission is the captured sample sent for verification.
type Submission struct {
	Embedding   []float32
	Box         BoundingBox
	StableCount int
	CapturedAt  time.Time
	Location    *geofence.Coordinate
}

// Verifier resolves a submission to an attendance decision, usually over the network.
type Verifier interface {
	Verify(ctx context.Context, sub Submission) (decision.Decision, error)
}

// Options tune the capture loop.
type Options struct {
	MinFaceFrames int
	PollInterval  time.Duration
	MatchTimeout  time.Duration
	// MaxFailures consecutive faults end Run with ErrCaptureFailure.
	MaxFailures int
	// Continuous keeps the session running after a decision, waiting Cooldown
	// before arming the tracker again.
	Continuous bool
	Cooldown   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MinFaceFrames < 1 {
		o.MinFaceFrames = DefaultMinFaceFrames
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.MatchTimeout <= 0 {
		o.MatchTimeout = 5 * time.Second
	}
	if o.MaxFailures < 1 {
		o.MaxFailures = 3
	}
	return o
}

// Session runs one capture loop: poll a frame, extract, track stability, and
// submit exactly once per latch cycle. A session must not be run twice concurrently.
type Session struct {
	opts      Options
	source    FrameSource
	extractor Extractor
	verifier  Verifier
	locator   LocationProvider
	tracker   *Tracker

	// OnFrame, if set, observes every processed frame.
	OnFrame func(FrameResult)
	// OnDecision receives each decision that arrives while the session is live.
	OnDecision func(decision.Decision)

	now func() time.Time
}

// NewSession wires a session. locator may be nil when no position is available.
func NewSession(source FrameSource, extractor Extractor, verifier Verifier, locator LocationProvider, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		opts:      opts,
		source:    source,
		extractor: extractor,
		verifier:  verifier,
		locator:   locator,
		tracker:   NewTracker(opts.MinFaceFrames),
		now:       time.Now,
	}
}

// Tracker exposes the session's tracker for inspection.
func (s *Session) Tracker() *Tracker { return s.tracker }

// Run polls until ctx is cancelled, a decision arrives (unless Continuous), or
// MaxFailures consecutive faults occur. The frame source is closed on return.
// A verification in flight when ctx is cancelled runs to completion but its
// result is dropped.
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		if err := s.source.Close(); err != nil {
			log.Printf("capture: close frame source: %v", err)
		}
	}()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	// Stream faults clear on the next usable frame, submit faults on the next
	// successful verification.
	var streamFaults, submitFaults int
	fault := func(counter *int, err error) error {
		*counter++
		s.tracker.Fail(fmt.Errorf("%w: %v", ErrCaptureFailure, err))
		log.Printf("capture: fault %d/%d: %v", *counter, s.opts.MaxFailures, err)
		if *counter >= s.opts.MaxFailures {
			return fmt.Errorf("%w: %d consecutive faults, last: %v", ErrCaptureFailure, *counter, err)
		}
		s.tracker.Reset()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, err := s.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrNoFrame) {
				continue
			}
			if ferr := fault(&streamFaults, fmt.Errorf("read frame: %w", err)); ferr != nil {
				return ferr
			}
			continue
		}

		detections, err := s.extractor.Extract(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// An unusable frame breaks the stable run like a frame without a face.
			s.observe(s.tracker.ProcessFrame(nil))
			if ferr := fault(&streamFaults, fmt.Errorf("extract: %w", err)); ferr != nil {
				return ferr
			}
			continue
		}
		streamFaults = 0

		res := s.tracker.ProcessFrame(detections)
		s.observe(res)
		if !res.ShouldCapture {
			continue
		}

		d, err := s.submit(ctx, res)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if ferr := fault(&submitFaults, fmt.Errorf("verify: %w", err)); ferr != nil {
				return ferr
			}
			continue
		}

		submitFaults = 0
		if s.OnDecision != nil {
			s.OnDecision(d)
		}
		if !s.opts.Continuous {
			return nil
		}

		if s.opts.Cooldown > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.opts.Cooldown):
			}
		}
		s.tracker.Reset()
	}
}

func (s *Session) observe(res FrameResult) {
	if s.OnFrame != nil {
		s.OnFrame(res)
	}
}

// submit sends the captured sample. The request is detached from ctx and bounded
// by MatchTimeout only. Cancelling ctx returns at once; a request already sent
// runs to completion and its decision is dropped.
func (s *Session) submit(ctx context.Context, res FrameResult) (decision.Decision, error) {
	sub := Submission{
		Embedding:   res.Primary.Embedding,
		Box:         res.Primary.Box,
		StableCount: res.StableCount,
		CapturedAt:  s.now().UTC(),
	}
	if s.locator != nil {
		loc, err := s.locator.Locate(ctx)
		if err != nil {
			// Submitted without a position; the server fails the geofence closed.
			log.Printf("capture: location unavailable: %v", err)
		} else {
			sub.Location = loc
		}
	}

	type outcome struct {
		d   decision.Decision
		err error
	}
	done := make(chan outcome, 1)
	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.MatchTimeout)
	go func() {
		defer cancel()
		d, err := s.verifier.Verify(vctx, sub)
		done <- outcome{d: d, err: err}
	}()

	select {
	case o := <-done:
		return o.d, o.err
	case <-ctx.Done():
		go func() {
			if o := <-done; o.err == nil {
				log.Printf("capture: session cancelled, dropping decision %s", o.d.ID)
			}
		}()
		return decision.Decision{}, ctx.Err()
	}
}

// StaticLocation reports a fixed position, for kiosks mounted at a known place.
type StaticLocation struct {
	Coordinate geofence.Coordinate
}

// Locate returns a copy of the configured coordinate.
func (l StaticLocation) Locate(context.Context) (*geofence.Coordinate, error) {
	c := l.Coordinate
	return &c, nil
}
