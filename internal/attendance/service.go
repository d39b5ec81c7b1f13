package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"presence/internal/decision"
	"presence/internal/geofence"
	"presence/internal/matcher"
	"presence/internal/metrics"
	"presence/internal/queue"
)

var (
	ErrDeviceRequired   = errors.New("device id required")
	ErrIdentityRequired = errors.New("identity id required")
	ErrSessionRequired  = errors.New("session id required")
	ErrSessionNotFound  = errors.New("session not found")
	ErrInvalidSession   = errors.New("invalid session")
	ErrQueueUnavailable = errors.New("queue unavailable")
)

// Store is the persistence the service depends on. Repository implements it.
type Store interface {
	UpsertDevice(ctx context.Context, deviceID string) error
	SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error
	ConsumeRefreshToken(ctx context.Context, token string) (bool, error)

	LoadGallery(ctx context.Context) ([]matcher.Enrollment, error)
	Enroll(ctx context.Context, identityID string, emb matcher.Embedding) (int64, error)
	ReplaceEnrollments(ctx context.Context, identityID string, embs []matcher.Embedding) ([]int64, error)

	GetSession(ctx context.Context, id string) (*Session, error)
	UpsertSession(ctx context.Context, s Session) (Session, error)

	RecordDecision(ctx context.Context, rec Record) error
	RecordAccepted(ctx context.Context, rec Record, window time.Duration) (*Record, error)
	GetDecision(ctx context.Context, id string) (*Record, error)
	ListDecisions(ctx context.Context, f DecisionFilter) ([]Record, error)
}

// Notifier tells other instances that the gallery changed.
type Notifier interface {
	NotifyGalleryChanged(ctx context.Context) error
}

// Record is a decision as stored in the attendance log, with the sub-check
// details kept for audit.
type Record struct {
	decision.Decision
	EnrollmentID   int64          `json:"enrollment_id,omitempty"`
	MatchReason    matcher.Reason `json:"match_reason"`
	GeofenceReason string         `json:"geofence_reason"`
	DistanceMeters float64        `json:"distance_m"`
	StableCount    int            `json:"stable_count"`
	CapturedAt     *time.Time     `json:"captured_at,omitempty"`
	Duplicate      bool           `json:"duplicate,omitempty"`
}

// VerifyRequest is one captured sample submitted for an attendance decision.
type VerifyRequest struct {
	Embedding   matcher.Embedding
	SessionID   string
	DeviceID    string
	Location    *geofence.Coordinate
	CapturedAt  time.Time
	StableCount int
}

// EnrollJob asks the worker to enroll the primary face found in an image.
type EnrollJob struct {
	ID         string `json:"id"`
	IdentityID string `json:"identity_id"`
	ImageURL   string `json:"image_url"`
	Replace    bool   `json:"replace"`
}

// Options configure a Service.
type Options struct {
	Matcher        matcher.Config
	Geofence       geofence.Validator
	DedupWindow    time.Duration
	WindowGrace    time.Duration
	DefaultRadiusM float64
	// Now overrides the clock used for window checks and decision times.
	Now func() time.Time
}

// Service coordinates verification, enrollment and deduplication.
type Service struct {
	repo     Store
	gallery  *matcher.Snapshot
	opts     Options
	fuser    decision.Fuser
	events   queue.Queue
	notifier Notifier
	enrollMu sync.Mutex
}

const maxReloadAttempts = 3

// NewService creates a service backed by a repository and a gallery snapshot.
func NewService(repo Store, gallery *matcher.Snapshot, opts Options) *Service {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{repo: repo, gallery: gallery, opts: opts, fuser: decision.Fuser{Now: opts.Now}}
}

// WithEvents publishes decisions and enrollment jobs to q.
func (s *Service) WithEvents(q queue.Queue) *Service {
	s.events = q
	return s
}

// WithNotifier broadcasts gallery changes through n.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Gallery returns the gallery currently served.
func (s *Service) Gallery() *matcher.Gallery {
	return s.gallery.Load()
}

// RegisterDevice validates and persists device metadata.
func (s *Service) RegisterDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return ErrDeviceRequired
	}
	return s.repo.UpsertDevice(ctx, deviceID)
}

// SaveRefreshToken stores an issued refresh token.
func (s *Service) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	return s.repo.SaveRefreshToken(ctx, deviceID, token, expiresAt)
}

// RotateRefreshToken revokes old if it is still active. It reports false when
// the token was unknown, revoked or expired, so each token rotates at most once.
func (s *Service) RotateRefreshToken(ctx context.Context, old string) (bool, error) {
	return s.repo.ConsumeRefreshToken(ctx, old)
}

// Verify matches the sample against the gallery, checks the session geofence and
// time window, fuses the results and records the decision. An identity already
// accepted for the session within the dedup window gets the earlier decision back.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (Record, error) {
	if req.SessionID == "" {
		return Record{}, ErrSessionRequired
	}
	sess, err := s.repo.GetSession(ctx, req.SessionID)
	if err != nil {
		return Record{}, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return Record{}, ErrSessionNotFound
	}

	start := time.Now()
	res, err := matcher.Match(req.Embedding, s.gallery.Load(), s.opts.Matcher)
	metrics.MatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MatchOutcomes.WithLabelValues("invalid_embedding").Inc()
		return Record{}, err
	}
	metrics.MatchOutcomes.WithLabelValues(string(res.Reason)).Inc()
	if res.Reason == matcher.ReasonEmptyGallery {
		metrics.GalleryEmpty.Inc()
		log.Printf("ALERT: verification for session %s from device %s ran against an empty gallery", req.SessionID, req.DeviceID)
	}

	expected := sess.Location
	if expected.RadiusMeters <= 0 {
		expected.RadiusMeters = s.opts.DefaultRadiusM
	}
	geo := s.opts.Geofence.Check(req.Location, &expected)

	window := sess.Window
	window.Grace = s.opts.WindowGrace
	inWindow := window.Contains(s.opts.Now())

	d := s.fuser.Decide(res, geo.InRange, inWindow)
	d.ID = uuid.NewString()
	d.SessionID = req.SessionID
	d.DeviceID = req.DeviceID

	rec := Record{
		Decision:       d,
		EnrollmentID:   res.EnrollmentID,
		MatchReason:    res.Reason,
		GeofenceReason: geo.Reason,
		DistanceMeters: geo.DistanceMeters,
		StableCount:    req.StableCount,
	}
	if !req.CapturedAt.IsZero() {
		t := req.CapturedAt.UTC()
		rec.CapturedAt = &t
	}

	if d.Accepted {
		prev, err := s.repo.RecordAccepted(ctx, rec, s.opts.DedupWindow)
		if err != nil {
			return Record{}, fmt.Errorf("record decision: %w", err)
		}
		if prev != nil {
			metrics.Decisions.WithLabelValues("duplicate").Inc()
			prev.Duplicate = true
			return *prev, nil
		}
	} else if err := s.repo.RecordDecision(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("record decision: %w", err)
	}
	observeDecision(d)
	s.publish(ctx, queue.TypeDecision, rec)
	return rec, nil
}

func observeDecision(d decision.Decision) {
	if d.Accepted {
		metrics.Decisions.WithLabelValues("accepted").Inc()
		return
	}
	metrics.Decisions.WithLabelValues("rejected").Inc()
	for _, r := range d.Reasons {
		metrics.DecisionReasons.WithLabelValues(string(r)).Inc()
	}
}

// Enroll stores emb for identityID and publishes it to the served gallery.
// With replace, earlier enrollments of the identity are dropped.
func (s *Service) Enroll(ctx context.Context, identityID string, emb matcher.Embedding, replace bool) (matcher.Enrollment, error) {
	if identityID == "" {
		return matcher.Enrollment{}, ErrIdentityRequired
	}
	s.enrollMu.Lock()
	defer s.enrollMu.Unlock()

	// Without a configured dimension the served gallery fixes it. Checking before
	// the write keeps the store loadable.
	dim := s.opts.Matcher.Dimension
	if dim == 0 {
		dim = s.gallery.Load().Dimension()
	}
	if err := emb.Validate(dim); err != nil {
		return matcher.Enrollment{}, err
	}

	var id int64
	if replace {
		ids, err := s.repo.ReplaceEnrollments(ctx, identityID, []matcher.Embedding{emb})
		if err != nil {
			return matcher.Enrollment{}, fmt.Errorf("replace enrollments: %w", err)
		}
		id = ids[0]
	} else {
		var err error
		if id, err = s.repo.Enroll(ctx, identityID, emb); err != nil {
			return matcher.Enrollment{}, fmt.Errorf("enroll: %w", err)
		}
	}

	en := matcher.Enrollment{EnrollmentID: id, IdentityID: identityID, Embedding: emb.Clone()}
	g, err := s.gallery.Add(en, replace)
	if err != nil {
		return en, fmt.Errorf("publish enrollment: %w", err)
	}
	metrics.GalleryEnrollments.Set(float64(g.Len()))
	s.notify(ctx)
	return en, nil
}

// EnqueueEnroll queues an image-based enrollment for the worker.
func (s *Service) EnqueueEnroll(ctx context.Context, job EnrollJob) (EnrollJob, error) {
	if job.IdentityID == "" {
		return EnrollJob{}, ErrIdentityRequired
	}
	if job.ImageURL == "" {
		return EnrollJob{}, errors.New("image url required")
	}
	if s.events == nil {
		return EnrollJob{}, ErrQueueUnavailable
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := queue.PublishJSON(ctx, s.events, queue.TypeEnrollJob, job); err != nil {
		return EnrollJob{}, fmt.Errorf("enqueue enroll job: %w", err)
	}
	metrics.EnrollJobs.WithLabelValues("queued").Inc()
	return job, nil
}

// ReloadGallery replaces the served gallery with the stored enrollments. A read
// that an enrollment overtook is retried instead of published.
func (s *Service) ReloadGallery(ctx context.Context) (*matcher.Gallery, error) {
	var g *matcher.Gallery
	for attempt := 1; ; attempt++ {
		version := s.gallery.Version()
		enrollments, err := s.repo.LoadGallery(ctx)
		if err != nil {
			return nil, fmt.Errorf("load gallery: %w", err)
		}
		var published bool
		g, published, err = s.gallery.ReplaceIfUnchanged(version, enrollments)
		if err != nil {
			return nil, fmt.Errorf("build gallery: %w", err)
		}
		if published {
			break
		}
		if attempt == maxReloadAttempts {
			log.Printf("gallery reload raced with enrollments %d times, keeping the current gallery", attempt)
			break
		}
	}
	metrics.GalleryEnrollments.Set(float64(g.Len()))
	if g.Len() == 0 {
		log.Printf("ALERT: gallery is empty, every verification will be rejected")
	}
	return g, nil
}

// WatchGallery reloads the gallery on every signal from changes and every
// interval until ctx is done. A nil channel or non-positive interval disables
// that trigger.
func (s *Service) WatchGallery(ctx context.Context, changes <-chan struct{}, every time.Duration) error {
	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
		case <-tick:
		}
		if g, err := s.ReloadGallery(ctx); err != nil {
			log.Printf("gallery reload failed: %v", err)
		} else {
			log.Printf("gallery reloaded: %d enrollments, %d identities", g.Len(), g.Identities())
		}
	}
}

// UpsertSession validates and stores a session. A non-positive radius takes the
// configured default.
func (s *Service) UpsertSession(ctx context.Context, sess Session) (Session, error) {
	if sess.ID == "" {
		return Session{}, ErrSessionRequired
	}
	if !sess.Location.Center.Valid() {
		return Session{}, fmt.Errorf("%w: location out of range", ErrInvalidSession)
	}
	if sess.Location.RadiusMeters <= 0 {
		sess.Location.RadiusMeters = s.opts.DefaultRadiusM
	}
	w := sess.Window
	if !w.OpensAt.IsZero() && !w.ClosesAt.IsZero() && w.ClosesAt.Before(w.OpensAt) {
		return Session{}, fmt.Errorf("%w: window closes before it opens", ErrInvalidSession)
	}
	sess.Window.Grace = 0
	return s.repo.UpsertSession(ctx, sess)
}

// GetSession returns a session or ErrSessionNotFound.
func (s *Service) GetSession(ctx context.Context, id string) (Session, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess == nil {
		return Session{}, ErrSessionNotFound
	}
	return *sess, nil
}

// GetDecision returns a recorded decision, or nil when absent.
func (s *Service) GetDecision(ctx context.Context, id string) (*Record, error) {
	return s.repo.GetDecision(ctx, id)
}

// ListDecisions returns recorded decisions newest first.
func (s *Service) ListDecisions(ctx context.Context, f DecisionFilter) ([]Record, error) {
	return s.repo.ListDecisions(ctx, f)
}

func (s *Service) publish(ctx context.Context, typ string, v any) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := queue.PublishJSON(ctx, s.events, typ, v); err != nil {
		log.Printf("publish %s failed: %v", typ, err)
	}
}

func (s *Service) notify(ctx context.Context) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyGalleryChanged(ctx); err != nil {
		log.Printf("gallery notify failed: %v", err)
	}
}
