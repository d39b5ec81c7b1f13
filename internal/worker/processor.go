package worker

import (
	"context"
	"errors"
	"fmt"
	"log"

	"presence/internal/attendance"
	"presence/internal/capture"
	"presence/internal/decision"
	"presence/internal/matcher"
	"presence/internal/metrics"
	"presence/internal/queue"
)

// ErrNoFace means an enrollment image had no usable face.
var ErrNoFace = errors.New("no usable face in image")

// URLExtractor fetches an image by URL and returns its faces.
type URLExtractor interface {
	ExtractURL(ctx context.Context, imageURL string) ([]capture.Detection, error)
}

// Enroller stores a reference embedding. attendance.Service implements it.
type Enroller interface {
	Enroll(ctx context.Context, identityID string, emb matcher.Embedding, replace bool) (matcher.Enrollment, error)
}

// Processor handles queue messages: enrollment jobs and the decision audit feed.
type Processor struct {
	enroller Enroller
	face     URLExtractor
}

func NewProcessor(enroller Enroller, face URLExtractor) *Processor {
	return &Processor{enroller: enroller, face: face}
}

// Run consumes q until ctx is done or the queue closes.
func (p *Processor) Run(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}
	for msg := range messages {
		if err := p.Handle(ctx, msg); err != nil {
			log.Printf("%s message failed: %v", msg.Type, err)
		}
	}
	return nil
}

// Handle processes one message.
func (p *Processor) Handle(ctx context.Context, msg queue.Message) error {
	switch msg.Type {
	case queue.TypeEnrollJob:
		var job attendance.EnrollJob
		if err := msg.Decode(&job); err != nil {
			metrics.EnrollJobs.WithLabelValues("failed").Inc()
			return fmt.Errorf("decode enroll job: %w", err)
		}
		if err := p.enroll(ctx, job); err != nil {
			metrics.EnrollJobs.WithLabelValues("failed").Inc()
			return fmt.Errorf("enroll job %s for %s: %w", job.ID, job.IdentityID, err)
		}
		metrics.EnrollJobs.WithLabelValues("done").Inc()
		return nil
	case queue.TypeDecision:
		var rec attendance.Record
		if err := msg.Decode(&rec); err != nil {
			return fmt.Errorf("decode decision: %w", err)
		}
		Audit(rec)
		return nil
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (p *Processor) enroll(ctx context.Context, job attendance.EnrollJob) error {
	if p.face == nil {
		return errors.New("face service not configured")
	}
	detections, err := p.face.ExtractURL(ctx, job.ImageURL)
	if err != nil {
		return err
	}
	primary, ok := capture.SelectPrimary(detections)
	if !ok {
		return ErrNoFace
	}
	if len(detections) > 1 {
		log.Printf("enroll job %s: %d faces in image, using the largest", job.ID, len(detections))
	}
	en, err := p.enroller.Enroll(ctx, job.IdentityID, matcher.Embedding(primary.Embedding), job.Replace)
	if err != nil {
		return err
	}
	log.Printf("enroll job %s: identity %s enrolled as %d", job.ID, job.IdentityID, en.EnrollmentID)
	return nil
}

// Audit writes one line per decision to the log. Decisions made against an empty
// gallery are raised as alerts.
func Audit(rec attendance.Record) {
	who := "-"
	if rec.IdentityID != nil {
		who = *rec.IdentityID
	}
	outcome := "accepted"
	if !rec.Accepted {
		outcome = "rejected"
	}
	log.Printf("audit: decision=%s session=%s device=%s identity=%s %s reasons=%v distance=%.4f geofence=%s(%.1fm)",
		rec.ID, rec.SessionID, rec.DeviceID, who, outcome, rec.Reasons, rec.Distance, rec.GeofenceReason, rec.DistanceMeters)
	if rec.Has(decision.ReasonEmptyGallery) {
		log.Printf("ALERT: decision %s was made against an empty gallery, enroll identities", rec.ID)
	}
}
