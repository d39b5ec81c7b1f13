package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors are registered on the default registry served at /metrics.
var (
	MatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "match_outcomes_total",
		Help:      "Nearest-neighbour match results by reason.",
	}, []string{"reason"})

	MatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presence",
		Name:      "match_duration_seconds",
		Help:      "Time spent scanning the gallery for one query.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "decisions_total",
		Help:      "Attendance decisions by outcome.",
	}, []string{"outcome"})

	DecisionReasons = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "decision_reasons_total",
		Help:      "Failing checks on rejected attendance decisions.",
	}, []string{"reason"})

	GalleryEmpty = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "gallery_empty_total",
		Help:      "Verification attempts made against an empty gallery.",
	})

	GalleryEnrollments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "gallery_enrollments",
		Help:      "Enrollments in the gallery snapshot currently served.",
	})

	EnrollJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "enroll_jobs_total",
		Help:      "Queued enrollment jobs processed by the worker.",
	}, []string{"status"})

	CaptureFires = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "capture_fires_total",
		Help:      "Frames submitted by kiosk capture sessions.",
	})
)
