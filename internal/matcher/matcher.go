package matcher

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidEmbedding is returned for a query vector that cannot be compared:
// wrong dimension, empty, or containing NaN/Inf components.
var ErrInvalidEmbedding = errors.New("invalid embedding")

// Metric names the distance function applied between embeddings.
type Metric string

const (
	// MetricEuclidean is L2 distance over the raw embedding components.
	MetricEuclidean Metric = "euclidean"
	// MetricCosine is 1 - cosine similarity, i.e. distance after L2 normalisation.
	MetricCosine Metric = "cosine"
)

// Defaults follow the 128-d face descriptor convention (L2, accept at 0.6).
const (
	DefaultDimension = 128
	DefaultMetric    = MetricEuclidean
	DefaultThreshold = 0.6
)

// Reason explains a match outcome.
type Reason string

const (
	ReasonMatched          Reason = "matched"
	ReasonNoConfidentMatch Reason = "no_confident_match"
	ReasonEmptyGallery     Reason = "empty_gallery"
)

// Config fixes how every query is scored. It is built once per process.
type Config struct {
	Metric    Metric
	Threshold float64
	// Dimension is the expected embedding length. Zero means "whatever the gallery holds".
	Dimension int
	// ConfidenceScale is the distance at which reported confidence reaches zero.
	ConfidenceScale float64
}

// DefaultConfig returns the euclidean configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Metric:          DefaultMetric,
		Threshold:       DefaultThreshold,
		Dimension:       DefaultDimension,
		ConfidenceScale: DefaultConfidenceScale(DefaultMetric),
	}
}

// DefaultConfidenceScale is the largest distance that is still worth reporting as
// non-zero confidence for the metric.
func DefaultConfidenceScale(m Metric) float64 {
	if m == MetricCosine {
		return 2.0
	}
	return 1.0
}

// Validate checks the configuration before it is used for matching.
func (c Config) Validate() error {
	switch c.Metric {
	case MetricEuclidean, MetricCosine:
	default:
		return fmt.Errorf("unknown match metric %q", c.Metric)
	}
	if math.IsNaN(c.Threshold) || c.Threshold <= 0 {
		return fmt.Errorf("match threshold must be positive, got %v", c.Threshold)
	}
	if c.Dimension < 0 {
		return fmt.Errorf("embedding dimension must not be negative, got %d", c.Dimension)
	}
	if c.ConfidenceScale < 0 || math.IsNaN(c.ConfidenceScale) {
		return fmt.Errorf("confidence scale must not be negative, got %v", c.ConfidenceScale)
	}
	return nil
}

// Result is the outcome of resolving one query against a gallery.
// IdentityID is nil only when there was no candidate at all.
type Result struct {
	IdentityID   *string `json:"identity_id"`
	EnrollmentID int64   `json:"enrollment_id,omitempty"`
	Distance     float64 `json:"distance"`
	Confidence   float64 `json:"confidence"`
	Accepted     bool    `json:"accepted"`
	Reason       Reason  `json:"reason"`
}

// Match resolves query to the closest enrolled identity in g.
//
// An empty gallery always yields ReasonEmptyGallery. A malformed query fails with
// ErrInvalidEmbedding before any distance is computed. Otherwise every enrollment
// is scanned once; the minimum distance wins, ties going to the lowest enrollment
// id and then the lowest identity id. The best candidate is reported even when it
// is rejected.
func Match(query Embedding, g *Gallery, cfg Config) (Result, error) {
	if g.Len() == 0 {
		return Result{Reason: ReasonEmptyGallery}, nil
	}

	dim := cfg.Dimension
	if dim == 0 {
		dim = g.Dimension()
	}
	if err := query.Validate(dim); err != nil {
		return Result{}, err
	}
	if len(query) != g.Dimension() {
		return Result{}, fmt.Errorf("%w: dimension %d, gallery holds %d", ErrInvalidEmbedding, len(query), g.Dimension())
	}

	scale := cfg.ConfidenceScale
	if scale == 0 {
		scale = DefaultConfidenceScale(cfg.Metric)
	}

	var qn []float64
	if cfg.Metric == MetricCosine {
		if qn = query.normalized(); qn == nil {
			return Result{}, fmt.Errorf("%w: zero vector has no direction", ErrInvalidEmbedding)
		}
	}

	best := -1
	bestDist := math.Inf(1)
	for i, e := range g.entries {
		var d float64
		if cfg.Metric == MetricCosine {
			d = cosineDistanceNormalized(qn, e.normalized)
		} else {
			d = euclidean(query, e.Embedding)
		}
		if best < 0 || d < bestDist || (d == bestDist && less(e.Enrollment, g.entries[best].Enrollment)) {
			best = i
			bestDist = d
		}
	}

	winner := g.entries[best]
	id := winner.IdentityID
	res := Result{
		IdentityID:   &id,
		EnrollmentID: winner.EnrollmentID,
		Distance:     bestDist,
		Confidence:   Confidence(bestDist, scale),
	}
	if bestDist <= cfg.Threshold {
		res.Accepted = true
		res.Reason = ReasonMatched
	} else {
		res.Reason = ReasonNoConfidentMatch
	}
	return res, nil
}

// Confidence maps a distance onto [0,1], 1 at distance zero and 0 at scale or beyond.
// It is reported for display and audit only.
func Confidence(distance, scale float64) float64 {
	if scale <= 0 || math.IsNaN(distance) {
		return 0
	}
	c := 1 - distance/scale
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Distance computes the configured metric between two valid embeddings of equal length.
func Distance(m Metric, a, b Embedding) float64 {
	if m == MetricCosine {
		return cosineDistanceNormalized(a.normalized(), b.normalized())
	}
	return euclidean(a, b)
}

func less(a, b Enrollment) bool {
	if a.EnrollmentID != b.EnrollmentID {
		return a.EnrollmentID < b.EnrollmentID
	}
	return a.IdentityID < b.IdentityID
}

func euclidean(a, b Embedding) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// cosineDistanceNormalized computes 1 - cos(a, b) for unit vectors as |a-b|^2 / 2,
// which is exactly zero for identical inputs. A nil (zero) vector is maximally far.
func cosineDistanceNormalized(a, b []float64) float64 {
	if a == nil || b == nil {
		return 2
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	d := sum / 2
	if d > 2 {
		return 2
	}
	return d
}
