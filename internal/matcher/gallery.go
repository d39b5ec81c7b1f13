package matcher

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// Embedding is a fixed-length face descriptor produced by the extractor.
type Embedding []float32

// Validate reports ErrInvalidEmbedding when e is empty, has the wrong length
// (dim > 0) or contains a non-finite component.
func (e Embedding) Validate(dim int) error {
	if len(e) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidEmbedding)
	}
	if dim > 0 && len(e) != dim {
		return fmt.Errorf("%w: dimension %d, want %d", ErrInvalidEmbedding, len(e), dim)
	}
	for i, v := range e {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite component at %d", ErrInvalidEmbedding, i)
		}
	}
	return nil
}

// Clone returns a copy that does not share the backing array.
func (e Embedding) Clone() Embedding {
	out := make(Embedding, len(e))
	copy(out, e)
	return out
}

// normalized returns e scaled to unit length, or nil for the zero vector.
func (e Embedding) normalized() []float64 {
	var norm float64
	for _, v := range e {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)
	out := make([]float64, len(e))
	for i, v := range e {
		out[i] = float64(v) / norm
	}
	return out
}

// Enrollment is one stored reference embedding of an identity.
type Enrollment struct {
	EnrollmentID int64
	IdentityID   string
	Embedding    Embedding
}

type entry struct {
	Enrollment
	normalized []float64
}

// Gallery is an immutable set of enrollments. Build one with NewGallery and
// replace it wholesale; never modify a gallery that matches may be reading.
type Gallery struct {
	entries    []entry
	dim        int
	identities int
}

// NewGallery validates and copies enrollments into a gallery. All embeddings must
// share one dimension, and dim (when > 0) must match it.
func NewGallery(enrollments []Enrollment, dim int) (*Gallery, error) {
	g := &Gallery{entries: make([]entry, 0, len(enrollments)), dim: dim}
	ids := make(map[string]struct{})
	for _, en := range enrollments {
		if en.IdentityID == "" {
			return nil, fmt.Errorf("enrollment %d: identity id required", en.EnrollmentID)
		}
		if err := en.Embedding.Validate(g.dim); err != nil {
			return nil, fmt.Errorf("enrollment %d of %s: %w", en.EnrollmentID, en.IdentityID, err)
		}
		if g.dim == 0 {
			g.dim = len(en.Embedding)
		}
		vec := en.Embedding.Clone()
		g.entries = append(g.entries, entry{
			Enrollment: Enrollment{EnrollmentID: en.EnrollmentID, IdentityID: en.IdentityID, Embedding: vec},
			normalized: vec.normalized(),
		})
		ids[en.IdentityID] = struct{}{}
	}
	sort.SliceStable(g.entries, func(i, j int) bool { return less(g.entries[i].Enrollment, g.entries[j].Enrollment) })
	g.identities = len(ids)
	return g, nil
}

// Len returns the number of enrollments. A nil gallery is empty.
func (g *Gallery) Len() int {
	if g == nil {
		return 0
	}
	return len(g.entries)
}

// Identities returns the number of distinct identities.
func (g *Gallery) Identities() int {
	if g == nil {
		return 0
	}
	return g.identities
}

// Dimension returns the embedding length shared by all enrollments.
func (g *Gallery) Dimension() int {
	if g == nil {
		return 0
	}
	return g.dim
}

// Enrollments returns a copy of the gallery contents.
func (g *Gallery) Enrollments() []Enrollment {
	if g == nil {
		return nil
	}
	out := make([]Enrollment, len(g.entries))
	for i, e := range g.entries {
		out[i] = Enrollment{EnrollmentID: e.EnrollmentID, IdentityID: e.IdentityID, Embedding: e.Embedding.Clone()}
	}
	return out
}

// Snapshot publishes the current gallery to concurrent matchers. Readers load a
// pointer and keep using that gallery for the whole call; writers swap in a new one.
type Snapshot struct {
	current atomic.Pointer[Gallery]
	writeMu sync.Mutex
	dim     int
	version uint64
}

// NewSnapshot returns a snapshot holding an empty gallery of the given dimension.
func NewSnapshot(dim int) *Snapshot {
	s := &Snapshot{dim: dim}
	s.current.Store(&Gallery{dim: dim})
	return s
}

// Load returns the gallery to match against. The result never changes afterwards.
func (s *Snapshot) Load() *Gallery {
	return s.current.Load()
}

// Version counts publications. It changes whenever a new gallery is stored.
func (s *Snapshot) Version() uint64 {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.version
}

// Replace builds a gallery from enrollments and publishes it.
func (s *Snapshot) Replace(enrollments []Enrollment) (*Gallery, error) {
	g, err := NewGallery(enrollments, s.dim)
	if err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	s.publish(g)
	s.writeMu.Unlock()
	return g, nil
}

// ReplaceIfUnchanged publishes a gallery built from enrollments only if nothing
// was published since version. Otherwise it returns the current gallery and
// false, and enrollments (read before that publication) are discarded.
func (s *Snapshot) ReplaceIfUnchanged(version uint64, enrollments []Enrollment) (*Gallery, bool, error) {
	g, err := NewGallery(enrollments, s.dim)
	if err != nil {
		return nil, false, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.version != version {
		return s.current.Load(), false, nil
	}
	s.publish(g)
	return g, true, nil
}

// publish must be called with writeMu held.
func (s *Snapshot) publish(g *Gallery) {
	s.current.Store(g)
	s.version++
}

// Add publishes a copy of the current gallery with en appended. Enrollments of
// the same identity are replaced when replace is true (re-enrollment).
func (s *Snapshot) Add(en Enrollment, replace bool) (*Gallery, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current.Load()
	next := make([]Enrollment, 0, cur.Len()+1)
	for _, e := range cur.entries {
		if replace && e.IdentityID == en.IdentityID {
			continue
		}
		next = append(next, e.Enrollment)
	}
	next = append(next, en)

	g, err := NewGallery(next, s.dim)
	if err != nil {
		return nil, err
	}
	s.publish(g)
	return g, nil
}
