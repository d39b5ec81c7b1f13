package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"presence/internal/matcher"
)

// MemoryStore is a process-local Store for dev and tests. Nothing survives a restart.
type MemoryStore struct {
	// Now is the clock used for token expiry and the dedup window.
	Now func() time.Time

	mu             sync.Mutex
	devices        map[string]struct{}
	tokens         map[string]memToken
	enrollments    []matcher.Enrollment
	nextEnrollment int64
	sessions       map[string]Session
	decisions      []Record
}

type memToken struct {
	deviceID  string
	expiresAt time.Time
	revoked   bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:      time.Now,
		devices:  map[string]struct{}{},
		tokens:   map[string]memToken{},
		sessions: map[string]Session{},
	}
}

func (m *MemoryStore) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *MemoryStore) UpsertDevice(_ context.Context, deviceID string) error {
	if deviceID == "" {
		return ErrDeviceRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[deviceID] = struct{}{}
	return nil
}

func (m *MemoryStore) SaveRefreshToken(_ context.Context, deviceID, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = memToken{deviceID: deviceID, expiresAt: expiresAt}
	return nil
}

func (m *MemoryStore) ConsumeRefreshToken(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok || t.revoked || !t.expiresAt.After(m.now()) {
		return false, nil
	}
	t.revoked = true
	m.tokens[token] = t
	return true, nil
}

func (m *MemoryStore) LoadGallery(context.Context) ([]matcher.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]matcher.Enrollment, len(m.enrollments))
	for i, en := range m.enrollments {
		en.Embedding = en.Embedding.Clone()
		out[i] = en
	}
	return out, nil
}

func (m *MemoryStore) Enroll(_ context.Context, identityID string, emb matcher.Embedding) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEnrollment(identityID, emb), nil
}

func (m *MemoryStore) ReplaceEnrollments(_ context.Context, identityID string, embs []matcher.Embedding) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.enrollments[:0:0]
	for _, en := range m.enrollments {
		if en.IdentityID != identityID {
			kept = append(kept, en)
		}
	}
	m.enrollments = kept
	ids := make([]int64, 0, len(embs))
	for _, emb := range embs {
		ids = append(ids, m.appendEnrollment(identityID, emb))
	}
	return ids, nil
}

func (m *MemoryStore) appendEnrollment(identityID string, emb matcher.Embedding) int64 {
	m.nextEnrollment++
	m.enrollments = append(m.enrollments, matcher.Enrollment{
		EnrollmentID: m.nextEnrollment,
		IdentityID:   identityID,
		Embedding:    emb.Clone(),
	})
	return m.nextEnrollment
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) UpsertSession(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = m.now().UTC()
	m.sessions[s.ID] = s
	return s, nil
}

func (m *MemoryStore) RecordDecision(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, rec)
	return nil
}

func (m *MemoryStore) RecordAccepted(_ context.Context, rec Record, window time.Duration) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.IdentityID != nil {
		if prev := m.recentAccepted(*rec.IdentityID, rec.SessionID, window); prev != nil {
			return prev, nil
		}
	}
	m.decisions = append(m.decisions, rec)
	return nil, nil
}

func (m *MemoryStore) recentAccepted(identityID, sessionID string, window time.Duration) *Record {
	since := m.now().Add(-window)
	for i := len(m.decisions) - 1; i >= 0; i-- {
		rec := m.decisions[i]
		if !rec.Accepted || rec.SessionID != sessionID || rec.IdentityID == nil || *rec.IdentityID != identityID {
			continue
		}
		if rec.DecidedAt.Before(since) {
			continue
		}
		return &rec
	}
	return nil
}

func (m *MemoryStore) GetDecision(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.decisions {
		if rec.ID == id {
			return &rec, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListDecisions(_ context.Context, f DecisionFilter) ([]Record, error) {
	f = f.normalize()
	m.mu.Lock()
	matched := []Record{}
	for _, rec := range m.decisions {
		if f.SessionID != "" && rec.SessionID != f.SessionID {
			continue
		}
		if f.IdentityID != "" && (rec.IdentityID == nil || *rec.IdentityID != f.IdentityID) {
			continue
		}
		if f.DeviceID != "" && rec.DeviceID != f.DeviceID {
			continue
		}
		if f.AcceptedOnly && !rec.Accepted {
			continue
		}
		matched = append(matched, rec)
	}
	m.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].DecidedAt.After(matched[j].DecidedAt) })
	if f.Offset >= len(matched) {
		return []Record{}, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}
