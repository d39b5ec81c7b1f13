package attendance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence/internal/decision"
	"presence/internal/geofence"
	"presence/internal/matcher"
	"presence/internal/queue"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type countingNotifier struct{ calls int }

func (n *countingNotifier) NotifyGalleryChanged(context.Context) error {
	n.calls++
	return nil
}

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	store.Now = func() time.Time { return testNow }

	svc := NewService(store, matcher.NewSnapshot(4), Options{
		Matcher: matcher.Config{
			Metric:          matcher.MetricEuclidean,
			Threshold:       0.6,
			Dimension:       4,
			ConfidenceScale: 1,
		},
		DedupWindow:    5 * time.Minute,
		DefaultRadiusM: 100,
		Now:            func() time.Time { return testNow },
	})

	_, err := store.UpsertSession(context.Background(), Session{
		ID:   "morning",
		Name: "Morning lecture",
		Location: geofence.ExpectedLocation{
			Center:       geofence.Coordinate{Latitude: 0, Longitude: 0},
			RadiusMeters: 50,
		},
		Window: decision.Window{
			OpensAt:  testNow.Add(-30 * time.Minute),
			ClosesAt: testNow.Add(30 * time.Minute),
		},
	})
	require.NoError(t, err)
	return svc, store
}

func enrollAlice(t *testing.T, svc *Service) {
	t.Helper()
	_, err := svc.Enroll(context.Background(), "alice", matcher.Embedding{1, 0, 0, 0}, false)
	require.NoError(t, err)
}

func atOrigin() *geofence.Coordinate {
	return &geofence.Coordinate{Latitude: 0, Longitude: 0}
}

func TestVerifyAccepted(t *testing.T) {
	svc, store := newTestService(t)
	events := queue.NewInMemory(8)
	svc.WithEvents(events)
	enrollAlice(t, svc)

	rec, err := svc.Verify(context.Background(), VerifyRequest{
		Embedding:   matcher.Embedding{1, 0, 0, 0},
		SessionID:   "morning",
		DeviceID:    "kiosk-1",
		Location:    atOrigin(),
		CapturedAt:  testNow.Add(-time.Second),
		StableCount: 10,
	})
	require.NoError(t, err)

	assert.True(t, rec.Accepted)
	assert.Empty(t, rec.Reasons)
	require.NotNil(t, rec.IdentityID)
	assert.Equal(t, "alice", *rec.IdentityID)
	assert.Equal(t, matcher.ReasonMatched, rec.MatchReason)
	assert.Equal(t, geofence.ReasonInRange, rec.GeofenceReason)
	assert.Equal(t, 10, rec.StableCount)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, testNow, rec.DecidedAt)

	stored, err := store.GetDecision(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, rec.ID, stored.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := events.Consume(ctx)
	require.NoError(t, err)
	select {
	case msg := <-msgs:
		assert.Equal(t, queue.TypeDecision, msg.Type)
		var got Record
		require.NoError(t, msg.Decode(&got))
		assert.Equal(t, rec.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("decision not published")
	}
}

func TestVerifyRightFaceWrongPlace(t *testing.T) {
	svc, _ := newTestService(t)
	enrollAlice(t, svc)

	rec, err := svc.Verify(context.Background(), VerifyRequest{
		Embedding: matcher.Embedding{1, 0, 0, 0},
		SessionID: "morning",
		Location:  &geofence.Coordinate{Latitude: 0.001, Longitude: 0},
	})
	require.NoError(t, err)

	assert.False(t, rec.Accepted)
	assert.True(t, rec.MatchAccepted)
	assert.False(t, rec.InRange)
	assert.Equal(t, []decision.Reason{decision.ReasonOutOfRange}, rec.Reasons)
	assert.InDelta(t, 111.2, rec.DistanceMeters, 0.5)
}

func TestVerifyMissingLocationFailsClosed(t *testing.T) {
	svc, _ := newTestService(t)
	enrollAlice(t, svc)

	rec, err := svc.Verify(context.Background(), VerifyRequest{
		Embedding: matcher.Embedding{1, 0, 0, 0},
		SessionID: "morning",
	})
	require.NoError(t, err)
	assert.False(t, rec.Accepted)
	assert.Equal(t, geofence.ReasonMissingLocation, rec.GeofenceReason)
	assert.True(t, rec.Has(decision.ReasonOutOfRange))
}

func TestVerifyEmptyGallery(t *testing.T) {
	svc, _ := newTestService(t)

	rec, err := svc.Verify(context.Background(), VerifyRequest{
		Embedding: matcher.Embedding{1, 0, 0, 0},
		SessionID: "morning",
		Location:  atOrigin(),
	})
	require.NoError(t, err)
	assert.False(t, rec.Accepted)
	assert.Nil(t, rec.IdentityID)
	assert.Equal(t, matcher.ReasonEmptyGallery, rec.MatchReason)
	assert.Equal(t, []decision.Reason{decision.ReasonEmptyGallery}, rec.Reasons)
}

func TestVerifyTimeWindow(t *testing.T) {
	svc, store := newTestService(t)
	enrollAlice(t, svc)
	_, err := store.UpsertSession(context.Background(), Session{
		ID:       "closed",
		Location: geofence.ExpectedLocation{RadiusMeters: 50},
		Window:   decision.Window{ClosesAt: testNow.Add(-time.Minute)},
	})
	require.NoError(t, err)

	req := VerifyRequest{Embedding: matcher.Embedding{1, 0, 0, 0}, SessionID: "closed", Location: atOrigin()}
	rec, err := svc.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []decision.Reason{decision.ReasonOutOfWindow}, rec.Reasons)

	svc.opts.WindowGrace = 2 * time.Minute
	rec, err = svc.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, rec.Accepted)
}

func TestVerifyAllChecksFail(t *testing.T) {
	svc, store := newTestService(t)
	enrollAlice(t, svc)
	_, err := store.UpsertSession(context.Background(), Session{
		ID:       "later",
		Location: geofence.ExpectedLocation{RadiusMeters: 50},
		Window:   decision.Window{OpensAt: testNow.Add(time.Hour)},
	})
	require.NoError(t, err)

	rec, err := svc.Verify(context.Background(), VerifyRequest{
		Embedding: matcher.Embedding{0, 1, 0, 0},
		SessionID: "later",
		Location:  &geofence.Coordinate{Latitude: 1, Longitude: 1},
	})
	require.NoError(t, err)
	assert.False(t, rec.Accepted)
	assert.Equal(t, []decision.Reason{
		decision.ReasonIdentityMismatch,
		decision.ReasonOutOfRange,
		decision.ReasonOutOfWindow,
	}, rec.Reasons)
}

func TestVerifyDeduplicatesAcceptedDecision(t *testing.T) {
	svc, store := newTestService(t)
	enrollAlice(t, svc)
	req := VerifyRequest{Embedding: matcher.Embedding{1, 0, 0, 0}, SessionID: "morning", Location: atOrigin()}

	first, err := svc.Verify(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Accepted)

	second, err := svc.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Duplicate)

	all, err := store.ListDecisions(context.Background(), DecisionFilter{SessionID: "morning"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestVerifyConcurrentAcceptedAttemptsRecordOnce(t *testing.T) {
	svc, store := newTestService(t)
	enrollAlice(t, svc)
	req := VerifyRequest{Embedding: matcher.Embedding{1, 0, 0, 0}, SessionID: "morning", Location: atOrigin()}

	var wg sync.WaitGroup
	var fresh atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := svc.Verify(context.Background(), req)
			assert.NoError(t, err)
			assert.True(t, rec.Accepted)
			if !rec.Duplicate {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), fresh.Load())

	all, err := store.ListDecisions(context.Background(), DecisionFilter{SessionID: "morning"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestVerifyRejectedAttemptsAreAllRecorded(t *testing.T) {
	svc, store := newTestService(t)
	enrollAlice(t, svc)
	req := VerifyRequest{Embedding: matcher.Embedding{1, 0, 0, 0}, SessionID: "morning"}

	for i := 0; i < 3; i++ {
		_, err := svc.Verify(context.Background(), req)
		require.NoError(t, err)
	}
	all, err := store.ListDecisions(context.Background(), DecisionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestVerifyErrors(t *testing.T) {
	svc, store := newTestService(t)
	enrollAlice(t, svc)

	_, err := svc.Verify(context.Background(), VerifyRequest{Embedding: matcher.Embedding{1, 0, 0, 0}})
	assert.ErrorIs(t, err, ErrSessionRequired)

	_, err = svc.Verify(context.Background(), VerifyRequest{Embedding: matcher.Embedding{1, 0, 0, 0}, SessionID: "nope"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.Verify(context.Background(), VerifyRequest{Embedding: matcher.Embedding{1, 0}, SessionID: "morning"})
	assert.ErrorIs(t, err, matcher.ErrInvalidEmbedding)

	all, err := store.ListDecisions(context.Background(), DecisionFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestEnrollPublishesToGallery(t *testing.T) {
	svc, store := newTestService(t)
	n := &countingNotifier{}
	svc.WithNotifier(n)

	en, err := svc.Enroll(context.Background(), "bob", matcher.Embedding{0, 1, 0, 0}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), en.EnrollmentID)
	_, err = svc.Enroll(context.Background(), "bob", matcher.Embedding{0, 0.9, 0.1, 0}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, svc.Gallery().Len())
	assert.Equal(t, 1, svc.Gallery().Identities())

	_, err = svc.Enroll(context.Background(), "bob", matcher.Embedding{0, 0, 1, 0}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, svc.Gallery().Len())
	assert.Equal(t, 3, n.calls)

	stored, err := store.LoadGallery(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, matcher.Embedding{0, 0, 1, 0}, stored[0].Embedding)
}

func TestEnrollValidation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Enroll(context.Background(), "", matcher.Embedding{1, 0, 0, 0}, false)
	assert.ErrorIs(t, err, ErrIdentityRequired)

	_, err = svc.Enroll(context.Background(), "carol", matcher.Embedding{1, 0, 0}, false)
	assert.ErrorIs(t, err, matcher.ErrInvalidEmbedding)
	assert.Equal(t, 0, svc.Gallery().Len())
}

func TestEnrollWithoutFixedDimensionFollowsGallery(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, matcher.NewSnapshot(0), Options{
		Matcher: matcher.Config{Metric: matcher.MetricEuclidean, Threshold: 0.6, ConfidenceScale: 1},
	})
	ctx := context.Background()

	_, err := svc.Enroll(ctx, "a", matcher.Embedding{1, 0, 0}, false)
	require.NoError(t, err)

	_, err = svc.Enroll(ctx, "b", matcher.Embedding{1, 0}, false)
	assert.ErrorIs(t, err, matcher.ErrInvalidEmbedding)

	stored, err := store.LoadGallery(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 1, "rejected embedding must not be persisted")

	g, err := svc.ReloadGallery(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Len())
	assert.Equal(t, 3, g.Dimension())
}

func TestReloadGalleryKeepsConcurrentEnrollment(t *testing.T) {
	svc, store := newTestService(t)
	_, err := store.Enroll(context.Background(), "dave", matcher.Embedding{0, 0, 0, 1})
	require.NoError(t, err)

	// An enrollment lands between the reload's read and its publish.
	racing := &enrollDuringLoad{MemoryStore: store, enroll: func() {
		_, err := svc.Enroll(context.Background(), "erin", matcher.Embedding{0, 0, 1, 0}, false)
		require.NoError(t, err)
	}}
	svc.repo = racing

	g, err := svc.ReloadGallery(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
	assert.Equal(t, 2, svc.Gallery().Len())
}

// enrollDuringLoad runs enroll once, right after the first LoadGallery read.
type enrollDuringLoad struct {
	*MemoryStore
	once   sync.Once
	enroll func()
}

func (s *enrollDuringLoad) LoadGallery(ctx context.Context) ([]matcher.Enrollment, error) {
	out, err := s.MemoryStore.LoadGallery(ctx)
	s.once.Do(s.enroll)
	return out, err
}

func TestReloadAndWatchGallery(t *testing.T) {
	svc, store := newTestService(t)
	_, err := store.Enroll(context.Background(), "dave", matcher.Embedding{0, 0, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, 0, svc.Gallery().Len())

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- svc.WatchGallery(ctx, changes, 0) }()

	changes <- struct{}{}
	require.Eventually(t, func() bool { return svc.Gallery().Len() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestUpsertSession(t *testing.T) {
	svc, _ := newTestService(t)

	sess, err := svc.UpsertSession(context.Background(), Session{
		ID:       "evening",
		Location: geofence.ExpectedLocation{Center: geofence.Coordinate{Latitude: 52.52, Longitude: 13.405}},
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, sess.Location.RadiusMeters)

	got, err := svc.GetSession(context.Background(), "evening")
	require.NoError(t, err)
	assert.Equal(t, 52.52, got.Location.Center.Latitude)

	_, err = svc.UpsertSession(context.Background(), Session{
		ID:       "bad",
		Location: geofence.ExpectedLocation{Center: geofence.Coordinate{Latitude: 91}},
	})
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = svc.UpsertSession(context.Background(), Session{
		ID:     "backwards",
		Window: decision.Window{OpensAt: testNow, ClosesAt: testNow.Add(-time.Hour)},
	})
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = svc.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRotateRefreshToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.RegisterDevice(ctx, "kiosk-1"))
	require.NoError(t, svc.SaveRefreshToken(ctx, "kiosk-1", "tok", testNow.Add(time.Hour)))

	ok, err := svc.RotateRefreshToken(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.RotateRefreshToken(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok, "revoked token must not rotate twice")

	assert.True(t, errors.Is(svc.RegisterDevice(ctx, ""), ErrDeviceRequired))
}

func TestRotateRefreshTokenConcurrentUseSucceedsOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SaveRefreshToken(ctx, "kiosk-1", "tok", testNow.Add(time.Hour)))

	var wg sync.WaitGroup
	var rotated atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.RotateRefreshToken(ctx, "tok")
			assert.NoError(t, err)
			if ok {
				rotated.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), rotated.Load())

	require.NoError(t, svc.SaveRefreshToken(ctx, "kiosk-1", "stale", testNow.Add(-time.Second)))
	ok, err := svc.RotateRefreshToken(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok, "expired token must not rotate")
}

func TestEnqueueEnroll(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.EnqueueEnroll(context.Background(), EnrollJob{IdentityID: "erin", ImageURL: "http://img/erin.jpg"})
	assert.ErrorIs(t, err, ErrQueueUnavailable)

	q := queue.NewInMemory(1)
	svc.WithEvents(q)
	job, err := svc.EnqueueEnroll(context.Background(), EnrollJob{IdentityID: "erin", ImageURL: "http://img/erin.jpg"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)

	_, err = svc.EnqueueEnroll(context.Background(), EnrollJob{IdentityID: "erin"})
	assert.Error(t, err)
}
