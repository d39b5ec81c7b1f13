package verifyclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence/internal/capture"
	"presence/internal/decision"
	"presence/internal/geofence"
	"presence/internal/matcher"
)

func TestRegisterAndVerify(t *testing.T) {
	var got verifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/devices/register":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"access_token":"tok-1","refresh_token":"ref-1"}`))
		case "/v1/verify":
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_, _ = w.Write([]byte(`{"success":true,"match":{"identity":"alice","confidence":0.9},
				"decision":{"id":"d-1","identity_id":"alice","accepted":true,"match_accepted":true,
				"in_range":true,"in_window":true,"reasons":[],"decided_at":"2026-03-02T09:00:00Z"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "s1", "kiosk-1")
	require.NoError(t, c.Register(context.Background()))

	captured := time.Date(2026, 3, 2, 8, 59, 59, 0, time.UTC)
	d, err := c.Verify(context.Background(), capture.Submission{
		Embedding:   []float32{0.1, 0.2},
		StableCount: 10,
		CapturedAt:  captured,
		Location:    &geofence.Coordinate{Latitude: 1, Longitude: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, []float32{0.1, 0.2}, got.Embedding)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "kiosk-1", got.DeviceID)
	assert.Equal(t, 10, got.StableCount)
	assert.True(t, got.CapturedAt.Equal(captured))
	require.NotNil(t, got.Location)

	assert.True(t, d.Accepted)
	assert.Equal(t, "d-1", d.ID)
	require.NotNil(t, d.IdentityID)
	assert.Equal(t, "alice", *d.IdentityID)
	assert.Equal(t, []decision.Reason{}, d.Reasons)
}

func TestVerifyErrorMapping(t *testing.T) {
	status := http.StatusUnprocessableEntity
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"invalid embedding: empty vector"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "s1", "kiosk-1")
	_, err := c.Verify(context.Background(), capture.Submission{})
	assert.ErrorIs(t, err, matcher.ErrInvalidEmbedding)

	status = http.StatusUnauthorized
	_, err = c.Verify(context.Background(), capture.Submission{})
	assert.ErrorIs(t, err, ErrUnauthorized)

	status = http.StatusInternalServerError
	_, err = c.Verify(context.Background(), capture.Submission{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

// tokenServer accepts one access token at a time and rotates the pair on
// refresh, spending each refresh token once.
type tokenServer struct {
	mu        sync.Mutex
	access    string
	refresh   string
	gen       int
	refreshes atomic.Int32
	verifies  atomic.Int32
}

func (ts *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	switch r.URL.Path {
	case "/v1/devices/register":
		ts.rotate(w)
	case "/v1/devices/refresh":
		ts.refreshes.Add(1)
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.RefreshToken == "" || req.RefreshToken != ts.refresh {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"refresh token revoked"}`))
			return
		}
		ts.rotate(w)
	case "/v1/verify":
		ts.verifies.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+ts.access {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"token expired"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"decision":{"id":"d-ok","accepted":true,"reasons":[]}}`))
	default:
		http.NotFound(w, r)
	}
}

func (ts *tokenServer) rotate(w http.ResponseWriter) {
	ts.gen++
	ts.access = fmt.Sprintf("tok-%d", ts.gen)
	ts.refresh = fmt.Sprintf("ref-%d", ts.gen)
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"access_token": ts.access, "refresh_token": ts.refresh})
}

// expire invalidates the current access token, as ACCESS_TTL passing would.
func (ts *tokenServer) expire() {
	ts.mu.Lock()
	ts.access = "expired"
	ts.mu.Unlock()
}

func TestVerifyRefreshesExpiredToken(t *testing.T) {
	ts := &tokenServer{}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	c := New(srv.URL, "s1", "kiosk-1")
	require.NoError(t, c.Register(context.Background()))

	// A long-running kiosk outlives several access tokens.
	for i := 0; i < 3; i++ {
		ts.expire()
		d, err := c.Verify(context.Background(), capture.Submission{Embedding: []float32{0.1}})
		require.NoError(t, err)
		assert.Equal(t, "d-ok", d.ID)
	}
	assert.Equal(t, int32(3), ts.refreshes.Load())
	assert.Equal(t, int32(6), ts.verifies.Load())

	// A valid token is used as is.
	_, err := c.Verify(context.Background(), capture.Submission{Embedding: []float32{0.1}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), ts.refreshes.Load())
}

func TestVerifyWithTokenFlagsRefreshes(t *testing.T) {
	ts := &tokenServer{access: "tok-0", refresh: "ref-0"}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	c := New(srv.URL, "s1", "kiosk-1")
	c.SetToken("stale")
	c.SetRefreshToken("ref-0")

	_, err := c.Verify(context.Background(), capture.Submission{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), ts.refreshes.Load())
}

func TestVerifyRefreshFailureSurfacesUnauthorized(t *testing.T) {
	ts := &tokenServer{}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	c := New(srv.URL, "s1", "kiosk-1")
	require.NoError(t, c.Register(context.Background()))
	ts.expire()
	// Revoked server side.
	ts.mu.Lock()
	ts.refresh = "ref-other"
	ts.mu.Unlock()

	_, err := c.Verify(context.Background(), capture.Submission{})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), ts.refreshes.Load())
	assert.Equal(t, int32(1), ts.verifies.Load(), "no retry after a failed refresh")
}

func TestConcurrentVerifiesShareOneRefresh(t *testing.T) {
	ts := &tokenServer{}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	c := New(srv.URL, "s1", "kiosk-1")
	require.NoError(t, c.Register(context.Background()))
	ts.expire()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Verify(context.Background(), capture.Submission{})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), ts.refreshes.Load())
}

func TestVerifyHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL, "s1", "kiosk-1").Verify(ctx, capture.Submission{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
