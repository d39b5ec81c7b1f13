package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence/internal/matcher"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, matcher.DefaultDimension, cfg.EmbeddingDim)
	assert.Equal(t, "euclidean", cfg.MatchMetric)
	assert.Equal(t, 0.6, cfg.MatchThreshold)
	assert.Equal(t, 10, cfg.MinFaceFrames)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.MatchTimeout)
	assert.Equal(t, 100.0, cfg.DefaultRadiusM)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MATCH_METRIC", "cosine")
	t.Setenv("MATCH_THRESHOLD", "0.35")
	t.Setenv("EMBEDDING_DIM", "512")
	t.Setenv("MIN_FACE_FRAMES", "15")
	t.Setenv("POLL_INTERVAL", "50ms")
	t.Setenv("FACE_SKIP", "true")
	t.Setenv("GEOFENCE_DEFAULT_RADIUS_M", "75.5")
	t.Setenv("CORS_ORIGINS", "https://kiosk.example.org, ,https://admin.example.org")

	cfg := Load()
	assert.Equal(t, "cosine", cfg.MatchMetric)
	assert.Equal(t, 0.35, cfg.MatchThreshold)
	assert.Equal(t, 512, cfg.EmbeddingDim)
	assert.Equal(t, 15, cfg.MinFaceFrames)
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
	assert.True(t, cfg.FaceSkip)
	assert.Equal(t, 75.5, cfg.DefaultRadiusM)
	assert.Equal(t, []string{"https://kiosk.example.org", "https://admin.example.org"}, cfg.CORSOrigins)

	mc, err := cfg.MatcherConfig()
	require.NoError(t, err)
	assert.Equal(t, matcher.MetricCosine, mc.Metric)
	assert.Equal(t, 2.0, mc.ConfidenceScale)

	opts := cfg.CaptureOptions()
	assert.Equal(t, 15, opts.MinFaceFrames)
	assert.Equal(t, 50*time.Millisecond, opts.PollInterval)
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("MATCH_THRESHOLD", "abc")
	t.Setenv("MIN_FACE_FRAMES", "ten")
	t.Setenv("MATCH_TIMEOUT", "soon")
	t.Setenv("FACE_SKIP", "maybe")

	cfg := Load()
	assert.Equal(t, 0.6, cfg.MatchThreshold)
	assert.Equal(t, 10, cfg.MinFaceFrames)
	assert.Equal(t, 5*time.Second, cfg.MatchTimeout)
	assert.False(t, cfg.FaceSkip)
}

func TestMatcherConfigRejectsBadMetric(t *testing.T) {
	cfg := App{MatchMetric: "hamming", MatchThreshold: 0.5, EmbeddingDim: 128}
	_, err := cfg.MatcherConfig()
	assert.Error(t, err)

	cfg = App{MatchMetric: "euclidean", MatchThreshold: -1, EmbeddingDim: 128}
	_, err = cfg.MatcherConfig()
	assert.Error(t, err)
}
