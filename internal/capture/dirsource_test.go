package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirSourceNewestFrameWins(t *testing.T) {
	dir := t.TempDir()
	src, err := NewDirSource(dir)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, ErrNoFrame)

	base := time.Now().Add(-time.Minute)
	for i, name := range []string{"a.jpg", "b.png", "c.jpeg"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(name), 0o600))
		mt := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, os.Chtimes(p, mt, mt))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	frame, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c.jpeg", string(frame))

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, ErrNoFrame, "stale frames are discarded")

	_, err = os.Stat(filepath.Join(dir, "notes.txt"))
	assert.NoError(t, err)
	assert.NoError(t, src.Close())
}

func TestDirSourceErrors(t *testing.T) {
	_, err := NewDirSource(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "f.jpg")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err = NewDirSource(file)
	assert.Error(t, err)

	src, err := NewDirSource(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
