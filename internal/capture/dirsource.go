package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirSource reads frames that a camera process drops into a directory.
// Each Next returns the newest frame and deletes it along with any older,
// stale frames.
type DirSource struct {
	dir  string
	exts map[string]bool
}

// NewDirSource watches dir for .jpg, .jpeg and .png files.
func NewDirSource(dir string) (*DirSource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("frame dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("frame dir: %s is not a directory", dir)
	}
	return &DirSource{dir: dir, exts: map[string]bool{".jpg": true, ".jpeg": true, ".png": true}}, nil
}

// Next implements FrameSource.
func (s *DirSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailure, err)
	}

	type frame struct {
		path string
		mod  int64
	}
	var frames []frame
	for _, e := range entries {
		if !e.Type().IsRegular() || !s.exts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		frames = append(frames, frame{path: filepath.Join(s.dir, e.Name()), mod: info.ModTime().UnixNano()})
	}
	if len(frames) == 0 {
		return nil, ErrNoFrame
	}

	newest := 0
	for i, f := range frames {
		n := frames[newest]
		if f.mod > n.mod || (f.mod == n.mod && f.path > n.path) {
			newest = i
		}
	}
	data, err := os.ReadFile(frames[newest].path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailure, err)
	}
	for _, f := range frames {
		_ = os.Remove(f.path)
	}
	return data, nil
}

// Close implements FrameSource.
func (s *DirSource) Close() error { return nil }
