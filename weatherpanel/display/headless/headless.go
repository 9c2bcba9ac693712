// Package headless writes frames as numbered PNG files instead of driving a
// display. Used for smoke runs and tests.
package headless

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mkohda/go-weatherpanel/weatherpanel/display"
)

// Backend implements display.Backend by saving frames to a directory.
type Backend struct {
	dir        string
	cfg        display.Config
	frameCount int
}

// New creates a headless backend. An empty dir means a fresh temp directory
// is created on Init.
func New(dir string) *Backend {
	return &Backend{dir: dir}
}

func (b *Backend) Init(cfg display.Config) error {
	b.cfg = cfg
	if b.dir == "" {
		dir, err := os.MkdirTemp("", "weatherpanel-frames-*")
		if err != nil {
			return fmt.Errorf("failed to create frame directory: %v", err)
		}
		b.dir = dir
	} else if err := os.MkdirAll(b.dir, 0755); err != nil {
		return fmt.Errorf("failed to create frame directory: %v", err)
	}

	slog.Info("Running headless mode", "frame_dir", b.dir)
	return nil
}

func (b *Backend) Push(_ context.Context, frame image.Image) error {
	if err := b.cfg.CheckFrameSize(frame); err != nil {
		return err
	}

	b.frameCount++
	path := filepath.Join(b.dir, fmt.Sprintf("frame_%04d.png", b.frameCount))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := png.Encode(f, frame); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}

	slog.Debug("saved frame", "path", path)
	return nil
}

func (b *Backend) Cleanup() error {
	return nil
}

// Dir returns the directory frames are written to, valid after Init.
func (b *Backend) Dir() string {
	return b.dir
}
