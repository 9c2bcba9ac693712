// Package display abstracts where the composed frame ends up: a remote
// e-paper framebuffer over SSH, a terminal preview, or PNG files on disk.
package display

import (
	"context"
	"fmt"
	"image"
)

// Config holds configuration shared by all display backends.
type Config struct {
	// Width and Height are the device dimensions frames are expected to
	// match. Fixed-size backends reject mismatched frames via
	// CheckFrameSize; scaling backends may ignore them.
	Width  int
	Height int

	Title string

	// OnQuit is invoked when the backend requests shutdown (e.g. the
	// preview window is closed). Optional.
	OnQuit func()
}

// CheckFrameSize verifies the frame matches the configured device
// dimensions. A mismatch means the compositor and display configuration
// disagree; pushing anyway would letterbox or crop on the panel. Zero
// dimensions disable the check.
func (c Config) CheckFrameSize(frame image.Image) error {
	if c.Width <= 0 || c.Height <= 0 {
		return nil
	}
	b := frame.Bounds()
	if b.Dx() != c.Width || b.Dy() != c.Height {
		return fmt.Errorf("frame is %dx%d, display expects %dx%d",
			b.Dx(), b.Dy(), c.Width, c.Height)
	}
	return nil
}

// Backend renders composed frames to a specific output.
type Backend interface {
	// Init configures the backend. Required before the first Push.
	Init(config Config) error

	// Push delivers one frame. Backends must honor ctx cancellation for
	// any blocking transfer.
	Push(ctx context.Context, frame image.Image) error

	// Cleanup releases resources on shutdown.
	Cleanup() error
}
