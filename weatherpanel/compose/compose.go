// Package compose assembles per-source panel images into one frame for the
// display. Sources are fetched concurrently; a source failure degrades to an
// error placeholder in its slot rather than failing the whole cycle.
package compose

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"sync"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/mkohda/go-weatherpanel/weatherpanel/panel"
)

// SourceError records a source that failed during a render.
type SourceError struct {
	Name string
	Err  error
}

// Compositor lays out panel sources on a fixed-size frame.
type Compositor struct {
	width   int
	height  int
	sources []panel.Source
}

// New creates a compositor for a frame of the given device dimensions.
func New(width, height int, sources []panel.Source) *Compositor {
	return &Compositor{width: width, height: height, sources: sources}
}

// Render fetches all sources concurrently and composites them. It always
// returns a usable frame; failed sources are reported in the second return
// value and drawn as placeholders.
func (c *Compositor) Render(ctx context.Context) (*image.RGBA, []SourceError) {
	frame := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	draw.Draw(frame, frame.Bounds(), image.White, image.Point{}, draw.Src)

	images := make([]image.Image, len(c.sources))
	var mu sync.Mutex
	var failures []SourceError

	g, ctx := errgroup.WithContext(ctx)
	for i, src := range c.sources {
		i, src := i, src
		g.Go(func() error {
			img, err := src.Fetch(ctx)
			if err != nil {
				slog.Warn("panel source failed", "source", src.Name(), "error", err)
				mu.Lock()
				failures = append(failures, SourceError{Name: src.Name(), Err: err})
				mu.Unlock()
				return nil
			}
			images[i] = img
			return nil
		})
	}
	// Fetch errors are collected, not returned, so Wait cannot fail here.
	_ = g.Wait()

	for i, src := range c.sources {
		slot := src.Geometry().Bounds()
		if images[i] == nil {
			drawErrorPlaceholder(frame, slot)
			continue
		}
		xdraw.ApproxBiLinear.Scale(frame, slot, images[i], images[i].Bounds(), draw.Over, nil)
	}

	return frame, failures
}

// drawErrorPlaceholder marks a failed slot: light gray fill with a dark
// border, so a stale or missing source is obvious on the panel without
// rendering any content of its own.
func drawErrorPlaceholder(dst *image.RGBA, slot image.Rectangle) {
	fill := color.RGBA{R: 0xDD, G: 0xDD, B: 0xDD, A: 0xFF}
	border := color.RGBA{R: 0x40, G: 0x40, B: 0x40, A: 0xFF}

	draw.Draw(dst, slot, image.NewUniform(fill), image.Point{}, draw.Src)

	for x := slot.Min.X; x < slot.Max.X; x++ {
		dst.Set(x, slot.Min.Y, border)
		dst.Set(x, slot.Max.Y-1, border)
	}
	for y := slot.Min.Y; y < slot.Max.Y; y++ {
		dst.Set(slot.Min.X, y, border)
		dst.Set(slot.Max.X-1, y, border)
	}
}
