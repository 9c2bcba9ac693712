// Package panel defines the image sources that make up the composite frame.
// A source only knows how to produce an image for its slot; layout and
// scaling belong to the compositor.
package panel

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"time"

	// Register decoders for the formats upstream sources serve.
	_ "image/jpeg"
	_ "image/png"

	"github.com/mkohda/go-weatherpanel/weatherpanel/config"
)

const defaultFetchTimeout = 30 * time.Second

// Geometry is a source's slot on the composed frame, in device pixels.
type Geometry struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Bounds returns the slot as an image.Rectangle.
func (g Geometry) Bounds() image.Rectangle {
	return image.Rect(g.X, g.Y, g.X+g.Width, g.Y+g.Height)
}

// Source produces one panel's image. Fetch may block on I/O and must honor
// ctx cancellation.
type Source interface {
	Name() string
	Geometry() Geometry
	Fetch(ctx context.Context) (image.Image, error)
}

// ImageSource fetches a ready-made raster (radar tiles, chart renders) over
// HTTP and hands it to the compositor as-is.
type ImageSource struct {
	name    string
	url     string
	geom    Geometry
	timeout time.Duration
	client  *http.Client
}

// NewImageSource builds an HTTP-backed source. A zero timeout falls back to
// the package default.
func NewImageSource(name, url string, geom Geometry, timeout time.Duration) *ImageSource {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &ImageSource{
		name:    name,
		url:     url,
		geom:    geom,
		timeout: timeout,
		client:  &http.Client{},
	}
}

func (s *ImageSource) Name() string {
	return s.name
}

func (s *ImageSource) Geometry() Geometry {
	return s.geom
}

func (s *ImageSource) Fetch(ctx context.Context) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", s.name, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: fetch failed: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %s", s.name, resp.Status)
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to decode image: %w", s.name, err)
	}

	return img, nil
}

// StaticSource fills its slot with a solid color. Used in test mode and as a
// placeholder for slots with no upstream.
type StaticSource struct {
	name string
	geom Geometry
	fill color.Color
}

func NewStaticSource(name string, geom Geometry, fill color.Color) *StaticSource {
	return &StaticSource{name: name, geom: geom, fill: fill}
}

func (s *StaticSource) Name() string {
	return s.name
}

func (s *StaticSource) Geometry() Geometry {
	return s.geom
}

func (s *StaticSource) Fetch(context.Context) (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, s.geom.Width, s.geom.Height))
	for y := 0; y < s.geom.Height; y++ {
		for x := 0; x < s.geom.Width; x++ {
			img.Set(x, y, s.fill)
		}
	}
	return img, nil
}

// FromConfig materializes sources from the configuration. Entries without a
// URL become white static fills so the layout stays visible.
func FromConfig(cfgs []config.SourceConfig) []Source {
	sources := make([]Source, 0, len(cfgs))
	for _, sc := range cfgs {
		geom := Geometry{X: sc.X, Y: sc.Y, Width: sc.Width, Height: sc.Height}
		if sc.URL == "" {
			sources = append(sources, NewStaticSource(sc.Name, geom, color.White))
			continue
		}
		sources = append(sources, NewImageSource(
			sc.Name, sc.URL, geom, time.Duration(sc.TimeoutSec)*time.Second))
	}
	return sources
}
