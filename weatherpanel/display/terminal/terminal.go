// Package terminal previews frames in the terminal using tcell. Each text
// cell shows two vertically stacked pixels via the upper half block, which
// doubles the effective vertical resolution.
package terminal

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/gdamore/tcell/v2"

	"github.com/mkohda/go-weatherpanel/weatherpanel/display"
)

// Backend implements display.Backend on a tcell screen.
type Backend struct {
	screen tcell.Screen
	config display.Config

	mu      sync.Mutex
	stopped bool
}

// New creates a terminal preview backend.
func New() *Backend {
	return &Backend{}
}

// Init takes over the terminal and starts listening for quit keys
// (q, Esc, Ctrl-C). The preview rescales every frame to the terminal size,
// so the configured device dimensions are not enforced here.
func (b *Backend) Init(config display.Config) error {
	b.config = config

	screen, err := tcell.NewScreen()
	if err != nil {
		return fmt.Errorf("failed to initialize terminal: %v", err)
	}
	if err := screen.Init(); err != nil {
		return fmt.Errorf("failed to initialize terminal: %v", err)
	}

	screen.SetStyle(tcell.StyleDefault.Background(tcell.ColorBlack).Foreground(tcell.ColorWhite))
	screen.Clear()
	b.screen = screen

	go b.handleEvents()

	slog.Info("Terminal preview initialized", "title", config.Title)
	return nil
}

// Push renders the frame to the terminal.
func (b *Backend) Push(_ context.Context, frame image.Image) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil
	}

	termW, termH := b.screen.Size()
	bounds := frame.Bounds()
	if termW <= 0 || termH <= 0 || bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil
	}

	for cy := 0; cy < termH; cy++ {
		for cx := 0; cx < termW; cx++ {
			top := sampleAt(frame, bounds, cx, 2*cy, termW, 2*termH)
			bottom := sampleAt(frame, bounds, cx, 2*cy+1, termW, 2*termH)

			style := tcell.StyleDefault.Foreground(top).Background(bottom)
			b.screen.SetContent(cx, cy, '▀', nil, style)
		}
	}

	b.screen.Show()
	return nil
}

func (b *Backend) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil
	}
	b.stopped = true
	b.screen.Fini()
	return nil
}

func (b *Backend) handleEvents() {
	for {
		ev := b.screen.PollEvent()
		if ev == nil {
			return
		}

		switch ev := ev.(type) {
		case *tcell.EventResize:
			b.screen.Sync()
		case *tcell.EventKey:
			if isQuitKey(ev) {
				slog.Info("preview quit requested")
				if b.config.OnQuit != nil {
					b.config.OnQuit()
				}
				return
			}
		}
	}
}

func isQuitKey(ev *tcell.EventKey) bool {
	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return true
	case tcell.KeyRune:
		return ev.Rune() == 'q' || ev.Rune() == 'Q'
	}
	return false
}

// sampleAt maps a cell-grid coordinate to a frame pixel, nearest neighbor.
func sampleAt(frame image.Image, bounds image.Rectangle, x, y, gridW, gridH int) tcell.Color {
	px := bounds.Min.X + x*bounds.Dx()/gridW
	py := bounds.Min.Y + y*bounds.Dy()/gridH
	if px >= bounds.Max.X {
		px = bounds.Max.X - 1
	}
	if py >= bounds.Max.Y {
		py = bounds.Max.Y - 1
	}

	r, g, bl, _ := frame.At(px, py).RGBA()
	return tcell.NewRGBColor(int32(r>>8), int32(g>>8), int32(bl>>8))
}
