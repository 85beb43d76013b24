// Package render draws the attractor simulation on a tcell screen.
package render

import (
	"fmt"
	"math"

	"github.com/gdamore/tcell/v2"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/mattn/go-runewidth"

	"github.com/DangerosoDavo/ecsim/physics"
)

// hudRows is the number of rows reserved at the bottom for the status line.
const hudRows = 1

// Frame is everything drawn in one screen refresh.
type Frame struct {
	Bodies []physics.Drawn
	Tick   uint64
	Status string
}

// Terminal maps world coordinates onto screen cells, one cell per world unit, with the
// camera centered on the swarm's centroid.
type Terminal struct {
	screen tcell.Screen
	glyph  string
	width  int
	scale  float32
	slow   colorful.Color
	fast   colorful.Color
}

type Option func(*Terminal)

// WithGlyph sets the string drawn for every body.
func WithGlyph(glyph string) Option {
	return func(t *Terminal) {
		if glyph != "" {
			t.glyph = glyph
		}
	}
}

// WithScale sets how many cells one world unit spans.
func WithScale(scale float32) Option {
	return func(t *Terminal) {
		if scale > 0 {
			t.scale = scale
		}
	}
}

// WithPalette sets the colors for the slowest and fastest body of a frame.
func WithPalette(slow, fast colorful.Color) Option {
	return func(t *Terminal) {
		t.slow, t.fast = slow, fast
	}
}

func New(screen tcell.Screen, opts ...Option) *Terminal {
	t := &Terminal{
		screen: screen,
		glyph:  "*",
		scale:  1,
		slow:   colorful.Color{R: 0.35, G: 0.55, B: 1},
		fast:   colorful.Color{R: 1, G: 0.35, B: 0.2},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.width = max(runewidth.StringWidth(t.glyph), 1)
	return t
}

// Draw clears the screen, draws every body that lands inside the viewport and the status
// line, then shows the result.
func (t *Terminal) Draw(frame Frame) {
	t.screen.Clear()
	w, h := t.screen.Size()
	viewH := h - hudRows
	if w <= 0 || viewH <= 0 {
		t.screen.Show()
		return
	}

	center := physics.Centroid(frame.Bodies)
	minSpeed, maxSpeed := speedRange(frame.Bodies)
	cols := w / t.width
	for _, body := range frame.Bodies {
		rel := body.Position.Sub(center).Scale(t.scale)
		col := cols/2 + int(math.Round(float64(rel.X)))
		row := viewH/2 + int(math.Round(float64(rel.Y)))
		if col < 0 || col >= cols || row < 0 || row >= viewH {
			continue
		}
		style := tcell.StyleDefault.Foreground(t.color(body.Velocity.Length(), minSpeed, maxSpeed))
		t.putGlyph(col*t.width, row, t.glyph, style)
	}

	t.drawHUD(frame, w, h-1)
	t.screen.Show()
}

func (t *Terminal) color(speed, lo, hi float32) tcell.Color {
	frac := 0.0
	if hi > lo {
		frac = float64((speed - lo) / (hi - lo))
	}
	r, g, b := t.slow.BlendHcl(t.fast, frac).Clamped().RGB255()
	return tcell.NewRGBColor(int32(r), int32(g), int32(b))
}

func (t *Terminal) drawHUD(frame Frame, width, row int) {
	line := fmt.Sprintf("tick %d  bodies %d", frame.Tick, len(frame.Bodies))
	if frame.Status != "" {
		line += "  " + frame.Status
	}
	line = runewidth.Truncate(line, width, "…")
	style := tcell.StyleDefault.Reverse(true)
	x := 0
	for _, r := range line {
		t.screen.SetContent(x, row, r, nil, style)
		x += max(runewidth.RuneWidth(r), 1)
	}
	for ; x < width; x++ {
		t.screen.SetContent(x, row, ' ', nil, style)
	}
}

// putGlyph draws a glyph at (x, y), padding the trailing cell of double-width glyphs.
func (t *Terminal) putGlyph(x, y int, glyph string, style tcell.Style) {
	runes := []rune(glyph)
	if len(runes) == 0 {
		return
	}
	t.screen.SetContent(x, y, runes[0], runes[1:], style)
	if runewidth.StringWidth(glyph) == 2 {
		t.screen.SetContent(x+1, y, ' ', nil, style)
	}
}

func speedRange(bodies []physics.Drawn) (lo, hi float32) {
	if len(bodies) == 0 {
		return 0, 0
	}
	lo = float32(math.Inf(1))
	for _, b := range bodies {
		s := b.Velocity.Length()
		lo = min(lo, s)
		hi = max(hi, s)
	}
	return lo, hi
}
