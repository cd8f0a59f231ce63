// Package overlay renders the pointer "laser" dot onto an off-screen surface
// that is recorded as a separate video track.
package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/image/vector"

	"github.com/graaaaa/capsule-bridge/internal/media"
)

// Surface size and capture rate.
const (
	Width     = 1920
	Height    = 1080
	FrameRate = 30
)

// Dot geometry in surface pixels. The gradient is opaque up to innerRadius and
// fades to transparent at outerRadius, clipped to clipRadius.
const (
	innerRadius = 3
	outerRadius = 10
	clipRadius  = 20
)

// Pointer is the pointer state in surface coordinates.
type Pointer struct {
	X, Y float64
	Down bool
}

// Overlay is the pointer surface. It is safe for concurrent use.
type Overlay struct {
	mu      sync.Mutex
	img     *image.RGBA
	pointer Pointer
	exists  bool
	raster  *vector.Rasterizer
	patch   *image.RGBA
	track   *canvasTrack
	stream  *canvasStream
}

// New returns a cleared overlay.
func New() *Overlay {
	size := 2 * clipRadius
	o := &Overlay{
		img:    image.NewRGBA(image.Rect(0, 0, Width, Height)),
		raster: vector.NewRasterizer(size, size),
		patch:  image.NewRGBA(image.Rect(0, 0, size, size)),
	}
	o.track = &canvasTrack{id: uuid.NewString(), overlay: o}
	o.stream = &canvasStream{id: uuid.NewString(), track: o.track}
	return o
}

// scale maps an element offset to surface coordinates. Both axes use the
// horizontal ratio since the surface keeps its aspect ratio.
func scale(offset, parentWidth float64) float64 {
	if parentWidth <= 0 {
		return offset
	}
	return offset * Width / parentWidth
}

// Down presses the pointer at the given element offset.
func (o *Overlay) Down(offsetX, offsetY, parentWidth float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pointer.Down = true
	o.pointer.X = scale(offsetX, parentWidth)
	o.pointer.Y = scale(offsetY, parentWidth)
	o.redrawLocked()
}

// Move moves the pointer.
func (o *Overlay) Move(offsetX, offsetY, parentWidth float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pointer.X = scale(offsetX, parentWidth)
	o.pointer.Y = scale(offsetY, parentWidth)
	o.redrawLocked()
}

// Up releases the pointer. Leaving the surface releases it as well.
func (o *Overlay) Up() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pointer.Down = false
	o.redrawLocked()
}

// Pointer returns the current pointer state.
func (o *Overlay) Pointer() Pointer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pointer
}

// PointerExists reports whether a dot was drawn since the last reset.
func (o *Overlay) PointerExists() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exists
}

// ResetPointerExists clears the flag reported by PointerExists.
func (o *Overlay) ResetPointerExists() {
	o.mu.Lock()
	o.exists = false
	o.mu.Unlock()
}

// Stream returns the capture stream of the surface.
func (o *Overlay) Stream() media.Stream {
	return o.stream
}

// Snapshot returns a copy of the surface.
func (o *Overlay) Snapshot() *image.RGBA {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := image.NewRGBA(o.img.Rect)
	copy(out.Pix, o.img.Pix)
	return out
}

func (o *Overlay) redrawLocked() {
	clear(o.img.Pix)
	if !o.pointer.Down {
		return
	}
	o.exists = true
	o.drawDotLocked(o.pointer.X, o.pointer.Y)
}

// drawDotLocked rasterises the clipped gradient disc into a small patch and
// composites it onto the surface.
func (o *Overlay) drawDotLocked(x, y float64) {
	origin := image.Pt(int(math.Floor(x))-clipRadius, int(math.Floor(y))-clipRadius)
	cx := float32(x - float64(origin.X))
	cy := float32(y - float64(origin.Y))

	size := o.patch.Bounds().Dx()
	clear(o.patch.Pix)
	o.raster.Reset(size, size)
	o.raster.DrawOp = draw.Src
	circle(o.raster, cx, cy, clipRadius)
	o.raster.Draw(o.patch, o.patch.Bounds(), &radialGradient{cx: float64(cx), cy: float64(cy)}, image.Point{})

	dst := o.patch.Bounds().Add(origin)
	draw.Draw(o.img, dst, o.patch, image.Point{}, draw.Over)
}

// kappa places cubic control points so that four curves approximate a circle.
const kappa = 0.5522847498

func circle(z *vector.Rasterizer, cx, cy, r float32) {
	k := r * kappa
	z.MoveTo(cx+r, cy)
	z.CubeTo(cx+r, cy+k, cx+k, cy+r, cx, cy+r)
	z.CubeTo(cx-k, cy+r, cx-r, cy+k, cx-r, cy)
	z.CubeTo(cx-r, cy-k, cx-k, cy-r, cx, cy-r)
	z.CubeTo(cx+k, cy-r, cx+r, cy-k, cx+r, cy)
	z.ClosePath()
}

// radialGradient is red, opaque inside innerRadius and fading linearly to
// transparent at outerRadius.
type radialGradient struct {
	cx, cy float64
}

func (g *radialGradient) ColorModel() color.Model { return color.RGBAModel }

func (g *radialGradient) Bounds() image.Rectangle {
	return image.Rect(-1e9, -1e9, 1e9, 1e9)
}

func (g *radialGradient) At(x, y int) color.Color {
	d := math.Hypot(float64(x)+0.5-g.cx, float64(y)+0.5-g.cy)
	a := alphaAt(d)
	return color.RGBA{R: a, A: a}
}

func alphaAt(d float64) uint8 {
	switch {
	case d <= innerRadius:
		return 0xff
	case d >= outerRadius:
		return 0
	}
	t := (d - innerRadius) / (outerRadius - innerRadius)
	return uint8(math.Round(255 * (1 - t)))
}
