// Package overlay draws detection boxes and label chips on a transparent
// surface sized to the displayed video.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"

	"github.com/dj-oyu/live-detection/stream-client/internal/detection"
)

const (
	// DefaultWidth and DefaultHeight are used when the video size is unknown.
	DefaultWidth  = 640
	DefaultHeight = 480

	lineWidth  = 2.5
	fontSize   = 14
	chipHeight = 20
	chipPadX   = 6
	chipPadY   = 4
	chipRadius = 4
	chipGap    = 2
)

var textColor = color.White

// Rect is an axis-aligned rectangle in overlay pixels.
type Rect struct {
	X, Y, W, H float64
}

// Box describes one drawn detection.
type Box struct {
	Label string
	Text  string
	Color string // hex
	Rect  Rect
	Chip  Rect
}

// Renderer draws batches. A nil *Renderer ignores every call.
type Renderer struct {
	scale  float64
	colors *LabelColors

	mu      sync.Mutex
	face    font.Face
	overlay *image.RGBA
	boxes   []Box
}

// New returns a renderer. scale multiplies line width, font size and chip
// geometry; values <= 0 mean 1.
func New(scale float64) *Renderer {
	if scale <= 0 {
		scale = 1
	}
	f, err := truetype.Parse(gobold.TTF)
	if err != nil {
		panic(err)
	}
	return &Renderer{
		scale:  scale,
		colors: NewLabelColors(),
		face:   truetype.NewFace(f, &truetype.Options{Size: fontSize * scale, DPI: 72}),
	}
}

// Colors exposes the label color assignments.
func (r *Renderer) Colors() *LabelColors {
	if r == nil {
		return nil
	}
	return r.colors
}

// Label formats the chip text of a detection.
func Label(label string, confidence float64) string {
	return fmt.Sprintf("%s %d%%", label, int(math.Round(confidence*100)))
}

// Render replaces the overlay with one drawn from batch at w x h. Sizes <= 0
// fall back to DefaultWidth x DefaultHeight. An empty batch leaves a blank
// overlay.
func (r *Renderer) Render(batch detection.Batch, w, h int) {
	if r == nil {
		return
	}
	if w <= 0 || h <= 0 {
		w, h = DefaultWidth, DefaultHeight
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dc := gg.NewContext(w, h)
	dc.SetFontFace(r.face)
	boxes := make([]Box, 0, batch.Len())
	s := r.scale

	for _, d := range batch.Detections {
		rect := Rect{
			X: d.X1 * float64(w),
			Y: d.Y1 * float64(h),
			W: math.Max(0, (d.X2-d.X1)*float64(w)),
			H: math.Max(0, (d.Y2-d.Y1)*float64(h)),
		}
		col := r.colors.Color(d.Label)

		dc.SetColor(col)
		dc.SetLineWidth(lineWidth * s)
		dc.DrawRectangle(rect.X, rect.Y, rect.W, rect.H)
		dc.Stroke()

		text := Label(d.Label, d.Confidence)
		tw, _ := dc.MeasureString(text)
		chip := Rect{
			X: rect.X - s,
			Y: rect.Y - (chipHeight+chipGap)*s,
			W: tw + 2*chipPadX*s,
			H: chipHeight * s,
		}
		if chip.Y < 0 {
			chip.Y = rect.Y + chipGap*s
		}
		dc.DrawRoundedRectangle(chip.X, chip.Y, chip.W, chip.H, chipRadius*s)
		dc.Fill()

		dc.SetColor(textColor)
		dc.DrawString(text, rect.X+chipPadX*s, chip.Y+chip.H-chipPadY*s-s)

		boxes = append(boxes, Box{
			Label: d.Label,
			Text:  text,
			Color: col.Hex(),
			Rect:  rect,
			Chip:  chip,
		})
	}

	r.overlay = dc.Image().(*image.RGBA)
	r.boxes = boxes
}

// Clear drops the drawn overlay.
func (r *Renderer) Clear() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overlay = nil
	r.boxes = nil
}

// Snapshot returns the last rendered overlay, or nil.
func (r *Renderer) Snapshot() image.Image {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.overlay == nil {
		return nil
	}
	return r.overlay
}

// Boxes returns the geometry of the last render.
func (r *Renderer) Boxes() []Box {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Box(nil), r.boxes...)
}

// Composite draws the overlay on top of frame, resized to the overlay size.
// With no overlay the frame is returned unchanged.
func (r *Renderer) Composite(frame image.Image) image.Image {
	ov := r.Snapshot()
	if ov == nil {
		return frame
	}
	b := ov.Bounds()
	var base image.Image
	if frame == nil {
		base = imaging.New(b.Dx(), b.Dy(), color.Black)
	} else if fb := frame.Bounds(); fb.Dx() != b.Dx() || fb.Dy() != b.Dy() {
		base = imaging.Resize(frame, b.Dx(), b.Dy(), imaging.Linear)
	} else {
		base = frame
	}
	dc := gg.NewContextForImage(base)
	dc.DrawImage(ov, 0, 0)
	return dc.Image()
}
