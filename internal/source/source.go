// Package source produces encoded frames from a camera, a screen or a still
// image.
package source

import (
	"bytes"
	"context"
	"image"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// ErrSourceUnavailable covers permission denied, missing device and no display.
var ErrSourceUnavailable = errors.New("frame source unavailable")

// JPEGQuality is the encode quality of transmitted frames.
const JPEGQuality = 70

// Kind names a source variant.
type Kind string

const (
	KindCamera Kind = "camera"
	KindScreen Kind = "screen"
	KindStill  Kind = "still"
)

// Source is a capture stream that can be grabbed from at any time.
type Source interface {
	Kind() Kind
	Start(ctx context.Context) error
	Stop() error
	Active() bool
	// Grab encodes the latest frame as JPEG. It returns nil, nil while no
	// frame has been captured yet.
	Grab() ([]byte, error)
	// Latest returns the latest frame as displayed, mirrored if enabled.
	Latest() image.Image
	SetMirrored(mirrored bool)
	Mirrored() bool
	// Dimensions returns the intrinsic size of the latest frame, or 0, 0.
	Dimensions() (int, int)
}

// frameSlot keeps only the most recent frame.
type frameSlot struct {
	mu       sync.RWMutex
	img      image.Image
	mirrored bool
}

func (s *frameSlot) put(img image.Image) {
	s.mu.Lock()
	s.img = img
	s.mu.Unlock()
}

func (s *frameSlot) clear() {
	s.put(nil)
}

func (s *frameSlot) setMirrored(m bool) {
	s.mu.Lock()
	s.mirrored = m
	s.mu.Unlock()
}

func (s *frameSlot) isMirrored() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mirrored
}

func (s *frameSlot) latest() image.Image {
	s.mu.RLock()
	img, mirrored := s.img, s.mirrored
	s.mu.RUnlock()
	if img == nil {
		return nil
	}
	if mirrored {
		return imaging.FlipH(img)
	}
	return img
}

func (s *frameSlot) dimensions() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.img == nil {
		return 0, 0
	}
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

func (s *frameSlot) grab() ([]byte, error) {
	img := s.latest()
	if img == nil {
		return nil, nil
	}
	return EncodeJPEG(img)
}

// EncodeJPEG encodes img at JPEGQuality.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return nil, errors.Wrap(err, "encode frame")
	}
	return buf.Bytes(), nil
}

var (
	_ Source = (*Media)(nil)
	_ Source = (*Still)(nil)
)
