package source

import (
	"context"
	"image"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Still serves one fixed image as its only frame.
type Still struct {
	img  image.Image
	slot frameSlot

	mu     sync.Mutex
	active bool
}

// NewStill returns a still source for img, not mirrored.
func NewStill(img image.Image) *Still {
	return &Still{img: img}
}

// OpenStill loads an image file as a still source.
func OpenStill(path string) (*Still, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "open %s: %v", path, err)
	}
	return NewStill(img), nil
}

func (s *Still) Kind() Kind { return KindStill }

func (s *Still) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.img == nil {
		return errors.Wrap(ErrSourceUnavailable, "no image")
	}
	s.active = true
	s.slot.put(s.img)
	return nil
}

func (s *Still) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.slot.clear()
	return nil
}

func (s *Still) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Still) Grab() ([]byte, error) { return s.slot.grab() }
func (s *Still) Latest() image.Image { return s.slot.latest() }
func (s *Still) SetMirrored(mirror bool) { s.slot.setMirrored(mirror) }
func (s *Still) Mirrored() bool { return s.slot.isMirrored() }
func (s *Still) Dimensions() (int, int) { return s.slot.dimensions() }
