package source

import (
	"context"

	"github.com/pion/mediadevices"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
)

// NewCamera returns a camera source. Camera frames are mirrored by default.
func NewCamera(cfg CaptureConfig) *Media {
	return newMedia(KindCamera, func(context.Context) (videoReader, func() error, error) {
		mediadevicescamera.Initialize()
		stream, err := mediadevices.GetUserMedia(cfg.constraints())
		if err != nil {
			return nil, nil, err
		}
		return readerFromStream(stream)
	}, true)
}

// NewScreen returns a screen capture source. Screen frames are not mirrored by
// default. Capture needs a screen driver, see screen_driver.go.
func NewScreen(cfg CaptureConfig) *Media {
	return newMedia(KindScreen, func(context.Context) (videoReader, func() error, error) {
		stream, err := mediadevices.GetDisplayMedia(cfg.constraints())
		if err != nil {
			return nil, nil, err
		}
		return readerFromStream(stream)
	}, false)
}
