package source

import (
	"context"
	"image"
	"io"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"

	"github.com/dj-oyu/live-detection/stream-client/internal/logger"
)

// videoReader matches mediadevices' video.Reader.
type videoReader interface {
	Read() (img image.Image, release func(), err error)
}

// opener acquires a capture stream and returns its reader and a release func.
type opener func(ctx context.Context) (videoReader, func() error, error)

// CaptureConfig holds the ideal capture geometry. Zero values let the driver pick.
type CaptureConfig struct {
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	FrameRate float64 `yaml:"frame_rate"`
	DeviceID  string  `yaml:"device_id"`
}

// DefaultCaptureConfig asks for 640x480 at 30 fps.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{Width: 640, Height: 480, FrameRate: 30}
}

func (c CaptureConfig) constraints() mediadevices.MediaStreamConstraints {
	return mediadevices.MediaStreamConstraints{
		Video: func(constraint *mediadevices.MediaTrackConstraints) {
			if c.Width > 0 {
				constraint.Width = prop.IntRanged{Min: 0, Ideal: c.Width, Max: 4096}
			}
			if c.Height > 0 {
				constraint.Height = prop.IntRanged{Min: 0, Ideal: c.Height, Max: 2160}
			}
			if c.FrameRate > 0 {
				constraint.FrameRate = prop.FloatRanged{Min: 0, Ideal: float32(c.FrameRate), Max: 140}
			}
			if c.DeviceID != "" {
				constraint.DeviceID = prop.StringExact(c.DeviceID)
			}
		},
	}
}

// readerFromStream takes the first video track of stream.
func readerFromStream(stream mediadevices.MediaStream) (videoReader, func() error, error) {
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, nil, errors.New("no video track")
	}
	for _, t := range tracks[1:] {
		_ = t.Close()
	}
	track, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		_ = tracks[0].Close()
		return nil, nil, errors.New("unexpected track type")
	}
	return track.NewReader(false), track.Close, nil
}

// Media is a live capture source: a camera or a screen.
type Media struct {
	kind Kind
	open opener
	slot frameSlot

	mu      sync.Mutex
	active  bool
	release func() error
	stop    chan struct{}
	done    chan struct{}
}

func newMedia(kind Kind, open opener, mirrored bool) *Media {
	m := &Media{kind: kind, open: open}
	m.slot.setMirrored(mirrored)
	return m
}

// Kind returns camera or screen.
func (m *Media) Kind() Kind { return m.kind }

// Start acquires the capture stream. Starting an active source is a no-op.
func (m *Media) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return nil
	}

	reader, release, err := m.open(ctx)
	if err != nil {
		return errors.Wrapf(ErrSourceUnavailable, "%s: %v", m.kind, err)
	}
	m.active = true
	m.release = release
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.capture(reader, m.stop, m.done)

	logger.Info("Source", "%s started", m.kind)
	return nil
}

// Stop releases the capture stream and clears the buffered frame.
func (m *Media) Stop() error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil
	}
	m.active = false
	close(m.stop)
	release, done := m.release, m.done
	m.release = nil
	m.mu.Unlock()

	var err error
	if release != nil {
		err = release()
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logger.Warn("Source", "%s capture loop did not exit", m.kind)
	}
	m.slot.clear()

	logger.Info("Source", "%s stopped", m.kind)
	return errors.Wrapf(err, "release %s", m.kind)
}

// Active reports whether the stream is held.
func (m *Media) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Media) Grab() ([]byte, error) { return m.slot.grab() }
func (m *Media) Latest() image.Image { return m.slot.latest() }
func (m *Media) SetMirrored(mirror bool) { m.slot.setMirrored(mirror) }
func (m *Media) Mirrored() bool { return m.slot.isMirrored() }
func (m *Media) Dimensions() (int, int) { return m.slot.dimensions() }

func (m *Media) capture(r videoReader, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		img, release, err := r.Read()
		if err != nil {
			if release != nil {
				release()
			}
			select {
			case <-stop:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				logger.Warn("Source", "%s stream ended", m.kind)
				return
			}
			logger.Debug("Source", "%s read error: %v", m.kind, err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		// The reader may reuse its buffer after release.
		frame := imaging.Clone(img)
		if release != nil {
			release()
		}
		m.slot.put(frame)
	}
}
