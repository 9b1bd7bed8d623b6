// Package session wires a frame source, the inference connection, the frame
// pump, the settings channel and the overlay renderer into one pipeline.
package session

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/dj-oyu/live-detection/stream-client/internal/client"
	"github.com/dj-oyu/live-detection/stream-client/internal/detection"
	"github.com/dj-oyu/live-detection/stream-client/internal/emitter"
	"github.com/dj-oyu/live-detection/stream-client/internal/logger"
	"github.com/dj-oyu/live-detection/stream-client/internal/metrics"
	"github.com/dj-oyu/live-detection/stream-client/internal/overlay"
	"github.com/dj-oyu/live-detection/stream-client/internal/pump"
	"github.com/dj-oyu/live-detection/stream-client/internal/recorder"
	"github.com/dj-oyu/live-detection/stream-client/internal/settings"
	"github.com/dj-oyu/live-detection/stream-client/internal/source"
)

// Publisher receives every accepted batch, e.g. the MQTT emitter.
type Publisher interface {
	Publish(b detection.Batch) bool
	Stats() emitter.Stats
}

// SnapshotSink receives composited frames while recording.
type SnapshotSink interface {
	IsRecording() bool
	Submit(s recorder.Snapshot) bool
}

// Config holds the session parameters.
type Config struct {
	Mode        Mode
	Client      client.Config
	Pump        pump.Config
	Settings    detection.Settings
	RenderScale float64
}

// Deps are the collaborators a session drives. Publisher and Snapshots are
// optional.
type Deps struct {
	Sources   map[Mode]source.Source
	Metrics   *metrics.Metrics
	Publisher Publisher
	Snapshots SnapshotSink
}

// Session is the pipeline controller. It owns the connection, the pump and
// the overlay, and implements client.Listener.
type Session struct {
	client   *client.Client
	pump     *pump.Pump
	settings *settings.Channel
	renderer *overlay.Renderer
	sources  map[Mode]source.Source
	pub      Publisher
	snaps    SnapshotSink

	// ops serializes user operations; mu guards the fields below and is
	// also taken from client callbacks.
	ops sync.Mutex

	mu        sync.Mutex
	mode      Mode
	message   Message
	latest    detection.Batch
	observers []func(detection.Batch)
}

// New creates a session in cfg.Mode (camera if unset) with nothing started.
func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeCamera
	}
	if cfg.Mode == ModeUpload {
		return nil, ErrUploadUnsupported
	}
	if _, ok := phrases[cfg.Mode]; !ok {
		return nil, errors.Wrapf(ErrUnknownMode, "%q", cfg.Mode)
	}
	if cfg.Settings.Model == "" {
		cfg.Settings = detection.DefaultSettings()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	s := &Session{
		renderer: overlay.New(cfg.RenderScale),
		sources:  deps.Sources,
		pub:      deps.Publisher,
		snaps:    deps.Snapshots,
		mode:     cfg.Mode,
	}
	if s.sources == nil {
		s.sources = map[Mode]source.Source{}
	}
	s.client = client.New(cfg.Client, s, m)
	s.pump = pump.New(cfg.Pump, s.client, m)
	s.settings = settings.New(cfg.Settings, s.client)
	s.message = Message{Text: phrases[cfg.Mode].off}
	s.bindGrab(cfg.Mode)
	return s, nil
}

// Renderer returns the overlay renderer.
func (s *Session) Renderer() *overlay.Renderer { return s.renderer }

// Client returns the inference connection.
func (s *Session) Client() *client.Client { return s.client }

// OnBatchReceived registers fn to run after every accepted batch.
func (s *Session) OnBatchReceived(fn func(detection.Batch)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Mode returns the current mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) activeSource() source.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sources[s.mode]
}

func (s *Session) bindGrab(mode Mode) {
	if src := s.sources[mode]; src != nil {
		s.pump.SetGrab(src.Grab)
	} else {
		s.pump.SetGrab(nil)
	}
}

func (s *Session) setMessage(text string, tone Tone) {
	s.mu.Lock()
	s.message = Message{Text: text, Tone: tone}
	s.mu.Unlock()
}

func (s *Session) phrases() phrasebook {
	return phrases[s.Mode()]
}

func (s *Session) clearDetections() {
	s.mu.Lock()
	s.latest = detection.Batch{}
	s.mu.Unlock()
	s.renderer.Clear()
}

// stopStreaming halts the pump before closing the connection.
func (s *Session) stopStreaming() {
	s.pump.Stop()
	s.client.Disconnect()
}

// SetMode disconnects, stops every source and clears the overlay before
// switching. The upload mode is rejected without side effects.
func (s *Session) SetMode(mode Mode) error {
	if mode == ModeUpload {
		return ErrUploadUnsupported
	}
	if _, ok := phrases[mode]; !ok {
		return errors.Wrapf(ErrUnknownMode, "%q", mode)
	}

	s.ops.Lock()
	defer s.ops.Unlock()

	s.stopStreaming()
	var errs error
	for m, src := range s.sources {
		if err := src.Stop(); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "stop %s", m))
		}
	}
	s.clearDetections()

	s.mu.Lock()
	s.mode = mode
	s.message = Message{Text: phrases[mode].off}
	s.mu.Unlock()
	s.bindGrab(mode)

	logger.Info("Session", "Mode set to %s", mode)
	return errs
}

// StartSource acquires the source of the current mode.
func (s *Session) StartSource(ctx context.Context) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	p := s.phrases()
	src := s.activeSource()
	if src == nil {
		s.setMessage(p.startFailed, ToneError)
		return errors.Wrapf(source.ErrSourceUnavailable, "no %s source configured", s.Mode())
	}
	if err := src.Start(ctx); err != nil {
		logger.Warn("Session", "Source start failed: %v", err)
		s.setMessage(p.startFailed, ToneError)
		return err
	}
	s.bindGrab(s.Mode())
	if s.client.IsOpen() {
		s.setMessage(p.connected, ToneConnected)
	} else {
		s.setMessage(p.started, ToneActive)
	}
	return nil
}

// StopSource disconnects and releases the current source.
func (s *Session) StopSource() error {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.stopStreaming()
	var err error
	if src := s.activeSource(); src != nil {
		err = src.Stop()
	}
	s.clearDetections()
	s.setMessage(s.phrases().stopped, ToneNone)
	return err
}

// SetMirrored toggles horizontal mirroring of the current source.
func (s *Session) SetMirrored(mirrored bool) error {
	src := s.activeSource()
	if src == nil {
		return errors.Wrapf(source.ErrSourceUnavailable, "no %s source configured", s.Mode())
	}
	src.SetMirrored(mirrored)
	return nil
}

// Connect opens the inference connection. The pump starts once it is open.
func (s *Session) Connect(ctx context.Context) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	p := s.phrases()
	s.setMessage(p.connecting, ToneNone)
	err := s.client.Connect(ctx)
	switch {
	case err == nil:
		s.setMessage(p.connected, ToneConnected)
	case errors.Is(err, client.ErrAlreadyConnected):
		if s.client.IsOpen() {
			s.setMessage(p.connected, ToneConnected)
		}
	case errors.Is(err, context.Canceled) && s.client.State() == client.Idle:
		// Disconnect won the race; keep its message.
	default:
		s.setMessage(p.connectFailed, ToneError)
	}
	return err
}

// Disconnect stops the pump, closes the connection and clears detections.
// It does not wait for other operations, so it also aborts a pending Connect.
func (s *Session) Disconnect() {
	s.stopStreaming()
	s.clearDetections()
	s.setMessage(textDisconnected, ToneNone)
}

// UpdateSettings applies p locally and forwards it when connected.
func (s *Session) UpdateSettings(p detection.PartialSettings) (detection.Settings, bool) {
	return s.settings.Update(p)
}

// Settings returns the locally applied settings.
func (s *Session) Settings() detection.Settings {
	return s.settings.Current()
}

// Latest returns the most recent batch.
func (s *Session) Latest() detection.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// DisplayFrame returns the current source frame with the overlay on top, or
// nil when the source has no frame.
func (s *Session) DisplayFrame() image.Image {
	src := s.activeSource()
	if src == nil {
		return nil
	}
	frame := src.Latest()
	if frame == nil {
		return nil
	}
	return s.renderer.Composite(frame)
}

// Status returns a snapshot of the pipeline.
func (s *Session) Status() Status {
	src := s.activeSource()

	s.mu.Lock()
	st := Status{
		Mode:       s.mode,
		Message:    s.message,
		Detections: s.latest.Detections,
		BatchSeq:   s.latest.Seq,
	}
	s.mu.Unlock()

	if src != nil {
		st.SourceActive = src.Active()
		st.Mirrored = src.Mirrored()
		st.Width, st.Height = src.Dimensions()
	}
	if st.Detections == nil {
		st.Detections = []detection.Detection{}
	}
	st.Connection = s.client.State().String()
	st.Settings = s.settings.Current()
	st.LabelColors = s.renderer.Colors().Hex()
	st.Pump = s.pump.Stats()
	st.Client = s.client.Stats()
	if s.pub != nil {
		st.Emitter = s.pub.Stats()
	}
	return st
}

// Close tears everything down.
func (s *Session) Close() error {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.stopStreaming()
	var errs error
	for m, src := range s.sources {
		if err := src.Stop(); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "stop %s", m))
		}
	}
	s.clearDetections()
	return errs
}

// OnStateChange implements client.Listener.
func (s *Session) OnStateChange(state client.State, err error) {
	logger.Debug("Session", "Connection %s", state)
	switch state {
	case client.Open:
		s.pump.Start()
	case client.Closed:
		s.pump.Stop()
		s.clearDetections()
		if err != nil {
			s.setMessage(textConnectionLost, ToneError)
		}
	case client.Failed, client.Idle:
		s.pump.Stop()
	}
}

// OnBatch implements client.Listener. Batches replace each other; an older
// sequence number than the stored one is ignored.
func (s *Session) OnBatch(b detection.Batch) {
	if !s.client.IsOpen() {
		return
	}
	s.mu.Lock()
	if b.Seq != 0 && b.Seq < s.latest.Seq {
		s.mu.Unlock()
		return
	}
	s.latest = b
	src := s.sources[s.mode]
	observers := append([]func(detection.Batch){}, s.observers...)
	s.mu.Unlock()

	var w, h int
	if src != nil {
		w, h = src.Dimensions()
	}
	s.renderer.Render(b, w, h)

	if s.pub != nil {
		s.pub.Publish(b)
	}
	if s.snaps != nil && s.snaps.IsRecording() && src != nil {
		if frame := src.Latest(); frame != nil {
			s.snaps.Submit(recorder.Snapshot{Image: s.renderer.Composite(frame), Batch: b})
		}
	}
	for _, fn := range observers {
		fn(b)
	}
}

var _ client.Listener = (*Session)(nil)
