// Package preview serves a local HTTP view of the pipeline: the composited
// frame as MJPEG, detections as SSE, status JSON and control endpoints.
package preview

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/cors"

	"github.com/dj-oyu/live-detection/stream-client/internal/client"
	"github.com/dj-oyu/live-detection/stream-client/internal/detection"
	"github.com/dj-oyu/live-detection/stream-client/internal/metrics"
	"github.com/dj-oyu/live-detection/stream-client/internal/recorder"
	"github.com/dj-oyu/live-detection/stream-client/internal/session"
	"github.com/dj-oyu/live-detection/stream-client/internal/source"
)

// Controller is the part of the session the server drives.
type Controller interface {
	Status() session.Status
	Connect(ctx context.Context) error
	Disconnect()
	StartSource(ctx context.Context) error
	StopSource() error
	SetMode(mode session.Mode) error
	SetMirrored(mirrored bool) error
	UpdateSettings(p detection.PartialSettings) (detection.Settings, bool)
	DisplayFrame() image.Image
	OnBatchReceived(fn func(detection.Batch))
}

// SnapshotRecorder controls snapshot recording.
type SnapshotRecorder interface {
	Start() (string, error)
	Stop() (string, error)
	GetStatus() recorder.RecordingStatus
}

// Server serves the preview endpoints.
type Server struct {
	cfg                  Config
	ctrl                 Controller
	recorder             SnapshotRecorder
	metrics              *metrics.Metrics
	broadcaster          *FrameBroadcaster
	detectionBroadcaster *DetectionBroadcaster
}

// NewServer returns a server with its broadcasters running. rec may be nil,
// in which case the snapshot endpoints answer 503.
func NewServer(cfg Config, ctrl Controller, rec SnapshotRecorder, m *metrics.Metrics) *Server {
	def := DefaultConfig()
	if cfg.MJPEGInterval <= 0 {
		cfg.MJPEGInterval = def.MJPEGInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		cfg:                  cfg,
		ctrl:                 ctrl,
		recorder:             rec,
		metrics:              m,
		broadcaster:          NewFrameBroadcaster(ctrl.DisplayFrame, cfg.MJPEGInterval, m),
		detectionBroadcaster: NewDetectionBroadcaster(),
	}
	ctrl.OnBatchReceived(s.detectionBroadcaster.Publish)
	s.broadcaster.Start()
	return s
}

// Close stops the broadcasters, ending every open stream.
func (s *Server) Close() {
	s.broadcaster.Stop()
	s.detectionBroadcaster.Stop()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/stream", s.handleStream)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/status/stream", s.handleStatusStream)
		r.Get("/detections/stream", s.handleDetectionsStream)

		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/source/start", s.handleSourceStart)
		r.Post("/source/stop", s.handleSourceStop)
		r.Post("/mode", s.handleMode)
		r.Post("/mirror", s.handleMirror)
		r.Post("/settings", s.handleSettings)

		r.Post("/snapshots/start", s.handleSnapshotsStart)
		r.Post("/snapshots/stop", s.handleSnapshotsStop)
		r.Get("/snapshots/status", s.handleSnapshotsStatus)
	})

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)
	streamMJPEGFromChannel(w, r, frameCh)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ctrl.Status())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.ctrl.Status()); err != nil {
			return
		}
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.detectionBroadcaster.Subscribe()
	defer s.detectionBroadcaster.Unsubscribe(id)
	streamEventsFromChannel(w, r, eventCh)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Connect(r.Context()); err != nil {
		writeError(w, err, connectErrorStatus(err))
		return
	}
	writeJSON(w, s.ctrl.Status())
}

func connectErrorStatus(err error) int {
	switch {
	case errors.Is(err, client.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, client.ErrUnreachable), errors.Is(err, client.ErrHandshakeFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Disconnect()
	writeJSON(w, s.ctrl.Status())
}

func (s *Server) handleSourceStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StartSource(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, source.ErrSourceUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, err, status)
		return
	}
	writeJSON(w, s.ctrl.Status())
}

func (s *Server) handleSourceStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StopSource(); err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.ctrl.Status())
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(err, "invalid body"), http.StatusBadRequest)
		return
	}
	mode, err := session.ParseMode(req.Mode)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.ctrl.SetMode(mode); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrUploadUnsupported) {
			status = http.StatusNotImplemented
		}
		writeError(w, err, status)
		return
	}
	writeJSON(w, s.ctrl.Status())
}

func (s *Server) handleMirror(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mirrored *bool `json:"mirrored"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Mirrored == nil {
		writeError(w, errors.New(`body must be {"mirrored": bool}`), http.StatusBadRequest)
		return
	}
	if err := s.ctrl.SetMirrored(*req.Mirrored); err != nil {
		writeError(w, err, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.ctrl.Status())
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var p detection.PartialSettings
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, errors.Wrap(err, "invalid body"), http.StatusBadRequest)
		return
	}
	if p.Model != nil {
		if _, err := detection.ParseModel(string(*p.Model)); err != nil {
			writeError(w, err, http.StatusBadRequest)
			return
		}
	}
	applied, sent := s.ctrl.UpdateSettings(p)
	writeJSON(w, map[string]any{
		"settings": applied,
		"sent":     sent,
	})
}

func (s *Server) handleSnapshotsStart(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeError(w, errors.New("snapshot recording is not configured"), http.StatusServiceUnavailable)
		return
	}
	dir, err := s.recorder.Start()
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "recording",
		"dir":        dir,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleSnapshotsStop(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeError(w, errors.New("snapshot recording is not configured"), http.StatusServiceUnavailable)
		return
	}
	dir, err := s.recorder.Stop()
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"dir":        dir,
		"stats":      s.recorder.GetStatus(),
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleSnapshotsStatus(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.recorder.GetStatus())
}
