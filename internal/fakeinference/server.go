// Package fakeinference is a stand-in inference service for tests and local
// development. It speaks the same health/websocket protocol as the real one.
package fakeinference

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	_ "image/jpeg"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dj-oyu/live-detection/stream-client/internal/detection"
	"github.com/dj-oyu/live-detection/stream-client/internal/logger"
)

// Generator produces the reply for one received frame.
type Generator func(frame image.Image, settings detection.Settings) []detection.Detection

// DefaultGenerator returns a fixed scene filtered by confidence and capped at
// MaxDetections.
func DefaultGenerator(_ image.Image, s detection.Settings) []detection.Detection {
	scene := []detection.Detection{
		{Label: "person", Confidence: 0.87, X1: 0.1, Y1: 0.2, X2: 0.5, Y2: 0.9},
		{Label: "dog", Confidence: 0.64, X1: 0.55, Y1: 0.5, X2: 0.85, Y2: 0.95},
		{Label: "cup", Confidence: 0.31, X1: 0.7, Y1: 0.1, X2: 0.78, Y2: 0.22},
	}
	out := make([]detection.Detection, 0, len(scene))
	for _, d := range scene {
		if d.Confidence < s.Confidence {
			continue
		}
		if s.MaxDetections > 0 && len(out) >= s.MaxDetections {
			break
		}
		out = append(out, d)
	}
	return out
}

type peer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *peer) write(data []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is the fake inference service.
type Server struct {
	generate Generator
	upgrader websocket.Upgrader

	healthy atomic.Bool
	reject  atomic.Bool
	silent  atomic.Bool

	mu        sync.Mutex
	settings  detection.Settings
	updates   int
	frames    int
	lastFrame []byte
	peers     map[*peer]struct{}
	accepted  int
}

// New creates a healthy server. A nil generator uses DefaultGenerator.
func New(gen Generator) *Server {
	if gen == nil {
		gen = DefaultGenerator
	}
	s := &Server{
		generate: gen,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		settings: detection.DefaultSettings(),
		peers:    make(map[*peer]struct{}),
	}
	s.healthy.Store(true)
	return s
}

// Handler returns the HTTP routes of the service.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleSocket)
	return r
}

// SetHealthy toggles the health endpoint between 200 and 503.
func (s *Server) SetHealthy(ok bool) { s.healthy.Store(ok) }

// RejectUpgrades makes /ws refuse the websocket handshake.
func (s *Server) RejectUpgrades(reject bool) { s.reject.Store(reject) }

// SetSilent stops replies to frames while still counting them.
func (s *Server) SetSilent(silent bool) { s.silent.Store(silent) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.healthy.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if s.reject.Load() {
		http.Error(w, "upgrade refused", http.StatusForbidden)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("FakeInference", "Upgrade failed: %v", err)
		return
	}
	p := &peer{conn: conn}

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.accepted++
	s.mu.Unlock()
	logger.Info("FakeInference", "Client connected from %s", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("FakeInference", "Client gone: %v", err)
			return
		}
		if s.handleSettings(data) {
			continue
		}
		if err := s.handleFrame(p, data); err != nil {
			logger.Debug("FakeInference", "Reply failed: %v", err)
			return
		}
	}
}

func (s *Server) handleSettings(data []byte) bool {
	if len(data) == 0 || data[0] != '{' {
		return false
	}
	var msg struct {
		Type string `json:"type"`
		detection.Settings
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "settings" {
		logger.Warn("FakeInference", "Ignoring unknown message")
		return true
	}
	s.mu.Lock()
	s.settings = msg.Settings
	s.updates++
	s.mu.Unlock()
	logger.Info("FakeInference", "Settings updated: model=%s conf=%.2f iou=%.2f max=%d",
		msg.Model, msg.Confidence, msg.IoU, msg.MaxDetections)
	return true
}

func (s *Server) handleFrame(p *peer, data []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		logger.Warn("FakeInference", "Frame is not base64: %v", err)
		return nil
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		logger.Warn("FakeInference", "Frame is not an image: %v", err)
		return nil
	}

	s.mu.Lock()
	s.frames++
	s.lastFrame = raw
	settings := s.settings
	s.mu.Unlock()

	if s.silent.Load() {
		return nil
	}
	reply, err := detection.MarshalBatch(detection.Batch{Detections: s.generate(img, settings)})
	if err != nil {
		return err
	}
	return p.write(reply)
}

// Broadcast writes a raw text message to every connected client.
func (s *Server) Broadcast(data []byte) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.write(data); err != nil {
			logger.Debug("FakeInference", "Broadcast failed: %v", err)
		}
	}
}

// DropAll closes every client socket without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.peers {
		_ = p.conn.Close()
	}
}

// Frames returns the number of decodable frames received.
func (s *Server) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// LastFrame returns the JPEG bytes of the most recent frame.
func (s *Server) LastFrame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame
}

// Settings returns the latest settings received and how many updates arrived.
func (s *Server) Settings() (detection.Settings, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, s.updates
}

// Accepted returns the number of websocket connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Connected returns the number of currently open client sockets.
func (s *Server) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}
