package preview

import (
	"encoding/json"
	"image"
	"sync"
	"time"

	"github.com/dj-oyu/live-detection/stream-client/internal/detection"
	"github.com/dj-oyu/live-detection/stream-client/internal/logger"
	"github.com/dj-oyu/live-detection/stream-client/internal/metrics"
	"github.com/dj-oyu/live-detection/stream-client/internal/source"
)

// FrameProvider returns the frame to show, or nil when there is none.
type FrameProvider func() image.Image

// FrameBroadcaster encodes displayed frames at a fixed interval and fans them
// out to MJPEG clients.
type FrameBroadcaster struct {
	mu       sync.Mutex
	clients  map[int]chan []byte
	nextID   int
	provider FrameProvider
	interval time.Duration
	metrics  *metrics.Metrics
	stop     chan struct{}
	done     chan struct{}
	stopped  bool
}

// NewFrameBroadcaster creates a stopped broadcaster.
func NewFrameBroadcaster(provider FrameProvider, interval time.Duration, m *metrics.Metrics) *FrameBroadcaster {
	if interval <= 0 {
		interval = DefaultConfig().MJPEGInterval
	}
	if m == nil {
		m = metrics.New()
	}
	return &FrameBroadcaster{
		clients:  make(map[int]chan []byte),
		provider: provider,
		interval: interval,
		metrics:  m,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2)
	if fb.stopped {
		close(ch)
		return id, ch
	}
	fb.clients[id] = ch
	fb.metrics.PreviewClients.Add(1)

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		fb.metrics.PreviewClients.Add(^uint64(0))
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))
	}
}

// Clients returns the number of subscribed clients.
func (fb *FrameBroadcaster) Clients() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// Start begins the encode and broadcast loop.
func (fb *FrameBroadcaster) Start() {
	go fb.run()
}

// Stop halts the loop and closes every client channel.
func (fb *FrameBroadcaster) Stop() {
	fb.mu.Lock()
	if fb.stopped {
		fb.mu.Unlock()
		return
	}
	fb.stopped = true
	close(fb.stop)
	fb.mu.Unlock()
	<-fb.done

	fb.mu.Lock()
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
		fb.metrics.PreviewClients.Add(^uint64(0))
	}
	fb.mu.Unlock()
}

func (fb *FrameBroadcaster) run() {
	defer close(fb.done)
	ticker := time.NewTicker(fb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-fb.stop:
			return
		case <-ticker.C:
		}

		// Encoding is skipped while nobody watches.
		if fb.Clients() == 0 {
			continue
		}
		fb.broadcast(fb.encode())
	}
}

// encode returns the current frame as JPEG, or nil so clients show the
// placeholder.
func (fb *FrameBroadcaster) encode() []byte {
	if fb.provider == nil {
		return nil
	}
	img := fb.provider()
	if img == nil {
		return nil
	}
	data, err := source.EncodeJPEG(img)
	if err != nil {
		logger.Warn("FrameBroadcaster", "Encode failed: %v", err)
		return nil
	}
	return data
}

func (fb *FrameBroadcaster) broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, skip this frame for it.
			fb.metrics.PreviewFramesDropped.Add(1)
		}
	}
}

// detectionEvent is the payload for /api/detections/stream.
type detectionEvent struct {
	Seq        uint64                `json:"seq"`
	Timestamp  float64               `json:"timestamp"`
	Detections []detection.Detection `json:"detections"`
}

// DetectionBroadcaster fans accepted batches out to SSE clients. Each batch
// is serialized once.
type DetectionBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	stopped bool
}

// NewDetectionBroadcaster creates a broadcaster with no clients.
func NewDetectionBroadcaster() *DetectionBroadcaster {
	return &DetectionBroadcaster{clients: make(map[int]chan []byte)}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (db *DetectionBroadcaster) Subscribe() (int, <-chan []byte) {
	db.mu.Lock()
	defer db.mu.Unlock()

	id := db.nextID
	db.nextID++
	ch := make(chan []byte, 8)
	if db.stopped {
		close(ch)
		return id, ch
	}
	db.clients[id] = ch

	logger.Debug("DetectionBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(db.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (db *DetectionBroadcaster) Unsubscribe(id int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if ch, ok := db.clients[id]; ok {
		close(ch)
		delete(db.clients, id)
		logger.Debug("DetectionBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(db.clients))
	}
}

// Clients returns the number of subscribed clients.
func (db *DetectionBroadcaster) Clients() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.clients)
}

// Publish serializes b and offers it to every client without blocking.
func (db *DetectionBroadcaster) Publish(b detection.Batch) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.clients) == 0 {
		return
	}

	event := detectionEvent{Seq: b.Seq, Detections: b.Detections}
	if event.Detections == nil {
		event.Detections = []detection.Detection{}
	}
	if !b.ReceivedAt.IsZero() {
		event.Timestamp = float64(b.ReceivedAt.UnixNano()) / 1e9
	}
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("DetectionBroadcaster", "Encode failed: %v", err)
		return
	}

	for id, ch := range db.clients {
		select {
		case ch <- data:
		default:
			logger.Debug("DetectionBroadcaster", "Client #%d too slow, event skipped", id)
		}
	}
}

// Stop closes every client channel. Later batches are ignored.
func (db *DetectionBroadcaster) Stop() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.stopped {
		return
	}
	db.stopped = true
	for id, ch := range db.clients {
		close(ch)
		delete(db.clients, id)
	}
}
