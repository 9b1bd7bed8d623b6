package recorder

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dj-oyu/live-detection/stream-client/internal/detection"
	"github.com/dj-oyu/live-detection/stream-client/internal/logger"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// Snapshot is one composited frame with the batch drawn on it.
type Snapshot struct {
	Image image.Image
	Batch detection.Batch
}

// Recorder writes composited snapshots to a per-session directory
type Recorder struct {
	mu           sync.RWMutex
	basePath     string
	dir          string
	index        *os.File
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	dropped      uint64
	startTime    time.Time
	snapChan     chan Snapshot
	wg           sync.WaitGroup
}

// NewRecorder creates a new recorder rooted at basePath
func NewRecorder(basePath string) *Recorder {
	return &Recorder{
		basePath: basePath,
	}
}

// Start creates a new session directory and begins accepting snapshots.
// It returns the directory path.
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}

	name := fmt.Sprintf("snapshots_%s_%s", time.Now().Format("20060102_150405"), uuid.NewString()[:8])
	dir := filepath.Join(r.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create snapshot dir")
	}
	index, err := os.Create(filepath.Join(dir, "detections.jsonl"))
	if err != nil {
		return "", errors.Wrap(err, "failed to create index")
	}

	r.dir = dir
	r.index = index
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.dropped = 0
	r.startTime = time.Now()
	r.snapChan = make(chan Snapshot, 30)

	r.wg.Add(1)
	go r.writeSnapshots(r.snapChan)

	logger.Info("Recorder", "Recording snapshots to %s", dir)
	return dir, nil
}

// Stop stops recording, flushes queued snapshots and returns the directory.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	r.recording = false
	close(r.snapChan)
	dir := r.dir
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.index != nil {
		err = r.index.Close()
		r.index = nil
	}
	logger.Info("Recorder", "Stopped: %d snapshots, %d bytes", r.frameCount, r.bytesWritten)
	return dir, errors.Wrap(err, "failed to close index")
}

// Submit queues a snapshot without blocking. It returns false when not
// recording or when the queue is full.
func (r *Recorder) Submit(s Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return false
	}
	select {
	case r.snapChan <- s:
		return true
	default:
		r.dropped++
		return false
	}
}

func (r *Recorder) writeSnapshots(ch <-chan Snapshot) {
	defer r.wg.Done()
	for s := range ch {
		r.writeSnapshot(s)
	}
}

func (r *Recorder) writeSnapshot(s Snapshot) {
	if s.Image == nil {
		return
	}

	r.mu.RLock()
	n := r.frameCount
	dir := r.dir
	r.mu.RUnlock()

	name := fmt.Sprintf("%06d.jpg", n)
	path := filepath.Join(dir, name)
	if err := imaging.Save(s.Image, path, imaging.JPEGQuality(85)); err != nil {
		logger.Warn("Recorder", "Snapshot write failed: %v", err)
		return
	}
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}

	line, err := json.Marshal(indexEntry{
		File:       name,
		Seq:        s.Batch.Seq,
		ReceivedAt: s.Batch.ReceivedAt,
		Detections: s.Batch.Detections,
	})
	if err != nil {
		logger.Warn("Recorder", "Index encode failed: %v", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index != nil {
		if _, err := r.index.Write(append(line, '\n')); err != nil {
			logger.Warn("Recorder", "Index write failed: %v", err)
		}
	}
	r.frameCount++
	r.bytesWritten += uint64(size)
}

type indexEntry struct {
	File       string                `json:"file"`
	Seq        uint64                `json:"seq"`
	ReceivedAt time.Time             `json:"received_at"`
	Detections []detection.Detection `json:"detections"`
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		Dir:          r.dir,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		Dropped:      r.dropped,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops recording if active
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Dir          string    `json:"dir"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	Dropped      uint64    `json:"dropped"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
