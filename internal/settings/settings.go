// Package settings holds the detector settings and forwards changes to the
// inference connection.
package settings

import (
	"sync"

	"github.com/dj-oyu/live-detection/stream-client/internal/detection"
	"github.com/dj-oyu/live-detection/stream-client/internal/logger"
)

// Sender delivers a settings update. It reports false when the update was
// dropped.
type Sender interface {
	SendSettings(s detection.Settings) bool
}

// Channel keeps the locally applied settings. Updates are applied locally
// first and then forwarded; a dropped update is not retried.
type Channel struct {
	sender Sender

	mu      sync.Mutex
	current detection.Settings
}

// New returns a channel starting from initial (clamped).
func New(initial detection.Settings, sender Sender) *Channel {
	return &Channel{sender: sender, current: initial.Clamp()}
}

// Update merges p into the current settings, stores the result and forwards
// it. It returns the stored settings and whether they were forwarded.
func (c *Channel) Update(p detection.PartialSettings) (detection.Settings, bool) {
	c.mu.Lock()
	next := c.current.Merge(p).Clamp()
	if next.Model == "" {
		next.Model = c.current.Model
	}
	c.current = next
	c.mu.Unlock()

	if c.sender == nil {
		return next, false
	}
	sent := c.sender.SendSettings(next)
	if sent {
		logger.Debug("Settings", "Forwarded model=%s conf=%.2f iou=%.2f max=%d",
			next.Model, next.Confidence, next.IoU, next.MaxDetections)
	}
	return next, sent
}

// Current returns the locally applied settings.
func (c *Channel) Current() detection.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
