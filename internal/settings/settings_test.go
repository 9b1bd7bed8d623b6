package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/live-detection/stream-client/internal/detection"
)

type fakeSender struct {
	open bool
	sent []detection.Settings
}

func (f *fakeSender) SendSettings(s detection.Settings) bool {
	if !f.open {
		return false
	}
	f.sent = append(f.sent, s)
	return true
}

func TestUpdateForwardsFullSettings(t *testing.T) {
	sender := &fakeSender{open: true}
	ch := New(detection.DefaultSettings(), sender)

	conf := 0.6
	got, sent := ch.Update(detection.PartialSettings{Confidence: &conf})
	require.True(t, sent)
	assert.Equal(t, 0.6, got.Confidence)
	assert.Equal(t, detection.ModelYOLOv8n, got.Model)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, got, sender.sent[0])
	assert.Equal(t, got, ch.Current())
}

func TestUpdateWhileDisconnectedAppliesLocally(t *testing.T) {
	sender := &fakeSender{}
	ch := New(detection.DefaultSettings(), sender)

	model := detection.ModelYOLOv8l
	got, sent := ch.Update(detection.PartialSettings{Model: &model})
	assert.False(t, sent)
	assert.Equal(t, detection.ModelYOLOv8l, ch.Current().Model)
	assert.Equal(t, got, ch.Current())

	// Reconnecting does not replay it.
	sender.open = true
	assert.Empty(t, sender.sent)
}

func TestUpdateClamps(t *testing.T) {
	ch := New(detection.DefaultSettings(), nil)
	limit := 500
	iou := -1.0
	got, sent := ch.Update(detection.PartialSettings{MaxDetections: &limit, IoU: &iou})
	assert.False(t, sent)
	assert.Equal(t, 100, got.MaxDetections)
	assert.Equal(t, 0.0, got.IoU)
}

func TestEmptyModelKeepsCurrent(t *testing.T) {
	ch := New(detection.DefaultSettings(), nil)
	empty := detection.Model("")
	got, _ := ch.Update(detection.PartialSettings{Model: &empty})
	assert.Equal(t, detection.ModelYOLOv8n, got.Model)
}
