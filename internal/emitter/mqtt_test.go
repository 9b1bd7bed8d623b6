package emitter

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/live-detection/stream-client/internal/detection"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, payload: payload.([]byte)})
	return newToken(f.err)
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestDisabledEmitter(t *testing.T) {
	e := New(DefaultConfig())
	assert.False(t, e.Enabled())
	assert.NoError(t, e.Connect(context.Background()))
	assert.False(t, e.Publish(detection.Batch{}))
	e.Close()
}

func TestPublishBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker = "localhost:1883"
	cfg.Topic = "lab/detections/"
	e := New(cfg)
	pub := &fakePublisher{}
	e.start(pub)
	defer e.Close()

	assert.True(t, strings.HasPrefix(e.Topic(), "lab/detections/"))

	b := detection.Batch{Seq: 3, Detections: []detection.Detection{{Label: "dog", Confidence: 0.7}}}
	require.True(t, e.Publish(b))
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, time.Millisecond)

	pub.mu.Lock()
	msg := pub.msgs[0]
	pub.mu.Unlock()
	assert.Equal(t, e.Topic(), msg.topic)

	var got message
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, uint64(3), got.Seq)
	assert.Equal(t, "dog", got.Detections[0].Label)
	assert.Equal(t, uint64(1), e.Stats().Published)
}

func TestPublishErrorsCounted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker = "localhost:1883"
	e := New(cfg)
	e.start(&fakePublisher{err: errors.New("not authorized")})
	defer e.Close()

	require.True(t, e.Publish(detection.Batch{}))
	require.Eventually(t, func() bool { return e.Stats().Errors == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, e.Stats().Published)
}

func TestPublishAfterClose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker = "localhost:1883"
	e := New(cfg)
	e.start(&fakePublisher{})
	e.Close()
	e.Close()
	assert.False(t, e.Publish(detection.Batch{}))
}
