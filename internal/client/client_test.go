package client

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/live-detection/stream-client/internal/detection"
	"github.com/dj-oyu/live-detection/stream-client/internal/fakeinference"
)

const waitFor = 2 * time.Second

type event struct {
	state State
	err   error
}

type recordingListener struct {
	mu      sync.Mutex
	events  []event
	batches []detection.Batch
}

func (r *recordingListener) OnStateChange(s State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{s, err})
}

func (r *recordingListener) OnBatch(b detection.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}

func (r *recordingListener) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.events))
	for i, e := range r.events {
		out[i] = e.state
	}
	return out
}

func (r *recordingListener) lastEvent() event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return event{}
	}
	return r.events[len(r.events)-1]
}

func (r *recordingListener) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := imaging.New(64, 48, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	return buf.Bytes()
}

func newPeer(t *testing.T) (*fakeinference.Server, *httptest.Server) {
	t.Helper()
	srv := fakeinference.New(func(image.Image, detection.Settings) []detection.Detection {
		return []detection.Detection{{Label: "person", Confidence: 0.87, X1: 0.1, Y1: 0.2, X2: 0.5, Y2: 0.9}}
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func connected(t *testing.T) (*Client, *recordingListener, *fakeinference.Server) {
	t.Helper()
	srv, ts := newPeer(t)
	l := &recordingListener{}
	c := New(Config{BaseURL: ts.URL}, l, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	require.Eventually(t, func() bool { return srv.Connected() == 1 }, waitFor, 10*time.Millisecond)
	return c, l, srv
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestSocketURL(t *testing.T) {
	u, err := socketURL("http://localhost:8000")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/ws", u)

	u, err = socketURL("https://infer.example.com/api/")
	require.NoError(t, err)
	assert.Equal(t, "wss://infer.example.com/api/ws", u)

	_, err = socketURL("ftp://example.com")
	assert.Error(t, err)
}

func TestConnectOpensAndNotifies(t *testing.T) {
	c, l, srv := connected(t)

	assert.True(t, c.IsOpen())
	assert.Equal(t, []State{Connecting, Open}, l.states())
	assert.Equal(t, 1, srv.Accepted())
}

func TestConnectUnreachableDoesNotDial(t *testing.T) {
	srv, ts := newPeer(t)
	srv.SetHealthy(false)
	l := &recordingListener{}
	c := New(Config{BaseURL: ts.URL}, l, nil)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable))
	assert.Equal(t, Failed, c.State())
	assert.Equal(t, 0, srv.Accepted())
	assert.Equal(t, []State{Connecting, Failed}, l.states())
}

func TestConnectServiceDown(t *testing.T) {
	_, ts := newPeer(t)
	base := ts.URL
	ts.Close()

	c := New(Config{BaseURL: base}, nil, nil)
	err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrUnreachable))
	assert.False(t, c.IsOpen())
}

func TestConnectHandshakeFailed(t *testing.T) {
	srv, ts := newPeer(t)
	srv.RejectUpgrades(true)
	c := New(Config{BaseURL: ts.URL}, nil, nil)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandshakeFailed))
	assert.Equal(t, Failed, c.State())
}

func TestConnectTwiceKeepsOneSocket(t *testing.T) {
	c, _, srv := connected(t)

	err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrAlreadyConnected))
	assert.Equal(t, 1, srv.Accepted())
}

func TestReconnectAfterFailure(t *testing.T) {
	srv, ts := newPeer(t)
	srv.SetHealthy(false)
	c := New(Config{BaseURL: ts.URL}, nil, nil)
	require.Error(t, c.Connect(context.Background()))

	srv.SetHealthy(true)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	assert.True(t, c.IsOpen())
}

func TestSendDeliversFrameAndBatch(t *testing.T) {
	c, l, srv := connected(t)
	frame := testJPEG(t)

	require.True(t, c.Send(frame))
	require.Eventually(t, func() bool { return l.batchCount() == 1 }, waitFor, 10*time.Millisecond)

	assert.Equal(t, frame, srv.LastFrame())
	l.mu.Lock()
	b := l.batches[0]
	l.mu.Unlock()
	require.Equal(t, 1, b.Len())
	assert.Equal(t, "person", b.Detections[0].Label)
	assert.Equal(t, uint64(1), b.Seq)
	assert.False(t, b.ReceivedAt.IsZero())
	assert.Equal(t, uint64(1), c.Stats().FramesSent)
}

func TestSendWhenNotOpen(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"}, nil, nil)
	assert.False(t, c.Send([]byte{1, 2, 3}))
	assert.Equal(t, uint64(1), c.Stats().FramesDropped)
}

func TestSendReplacesPendingFrame(t *testing.T) {
	c := New(Config{}, nil, nil)
	// An open link with no writer goroutine keeps the slot occupied.
	l := &link{frames: make(chan []byte, 1), settings: make(chan []byte, 1), done: make(chan struct{})}
	c.link = l
	c.state = Open

	assert.True(t, c.Send([]byte("first")))
	assert.True(t, c.Send([]byte("second")))
	assert.True(t, c.Send([]byte("third")))

	assert.Len(t, l.frames, 1)
	assert.Equal(t, "dGhpcmQ=", string(<-l.frames))
	assert.Equal(t, uint64(2), c.Stats().FramesDropped)
}

func TestSendSettings(t *testing.T) {
	c, _, srv := connected(t)

	s := detection.Settings{Model: detection.ModelYOLOv8s, Confidence: 0.5, IoU: 0.6, MaxDetections: 7}
	require.True(t, c.SendSettings(s))
	require.Eventually(t, func() bool {
		_, n := srv.Settings()
		return n == 1
	}, waitFor, 10*time.Millisecond)

	got, _ := srv.Settings()
	assert.Equal(t, s, got)
}

func TestSendSettingsWhileDisconnectedIsDropped(t *testing.T) {
	c := New(Config{}, nil, nil)
	assert.False(t, c.SendSettings(detection.DefaultSettings()))
	assert.Equal(t, uint64(1), c.Stats().SettingsDropped)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	c, l, srv := connected(t)

	srv.Broadcast([]byte("not json"))
	srv.Broadcast([]byte(`{"status":"ok"}`))
	srv.Broadcast([]byte(`{"detections":[]}`))

	require.Eventually(t, func() bool { return l.batchCount() == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, uint64(2), c.Stats().Malformed)
	assert.True(t, c.IsOpen())
}

func TestRemoteCloseReportsConnectionLost(t *testing.T) {
	c, l, srv := connected(t)

	srv.DropAll()
	require.Eventually(t, func() bool { return l.lastEvent().state == Closed }, waitFor, 10*time.Millisecond)

	assert.True(t, errors.Is(l.lastEvent().err, ErrConnectionLost))
	assert.Equal(t, Closed, c.State())
	assert.False(t, c.Send([]byte{1}))

	// Closed allows a fresh attempt.
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsOpen())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	c, l, srv := connected(t)

	c.Disconnect()
	c.Disconnect()

	assert.Equal(t, Idle, c.State())
	assert.Equal(t, []State{Connecting, Open, Idle}, l.states())
	require.Eventually(t, func() bool { return srv.Connected() == 0 }, waitFor, 10*time.Millisecond)

	// Local disconnect never surfaces as a lost connection.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Idle, l.lastEvent().state)
}

func TestDisconnectWhenIdle(t *testing.T) {
	l := &recordingListener{}
	c := New(Config{}, l, nil)
	c.Disconnect()
	assert.Empty(t, l.states())
}
