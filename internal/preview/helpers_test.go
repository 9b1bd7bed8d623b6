package preview

import (
	"bufio"
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/live-detection/stream-client/internal/client"
	"github.com/dj-oyu/live-detection/stream-client/internal/detection"
	"github.com/dj-oyu/live-detection/stream-client/internal/fakeinference"
	"github.com/dj-oyu/live-detection/stream-client/internal/metrics"
	"github.com/dj-oyu/live-detection/stream-client/internal/pump"
	"github.com/dj-oyu/live-detection/stream-client/internal/recorder"
	"github.com/dj-oyu/live-detection/stream-client/internal/session"
	"github.com/dj-oyu/live-detection/stream-client/internal/source"
)

const waitFor = 2 * time.Second

type harness struct {
	t       *testing.T
	peer    *fakeinference.Server
	session *session.Session
	server  *Server
	mock    *clock.Mock
	baseURL string
	http    *http.Client

	observed atomic.Uint64
}

// newHarness wires a session against a fake inference peer and serves it.
// withRecorder controls whether snapshot endpoints are backed.
func newHarness(t *testing.T, withRecorder bool) *harness {
	t.Helper()

	peer := fakeinference.New(func(image.Image, detection.Settings) []detection.Detection {
		return []detection.Detection{{Label: "person", Confidence: 0.87, X1: 0.1, Y1: 0.2, X2: 0.5, Y2: 0.9}}
	})
	peerSrv := httptest.NewServer(peer.Handler())
	t.Cleanup(peerSrv.Close)

	m := metrics.New()
	mock := clock.NewMock()
	var rec *recorder.Recorder
	deps := session.Deps{
		Sources: map[session.Mode]source.Source{
			session.ModeCamera: source.NewStill(imaging.New(640, 480, color.NRGBA{G: 160, A: 255})),
			session.ModeScreen: source.NewStill(imaging.New(1280, 720, color.NRGBA{B: 160, A: 255})),
		},
		Metrics: m,
	}
	if withRecorder {
		rec = recorder.NewRecorder(t.TempDir())
		t.Cleanup(func() { _ = rec.Close() })
		deps.Snapshots = rec
	}

	sess, err := session.New(session.Config{
		Client: client.Config{BaseURL: peerSrv.URL},
		Pump:   pump.Config{FPS: 10, Clock: mock},
	}, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	cfg := DefaultConfig()
	cfg.MJPEGInterval = 10 * time.Millisecond
	var snaps SnapshotRecorder
	if rec != nil {
		snaps = rec
	}
	srv := NewServer(cfg, sess, snaps, m)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	h := &harness{
		t:       t,
		peer:    peer,
		session: sess,
		server:  srv,
		mock:    mock,
		baseURL: ts.URL,
		http:    &http.Client{Timeout: waitFor},
	}
	// Registered after the server's own observer, so it runs last.
	sess.OnBatchReceived(func(b detection.Batch) { h.observed.Store(b.Seq) })
	return h
}

func (h *harness) get(path string) (*http.Response, []byte) {
	h.t.Helper()
	resp, err := h.http.Get(h.baseURL + path)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, body
}

func (h *harness) post(path string, payload any) (*http.Response, []byte) {
	h.t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(h.t, err)
		body = bytes.NewReader(data)
	}
	resp, err := h.http.Post(h.baseURL+path, "application/json", body)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, data
}

func (h *harness) status() session.Status {
	h.t.Helper()
	resp, body := h.get("/api/status")
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	var st session.Status
	require.NoError(h.t, json.Unmarshal(body, &st), string(body))
	return st
}

// tick advances the pump once and waits until the resulting batch has been
// fully handled.
func (h *harness) tick() {
	h.t.Helper()
	before := h.observed.Load()
	h.mock.Add(100 * time.Millisecond)
	require.Eventually(h.t, func() bool { return h.observed.Load() > before }, waitFor, 5*time.Millisecond)
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload), string(body))
	return payload
}

// readSSEData reads lines until the next data event and returns its payload.
func readSSEData(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data:") {
			return []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}
