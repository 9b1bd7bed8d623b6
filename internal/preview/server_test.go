package preview

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/live-detection/stream-client/internal/detection"
	"github.com/dj-oyu/live-detection/stream-client/internal/session"
)

func TestIndex(t *testing.T) {
	h := newHarness(t, false)
	resp, body := h.get("/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), `src="/stream"`)
}

func TestStatusInitial(t *testing.T) {
	h := newHarness(t, false)
	st := h.status()
	assert.Equal(t, session.ModeCamera, st.Mode)
	assert.Equal(t, "idle", st.Connection)
	assert.Equal(t, "Camera is off", st.Message.Text)
	assert.Equal(t, detection.DefaultSettings(), st.Settings)
	assert.Empty(t, st.Detections)
}

func TestControlFlow(t *testing.T) {
	h := newHarness(t, false)

	resp, _ := h.post("/api/source/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := h.status()
	assert.True(t, st.SourceActive)
	assert.Equal(t, 640, st.Width)

	resp, body := h.post("/api/connect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	st = h.status()
	assert.Equal(t, "open", st.Connection)
	assert.Equal(t, session.ToneConnected, st.Message.Tone)

	h.tick()
	st = h.status()
	require.Len(t, st.Detections, 1)
	assert.Equal(t, "person", st.Detections[0].Label)
	assert.Equal(t, "#ef4444", st.LabelColors["person"])
	assert.Equal(t, uint64(1), st.Pump.Sent)

	resp, _ = h.post("/api/connect", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.post("/api/disconnect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = h.status()
	assert.Equal(t, "idle", st.Connection)
	assert.Equal(t, "Disconnected from backend", st.Message.Text)
	assert.Empty(t, st.Detections)

	resp, _ = h.post("/api/source/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, h.status().SourceActive)
}

func TestConnectUnreachable(t *testing.T) {
	h := newHarness(t, false)
	h.peer.SetHealthy(false)

	resp, body := h.post("/api/connect", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, decodeJSONMap(t, body)["error"], "unreachable")

	st := h.status()
	assert.Equal(t, "failed", st.Connection)
	assert.Equal(t, session.ToneError, st.Message.Tone)
}

func TestModeEndpoint(t *testing.T) {
	h := newHarness(t, false)

	resp, _ := h.post("/api/mode", map[string]string{"mode": "upload"})
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, _ = h.post("/api/mode", map[string]string{"mode": "webcam"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.post("/api/mode", map[string]string{"mode": "screen"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := h.status()
	assert.Equal(t, session.ModeScreen, st.Mode)
	assert.Equal(t, "Screen share is off", st.Message.Text)
}

func TestMirrorEndpoint(t *testing.T) {
	h := newHarness(t, false)

	resp, _ := h.post("/api/mirror", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.post("/api/mirror", map[string]bool{"mirrored": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, h.status().Mirrored)
}

func TestSettingsEndpoint(t *testing.T) {
	h := newHarness(t, false)

	resp, body := h.post("/api/settings", map[string]any{"confidence": 0.6, "maxDetections": 500})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Settings detection.Settings `json:"settings"`
		Sent     bool               `json:"sent"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.False(t, got.Sent)
	assert.Equal(t, 0.6, got.Settings.Confidence)
	assert.Equal(t, 100, got.Settings.MaxDetections)

	resp, _ = h.post("/api/settings", map[string]any{"model": "yolov9"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.post("/api/connect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = h.post("/api/settings", map[string]any{"model": "yolov8s"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.True(t, got.Sent)

	require.Eventually(t, func() bool {
		s, _ := h.peer.Settings()
		return s.Model == detection.ModelYOLOv8s
	}, waitFor, 5*time.Millisecond)
	remote, _ := h.peer.Settings()
	assert.Equal(t, 0.6, remote.Confidence)
}

func TestDetectionsStream(t *testing.T) {
	h := newHarness(t, false)
	_, _ = h.post("/api/source/start", nil)
	resp, _ := h.post("/api/connect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/detections/stream", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Contains(t, stream.Header.Get("Content-Type"), "text/event-stream")
	require.Eventually(t, func() bool { return h.server.detectionBroadcaster.Clients() == 1 }, waitFor, 5*time.Millisecond)

	h.tick()

	var event struct {
		Seq        uint64                `json:"seq"`
		Timestamp  float64               `json:"timestamp"`
		Detections []detection.Detection `json:"detections"`
	}
	require.NoError(t, json.Unmarshal(readSSEData(t, bufio.NewReader(stream.Body)), &event))
	assert.Equal(t, h.session.Latest().Seq, event.Seq)
	assert.Positive(t, event.Timestamp)
	require.Len(t, event.Detections, 1)
	assert.Equal(t, "person", event.Detections[0].Label)
}

func TestStatusStream(t *testing.T) {
	h := newHarness(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/status/stream", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()

	payload := decodeJSONMap(t, readSSEData(t, bufio.NewReader(stream.Body)))
	assert.Equal(t, "camera", payload["mode"])
	assert.Equal(t, "idle", payload["connection"])
}

func TestMJPEGStream(t *testing.T) {
	h := newHarness(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/stream", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()

	contentType := stream.Header.Get("Content-Type")
	assert.True(t, strings.Contains(contentType, "multipart/x-mixed-replace") && strings.Contains(contentType, "boundary=frame"), contentType)

	r := bufio.NewReader(stream.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "--frame\r\n", line)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Content-Type: image/jpeg\r\n", line)
	assert.Equal(t, 1, h.server.broadcaster.Clients())
}

func TestSnapshotsEndpoints(t *testing.T) {
	h := newHarness(t, true)

	resp, body := h.post("/api/snapshots/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	started := decodeJSONMap(t, body)
	assert.Equal(t, "recording", started["status"])
	assert.NotEmpty(t, started["dir"])

	resp, _ = h.post("/api/snapshots/start", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, _ = h.post("/api/source/start", nil)
	_, _ = h.post("/api/connect", nil)
	h.tick()

	resp, body = h.get("/api/snapshots/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeJSONMap(t, body)["recording"])

	resp, body = h.post("/api/snapshots/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stopped := decodeJSONMap(t, body)
	assert.Equal(t, "stopped", stopped["status"])
	assert.Equal(t, started["dir"], stopped["dir"])

	resp, _ = h.post("/api/snapshots/stop", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSnapshotsUnconfigured(t *testing.T) {
	h := newHarness(t, false)
	resp, _ := h.post("/api/snapshots/start", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body := h.get("/api/snapshots/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decodeJSONMap(t, body)["recording"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, false)
	resp, body := h.get("/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "detect_preview_clients")
	assert.Contains(t, string(body), "detect_connection_state")
}

func TestCORS(t *testing.T) {
	h := newHarness(t, false)
	req, err := http.NewRequest(http.MethodGet, h.baseURL+"/api/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.test")
	resp, err := h.http.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
