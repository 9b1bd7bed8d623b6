package session

import (
	"github.com/pkg/errors"

	"github.com/dj-oyu/live-detection/stream-client/internal/client"
	"github.com/dj-oyu/live-detection/stream-client/internal/detection"
	"github.com/dj-oyu/live-detection/stream-client/internal/emitter"
	"github.com/dj-oyu/live-detection/stream-client/internal/pump"
)

// Mode selects where frames come from.
type Mode string

const (
	ModeCamera Mode = "camera"
	ModeScreen Mode = "screen"
	ModeUpload Mode = "upload"
)

var (
	// ErrUploadUnsupported is returned for the upload mode, which has no
	// streaming path.
	ErrUploadUnsupported = errors.New("upload mode is not supported")
	ErrUnknownMode       = errors.New("unknown mode")
)

// ParseMode validates a mode name. "live" is accepted for the camera.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "camera", "live":
		return ModeCamera, nil
	case "screen":
		return ModeScreen, nil
	case "upload":
		return ModeUpload, nil
	}
	return "", errors.Wrapf(ErrUnknownMode, "%q", s)
}

// Tone classifies a status message for display.
type Tone string

const (
	ToneNone      Tone = ""
	ToneActive    Tone = "active"
	ToneConnected Tone = "connected"
	ToneError     Tone = "error"
)

// Message is the user-facing status line.
type Message struct {
	Text string `json:"text"`
	Tone Tone   `json:"tone"`
}

type phrasebook struct {
	off, started, startFailed, stopped   string
	connecting, connected, connectFailed string
}

var phrases = map[Mode]phrasebook{
	ModeCamera: {
		off:           "Camera is off",
		started:       "Camera is On - connect to start detections",
		startFailed:   "Failed to access camera",
		stopped:       "Camera is off",
		connecting:    "Connecting...",
		connected:     "Connected - YOLO is running",
		connectFailed: "connection failed, check backend",
	},
	ModeScreen: {
		off:           "Screen share is off",
		started:       "Screen share active — connect to start detection",
		startFailed:   "Failed to start screen share",
		stopped:       "Screen share stopped",
		connecting:    "Connecting…",
		connected:     "Connected — YOLO is processing full screen",
		connectFailed: "Connection failed — is the backend running?",
	},
}

const (
	textDisconnected   = "Disconnected from backend"
	textConnectionLost = "Connection lost - reconnect to resume detections"
)

// Status is a snapshot of the whole pipeline.
type Status struct {
	Mode         Mode                  `json:"mode"`
	SourceActive bool                  `json:"source_active"`
	Mirrored     bool                  `json:"mirrored"`
	Width        int                   `json:"width"`
	Height       int                   `json:"height"`
	Connection   string                `json:"connection"`
	Message      Message               `json:"message"`
	Settings     detection.Settings    `json:"settings"`
	Detections   []detection.Detection `json:"detections"`
	BatchSeq     uint64                `json:"batch_seq"`
	LabelColors  map[string]string     `json:"label_colors"`
	Pump         pump.Stats            `json:"pump"`
	Client       client.Stats          `json:"client"`
	Emitter      emitter.Stats         `json:"emitter"`
}
