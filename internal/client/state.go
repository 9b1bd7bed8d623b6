package client

import (
	"github.com/pkg/errors"

	"github.com/dj-oyu/live-detection/stream-client/internal/detection"
)

// State is the lifecycle state of the inference connection.
type State int32

const (
	Idle State = iota
	Connecting
	Open
	Closed
	Failed
)

var stateNames = map[State]string{
	Idle:       "idle",
	Connecting: "connecting",
	Open:       "open",
	Closed:     "closed",
	Failed:     "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

var (
	// ErrUnreachable means the health probe failed; no socket was dialed.
	ErrUnreachable = errors.New("inference service unreachable")
	// ErrHandshakeFailed means the probe succeeded but the socket did not open.
	ErrHandshakeFailed = errors.New("websocket handshake failed")
	// ErrConnectionLost is reported to the listener when an open socket closes
	// without a local Disconnect.
	ErrConnectionLost = errors.New("connection lost")
	// ErrAlreadyConnected is returned by Connect while connecting or open.
	ErrAlreadyConnected = errors.New("already connected")
)

// Listener receives connection events. Callbacks run on client goroutines and
// must not block for long.
type Listener interface {
	OnStateChange(state State, err error)
	OnBatch(batch detection.Batch)
}

// Stats is a snapshot of the client counters.
type Stats struct {
	FramesSent      uint64 `json:"frames_sent"`
	FramesDropped   uint64 `json:"frames_dropped"`
	SettingsSent    uint64 `json:"settings_sent"`
	SettingsDropped uint64 `json:"settings_dropped"`
	Batches         uint64 `json:"batches"`
	Malformed       uint64 `json:"malformed"`
}
