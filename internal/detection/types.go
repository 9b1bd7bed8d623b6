// Package detection holds the data exchanged with the inference service.
package detection

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ErrMalformedMessage is returned when an inbound payload is not a detection batch.
var ErrMalformedMessage = errors.New("malformed detection message")

// Detection is one object found in a frame. Box coordinates are fractions of the
// frame width/height (0..1), not pixels.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
}

// Batch is the ordered set of detections produced from one submitted frame.
// A new batch replaces the previous one entirely.
type Batch struct {
	Detections []Detection `json:"detections"`
	ReceivedAt time.Time   `json:"-"`
	Seq        uint64      `json:"-"`
}

// Len returns the number of detections in the batch.
func (b Batch) Len() int {
	return len(b.Detections)
}

// Labels returns the labels in batch order.
func (b Batch) Labels() []string {
	labels := make([]string, len(b.Detections))
	for i, d := range b.Detections {
		labels[i] = d.Label
	}
	return labels
}

type wireBatch struct {
	Detections *[]Detection `json:"detections"`
}

// ParseBatch decodes an inbound message of the form {"detections":[...]}.
func ParseBatch(data []byte) (Batch, error) {
	var w wireBatch
	if err := json.Unmarshal(data, &w); err != nil {
		return Batch{}, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	if w.Detections == nil {
		return Batch{}, errors.Wrap(ErrMalformedMessage, "missing detections field")
	}
	return Batch{Detections: *w.Detections}, nil
}

// MarshalBatch encodes a batch in the inbound wire shape.
func MarshalBatch(b Batch) ([]byte, error) {
	dets := b.Detections
	if dets == nil {
		dets = []Detection{}
	}
	return json.Marshal(wireBatch{Detections: &dets})
}
