package detection

import (
	"encoding/json"
	"fmt"
)

// Model identifies a detector model supported by the inference service.
type Model string

const (
	ModelYOLOv8n Model = "yolov8n"
	ModelYOLOv8s Model = "yolov8s"
	ModelYOLOv8m Model = "yolov8m"
	ModelYOLOv8l Model = "yolov8l"
	ModelYOLOv8x Model = "yolov8x"
)

// Models lists the supported models in display order.
var Models = []Model{ModelYOLOv8n, ModelYOLOv8s, ModelYOLOv8m, ModelYOLOv8l, ModelYOLOv8x}

// ParseModel validates a model identifier.
func ParseModel(s string) (Model, error) {
	for _, m := range Models {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unsupported model: %q", s)
}

const (
	minMaxDetections = 1
	maxMaxDetections = 100
)

// Settings is the detector configuration forwarded to the inference service.
type Settings struct {
	Model         Model   `json:"model" yaml:"model"`
	Confidence    float64 `json:"confidence" yaml:"confidence"`
	IoU           float64 `json:"iou" yaml:"iou"`
	MaxDetections int     `json:"maxDetections" yaml:"max_detections"`
}

// DefaultSettings returns the settings used before the user changes anything.
func DefaultSettings() Settings {
	return Settings{
		Model:         ModelYOLOv8n,
		Confidence:    0.25,
		IoU:           0.45,
		MaxDetections: 100,
	}
}

// Clamp brings numeric fields into range. The model is not validated here.
func (s Settings) Clamp() Settings {
	s.Confidence = clampUnit(s.Confidence)
	s.IoU = clampUnit(s.IoU)
	if s.MaxDetections < minMaxDetections {
		s.MaxDetections = minMaxDetections
	}
	if s.MaxDetections > maxMaxDetections {
		s.MaxDetections = maxMaxDetections
	}
	return s
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// PartialSettings carries the fields of an update; nil fields are left unchanged.
type PartialSettings struct {
	Model         *Model   `json:"model,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	IoU           *float64 `json:"iou,omitempty"`
	MaxDetections *int     `json:"maxDetections,omitempty"`
}

// Merge applies the non-nil fields of p on top of s.
func (s Settings) Merge(p PartialSettings) Settings {
	if p.Model != nil {
		s.Model = *p.Model
	}
	if p.Confidence != nil {
		s.Confidence = *p.Confidence
	}
	if p.IoU != nil {
		s.IoU = *p.IoU
	}
	if p.MaxDetections != nil {
		s.MaxDetections = *p.MaxDetections
	}
	return s
}

// settingsMessage is the outbound settings update: a "type" discriminator plus
// every settings field.
type settingsMessage struct {
	Type string `json:"type"`
	Settings
}

// MarshalSettingsMessage encodes s as a settings-update message.
func MarshalSettingsMessage(s Settings) ([]byte, error) {
	return json.Marshal(settingsMessage{Type: "settings", Settings: s})
}
