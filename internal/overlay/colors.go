package overlay

import (
	"sync"

	"github.com/lucasb-eyer/go-colorful"
)

// Palette is the fixed label palette in assignment order.
var Palette = []string{
	"#ef4444", // red
	"#3b82f6", // blue
	"#22c55e", // green
	"#f59e0b", // amber
	"#a855f7", // purple
	"#ec4899", // pink
}

var paletteColors = mustParsePalette(Palette)

func mustParsePalette(hexes []string) []colorful.Color {
	out := make([]colorful.Color, len(hexes))
	for i, h := range hexes {
		c, err := colorful.Hex(h)
		if err != nil {
			panic(err)
		}
		out[i] = c
	}
	return out
}

// LabelColors assigns palette colors to labels in first-seen order. An
// assignment never changes for the life of the map.
type LabelColors struct {
	mu       sync.Mutex
	assigned map[string]colorful.Color
}

// NewLabelColors returns an empty assignment map.
func NewLabelColors() *LabelColors {
	return &LabelColors{assigned: make(map[string]colorful.Color)}
}

// Color returns the color of label, assigning the next palette entry on first use.
func (lc *LabelColors) Color(label string) colorful.Color {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if c, ok := lc.assigned[label]; ok {
		return c
	}
	c := paletteColors[len(lc.assigned)%len(paletteColors)]
	lc.assigned[label] = c
	return c
}

// Hex returns the assigned colors as hex strings, keyed by label.
func (lc *LabelColors) Hex() map[string]string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	out := make(map[string]string, len(lc.assigned))
	for label, c := range lc.assigned {
		out[label] = c.Hex()
	}
	return out
}

// Len returns the number of labels seen.
func (lc *LabelColors) Len() int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return len(lc.assigned)
}
