//go:build screencapture

package source

// The screen driver needs X11 headers; build with -tags screencapture to
// enable screen mode.
import _ "github.com/pion/mediadevices/pkg/driver/screen"
