package preview

import "time"

// Config defines the runtime configuration for the preview server.
type Config struct {
	Addr           string        `yaml:"addr"`
	MJPEGInterval  time.Duration `yaml:"mjpeg_interval"`
	StatusInterval time.Duration `yaml:"status_interval"`
	CORSOrigins    []string      `yaml:"cors_origins"`
}

// DefaultConfig serves on :8090 at 10 preview frames per second.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8090",
		MJPEGInterval:  100 * time.Millisecond,
		StatusInterval: 2 * time.Second,
		CORSOrigins:    []string{"*"},
	}
}
