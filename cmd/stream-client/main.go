// Command stream-client streams camera or screen frames to an inference
// service and serves a local preview with the detections drawn on top.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/dj-oyu/live-detection/stream-client/internal/config"
	"github.com/dj-oyu/live-detection/stream-client/internal/logger"
)

const (
	flagConfig      = "config"
	flagBaseURL     = "base-url"
	flagMode        = "mode"
	flagAddr        = "http"
	flagFPS         = "fps"
	flagStill       = "still"
	flagRecordPath  = "record-path"
	flagMQTTBroker  = "mqtt-broker"
	flagMQTTTopic   = "mqtt-topic"
	flagLogLevel    = "log-level"
	flagLogColor    = "log-color"
	flagLogFile     = "log-file"
	flagAutoStart   = "start"
	flagAutoConnect = "connect"
)

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "stream-client: %v\n", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:  "stream-client",
		Usage: "stream frames to an inference service and preview detections",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"STREAM_CLIENT_CONFIG"},
			},
			&cli.StringFlag{Name: flagBaseURL, Usage: "inference service base URL", EnvVars: []string{"INFERENCE_URL"}},
			&cli.StringFlag{Name: flagMode, Usage: "frame source: camera or screen"},
			&cli.StringFlag{Name: flagAddr, Usage: "preview server address"},
			&cli.IntFlag{Name: flagFPS, Usage: "frames sent per second"},
			&cli.StringFlag{Name: flagStill, Usage: "serve the image at `FILE` instead of live capture"},
			&cli.StringFlag{Name: flagRecordPath, Usage: "snapshot output directory"},
			&cli.StringFlag{Name: flagMQTTBroker, Usage: "MQTT broker host:port; empty disables publishing"},
			&cli.StringFlag{Name: flagMQTTTopic, Usage: "MQTT topic prefix"},
			&cli.StringFlag{Name: flagLogLevel, Usage: "log level (debug, info, warn, error, silent)"},
			&cli.BoolFlag{Name: flagLogColor, Usage: "colored log output", Value: true},
			&cli.StringFlag{Name: flagLogFile, Usage: "also write logs to `FILE`, rotated"},
			&cli.BoolFlag{Name: flagAutoStart, Usage: "start the frame source on launch"},
			&cli.BoolFlag{Name: flagAutoConnect, Usage: "connect to the inference service on launch"},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := initLogger(cfg.Log); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Main", "Stream client starting...")
	logger.Info("Main", "  Inference service: %s", cfg.Client.BaseURL)
	logger.Info("Main", "  Mode: %s at %d fps", cfg.SessionMode(), cfg.Pump.FPS)
	logger.Info("Main", "  Preview server: %s", cfg.Preview.Addr)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	return a.run(ctx, c.Bool(flagAutoStart), c.Bool(flagAutoConnect))
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.DefaultConfig()
	if path := c.String(flagConfig); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	if c.IsSet(flagBaseURL) {
		cfg.Client.BaseURL = c.String(flagBaseURL)
	}
	if c.IsSet(flagMode) {
		cfg.Mode = c.String(flagMode)
	}
	if c.IsSet(flagAddr) {
		cfg.Preview.Addr = c.String(flagAddr)
	}
	if c.IsSet(flagFPS) {
		cfg.Pump.FPS = c.Int(flagFPS)
	}
	if c.IsSet(flagStill) {
		cfg.Still = c.String(flagStill)
	}
	if c.IsSet(flagRecordPath) {
		cfg.Recording.OutputPath = c.String(flagRecordPath)
	}
	if c.IsSet(flagMQTTBroker) {
		cfg.MQTT.Broker = c.String(flagMQTTBroker)
	}
	if c.IsSet(flagMQTTTopic) {
		cfg.MQTT.Topic = c.String(flagMQTTTopic)
	}
	if c.IsSet(flagLogLevel) {
		cfg.Log.Level = c.String(flagLogLevel)
	}
	if c.IsSet(flagLogColor) {
		cfg.Log.Color = c.Bool(flagLogColor)
	}
	if c.IsSet(flagLogFile) {
		cfg.Log.File = c.String(flagLogFile)
	}
	return cfg, cfg.Validate()
}

func initLogger(cfg config.Log) error {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	var out io.Writer = os.Stderr
	color := cfg.Color
	if cfg.File != "" {
		out = io.MultiWriter(os.Stderr, logger.NewRotatingFile(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups))
		// Escape codes would end up in the file.
		color = false
	}
	logger.Init(level, out, color)
	return nil
}
