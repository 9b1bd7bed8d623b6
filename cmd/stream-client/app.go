package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/live-detection/stream-client/internal/config"
	"github.com/dj-oyu/live-detection/stream-client/internal/emitter"
	"github.com/dj-oyu/live-detection/stream-client/internal/logger"
	"github.com/dj-oyu/live-detection/stream-client/internal/metrics"
	"github.com/dj-oyu/live-detection/stream-client/internal/preview"
	"github.com/dj-oyu/live-detection/stream-client/internal/recorder"
	"github.com/dj-oyu/live-detection/stream-client/internal/session"
	"github.com/dj-oyu/live-detection/stream-client/internal/source"
)

const shutdownTimeout = 5 * time.Second

// app owns every long-lived component of the process.
type app struct {
	cfg        config.Config
	metrics    *metrics.Metrics
	emitter    *emitter.Emitter
	recorder   *recorder.Recorder
	session    *session.Session
	preview    *preview.Server
	httpServer *http.Server
}

func newApp(cfg config.Config) (*app, error) {
	sources, err := buildSources(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	em := emitter.New(cfg.MQTT)
	rec := recorder.NewRecorder(cfg.Recording.OutputPath)

	sess, err := session.New(session.Config{
		Mode:        cfg.SessionMode(),
		Client:      cfg.Client,
		Pump:        cfg.Pump,
		Settings:    cfg.Settings,
		RenderScale: cfg.RenderScale,
	}, session.Deps{
		Sources:   sources,
		Metrics:   m,
		Publisher: em,
		Snapshots: rec,
	})
	if err != nil {
		return nil, err
	}

	pv := preview.NewServer(cfg.Preview, sess, rec, m)
	return &app{
		cfg:      cfg,
		metrics:  m,
		emitter:  em,
		recorder: rec,
		session:  sess,
		preview:  pv,
		httpServer: &http.Server{
			Addr:              cfg.Preview.Addr,
			Handler:           pv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// buildSources returns a still source for both modes when one is configured,
// live capture otherwise.
func buildSources(cfg config.Config) (map[session.Mode]source.Source, error) {
	if cfg.Still != "" {
		camera, err := source.OpenStill(cfg.Still)
		if err != nil {
			return nil, err
		}
		screen, err := source.OpenStill(cfg.Still)
		if err != nil {
			return nil, err
		}
		logger.Info("Main", "Serving still image %s", cfg.Still)
		return map[session.Mode]source.Source{
			session.ModeCamera: camera,
			session.ModeScreen: screen,
		}, nil
	}
	return map[session.Mode]source.Source{
		session.ModeCamera: source.NewCamera(cfg.Capture.Camera),
		session.ModeScreen: source.NewScreen(cfg.Capture.Screen),
	}, nil
}

// run serves until ctx is cancelled, then shuts everything down.
func (a *app) run(ctx context.Context, autoStart, autoConnect bool) error {
	if a.emitter.Enabled() {
		if err := a.emitter.Connect(ctx); err != nil {
			// Publishing is optional; the pipeline runs without it.
			logger.Warn("Main", "MQTT unavailable: %v", err)
		} else {
			logger.Info("Main", "Publishing detections to %s", a.emitter.Topic())
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Main", "Preview server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "preview server")
		}
		return nil
	})

	if autoStart || autoConnect {
		g.Go(func() error {
			a.autostart(gctx, autoStart, autoConnect)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	logger.Info("Main", "Stream client stopped")
	return err
}

// autostart failures are reported through the session status, not fatal.
func (a *app) autostart(ctx context.Context, start, connect bool) {
	if start {
		if err := a.session.StartSource(ctx); err != nil {
			logger.Warn("Main", "Source start failed: %v", err)
			return
		}
	}
	if connect {
		if err := a.session.Connect(ctx); err != nil {
			logger.Warn("Main", "Connect failed: %v", err)
		}
	}
}

func (a *app) shutdown() error {
	logger.Info("Main", "Shutting down...")

	// Streams end when their broadcasters stop; Shutdown would wait on them.
	a.preview.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, a.httpServer.Close())
	}

	errs = multierr.Append(errs, a.session.Close())
	errs = multierr.Append(errs, a.recorder.Close())
	a.emitter.Close()
	return errs
}
