// Command fake-inference runs a stand-in inference service that answers
// every frame with a scripted detection batch.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/live-detection/stream-client/internal/fakeinference"
	"github.com/dj-oyu/live-detection/stream-client/internal/logger"
)

func main() {
	app := &cli.App{
		Name:  "fake-inference",
		Usage: "serve /health and /ws with scripted detections",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "http", Value: ":8000", Usage: "listen address"},
			&cli.BoolFlag{Name: "silent", Usage: "accept frames without replying"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "log level (debug, info, warn, error, silent)"},
			&cli.BoolFlag{Name: "log-color", Value: true, Usage: "colored log output"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fake-inference: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level, err := logger.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	logger.Init(level, os.Stderr, c.Bool("log-color"))
	defer func() { _ = logger.Sync() }()

	peer := fakeinference.New(fakeinference.DefaultGenerator)
	peer.SetSilent(c.Bool("silent"))

	srv := &http.Server{
		Addr:              c.String("http"),
		Handler:           peer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Main", "Fake inference service listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		peer.DropAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("Main", "Stopped after %d frames", peer.Frames())
	return err
}
