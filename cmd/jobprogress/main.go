// Package main wires together the job progress client binary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-job-progress/internal/config"
	"github.com/JakeFAU/realtime-job-progress/internal/progress"
	"github.com/JakeFAU/realtime-job-progress/internal/server"
)

const (
	exitOK = iota
	exitError
	exitJobFailed
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "Path to config file")
	archive := flag.String("file", "", "Archive to import; without it the client only serves status")
	kind := flag.String("kind", "", "Job kind, defaults to service.job_kind")
	timeout := flag.Duration("timeout", 0, "Give up waiting for the outcome after this long; 0 waits until interrupted")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return exitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		return exitError
	}

	if *archive == "" {
		if err := app.Run(ctx); err != nil {
			zap.L().Error("application error", zap.Error(err))
			return exitError
		}
		return exitOK
	}
	return importArchive(ctx, app, *kind, *archive, *timeout)
}

func importArchive(ctx context.Context, app *server.App, kind, archive string, timeout time.Duration) int {
	logger := zap.L()
	app.Start()

	serveCtx, stopServe := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- app.Serve(serveCtx) }()

	jobCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	state, jobErr := app.RunJob(jobCtx, kind, archive)

	stopServe()
	if err := <-served; err != nil {
		logger.Warn("status server stopped with error", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Close(shutdownCtx); err != nil {
		logger.Warn("shutdown failed", zap.Error(err))
	}

	if jobErr != nil {
		fmt.Fprintf(os.Stderr, "import failed: %v\n", jobErr)
		return exitError
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(state); err != nil {
		fmt.Fprintf(os.Stderr, "write result failed: %v\n", err)
	}
	if state.Status == progress.StatusFailed {
		return exitJobFailed
	}
	return exitOK
}
