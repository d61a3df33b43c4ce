package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobmcallan/sweep/internal/app"
	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/server"
)

// Exit codes: 0 clean shutdown, 1 startup failure, 2 unusable configuration,
// 130 terminated by signal.
const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
	exitSignal = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	// Optional config path argument; otherwise SWEEP_CONFIG and the
	// binary-relative fallbacks apply.
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	a, err := app.NewApp(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		if errors.Is(err, common.ErrConfig) {
			return exitConfig
		}
		return exitError
	}

	common.PrintBanner(a.Config, a.Logger)

	if err := a.Start(); err != nil {
		a.Logger.Error().Err(err).Msg("Failed to start services")
		a.Close()
		return exitError
	}

	srv := server.NewServer(a)
	shutdownChan := make(chan struct{}, 1)
	srv.SetShutdownChannel(shutdownChan)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	a.Logger.Info().
		Str("url", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)).
		Str("mcp", fmt.Sprintf("http://localhost:%d/mcp", a.Config.Server.Port)).
		Msg("Server ready")

	// Wait for interrupt signal, API shutdown, or server failure
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	code := exitOK
	select {
	case sig := <-sigChan:
		a.Logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		code = exitSignal
	case <-shutdownChan:
		a.Logger.Info().Msg("Shutdown requested via API")
	case err := <-errChan:
		a.Logger.Error().Err(err).Msg("HTTP server failed")
		code = exitError
	}

	// Graceful shutdown: stop accepting, drain in-flight requests, then
	// stop the engine so running jobs checkpoint and requeue.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	a.Close()
	common.PrintShutdownBanner(a.Logger)
	return code
}
