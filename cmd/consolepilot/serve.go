package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/entrhq/consolepilot/pkg/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session supervisors and the HTTP API",
	Long: `Start the browser session, the health monitor, crash recovery and the
scheduled relogin, then serve the HTTP API until SIGINT or SIGTERM.

Example:
  consolepilot serve
  consolepilot serve --config /etc/consolepilot.yaml --log-level debug
`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	defer logger.Close()

	sup, err := newSupervisor(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A failed first login is left to recovery and manual relogin.
	if err := sup.Start(ctx); err != nil {
		logger.Warnf("Starting without an initialized session: %v", err)
	}

	router := api.NewRouter(api.Deps{
		Session:  sup.Session(),
		Runner:   sup,
		Relogger: sup,
		Roster:   sup.Roster(),
		Metrics:  sup.Metrics().Handler(),
		APIKey:   cfg.Server.APIKey,
		Logger:   logger.Component("api"),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Infof("Received shutdown signal")
	case err = <-serveErr:
		logger.Errorf("HTTP server failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Errorf("HTTP shutdown error: %v", serr)
	}
	if serr := sup.Shutdown(shutdownCtx); serr != nil {
		logger.Errorf("Shutdown error: %v", serr)
	}
	logger.Infof("Server stopped")
	return err
}
