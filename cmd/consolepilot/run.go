package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/entrhq/consolepilot/pkg/batch"
)

var runCmd = &cobra.Command{
	Use:   "run <key>[,<key>...] [key...]",
	Short: "Turn off the login challenge for the given roster keys and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBatch,
}

var totpCmd = &cobra.Command{
	Use:   "totp",
	Short: "Print the current one-time code for the configured account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		creds, err := loadCredentials(cfg)
		if err != nil {
			return err
		}
		code, err := creds.OneTimeCode(time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), code)
		return nil
	},
}

func runBatch(cmd *cobra.Command, args []string) error {
	keys := batch.ParseKeys(strings.Join(args, ","))
	if len(keys) == 0 {
		return fmt.Errorf("no keys given")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// One-shot runs never reach the scheduled relogin window.
	cfg.Relogin.Enabled = false

	logger := newLogger()
	defer logger.Close()

	sup, err := newSupervisor(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := sup.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Shutdown error: %v", err)
		}
	}()

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	res, err := sup.Run(ctx, keys)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Summary.Failed > 0 {
		return fmt.Errorf("%d of %d items failed", res.Summary.Failed, res.Summary.Total)
	}
	return nil
}
