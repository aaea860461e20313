// Package main is the consolepilot command: it keeps one authenticated admin
// console browser session alive and serves batch actions over HTTP.
package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/entrhq/consolepilot/pkg/browser"
	"github.com/entrhq/consolepilot/pkg/config"
	"github.com/entrhq/consolepilot/pkg/credentials"
	"github.com/entrhq/consolepilot/pkg/logging"
	"github.com/entrhq/consolepilot/pkg/notify"
	"github.com/entrhq/consolepilot/pkg/roster"
	"github.com/entrhq/consolepilot/pkg/service"
)

var version = "0.1.0"

var (
	configFlag   string
	logLevelFlag string

	rootCmd = &cobra.Command{
		Use:           "consolepilot",
		Short:         "Automates admin console tasks through a supervised browser session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("consolepilot version %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "consolepilot.yaml", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level override: debug, info, warn or error")

	rootCmd.AddCommand(serveCmd, runCmd, totpCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, applies environment overrides and the
// log level flag, and validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Logging.Level = logLevelFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logging.SetLevel(cfg.Logging.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger() *logging.Logger {
	logger, err := logging.NewLogger("consolepilot")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v, logging to stderr only\n", err)
	}
	return logger
}

func loadCredentials(cfg *config.Config) (*credentials.Static, error) {
	creds, err := credentials.FromEnv(credentials.WithDigits(cfg.Auth.CodeDigits))
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	return creds, nil
}

// newPublisher logs every status update and also sends it to NATS when a
// server is configured.
func newPublisher(cfg *config.Config, logger *logging.Logger) (notify.Publisher, error) {
	logPub := notify.NewLogPublisher(logger.Component("notify"))
	if cfg.Notify.NATSURL == "" {
		return logPub, nil
	}
	natsPub, err := notify.NewNATSPublisher(notify.NATSConfig{
		URL:           cfg.Notify.NATSURL,
		SubjectPrefix: cfg.Notify.SubjectPrefix,
	}, logger.Component("nats"))
	if err != nil {
		return nil, err
	}
	return notify.Multi{logPub, natsPub}, nil
}

// newSupervisor builds the full component graph on a Playwright driver.
func newSupervisor(cfg *config.Config, logger *logging.Logger) (*service.Supervisor, error) {
	creds, err := loadCredentials(cfg)
	if err != nil {
		return nil, err
	}
	targets, err := roster.Load(cfg.Roster.Path)
	if err != nil {
		return nil, err
	}
	logger.Infof("Loaded %d roster entries from %s", targets.Len(), cfg.Roster.Path)

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}

	driver := browser.NewPlaywrightDriver(browser.PlaywrightOptions{
		Headless:      cfg.Browser.Headless,
		Install:       cfg.Browser.Install,
		LaunchTimeout: cfg.Browser.LaunchTimeout,
	})

	sup, err := service.New(cfg, service.Deps{
		Driver:    driver,
		Creds:     creds,
		Roster:    targets,
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}
	return sup, nil
}
