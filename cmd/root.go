package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/MuchTitan/go-log-shipper/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "/app/cfg.yaml"

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "logship",
		Short:         "Tail completed log files and ship their lines to sinks",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to the config file (.yaml or .toml)")

	cmd.AddCommand(newValidateCommand(&configPath))
	return cmd
}

func newValidateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(afero.NewOsFs(), *configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d sources, %d sinks\n", len(cfg.Sources), len(cfg.Sinks))
			return nil
		},
	}
}

func run(ctx context.Context, configPath string) error {
	fs := afero.NewOsFs()
	cfg, err := config.Load(fs, configPath)
	if err != nil {
		return err
	}

	logFile, err := config.SetupLogging(cfg.System)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFile.Close()

	agent, err := config.NewAgent(cfg, fs)
	if err != nil {
		return err
	}

	logrus.Info("Starting log shipper")
	err = agent.Run(ctx)
	logrus.Info("Stopping log shipper")
	return err
}
