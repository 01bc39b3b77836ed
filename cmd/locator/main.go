package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/config"
	"github.com/devrev/pairdb/locator/internal/logging"
)

// app carries what every subcommand needs after flag parsing
type app struct {
	configPath string
	envFile    string

	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "locator",
		Short:         "Key-to-node locator and durability confirmation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "optional .env file loaded before the config")

	root.AddCommand(newServeCmd(a))
	root.AddCommand(newRouteCmd(a))
	root.AddCommand(newNodesCmd(a))
	root.AddCommand(newPublishCmd(a))
	return root
}

func (a *app) init() error {
	if a.envFile != "" {
		// A missing .env is normal outside development.
		_ = godotenv.Load(a.envFile)
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}
