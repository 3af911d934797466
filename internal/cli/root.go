// Package cli holds the tradegate command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"tradegate/internal/app"
	"tradegate/internal/config"
	"tradegate/internal/logger"

	"github.com/spf13/cobra"
)

const (
	configEnv     = "TRADEGATE_CONFIG"
	defaultConfig = "configs/config.yaml"
)

type rootOptions struct {
	configPath string
	out        io.Writer

	// newApp builds the application; tests replace it.
	newApp func(*config.Config) (*app.App, error)
}

// New returns the root command.
func New() *cobra.Command {
	return newRoot(&rootOptions{out: os.Stdout, newApp: app.NewApp})
}

func newRoot(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "tradegate",
		Short: "Trade execution and risk-control plane",
		Long: `tradegate sizes, validates and submits bracket orders to a broker,
enforces account-level risk limits and keeps a ledger reconciled with
broker-side positions.`,
		SilenceUsage: true,
	}
	defPath := strings.TrimSpace(os.Getenv(configEnv))
	if defPath == "" {
		defPath = defaultConfig
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defPath, "config file path (env "+configEnv+")")

	root.AddCommand(
		newServeCmd(opts),
		newCooldownCmd(opts),
		newInstrumentsCmd(opts),
		newReconcileCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context) error {
	return New().ExecuteContext(ctx)
}

// loadConfig reads the config and applies log settings. A missing default
// config file falls back to built-in defaults.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == defaultConfig {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.SetupFile(cfg.App.LogPath); err != nil {
		return nil, err
	}
	logger.SetLevel(cfg.App.LogLevel)
	if path == "" {
		logger.Infof("Config: %s not found, using defaults (mode=%s)", defaultConfig, cfg.App.Mode)
	} else {
		logger.Infof("Config: loaded %s (env=%s, mode=%s)", path, cfg.App.Env, cfg.App.Mode)
	}
	return cfg, nil
}

func (o *rootOptions) buildApp() (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := o.newApp(cfg)
	if err != nil {
		return nil, fmt.Errorf("init app: %w", err)
	}
	return a, nil
}
