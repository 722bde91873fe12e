package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/bnema/wlproto/internal/config"
	"github.com/bnema/wlproto/internal/logger"
)

var (
	configPath string
	debug      string

	rootCmd = &cobra.Command{
		Use:   "wlproto",
		Short: "wlproto - Wayland wire protocol toolkit",
		Long: `wlproto speaks the Wayland wire protocol in pure Go. It can inspect the
globals of a running compositor and run a minimal display server for
testing clients.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Init(configPath); err != nil {
				return err
			}
			cfg := config.Get()
			if cfg.Logging.Level != "" {
				logger.SetLevel(cfg.Logging.Level)
			}
			if debug != "" {
				cfg.Logging.Debug = debug
			}
			if cfg.Logging.Debug != "" {
				logger.SetWaylandDebug(cfg.Logging.Debug)
			}
			if f := config.ConfigFileUsed(); f != "" {
				logger.Debug("loaded config", "file", f)
			}
			return nil
		},
	}
)

// applyRuntimeDir exports the configured runtime directory; socket names
// are resolved against XDG_RUNTIME_DIR on both sides.
func applyRuntimeDir(cfg *config.Config) error {
	if cfg.Display.RuntimeDir == "" {
		return nil
	}
	return os.Setenv("XDG_RUNTIME_DIR", cfg.Display.RuntimeDir)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: wlproto.toml in the config directories)")
	rootCmd.PersistentFlags().StringVar(&debug, "debug", "", "trace messages like WAYLAND_DEBUG (1, client or server)")

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
