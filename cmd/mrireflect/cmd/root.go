// Package cmd holds the mrireflect command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mrireflect/pkg/config"
	"mrireflect/pkg/logging"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "mrireflect",
	Short: "Mirror medical images and measure their asymmetry",
	Long: `mrireflect reflects NIfTI images across an axis through their centre of
gravity, optionally registering each image to its own mirror to build an
asymmetry map.

Engines:
  builtin  - in-process linear registration and resampling
  ants     - antsRegistration / antsApplyTransforms on PATH`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		printError(err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

// loadConfig reads --config, falling back to the defaults.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if cfgFile != "" {
		var err error
		if cfg, err = config.LoadConfig(cfgFile); err != nil {
			return nil, err
		}
	}
	if verbose {
		cfg.Output.Verbose = true
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *log.Entry {
	return logging.WithRun(logging.New(os.Stderr, cfg.Output.LogFormat, cfg.Output.Verbose))
}

// signalContext is cancelled on interrupt so engines can stop early.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
