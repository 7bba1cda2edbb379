package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/HPSI/xen-v4v/common/logging"
	"github.com/HPSI/xen-v4v/common/xcmd"
	"github.com/HPSI/xen-v4v/hostd"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "v4v-hostd",
	Short: "V4V host daemon exposing the inter-domain message facility",
	Run: func(rawCmd *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg := hostd.DefaultConfig()
	if cmd.ConfigPath != "" {
		var err error
		if cfg, err = hostd.LoadConfig(cmd.ConfigPath); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	log := logging.Init(&cfg.Logging)
	defer log.Sync()

	h, err := hostd.New(cfg, hostd.WithLog(log))
	if err != nil {
		return fmt.Errorf("failed to initialize daemon: %w", err)
	}

	wg, ctx := errgroup.WithContext(context.Background())
	wg.Go(func() error {
		return h.Run(ctx)
	})
	wg.Go(func() error {
		return xcmd.WaitInterrupted(ctx)
	})

	return wg.Wait()
}
