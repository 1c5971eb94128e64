package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/face-similarity/internal/app"
	"github.com/example/face-similarity/internal/config"
	"github.com/example/face-similarity/internal/governor"
	"github.com/example/face-similarity/internal/logging"
	"github.com/example/face-similarity/internal/workerpool"
)

var capacityCmd = &cobra.Command{
	Use:   "capacity",
	Short: "Print the governor capacity this host would use",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger, err := logging.NewLogger("warn")
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		pool := workerpool.New(cfg.WorkerPoolSize)
		defer pool.Stop()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "governor capacity: %d\n", app.Capacity(cfg, governor.SystemProbe{}, logger))
		fmt.Fprintf(out, "worker pool size:  %d\n", pool.Size())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(capacityCmd)
}
