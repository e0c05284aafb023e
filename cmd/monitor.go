package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/decision-engine/internal/calibration"
	"github.com/sells-group/decision-engine/internal/scheduler"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Measure calibration of released models against realized outcomes",
	Long:  "Runs the calibration job once, bypassing its schedule, or with --loop keeps running it on schedule.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		loop, _ := cmd.Flags().GetBool("loop")

		st, err := openStore(ctx, "monitor")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := calibrationJob(calibration.NewMonitor(st, cfg.Calibration), nil)
		if err != nil {
			return err
		}
		runner := scheduler.NewRunner(st, job)

		if loop {
			runner.Loop(ctx, cfg.Scheduler.Tick)
			return nil
		}
		if err := runner.RunNow(ctx, job.Name); err != nil {
			return err
		}
		fmt.Println("Calibration run complete.")
		return nil
	},
}

func init() {
	monitorCmd.Flags().Bool("loop", false, "keep running on the configured schedule")
	rootCmd.AddCommand(monitorCmd)
}
