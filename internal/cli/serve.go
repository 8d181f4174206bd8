package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/engine"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled maintenance until interrupted",
		Long:  "Keep the engine open and run maintenance on the configured schedule (default hourly).",
		Run:   runServe,
	}

	cmd.Flags().String("schedule", "", "Cron spec overriding maintenance.schedule (e.g. \"@every 30m\")")
	cmd.Flags().Bool("now", false, "Run one pass immediately before waiting")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	schedule, _ := cmd.Flags().GetString("schedule")
	runNow, _ := cmd.Flags().GetBool("now")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	cfg, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}
	if !cfg.Maintenance.Enabled && schedule == "" {
		exitErr("serve", fmt.Errorf("maintenance is disabled in config; pass --schedule to override"))
	}
	if schedule != "" {
		cfg.Maintenance.Schedule = schedule
	}
	log := newLogger(cfg.Log.Level)

	opts, err := engineOptions(ctx, cfg, log)
	if err != nil {
		exitErr("configure", err)
	}
	e, err := engine.New(ctx, opts)
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	if runNow {
		res, err := e.RunMaintenance(ctx)
		if err != nil {
			exitErr("maintain", err)
		}
		printJSON(res)
	}
	if err := e.Start(ctx); err != nil {
		exitErr("start scheduler", err)
	}
	log.Info().Str("dir", cfg.DataDir).Str("schedule", cfg.Maintenance.Schedule).Msg("serving")

	<-ctx.Done()
	log.Info().Msg("shutting down")
}
