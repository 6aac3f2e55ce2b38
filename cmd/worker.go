package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/tasks"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker for background deep enrichment",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("worker"); err != nil {
			return err
		}

		a, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		tc, err := tasks.DialTemporal(temporalConfig(cfg.Tasks))
		if err != nil {
			return err
		}
		defer tc.Close()

		sweeper, err := startSweeper(a.Cache, cfg.Cache.SweepCron)
		if err != nil {
			return err
		}
		defer stopSweeper(sweeper)

		w := tasks.NewWorker(tc, temporalConfig(cfg.Tasks), a.Handlers)
		if err := w.Start(); err != nil {
			return eris.Wrap(err, "start temporal worker")
		}
		zap.L().Info("temporal worker started",
			zap.String("task_queue", cfg.Tasks.TemporalTaskQueue),
			zap.Strings("functions", a.Handlers.Names()),
		)

		<-ctx.Done()
		zap.L().Info("stopping temporal worker")
		w.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
