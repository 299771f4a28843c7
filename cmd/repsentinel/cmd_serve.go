package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/api"
	"github.com/lvonguyen/repsentinel/internal/scheduler"
)

func serveCmd() *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scan, prediction and health schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			a.telemetry.StartSystemMetricsCollector(ctx)
			a.startCacheCleanup(ctx)

			if !noScheduler {
				sched := scheduler.New(a.logger)
				sched.Add(scheduler.ScanJob(a.pipeline, cfg.Pipeline.MaxDepth, cfg.Pipeline.Schedule, a.logger))
				sched.Add(scheduler.PredictionJob(a.predictor, a.entities, cfg.Prediction.Interval, a.logger))
				sched.Add(scheduler.HealthJob(a.monitor, cfg.Health.Interval))
				if err := sched.Start(ctx); err != nil {
					return fmt.Errorf("starting scheduler: %w", err)
				}
				defer sched.Stop()
			}

			srv := api.NewServer(api.Deps{
				Config:         cfg,
				Store:          a.store,
				Scanner:        a.pipeline,
				Predictor:      a.predictor,
				Health:         a.monitor,
				RateLimiter:    api.NewRateLimiter(a.redis, cfg.RateLimit, a.logger),
				MetricsHandler: a.telemetry.MetricsHandler(),
				Metrics:        a.telemetry.Metrics(),
				Logger:         a.logger,
				Version:        Version,
			})

			a.logger.Info("Starting RepSentinel",
				zap.String("version", Version),
				zap.String("commit", GitCommit),
				zap.Int("port", cfg.Server.Port))
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Serve the API only")
	return cmd
}
