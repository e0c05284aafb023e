package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/decision-engine/internal/scheduler"
	"github.com/sells-group/decision-engine/internal/server"
)

var (
	servePort      int
	serveScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the evaluation API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		cfg.Server.Port = port

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		h := server.NewHandler(server.Deps{
			Engine:   env.Engine,
			Audit:    env.Audit,
			Features: env.Features,
			Resolver: env.Resolver,
			Models:   env.Models,
			DB:       env.Store,
		})
		srv := server.New(fmt.Sprintf(":%d", port), server.NewRouter(h, cfg.Server.CORSOrigins))

		var runner *scheduler.Runner
		if serveScheduler {
			job, err := calibrationJob(env.Monitor, env.Collector.Breakers())
			if err != nil {
				return err
			}
			runner = scheduler.NewRunner(env.Store, job)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Run(gctx) })
		if runner != nil {
			g.Go(func() error {
				runner.Loop(gctx, cfg.Scheduler.Tick)
				return nil
			})
		}

		zap.L().Info("starting server", zap.Int("port", port))
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveScheduler, "scheduler", false, "run the calibration scheduler alongside the server")
	rootCmd.AddCommand(serveCmd)
}
