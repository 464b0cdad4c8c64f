// Package main provides the flowrun worker, which executes tasks queued by
// engines running with the redis coordinator.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/flowrun/pkg/cmd"
	"github.com/dukex/flowrun/pkg/coordinator/redisqueue"
	"github.com/dukex/flowrun/pkg/log"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "flowrun-worker",
		EnableShellCompletion: true,
		Usage:                 "Execute queued workflow tasks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL of the task queue",
				Value:   "redis://localhost:6379/0",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Number of tasks executed at once",
				Value:   4,
				Sources: cli.EnvVars("WORKER_CONCURRENCY"),
			},
			&cli.DurationFlag{
				Name:    "status-retention",
				Usage:   "How long finished task statuses stay readable",
				Value:   time.Hour,
				Sources: cli.EnvVars("STATUS_RETENTION"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing task plugins",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
			cmd.LogLevelFlag(),
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("flowrun-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing flowrun worker")

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg, err := cmd.NewRegistry(logger, command.String("plugins-path"))
			if err != nil {
				return err
			}

			client, err := cmd.NewRedisClient(command.String("redis-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := client.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close redis client", "error", err)
				}
			}()

			if err := client.Ping(ctx).Err(); err != nil {
				return err
			}

			worker := redisqueue.NewWorker(client, redisqueue.DefaultPrefix, reg, logger, workerID,
				redisqueue.WithConcurrency(int(command.Int("concurrency"))),
				redisqueue.WithStatusRetention(command.Duration("status-retention")),
			)

			return worker.Run(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule("flowrun-worker").Error("flowrun-worker stopped", "error", err)
		os.Exit(1)
	}
}
