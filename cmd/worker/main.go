package main

import (
	"fmt"
	"os"

	"github.com/hibiken/asynq"

	"github.com/briangreenhill/surveysync/internal/config"
	"github.com/briangreenhill/surveysync/internal/jobs"
	applog "github.com/briangreenhill/surveysync/internal/logger"
	"github.com/briangreenhill/surveysync/pkg/agentclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := applog.New(applog.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty}).
		With().Str("component", "worker").Logger()

	if cfg.RedisAddr == "" {
		logger.Fatal().Msg("REDIS_ADDR is required for the worker")
	}

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency:    2,
		StrictPriority: false,
		Queues: map[string]int{
			jobs.QueueSync: 10, // higher priority
			"default":      5,
		},
		Logger:   asynqLogger{logger},
		LogLevel: asynq.InfoLevel,
	})
	mux := asynq.NewServeMux()

	client := agentclient.New(cfg.AgentURL)
	mux.Handle(jobs.TaskFlushQueue, jobs.NewFlushHandler(client, logger))

	logger.Info().Str("agent", client.BaseURL).Msg("worker running")
	if err := srv.Run(mux); err != nil {
		logger.Fatal().Err(err).Msg("worker stopped")
	}
}
