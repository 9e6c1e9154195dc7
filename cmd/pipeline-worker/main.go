package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"linkops/internal/adapters/dify"
	"linkops/internal/adapters/repo"
	"linkops/internal/domain"
	"linkops/internal/infra/config"
	"linkops/internal/infra/db"
	infralog "linkops/internal/infra/log"
	"linkops/internal/infra/metrics"
	"linkops/internal/infra/queue"
	"linkops/internal/usecase/pipeline"
)

func main() {
	cfg := config.Load()
	logger := infralog.NewLogger(cfg.AppEnv).With().Str("service", "pipeline-worker").Logger()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	difyClient := dify.NewClient(dify.Config{
		BaseURL:     cfg.Dify.BaseURL,
		APIUser:     cfg.Dify.APIUser,
		KeyResearch: cfg.Dify.KeyResearch,
		KeyHeaders:  cfg.Dify.KeyHeaders,
		KeyBrief:    cfg.Dify.KeyBrief,
		KeyWrite:    cfg.Dify.KeyWrite,
	})
	pipelineService := pipeline.NewService(repoAdapter, difyClient, logger)

	var jobs domain.PipelineQueue
	switch {
	case cfg.RabbitURL != "":
		rabbit, err := queue.NewRabbitPipelineQueue(cfg.RabbitURL, cfg.Queues.Pipeline)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: rabbitmq недоступен")
		}
		defer rabbit.Close()
		jobs = rabbit
	case cfg.RedisAddr != "":
		jobs = queue.NewRedisPipelineQueue(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.Queues.Pipeline)
	default:
		logger.Fatal().Msg("worker: не задан ни RABBITMQ_URL, ни REDIS_ADDR")
	}

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	logger.Info().Str("queue", cfg.Queues.Pipeline).Msg("worker: старт")
	for {
		job, ack, err := jobs.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Info().Msg("worker: остановка")
				return
			}
			logger.Error().Err(err).Msg("worker: ошибка чтения очереди")
			continue
		}

		jobLog := logger.With().Str("job_id", job.ID).Str("mode", string(job.Mode)).Logger()
		jobLog.Info().Int("items", len(job.ItemIDs)).Msg("worker: задача принята")

		switch job.Mode {
		case domain.ModeResearch, domain.ModeStructure, domain.ModeBrief, domain.ModeWriting, domain.ModeAutopilot:
		default:
			// повторная доставка такую задачу не исправит
			jobLog.Error().Msg("worker: неизвестный режим, задача отброшена")
			_ = ack(true)
			continue
		}

		summary, err := pipelineService.Run(ctx, job.Mode, job.ItemIDs, func(done, total int) {
			jobLog.Info().Int("done", done).Int("total", total).Msg("worker: прогресс")
		})
		if err != nil {
			// прерван контекст или недоступна БД: возвращаем задачу в очередь
			jobLog.Error().Err(err).Msg("worker: задача не выполнена")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("worker: не удалось вернуть задачу в очередь")
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			continue
		}

		jobLog.Info().
			Int("processed", summary.Processed).
			Int("skipped", len(summary.Skipped)).
			Int("failed", len(summary.Failed)).
			Msg("worker: задача выполнена")
		if ackErr := ack(true); ackErr != nil {
			jobLog.Error().Err(ackErr).Msg("worker: не удалось подтвердить задачу")
		}
	}
}
