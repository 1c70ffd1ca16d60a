package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"mindcast-backend/internal/adapters/pipeline"
	"mindcast-backend/internal/adapters/repo"
	"mindcast-backend/internal/domain"
	"mindcast-backend/internal/infra/cache"
	"mindcast-backend/internal/infra/config"
	"mindcast-backend/internal/infra/db"
	"mindcast-backend/internal/infra/elevenlabs"
	applog "mindcast-backend/internal/infra/log"
	"mindcast-backend/internal/infra/metrics"
	"mindcast-backend/internal/infra/openai"
	"mindcast-backend/internal/infra/queue"
	"mindcast-backend/internal/usecase/canon"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("canon-worker: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	var redisClient *redis.Client
	var hitCache domain.Cache
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		hitCache = cache.NewRedis(redisClient)
	}

	var remasterQueue domain.RemasterQueue
	switch cfg.Queues.Backend {
	case "rabbitmq":
		rabbit, err := queue.NewRabbitRemasterQueue(cfg.Queues.AMQPURL, cfg.Queues.Remaster)
		if err != nil {
			logger.Fatal().Err(err).Msg("canon-worker: нет подключения к RabbitMQ")
		}
		defer rabbit.Close()
		remasterQueue = rabbit
	default:
		if redisClient == nil {
			logger.Fatal().Msg("canon-worker: очередь redis требует REDIS_ADDR")
		}
		remasterQueue = queue.NewRedisRemasterQueue(redisClient, cfg.Queues.Remaster)
	}

	var genPipeline domain.GenerationPipeline
	if cfg.OpenAI.APIKey != "" && cfg.ElevenLabs.APIKey != "" {
		llmClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, 0)
		ttsClient := elevenlabs.NewClient(cfg.ElevenLabs.APIKey, cfg.ElevenLabs.BaseURL, 0)
		genPipeline = pipeline.NewLLM(llmClient, ttsClient, cfg.OpenAI.Model, cfg.ElevenLabs.VoiceID, "data/audio", logger.With().Str("component", "pipeline").Logger())
	} else {
		logger.Warn().Msg("canon-worker: ключи генерации не заданы, используется простой пайплайн")
		genPipeline = pipeline.NewSimple(0)
	}

	canonService := canon.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, remasterQueue, hitCache, cfg.Canon.SystemUserID, logger.With().Str("component", "canon").Logger())

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	logger.Info().Str("queue", cfg.Queues.Remaster).Msg("canon-worker: старт")
	for {
		job, err := remasterQueue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Info().Msg("canon-worker: остановка")
				return
			}
			logger.Error().Err(err).Msg("canon-worker: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}

		start := time.Now()
		err = canonService.ProcessRemaster(ctx, job, genPipeline)
		metrics.RemasterDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			logger.Error().Err(err).Int64("canon_job_id", job.CanonJobID).Msg("canon-worker: ремастер не удался")
			continue
		}
		logger.Info().Int64("canon_job_id", job.CanonJobID).Int64("topic_id", job.TopicID).Dur("took", time.Since(start)).Msg("canon-worker: ремастер завершён")
	}
}
