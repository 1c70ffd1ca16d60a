package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mindcast-backend/internal/adapters/repo"
	"mindcast-backend/internal/domain"
	"mindcast-backend/internal/infra/cache"
	"mindcast-backend/internal/infra/config"
	"mindcast-backend/internal/infra/db"
	applog "mindcast-backend/internal/infra/log"
	"mindcast-backend/internal/infra/metrics"
	"mindcast-backend/internal/infra/queue"
	"mindcast-backend/internal/usecase/canon"
)

const sweepInterval = 10 * time.Minute

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	if !cfg.Canon.AutoPromote {
		logger.Info().Msg("scheduler: автопродвижение выключено")
		return
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
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
			logger.Fatal().Err(err).Msg("scheduler: нет подключения к RabbitMQ")
		}
		defer rabbit.Close()
		remasterQueue = rabbit
	default:
		if redisClient == nil {
			logger.Fatal().Msg("scheduler: очередь redis требует REDIS_ADDR")
		}
		remasterQueue = queue.NewRedisRemasterQueue(redisClient, cfg.Queues.Remaster)
	}

	canonService := canon.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, remasterQueue, hitCache, cfg.Canon.SystemUserID, logger.With().Str("component", "canon").Logger())

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	logger.Info().Dur("interval", sweepInterval).Msg("scheduler: старт")
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	sweep(ctx, repoAdapter, canonService, hitCache, cfg.Canon.SweepLimit, logger)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler: остановка")
			return
		case <-ticker.C:
			sweep(ctx, repoAdapter, canonService, hitCache, cfg.Canon.SweepLimit, logger)
		}
	}
}

// sweep продвигает кандидатов, прошедших все пороги. Редис-замок
// не даёт нескольким экземплярам выполнить проход одновременно.
func sweep(ctx context.Context, topics domain.TopicRepo, canonService *canon.Service, lock domain.Cache, limit int, logger zerolog.Logger) {
	run := func() error {
		candidates, err := topics.ListPromotable(ctx, canon.MinRequests, canon.MinUsers, limit)
		if err != nil {
			return err
		}
		for _, topic := range candidates {
			eval := canonService.Evaluate(topic)
			if !eval.Eligible {
				continue
			}
			result, err := canonService.Promote(ctx, topic.ID, false)
			if errors.Is(err, canon.ErrAlreadyCanon) {
				continue
			}
			if err != nil {
				logger.Error().Err(err).Int64("topic_id", topic.ID).Msg("scheduler: продвижение не удалось")
				continue
			}
			metrics.IncPromotion("auto")
			logger.Info().
				Int64("topic_id", topic.ID).
				Str("slug", result.Topic.Slug).
				Float64("score", eval.Score).
				Msg("scheduler: тема продвинута в канон")
		}
		return nil
	}

	if lock == nil {
		if err := run(); err != nil {
			logger.Error().Err(err).Msg("scheduler: проход не удался")
		}
		return
	}
	if err := lock.Once("canon:sweep:lock", sweepInterval/2, run); err != nil {
		logger.Error().Err(err).Msg("scheduler: проход не удался")
	}
}
