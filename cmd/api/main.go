package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"mindcast-backend/internal/adapters/api"
	"mindcast-backend/internal/adapters/pipeline"
	"mindcast-backend/internal/adapters/repo"
	"mindcast-backend/internal/domain"
	"mindcast-backend/internal/infra/cache"
	"mindcast-backend/internal/infra/config"
	"mindcast-backend/internal/infra/db"
	"mindcast-backend/internal/infra/elevenlabs"
	httpinfra "mindcast-backend/internal/infra/http"
	applog "mindcast-backend/internal/infra/log"
	"mindcast-backend/internal/infra/metrics"
	"mindcast-backend/internal/infra/openai"
	"mindcast-backend/internal/infra/queue"
	"mindcast-backend/internal/usecase/canon"
	"mindcast-backend/internal/usecase/generate"
	"mindcast-backend/internal/usecase/suggest"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
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
			logger.Fatal().Err(err).Msg("api: нет подключения к RabbitMQ")
		}
		defer rabbit.Close()
		remasterQueue = rabbit
	default:
		if redisClient == nil {
			logger.Fatal().Msg("api: очередь redis требует REDIS_ADDR")
		}
		remasterQueue = queue.NewRedisRemasterQueue(redisClient, cfg.Queues.Remaster)
	}

	var genPipeline domain.GenerationPipeline
	if cfg.OpenAI.APIKey != "" && cfg.ElevenLabs.APIKey != "" {
		llmClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, 0)
		ttsClient := elevenlabs.NewClient(cfg.ElevenLabs.APIKey, cfg.ElevenLabs.BaseURL, 0)
		genPipeline = pipeline.NewLLM(llmClient, ttsClient, cfg.OpenAI.Model, cfg.ElevenLabs.VoiceID, "data/audio", logger.With().Str("component", "pipeline").Logger())
	} else {
		logger.Warn().Msg("api: ключи генерации не заданы, используется простой пайплайн")
		genPipeline = pipeline.NewSimple(0)
	}

	canonService := canon.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, remasterQueue, hitCache, cfg.Canon.SystemUserID, logger.With().Str("component", "canon").Logger())
	generateService := generate.NewService(canonService, repoAdapter, repoAdapter, repoAdapter, genPipeline, cfg.Limits.FreeEpisodes, logger.With().Str("component", "generate").Logger())
	suggestService := suggest.NewService(nil, time.Now().UnixNano())

	server := httpinfra.NewServer(logger.With().Str("component", "http").Logger())

	publicHandler := api.NewHandler(generateService, canonService, repoAdapter, repoAdapter, suggestService, logger.With().Str("component", "api").Logger())
	publicHandler.Routes(server.Router)

	server.Router.Group(func(admin chi.Router) {
		admin.Use(httpinfra.AdminAuthMiddleware(cfg.AdminToken))
		adminHandler := api.NewAdminHandler(canonService, repoAdapter, repoAdapter, repoAdapter, logger.With().Str("component", "admin").Logger())
		adminHandler.Routes(admin)
	})

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
