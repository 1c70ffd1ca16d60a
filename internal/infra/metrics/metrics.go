package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	CanonCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "canon_cache_hits_total",
		Help: "Попадания в канон-кэш",
	})
	CanonCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "canon_cache_misses_total",
		Help: "Промахи канон-кэша",
	})
	CanonSavedCostCents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "canon_saved_cost_cents_total",
		Help: "Оценка сэкономленной стоимости генерации, центы",
	})
	GenerationCostCents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "generation_cost_cents_total",
		Help: "Фактическая стоимость генераций, центы",
	})
	TopicPromotions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "canon_topic_promotions_total",
		Help: "Продвижения тем в канон",
	}, []string{"trigger"})
	TopicDemotions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "canon_topic_demotions_total",
		Help: "Демоуты тем из канона",
	})
	RemasterDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "canon_remaster_duration_seconds",
		Help:    "Длительность выполнения ремастер-задач",
		Buckets: prometheus.DefBuckets,
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		CanonCacheHits,
		CanonCacheMisses,
		CanonSavedCostCents,
		GenerationCostCents,
		TopicPromotions,
		TopicDemotions,
		RemasterDuration,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// IncCanonHit увеличивает счётчик попаданий в канон-кэш.
func IncCanonHit() {
	CanonCacheHits.Inc()
}

// IncCanonMiss увеличивает счётчик промахов канон-кэша.
func IncCanonMiss() {
	CanonCacheMisses.Inc()
}

// AddSavedCost добавляет оценку сэкономленной стоимости.
func AddSavedCost(cents int) {
	if cents > 0 {
		CanonSavedCostCents.Add(float64(cents))
	}
}

// AddGenerationCost добавляет фактическую стоимость генерации.
func AddGenerationCost(cents int) {
	if cents > 0 {
		GenerationCostCents.Add(float64(cents))
	}
}

// IncPromotion увеличивает счётчик продвижений с указанием триггера.
func IncPromotion(trigger string) {
	TopicPromotions.WithLabelValues(trigger).Inc()
}

// IncDemotion увеличивает счётчик демоутов.
func IncDemotion() {
	TopicDemotions.Inc()
}
