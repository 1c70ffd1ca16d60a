package generate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mindcast-backend/internal/domain"
	"mindcast-backend/internal/infra/metrics"
	"mindcast-backend/internal/usecase/canon"
)

// ErrEmptyTopic возвращается, если тема пуста после нормализации.
var ErrEmptyTopic = errors.New("тема эпизода пуста")

// ErrQuotaExceeded возвращается, когда бесплатный лимит генераций исчерпан.
var ErrQuotaExceeded = errors.New("исчерпан лимит бесплатных генераций")

// Ориентир стоимости полной генерации: используется в метрике экономии
// при попадании в канон-кэш.
const estimatedGenerationCostCents = 85

// RequestResult — итог обработки запроса на эпизод.
type RequestResult struct {
	Job      domain.GenerationJob
	Episode  domain.Episode
	CacheHit bool
}

// Service обрабатывает запросы на генерацию эпизодов: сперва канон-кэш,
// затем квота и полный пайплайн.
type Service struct {
	canon     *canon.Service
	episodes  domain.EpisodeRepo
	genJobs   domain.GenerationJobRepo
	requests  domain.RequestRepo
	pipeline  domain.GenerationPipeline
	freeQuota int
	log       zerolog.Logger
}

// NewService создаёт сервис генерации. freeQuota <= 0 отключает квоту.
func NewService(canonSvc *canon.Service, episodes domain.EpisodeRepo, genJobs domain.GenerationJobRepo, requests domain.RequestRepo, pipeline domain.GenerationPipeline, freeQuota int, logger zerolog.Logger) *Service {
	return &Service{canon: canonSvc, episodes: episodes, genJobs: genJobs, requests: requests, pipeline: pipeline, freeQuota: freeQuota, log: logger}
}

// Request обрабатывает запрос пользователя на эпизод.
// Канон-кэш проверяется до любых проверок квоты: попадание бесплатно
// для любого тарифа. Любой сбой кэш-пути деградирует до полной генерации.
func (s *Service) Request(ctx context.Context, userID int64, rawTopic string, length domain.EpisodeLength, style, voice string) (RequestResult, error) {
	topicText := canon.NormalizeTopic(rawTopic)
	if topicText == "" {
		return RequestResult{}, ErrEmptyTopic
	}
	if length == "" {
		length = domain.LengthMedium
	}

	topic, err := s.canon.EnsureTopic(ctx, topicText)
	if err != nil {
		// учёт без темы невозможен, но генерацию это не блокирует
		s.log.Error().Err(err).Str("topic", topicText).Msg("generate: не удалось создать тему")
	}

	hit, err := s.canon.Lookup(ctx, topicText)
	if err != nil {
		// сломанный кэш — это промах, а не отказ
		s.log.Error().Err(err).Str("topic", topicText).Msg("generate: ошибка канон-кэша, считаем промахом")
		hit = nil
	}
	if hit != nil {
		result, err := s.serveFromCanon(ctx, userID, *hit)
		if err == nil {
			return result, nil
		}
		s.log.Error().Err(err).Int64("topic_id", hit.Topic.ID).Msg("generate: клонирование не удалось, переходим к полной генерации")
	}

	return s.generate(ctx, userID, topic, topicText, length, style, voice)
}

// serveFromCanon отдаёт мгновенный результат из канон-кэша: клон эпизода
// и синхронно завершённая задача для поллинга.
func (s *Service) serveFromCanon(ctx context.Context, userID int64, hit canon.CacheHit) (RequestResult, error) {
	episode, err := s.canon.Clone(ctx, hit.Episode, userID)
	if err != nil {
		return RequestResult{}, err
	}

	job, err := s.genJobs.CreateGenerationJob(ctx, domain.GenerationJob{
		ID:        uuid.NewString(),
		UserID:    userID,
		EpisodeID: &episode.ID,
		Status:    domain.GenerationComplete,
		CacheHit:  true,
	})
	if err != nil {
		return RequestResult{}, fmt.Errorf("создание задачи поллинга: %w", err)
	}

	metrics.IncCanonHit()
	metrics.AddSavedCost(estimatedGenerationCostCents)
	s.canon.RecordAsync(domain.TopicRequest{
		TopicID:   hit.Topic.ID,
		UserID:    userID,
		EpisodeID: episode.ID,
		CacheHit:  true,
		CostCents: 0,
	})

	return RequestResult{Job: job, Episode: episode, CacheHit: true}, nil
}

// generate — путь промаха: квота, внешний пайплайн, сохранение эпизода и учёт.
func (s *Service) generate(ctx context.Context, userID int64, topic domain.Topic, topicText string, length domain.EpisodeLength, style, voice string) (RequestResult, error) {
	metrics.IncCanonMiss()

	if err := s.checkQuota(ctx, userID); err != nil {
		return RequestResult{}, err
	}

	result, err := s.pipeline.Generate(ctx, domain.GenerationRequest{
		Topic:  topicText,
		Length: length,
		Style:  style,
		Voice:  voice,
	})
	if err != nil {
		return RequestResult{}, fmt.Errorf("генерация эпизода: %w", err)
	}

	ep := domain.Episode{
		UserID:     userID,
		Topic:      topicText,
		Transcript: result.Transcript,
		AudioRef:   result.AudioRef,
		Length:     length,
		Voice:      voice,
		Status:     domain.EpisodeReady,
		Sources:    result.Sources,
		CostCents:  result.CostCents,
	}
	if topic.ID != 0 {
		ep.TopicID = &topic.ID
	}
	episode, err := s.episodes.CreateEpisode(ctx, ep)
	if err != nil {
		return RequestResult{}, fmt.Errorf("сохранение эпизода: %w", err)
	}

	job, err := s.genJobs.CreateGenerationJob(ctx, domain.GenerationJob{
		ID:        uuid.NewString(),
		UserID:    userID,
		EpisodeID: &episode.ID,
		Status:    domain.GenerationComplete,
		CacheHit:  false,
	})
	if err != nil {
		return RequestResult{}, fmt.Errorf("создание задачи поллинга: %w", err)
	}

	metrics.AddGenerationCost(result.CostCents)
	if topic.ID != 0 {
		s.canon.RecordAsync(domain.TopicRequest{
			TopicID:   topic.ID,
			UserID:    userID,
			EpisodeID: episode.ID,
			CacheHit:  false,
			CostCents: result.CostCents,
		})
	}

	return RequestResult{Job: job, Episode: episode, CacheHit: false}, nil
}

func (s *Service) checkQuota(ctx context.Context, userID int64) error {
	if s.freeQuota <= 0 {
		return nil
	}
	monthStart := time.Now().UTC().AddDate(0, -1, 0)
	used, err := s.requests.CountUserRequests(ctx, userID, monthStart)
	if err != nil {
		// квота — защитный механизм, её сбой не должен блокировать генерацию
		s.log.Error().Err(err).Int64("user_id", userID).Msg("generate: не удалось посчитать квоту")
		return nil
	}
	if used >= s.freeQuota {
		return ErrQuotaExceeded
	}
	return nil
}

// JobStatus возвращает задачу генерации для поллинга клиентом.
func (s *Service) JobStatus(ctx context.Context, id string) (domain.GenerationJob, error) {
	return s.genJobs.GetGenerationJob(ctx, id)
}
