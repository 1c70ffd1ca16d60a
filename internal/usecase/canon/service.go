package canon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mindcast-backend/internal/domain"
)

// ErrAlreadyCanon возвращается при попытке продвинуть каноничную тему.
var ErrAlreadyCanon = errors.New("тема уже канонична")

// ErrNotCanon возвращается при демоуте темы, не находящейся в каноне.
var ErrNotCanon = errors.New("тема не находится в каноне")

// ErrBadDemoteTarget возвращается, если целевой статус демоута недопустим.
var ErrBadDemoteTarget = errors.New("недопустимый целевой статус демоута")

const (
	hitCacheTTL    = 5 * time.Minute
	recordTimeout  = 10 * time.Second
	hitCachePrefix = "canon:hit:"
)

// CacheHit — результат успешного обращения к канон-кэшу.
type CacheHit struct {
	Topic   domain.Topic
	Episode domain.Episode
}

// PromoteResult описывает исход продвижения темы.
type PromoteResult struct {
	Topic   domain.Topic
	JobID   *int64
	Message string
}

// Service реализует канон-протокол: поиск в кэше, клонирование,
// журнал запросов и машину состояний продвижения.
type Service struct {
	topics   domain.TopicRepo
	episodes domain.EpisodeRepo
	requests domain.RequestRepo
	jobs     domain.CanonJobRepo
	queue    domain.RemasterQueue
	cache    domain.Cache
	log      zerolog.Logger

	// владелец канонических эпизодов, создаваемых ремастером
	systemUserID int64
}

// NewService создаёт сервис канон-протокола. queue и cache могут быть nil.
func NewService(topics domain.TopicRepo, episodes domain.EpisodeRepo, requests domain.RequestRepo, jobs domain.CanonJobRepo, queue domain.RemasterQueue, cache domain.Cache, systemUserID int64, logger zerolog.Logger) *Service {
	return &Service{topics: topics, episodes: episodes, requests: requests, jobs: jobs, queue: queue, cache: cache, systemUserID: systemUserID, log: logger}
}

// EnsureTopic возвращает тему по тексту запроса, создавая CANDIDATE
// при первом обращении к новому слагу.
func (s *Service) EnsureTopic(ctx context.Context, rawTopic string) (domain.Topic, error) {
	title := NormalizeTopic(rawTopic)
	slug := SlugifyTopic(rawTopic)
	topic, err := s.topics.UpsertBySlug(ctx, slug, title)
	if err != nil {
		return domain.Topic{}, fmt.Errorf("создание темы: %w", err)
	}
	return topic, nil
}

// Lookup ищет готовый канонический эпизод по тексту темы.
// Промах — нормальный исход: возвращается (nil, nil).
// Ошибку хранилища вызывающая сторона обязана трактовать как промах.
func (s *Service) Lookup(ctx context.Context, rawTopic string) (*CacheHit, error) {
	slug := SlugifyTopic(rawTopic)

	if s.cache != nil {
		if raw, err := s.cache.Get(hitCachePrefix + slug); err == nil && len(raw) > 0 {
			var hit CacheHit
			if err := json.Unmarshal(raw, &hit); err == nil {
				return &hit, nil
			}
		}
	}

	topic, err := s.topics.GetBySlug(ctx, slug)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("поиск темы по слагу: %w", err)
	}
	if topic.Status != domain.TopicCanon || topic.CanonEpisodeID == nil {
		return nil, nil
	}

	episode, err := s.episodes.GetEpisode(ctx, *topic.CanonEpisodeID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("получение канонического эпизода: %w", err)
	}
	if episode.Status != domain.EpisodeReady {
		return nil, nil
	}

	hit := &CacheHit{Topic: topic, Episode: episode}
	if s.cache != nil {
		if raw, err := json.Marshal(hit); err == nil {
			if err := s.cache.Set(hitCachePrefix+slug, raw, hitCacheTTL); err != nil {
				s.log.Debug().Err(err).Str("slug", slug).Msg("canon: кэш недоступен")
			}
		}
	}
	return hit, nil
}

// Clone создаёт независимую копию канонического эпизода для пользователя.
// Копия сразу READY, без вызова пайплайна и без флага isCanon.
func (s *Service) Clone(ctx context.Context, canonEpisode domain.Episode, targetUserID int64) (domain.Episode, error) {
	copyEp := domain.Episode{
		UserID:     targetUserID,
		TopicID:    canonEpisode.TopicID,
		Topic:      canonEpisode.Topic,
		Transcript: canonEpisode.Transcript,
		AudioRef:   canonEpisode.AudioRef,
		Length:     canonEpisode.Length,
		Voice:      canonEpisode.Voice,
		Status:     domain.EpisodeReady,
		Sources:    canonEpisode.Sources,
		IsCanon:    false,
		CostCents:  0,
	}
	created, err := s.episodes.CreateEpisode(ctx, copyEp)
	if err != nil {
		return domain.Episode{}, fmt.Errorf("клонирование эпизода: %w", err)
	}
	return created, nil
}

// Record пишет запись журнала запросов, обновляет агрегаты темы
// и лениво пересчитывает канон-скор.
func (s *Service) Record(ctx context.Context, req domain.TopicRequest) error {
	topic, err := s.requests.RecordRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("запись запроса: %w", err)
	}
	return s.refreshScore(ctx, topic)
}

// RecordAsync пишет журнал в фоне: отказ учёта не должен
// ломать пользовательский запрос, ошибка логируется и глотается.
func (s *Service) RecordAsync(req domain.TopicRequest) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.Record(ctx, req); err != nil {
			s.log.Error().Err(err).Int64("topic_id", req.TopicID).Msg("canon: не удалось записать запрос")
		}
	}()
}

// UpdateEngagement применяет отложенные сигналы прослушивания к записи журнала.
// Доля дослушивания зажимается в [0, 1]: значение вне диапазона
// отравило бы агрегаты темы и оценку продвижения.
func (s *Service) UpdateEngagement(ctx context.Context, requestID int64, completionPct *float64, saved, replayed *bool) error {
	if completionPct != nil {
		v := clamp01(*completionPct)
		completionPct = &v
	}
	topic, err := s.requests.UpdateEngagement(ctx, requestID, completionPct, saved, replayed)
	if err != nil {
		return fmt.Errorf("обновление сигналов: %w", err)
	}
	return s.refreshScore(ctx, topic)
}

func (s *Service) refreshScore(ctx context.Context, topic domain.Topic) error {
	score := ComputeCanonScore(topic.Signals())
	if err := s.topics.UpdateScore(ctx, topic.ID, score); err != nil {
		return fmt.Errorf("обновление скора: %w", err)
	}
	return nil
}

// Evaluate возвращает живую оценку пригодности темы к продвижению.
func (s *Service) Evaluate(topic domain.Topic) domain.PromotionEvaluation {
	return EvaluatePromotion(topic.Signals())
}

// Promote переводит тему в CANON. Самый свежий READY эпизод темы становится
// временным каноном; без него тема ждёт результата ремастера.
// Повторное продвижение — конфликт ErrAlreadyCanon, не падение.
func (s *Service) Promote(ctx context.Context, topicID int64, skipRemaster bool) (PromoteResult, error) {
	topic, err := s.topics.GetByID(ctx, topicID)
	if err != nil {
		return PromoteResult{}, fmt.Errorf("получение темы: %w", err)
	}
	if topic.Status == domain.TopicCanon {
		return PromoteResult{}, ErrAlreadyCanon
	}

	var interimID *int64
	interim, err := s.episodes.LatestReadyByTopic(ctx, topicID)
	switch {
	case err == nil:
		interimID = &interim.ID
	case errors.Is(err, domain.ErrNotFound):
		// продвижение без эпизода допустимо
	default:
		return PromoteResult{}, fmt.Errorf("поиск эпизода для канона: %w", err)
	}

	promoted, err := s.topics.MarkCanon(ctx, topicID, interimID, time.Now().UTC())
	if err != nil {
		return PromoteResult{}, fmt.Errorf("продвижение темы: %w", err)
	}
	if !promoted {
		return PromoteResult{}, ErrAlreadyCanon
	}

	if interimID != nil {
		if err := s.episodes.SetCanonFlag(ctx, *interimID, true); err != nil {
			return PromoteResult{}, fmt.Errorf("пометка канонического эпизода: %w", err)
		}
	}
	s.invalidateHit(topic.Slug)

	result := PromoteResult{Message: "тема продвинута в канон"}
	if interimID == nil {
		result.Message = "тема продвинута без эпизода: мгновенные ответы начнутся после ремастера"
	}

	if !skipRemaster {
		job, err := s.jobs.CreateCanonJob(ctx, domain.CanonJob{
			TopicID:   topicID,
			EpisodeID: interimID,
			Status:    domain.CanonJobQueued,
		})
		if err != nil {
			return PromoteResult{}, fmt.Errorf("создание ремастер-задачи: %w", err)
		}
		result.JobID = &job.ID
		if s.queue != nil {
			err := s.queue.Enqueue(ctx, domain.RemasterJob{
				CanonJobID:    job.ID,
				TopicID:       topicID,
				TopicText:     topic.Title,
				SeedEpisodeID: interimID,
				EnqueuedAt:    time.Now().UTC(),
			})
			if err != nil {
				s.log.Error().Err(err).Int64("canon_job_id", job.ID).Msg("canon: не удалось поставить ремастер в очередь")
			}
		}
	}

	refreshed, err := s.topics.GetByID(ctx, topicID)
	if err != nil {
		return PromoteResult{}, fmt.Errorf("чтение темы после продвижения: %w", err)
	}
	result.Topic = refreshed
	return result, nil
}

// Demote выводит тему из канона в CANDIDATE или COLD: снимает канонические
// поля, флаг isCanon у эпизода и отменяет незавершённые ремастер-задачи,
// чтобы они не вернули канон задним числом.
func (s *Service) Demote(ctx context.Context, topicID int64, target domain.TopicStatus) (domain.Topic, error) {
	if target != domain.TopicCandidate && target != domain.TopicCold {
		return domain.Topic{}, ErrBadDemoteTarget
	}

	topic, err := s.topics.GetByID(ctx, topicID)
	if err != nil {
		return domain.Topic{}, fmt.Errorf("получение темы: %w", err)
	}
	if topic.Status != domain.TopicCanon {
		return domain.Topic{}, ErrNotCanon
	}

	if topic.CanonEpisodeID != nil {
		if err := s.episodes.SetCanonFlag(ctx, *topic.CanonEpisodeID, false); err != nil {
			return domain.Topic{}, fmt.Errorf("снятие флага канона: %w", err)
		}
	}
	if err := s.topics.Demote(ctx, topicID, target); err != nil {
		return domain.Topic{}, fmt.Errorf("демоут темы: %w", err)
	}

	cancelled, err := s.jobs.CancelActiveByTopic(ctx, topicID, "тема выведена из канона")
	if err != nil {
		return domain.Topic{}, fmt.Errorf("отмена ремастер-задач: %w", err)
	}
	if cancelled > 0 {
		s.log.Info().Int64("topic_id", topicID).Int("cancelled", cancelled).Msg("canon: отменены незавершённые ремастеры")
	}
	s.invalidateHit(topic.Slug)

	refreshed, err := s.topics.GetByID(ctx, topicID)
	if err != nil {
		return domain.Topic{}, fmt.Errorf("чтение темы после демоута: %w", err)
	}
	return refreshed, nil
}

// ProcessRemaster выполняет одну ремастер-задачу: генерирует эпизод лучшего
// качества и делает его каноном темы. Ошибка фиксируется на строке задачи
// и не трогает текущий канон.
func (s *Service) ProcessRemaster(ctx context.Context, job domain.RemasterJob, pipeline domain.GenerationPipeline) error {
	row, err := s.jobs.GetCanonJob(ctx, job.CanonJobID)
	if err != nil {
		return fmt.Errorf("получение ремастер-задачи: %w", err)
	}
	if row.Status != domain.CanonJobQueued {
		s.log.Info().Int64("canon_job_id", job.CanonJobID).Str("status", string(row.Status)).Msg("canon: ремастер пропущен")
		return nil
	}

	topic, err := s.topics.GetByID(ctx, job.TopicID)
	if err != nil {
		return fmt.Errorf("получение темы: %w", err)
	}
	if topic.Status != domain.TopicCanon {
		return s.failRemaster(ctx, job.CanonJobID, 0, "тема больше не канонична")
	}

	if err := s.jobs.MarkCanonJobRunning(ctx, job.CanonJobID, time.Now().UTC()); err != nil {
		return fmt.Errorf("перевод задачи в RUNNING: %w", err)
	}

	result, err := pipeline.Generate(ctx, domain.GenerationRequest{
		Topic:  topic.Title,
		Length: domain.LengthMedium,
	})
	if err != nil {
		if failErr := s.failRemaster(ctx, job.CanonJobID, 0, err.Error()); failErr != nil {
			return failErr
		}
		return fmt.Errorf("генерация ремастера: %w", err)
	}

	episode, err := s.episodes.CreateEpisode(ctx, domain.Episode{
		UserID:     s.systemUserID,
		TopicID:    &topic.ID,
		Topic:      topic.Title,
		Transcript: result.Transcript,
		AudioRef:   result.AudioRef,
		Length:     domain.LengthMedium,
		Status:     domain.EpisodeReady,
		Sources:    result.Sources,
		IsCanon:    true,
		CostCents:  result.CostCents,
	})
	if err != nil {
		if failErr := s.failRemaster(ctx, job.CanonJobID, result.CostCents, err.Error()); failErr != nil {
			return failErr
		}
		return fmt.Errorf("сохранение ремастер-эпизода: %w", err)
	}

	// демоут мог случиться во время генерации
	topic, err = s.topics.GetByID(ctx, job.TopicID)
	if err != nil {
		return fmt.Errorf("повторное чтение темы: %w", err)
	}
	if topic.Status != domain.TopicCanon {
		_ = s.episodes.SetCanonFlag(ctx, episode.ID, false)
		return s.failRemaster(ctx, job.CanonJobID, result.CostCents, "тема демоутнута во время ремастера")
	}

	previous := topic.CanonEpisodeID
	if err := s.topics.SetCanonEpisode(ctx, topic.ID, episode.ID); err != nil {
		return fmt.Errorf("подмена канонического эпизода: %w", err)
	}
	if previous != nil && *previous != episode.ID {
		if err := s.episodes.SetCanonFlag(ctx, *previous, false); err != nil {
			s.log.Error().Err(err).Int64("episode_id", *previous).Msg("canon: не удалось снять флаг со старого канона")
		}
	}
	s.invalidateHit(topic.Slug)

	if err := s.jobs.MarkCanonJobFinished(ctx, job.CanonJobID, domain.CanonJobSucceeded, result.CostCents, nil); err != nil {
		return fmt.Errorf("завершение ремастер-задачи: %w", err)
	}
	return nil
}

func (s *Service) failRemaster(ctx context.Context, jobID int64, costCents int, reason string) error {
	if err := s.jobs.MarkCanonJobFinished(ctx, jobID, domain.CanonJobFailed, costCents, &reason); err != nil {
		return fmt.Errorf("фиксация ошибки ремастера: %w", err)
	}
	return nil
}

func (s *Service) invalidateHit(slug string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(hitCachePrefix + slug); err != nil {
		s.log.Debug().Err(err).Str("slug", slug).Msg("canon: не удалось сбросить кэш слага")
	}
}
