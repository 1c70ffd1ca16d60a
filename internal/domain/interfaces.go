package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound возвращается репозиториями, если запись отсутствует.
var ErrNotFound = errors.New("запись не найдена")

// TopicRepo управляет темами и их агрегатами.
type TopicRepo interface {
	// UpsertBySlug возвращает тему по слагу, создавая CANDIDATE при первом запросе.
	UpsertBySlug(ctx context.Context, slug, title string) (Topic, error)
	GetBySlug(ctx context.Context, slug string) (Topic, error)
	GetByID(ctx context.Context, id int64) (Topic, error)
	// MarkCanon переводит тему в CANON. Возвращает false без ошибки,
	// если тема уже канонична (защита от двойного продвижения).
	MarkCanon(ctx context.Context, topicID int64, episodeID *int64, promotedAt time.Time) (bool, error)
	// Demote сбрасывает канонические поля и переводит тему в целевой статус.
	Demote(ctx context.Context, topicID int64, target TopicStatus) error
	// SetCanonEpisode подменяет канонический эпизод темы, не меняя статус.
	SetCanonEpisode(ctx context.Context, topicID, episodeID int64) error
	UpdateScore(ctx context.Context, topicID int64, score float64) error
	List(ctx context.Context, filter TopicFilter) ([]Topic, int, error)
	// ListPromotable возвращает кандидатов, чьи агрегаты достигли порогов.
	ListPromotable(ctx context.Context, minRequests, minUsers int, limit int) ([]Topic, error)
}

// EpisodeRepo управляет эпизодами.
type EpisodeRepo interface {
	CreateEpisode(ctx context.Context, ep Episode) (Episode, error)
	GetEpisode(ctx context.Context, id int64) (Episode, error)
	// LatestReadyByTopic возвращает самый свежий READY эпизод по тексту темы.
	LatestReadyByTopic(ctx context.Context, topicID int64) (Episode, error)
	SetCanonFlag(ctx context.Context, episodeID int64, isCanon bool) error
	ListUserEpisodes(ctx context.Context, userID int64, limit, offset int) ([]Episode, error)
}

// RequestRepo пишет журнал запросов и пересчитывает агрегаты темы.
type RequestRepo interface {
	// RecordRequest вставляет запись журнала и атомарно обновляет
	// request_count, unique_users и скользящие доли родительской темы.
	RecordRequest(ctx context.Context, req TopicRequest) (Topic, error)
	// UpdateEngagement применяет отложенные сигналы прослушивания
	// и возвращает тему с обновлёнными агрегатами.
	UpdateEngagement(ctx context.Context, requestID int64, completionPct *float64, saved, replayed *bool) (Topic, error)
	// GetRequestByEpisode находит запись журнала по выданному эпизоду.
	GetRequestByEpisode(ctx context.Context, episodeID int64) (TopicRequest, error)
	// CountUserRequests считает сгенерированные (не кэшированные) запросы
	// пользователя с указанного момента. Используется квотой бесплатного тарифа.
	CountUserRequests(ctx context.Context, userID int64, since time.Time) (int, error)
}

// CanonJobRepo управляет ремастер-задачами.
type CanonJobRepo interface {
	CreateCanonJob(ctx context.Context, job CanonJob) (CanonJob, error)
	GetCanonJob(ctx context.Context, id int64) (CanonJob, error)
	MarkCanonJobRunning(ctx context.Context, id int64, startedAt time.Time) error
	MarkCanonJobFinished(ctx context.Context, id int64, status CanonJobStatus, costCents int, jobErr *string) error
	// CancelActiveByTopic помечает QUEUED/RUNNING задачи темы как FAILED,
	// чтобы незавершённый ремастер не вернул канон после демоута.
	CancelActiveByTopic(ctx context.Context, topicID int64, reason string) (int, error)
	ListCanonJobs(ctx context.Context, filter JobFilter) ([]CanonJob, int, error)
}

// GenerationJobRepo хранит задачи для поллинга клиентом.
type GenerationJobRepo interface {
	CreateGenerationJob(ctx context.Context, job GenerationJob) (GenerationJob, error)
	GetGenerationJob(ctx context.Context, id string) (GenerationJob, error)
	UpdateGenerationJob(ctx context.Context, id string, status GenerationJobStatus, episodeID *int64, jobErr *string) error
}

// StatsRepo отдаёт сводку для админки.
type StatsRepo interface {
	SystemStats(ctx context.Context) (SystemStats, error)
}

// SystemStats — сводные показатели канон-протокола.
type SystemStats struct {
	TopicsByStatus map[TopicStatus]int
	TotalRequests  int
	CacheHits      int
	TotalCostCents int
	SavedCostCents int
	TopCanonTopics []Topic
	NearPromotion  []Topic
}

// GenerationRequest — вход внешнего генерационного пайплайна.
type GenerationRequest struct {
	Topic  string
	Length EpisodeLength
	Style  string
	Voice  string
}

// GenerationResult — результат работы пайплайна.
type GenerationResult struct {
	Transcript string
	AudioRef   string
	Sources    []Source
	CostCents  int
}

// GenerationPipeline — внешний пайплайн генерации. Ядро вызывает его
// только при промахе кэша и не управляет его жизненным циклом.
type GenerationPipeline interface {
	Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
	Del(key string) error
}
