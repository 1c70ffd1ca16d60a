package domain

import "time"

// TopicStatus описывает стадию жизненного цикла темы.
type TopicStatus string

const (
	// TopicCandidate — тема набирает статистику и ждёт продвижения.
	TopicCandidate TopicStatus = "CANDIDATE"
	// TopicCanon — тема обслуживается каноническим эпизодом из кэша.
	TopicCanon TopicStatus = "CANON"
	// TopicCold — тема выведена из ротации.
	TopicCold TopicStatus = "COLD"
)

// Topic кластеризует семантически близкие запросы по слагу.
type Topic struct {
	ID              int64
	Slug            string
	Title           string
	Status          TopicStatus
	RequestCount    int
	UniqueUsers     int
	CompletionRate  float64
	SaveRate        float64
	CanonScore      float64
	CanonEpisodeID  *int64
	CanonPromotedAt *time.Time
	IsFastMoving    bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Signals возвращает агрегаты темы для скоринга.
func (t Topic) Signals() TopicSignals {
	return TopicSignals{
		RequestCount:   t.RequestCount,
		UniqueUsers:    t.UniqueUsers,
		CompletionRate: t.CompletionRate,
		SaveRate:       t.SaveRate,
	}
}

// TopicSignals — входные сигналы скорингового движка.
type TopicSignals struct {
	RequestCount   int
	UniqueUsers    int
	CompletionRate float64
	SaveRate       float64
}

// PromotionEvaluation — результат проверки темы на пригодность к канону.
type PromotionEvaluation struct {
	Eligible bool
	Score    float64
	Reasons  []string
	Blockers []string
}

// TopicRequest — append-only запись одного запроса темы.
// После вставки меняются только отложенные сигналы прослушивания.
type TopicRequest struct {
	ID            int64
	TopicID       int64
	UserID        int64
	EpisodeID     int64
	CacheHit      bool
	CostCents     int
	CompletionPct *float64
	Saved         *bool
	Replayed      *bool
	CreatedAt     time.Time
}

// EpisodeStatus описывает состояние эпизода.
type EpisodeStatus string

const (
	EpisodeDraft      EpisodeStatus = "DRAFT"
	EpisodeProcessing EpisodeStatus = "PROCESSING"
	EpisodeReady      EpisodeStatus = "READY"
	EpisodeError      EpisodeStatus = "ERROR"
)

// EpisodeLength — пресет длины эпизода.
type EpisodeLength string

const (
	LengthShort  EpisodeLength = "short"
	LengthMedium EpisodeLength = "medium"
	LengthLong   EpisodeLength = "long"
)

// Source — одна цитируемая ссылка эпизода.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Episode — сгенерированный аудио-эпизод, принадлежащий пользователю.
// Канонический эпизод клонируется в независимые копии: мутации копии
// не затрагивают оригинал и чужие копии.
type Episode struct {
	ID         int64
	UserID     int64
	TopicID    *int64
	Topic      string
	Transcript string
	AudioRef   string
	Length     EpisodeLength
	Voice      string
	Status     EpisodeStatus
	Sources    []Source
	IsCanon    bool
	CostCents  int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CanonJobStatus описывает состояние ремастер-задачи.
type CanonJobStatus string

const (
	CanonJobQueued    CanonJobStatus = "QUEUED"
	CanonJobRunning   CanonJobStatus = "RUNNING"
	CanonJobSucceeded CanonJobStatus = "SUCCEEDED"
	CanonJobFailed    CanonJobStatus = "FAILED"
)

// CanonJob — задача перегенерации канонического эпизода темы.
type CanonJob struct {
	ID          int64
	TopicID     int64
	EpisodeID   *int64
	Status      CanonJobStatus
	Error       *string
	CostCents   int
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// Duration возвращает длительность выполнения задачи, если она завершена.
func (j CanonJob) Duration() *time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return nil
	}
	d := j.CompletedAt.Sub(*j.StartedAt)
	return &d
}

// GenerationJobStatus описывает состояние пользовательской задачи генерации.
type GenerationJobStatus string

const (
	GenerationQueued   GenerationJobStatus = "QUEUED"
	GenerationRunning  GenerationJobStatus = "RUNNING"
	GenerationComplete GenerationJobStatus = "COMPLETE"
	GenerationError    GenerationJobStatus = "ERROR"
)

// GenerationJob — лёгкая запись для поллинга клиентом.
// Попадание в канон-кэш создаёт задачу сразу в статусе COMPLETE.
type GenerationJob struct {
	ID        string
	UserID    int64
	EpisodeID *int64
	Status    GenerationJobStatus
	CacheHit  bool
	Error     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}
