package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mindcast-backend/internal/domain"
	"mindcast-backend/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.TopicRepo         = (*Postgres)(nil)
	_ domain.EpisodeRepo       = (*Postgres)(nil)
	_ domain.RequestRepo       = (*Postgres)(nil)
	_ domain.CanonJobRepo      = (*Postgres)(nil)
	_ domain.GenerationJobRepo = (*Postgres)(nil)
	_ domain.StatsRepo         = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const topicColumns = `id, slug, title, status, request_count, unique_users, completion_rate, save_rate, canon_score, canon_episode_id, canon_promoted_at, is_fast_moving, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTopic(row rowScanner) (domain.Topic, error) {
	var (
		t          domain.Topic
		episodeID  sql.NullInt64
		promotedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Slug, &t.Title, &t.Status, &t.RequestCount, &t.UniqueUsers, &t.CompletionRate, &t.SaveRate, &t.CanonScore, &episodeID, &promotedAt, &t.IsFastMoving, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Topic{}, err
	}
	if episodeID.Valid {
		id := episodeID.Int64
		t.CanonEpisodeID = &id
	}
	if promotedAt.Valid {
		ts := promotedAt.Time
		t.CanonPromotedAt = &ts
	}
	return t, nil
}

// UpsertBySlug реализует domain.TopicRepo: первая встреча слага создаёт CANDIDATE.
func (p *Postgres) UpsertBySlug(ctx context.Context, slug, title string) (domain.Topic, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO topics (slug, title)
VALUES ($1, $2)
ON CONFLICT (slug) DO UPDATE SET updated_at = now()
RETURNING `+topicColumns, slug, title)
	topic, err := scanTopic(row)
	metrics.ObserveNetworkRequest("postgres", "topics_upsert", "topics", start, err)
	if err != nil {
		return domain.Topic{}, err
	}
	return topic, nil
}

// GetBySlug возвращает тему по слагу.
func (p *Postgres) GetBySlug(ctx context.Context, slug string) (domain.Topic, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+topicColumns+` FROM topics WHERE slug = $1`, slug)
	topic, err := scanTopic(row)
	metrics.ObserveNetworkRequest("postgres", "topics_get_by_slug", "topics", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Topic{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Topic{}, err
	}
	return topic, nil
}

// GetByID возвращает тему по идентификатору.
func (p *Postgres) GetByID(ctx context.Context, id int64) (domain.Topic, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+topicColumns+` FROM topics WHERE id = $1`, id)
	topic, err := scanTopic(row)
	metrics.ObserveNetworkRequest("postgres", "topics_get", "topics", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Topic{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Topic{}, err
	}
	return topic, nil
}

// MarkCanon условно переводит тему в CANON: проигравший гонку получает false.
func (p *Postgres) MarkCanon(ctx context.Context, topicID int64, episodeID *int64, promotedAt time.Time) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var epID sql.NullInt64
	if episodeID != nil {
		epID = sql.NullInt64{Int64: *episodeID, Valid: true}
	}

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE topics
SET status = 'CANON', canon_episode_id = $2, canon_promoted_at = $3, updated_at = now()
WHERE id = $1 AND status <> 'CANON'
`, topicID, epID, promotedAt)
	metrics.ObserveNetworkRequest("postgres", "topics_mark_canon", "topics", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Demote сбрасывает канонические поля темы.
func (p *Postgres) Demote(ctx context.Context, topicID int64, target domain.TopicStatus) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE topics
SET status = $2, canon_episode_id = NULL, canon_promoted_at = NULL, updated_at = now()
WHERE id = $1
`, topicID, target)
	metrics.ObserveNetworkRequest("postgres", "topics_demote", "topics", start, err)
	return err
}

// SetCanonEpisode подменяет канонический эпизод, не меняя статус темы.
func (p *Postgres) SetCanonEpisode(ctx context.Context, topicID, episodeID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE topics SET canon_episode_id = $2, updated_at = now() WHERE id = $1
`, topicID, episodeID)
	metrics.ObserveNetworkRequest("postgres", "topics_set_canon_episode", "topics", start, err)
	return err
}

// UpdateScore сохраняет пересчитанный канон-скор.
func (p *Postgres) UpdateScore(ctx context.Context, topicID int64, score float64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE topics SET canon_score = $2, updated_at = now() WHERE id = $1`, topicID, score)
	metrics.ObserveNetworkRequest("postgres", "topics_update_score", "topics", start, err)
	return err
}

// ListPromotable возвращает кандидатов, достигших порогов продвижения.
func (p *Postgres) ListPromotable(ctx context.Context, minRequests, minUsers int, limit int) ([]domain.Topic, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+topicColumns+`
FROM topics
WHERE status = 'CANDIDATE' AND request_count >= $1 AND unique_users >= $2
ORDER BY canon_score DESC
LIMIT $3
`, minRequests, minUsers, limit)
	metrics.ObserveNetworkRequest("postgres", "topics_list_promotable", "topics", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var topics []domain.Topic
	for rows.Next() {
		topic, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}
	return topics, rows.Err()
}

const episodeColumns = `id, user_id, topic_id, topic, transcript, audio_ref, length, voice, status, sources, is_canon, cost_cents, created_at, updated_at`

func scanEpisode(row rowScanner) (domain.Episode, error) {
	var (
		e       domain.Episode
		topicID sql.NullInt64
		sources []byte
	)
	err := row.Scan(&e.ID, &e.UserID, &topicID, &e.Topic, &e.Transcript, &e.AudioRef, &e.Length, &e.Voice, &e.Status, &sources, &e.IsCanon, &e.CostCents, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return domain.Episode{}, err
	}
	if topicID.Valid {
		id := topicID.Int64
		e.TopicID = &id
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &e.Sources); err != nil {
			return domain.Episode{}, fmt.Errorf("decode sources: %w", err)
		}
	}
	return e, nil
}

// CreateEpisode сохраняет эпизод.
func (p *Postgres) CreateEpisode(ctx context.Context, ep domain.Episode) (domain.Episode, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	sources, err := json.Marshal(ep.Sources)
	if err != nil {
		return domain.Episode{}, fmt.Errorf("encode sources: %w", err)
	}

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO episodes (user_id, topic_id, topic, transcript, audio_ref, length, voice, status, sources, is_canon, cost_cents)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING `+episodeColumns, ep.UserID, ep.TopicID, ep.Topic, ep.Transcript, ep.AudioRef, ep.Length, ep.Voice, ep.Status, sources, ep.IsCanon, ep.CostCents)
	created, err := scanEpisode(row)
	metrics.ObserveNetworkRequest("postgres", "episodes_insert", "episodes", start, err)
	if err != nil {
		return domain.Episode{}, err
	}
	return created, nil
}

// GetEpisode возвращает эпизод по идентификатору.
func (p *Postgres) GetEpisode(ctx context.Context, id int64) (domain.Episode, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id = $1`, id)
	episode, err := scanEpisode(row)
	metrics.ObserveNetworkRequest("postgres", "episodes_get", "episodes", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Episode{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Episode{}, err
	}
	return episode, nil
}

// LatestReadyByTopic ищет самый свежий READY эпизод темы: либо по прямой
// ссылке эпизода на тему, либо через журнал запросов. Ремастер-эпизоды
// не порождают записей журнала, их находит прямая ссылка.
func (p *Postgres) LatestReadyByTopic(ctx context.Context, topicID int64) (domain.Episode, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT `+prefixedEpisodeColumns("e")+`
FROM episodes e
WHERE e.status = 'READY'
  AND (e.topic_id = $1 OR EXISTS (
      SELECT 1 FROM topic_requests tr
      WHERE tr.episode_id = e.id AND tr.topic_id = $1))
ORDER BY e.created_at DESC
LIMIT 1
`, topicID)
	episode, err := scanEpisode(row)
	metrics.ObserveNetworkRequest("postgres", "episodes_latest_ready", "episodes", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Episode{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Episode{}, err
	}
	return episode, nil
}

// SetCanonFlag помечает или снимает признак канонического эпизода.
func (p *Postgres) SetCanonFlag(ctx context.Context, episodeID int64, isCanon bool) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE episodes SET is_canon = $2, updated_at = now() WHERE id = $1`, episodeID, isCanon)
	metrics.ObserveNetworkRequest("postgres", "episodes_set_canon", "episodes", start, err)
	return err
}

// ListUserEpisodes возвращает библиотеку пользователя.
func (p *Postgres) ListUserEpisodes(ctx context.Context, userID int64, limit, offset int) ([]domain.Episode, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if limit <= 0 || limit > 100 {
		limit = 50
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+episodeColumns+` FROM episodes
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`, userID, limit, offset)
	metrics.ObserveNetworkRequest("postgres", "episodes_list_user", "episodes", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var episodes []domain.Episode
	for rows.Next() {
		episode, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, episode)
	}
	return episodes, rows.Err()
}

func prefixedEpisodeColumns(alias string) string {
	return alias + ".id, " + alias + ".user_id, " + alias + ".topic_id, " + alias + ".topic, " + alias + ".transcript, " + alias + ".audio_ref, " + alias + ".length, " + alias + ".voice, " + alias + ".status, " + alias + ".sources, " + alias + ".is_canon, " + alias + ".cost_cents, " + alias + ".created_at, " + alias + ".updated_at"
}

// refreshAggregatesSQL пересчитывает агрегаты темы из журнала запросов:
// журнал — единственный источник истины, агрегаты — кэш.
const refreshAggregatesSQL = `
UPDATE topics
SET request_count = agg.request_count,
    unique_users = agg.unique_users,
    completion_rate = agg.completion_rate,
    save_rate = agg.save_rate,
    updated_at = now()
FROM (
    SELECT COUNT(*) AS request_count,
           COUNT(DISTINCT user_id) AS unique_users,
           LEAST(GREATEST(COALESCE(AVG(completion_pct), 0), 0), 1) AS completion_rate,
           COALESCE(AVG(CASE WHEN saved IS NULL THEN NULL WHEN saved THEN 1.0 ELSE 0.0 END), 0) AS save_rate
    FROM topic_requests
    WHERE topic_id = $1
) agg
WHERE topics.id = $1
RETURNING topics.id, topics.slug, topics.title, topics.status, topics.request_count, topics.unique_users, topics.completion_rate, topics.save_rate, topics.canon_score, topics.canon_episode_id, topics.canon_promoted_at, topics.is_fast_moving, topics.created_at, topics.updated_at`

// RecordRequest добавляет запись журнала и атомарно обновляет агрегаты темы.
func (p *Postgres) RecordRequest(ctx context.Context, req domain.TopicRequest) (domain.Topic, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "topic_requests", start, err)
	if err != nil {
		return domain.Topic{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	start = time.Now()
	_, err = tx.Exec(ctx, `
INSERT INTO topic_requests (topic_id, user_id, episode_id, cache_hit, cost_cents, completion_pct, saved, replayed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, req.TopicID, req.UserID, req.EpisodeID, req.CacheHit, req.CostCents, req.CompletionPct, req.Saved, req.Replayed)
	metrics.ObserveNetworkRequest("postgres", "topic_requests_insert", "topic_requests", start, err)
	if err != nil {
		return domain.Topic{}, err
	}

	start = time.Now()
	topic, err := scanTopic(tx.QueryRow(ctx, refreshAggregatesSQL, req.TopicID))
	metrics.ObserveNetworkRequest("postgres", "topics_refresh_aggregates", "topics", start, err)
	if err != nil {
		return domain.Topic{}, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "topic_requests", start, err)
	if err != nil {
		return domain.Topic{}, err
	}
	return topic, nil
}

// UpdateEngagement применяет отложенные сигналы к записи журнала
// и пересчитывает агрегаты родительской темы.
func (p *Postgres) UpdateEngagement(ctx context.Context, requestID int64, completionPct *float64, saved, replayed *bool) (domain.Topic, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "topic_requests", start, err)
	if err != nil {
		return domain.Topic{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var topicID int64
	start = time.Now()
	err = tx.QueryRow(ctx, `
UPDATE topic_requests
SET completion_pct = COALESCE(LEAST(GREATEST($2::double precision, 0), 1), completion_pct),
    saved = COALESCE($3, saved),
    replayed = COALESCE($4, replayed)
WHERE id = $1
RETURNING topic_id
`, requestID, completionPct, saved, replayed).Scan(&topicID)
	metrics.ObserveNetworkRequest("postgres", "topic_requests_engagement", "topic_requests", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Topic{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Topic{}, err
	}

	start = time.Now()
	topic, err := scanTopic(tx.QueryRow(ctx, refreshAggregatesSQL, topicID))
	metrics.ObserveNetworkRequest("postgres", "topics_refresh_aggregates", "topics", start, err)
	if err != nil {
		return domain.Topic{}, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "topic_requests", start, err)
	if err != nil {
		return domain.Topic{}, err
	}
	return topic, nil
}

// GetRequestByEpisode находит запись журнала по выданному эпизоду.
func (p *Postgres) GetRequestByEpisode(ctx context.Context, episodeID int64) (domain.TopicRequest, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		req           domain.TopicRequest
		completionPct sql.NullFloat64
		saved         sql.NullBool
		replayed      sql.NullBool
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, topic_id, user_id, episode_id, cache_hit, cost_cents, completion_pct, saved, replayed, created_at
FROM topic_requests
WHERE episode_id = $1
ORDER BY created_at DESC
LIMIT 1
`, episodeID).Scan(&req.ID, &req.TopicID, &req.UserID, &req.EpisodeID, &req.CacheHit, &req.CostCents, &completionPct, &saved, &replayed, &req.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "topic_requests_by_episode", "topic_requests", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TopicRequest{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TopicRequest{}, err
	}
	if completionPct.Valid {
		v := completionPct.Float64
		req.CompletionPct = &v
	}
	if saved.Valid {
		v := saved.Bool
		req.Saved = &v
	}
	if replayed.Valid {
		v := replayed.Bool
		req.Replayed = &v
	}
	return req, nil
}

// CountUserRequests считает полные (не кэшированные) генерации пользователя.
func (p *Postgres) CountUserRequests(ctx context.Context, userID int64, since time.Time) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var count int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM topic_requests
WHERE user_id = $1 AND cache_hit = FALSE AND created_at >= $2
`, userID, since).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "topic_requests_count_user", "topic_requests", start, err)
	return count, err
}
