package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mindcast-backend/internal/domain"
	"mindcast-backend/internal/infra/metrics"
)

const canonJobColumns = `id, topic_id, episode_id, status, error, cost_cents, started_at, completed_at, created_at`

func scanCanonJob(row rowScanner) (domain.CanonJob, error) {
	var (
		j           domain.CanonJob
		episodeID   sql.NullInt64
		jobErr      sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&j.ID, &j.TopicID, &episodeID, &j.Status, &jobErr, &j.CostCents, &startedAt, &completedAt, &j.CreatedAt)
	if err != nil {
		return domain.CanonJob{}, err
	}
	if episodeID.Valid {
		id := episodeID.Int64
		j.EpisodeID = &id
	}
	if jobErr.Valid {
		msg := jobErr.String
		j.Error = &msg
	}
	if startedAt.Valid {
		ts := startedAt.Time
		j.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		j.CompletedAt = &ts
	}
	return j, nil
}

// CreateCanonJob сохраняет новую ремастер-задачу.
func (p *Postgres) CreateCanonJob(ctx context.Context, job domain.CanonJob) (domain.CanonJob, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var episodeID sql.NullInt64
	if job.EpisodeID != nil {
		episodeID = sql.NullInt64{Int64: *job.EpisodeID, Valid: true}
	}
	if job.Status == "" {
		job.Status = domain.CanonJobQueued
	}

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO canon_jobs (topic_id, episode_id, status)
VALUES ($1, $2, $3)
RETURNING `+canonJobColumns, job.TopicID, episodeID, job.Status)
	created, err := scanCanonJob(row)
	metrics.ObserveNetworkRequest("postgres", "canon_jobs_insert", "canon_jobs", start, err)
	if err != nil {
		return domain.CanonJob{}, err
	}
	return created, nil
}

// GetCanonJob возвращает задачу по идентификатору.
func (p *Postgres) GetCanonJob(ctx context.Context, id int64) (domain.CanonJob, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+canonJobColumns+` FROM canon_jobs WHERE id = $1`, id)
	job, err := scanCanonJob(row)
	metrics.ObserveNetworkRequest("postgres", "canon_jobs_get", "canon_jobs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CanonJob{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.CanonJob{}, err
	}
	return job, nil
}

// MarkCanonJobRunning переводит задачу из QUEUED в RUNNING.
func (p *Postgres) MarkCanonJobRunning(ctx context.Context, id int64, startedAt time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE canon_jobs SET status = 'RUNNING', started_at = $2
WHERE id = $1 AND status = 'QUEUED'
`, id, startedAt)
	metrics.ObserveNetworkRequest("postgres", "canon_jobs_mark_running", "canon_jobs", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkCanonJobFinished фиксирует терминальный статус задачи.
func (p *Postgres) MarkCanonJobFinished(ctx context.Context, id int64, status domain.CanonJobStatus, costCents int, jobErr *string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var errMsg sql.NullString
	if jobErr != nil {
		errMsg = sql.NullString{String: *jobErr, Valid: true}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE canon_jobs SET status = $2, cost_cents = $3, error = $4, completed_at = now()
WHERE id = $1
`, id, status, costCents, errMsg)
	metrics.ObserveNetworkRequest("postgres", "canon_jobs_finish", "canon_jobs", start, err)
	return err
}

// CancelActiveByTopic гасит незавершённые задачи темы после демоута.
func (p *Postgres) CancelActiveByTopic(ctx context.Context, topicID int64, reason string) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE canon_jobs SET status = 'FAILED', error = $2, completed_at = now()
WHERE topic_id = $1 AND status IN ('QUEUED', 'RUNNING')
`, topicID, reason)
	metrics.ObserveNetworkRequest("postgres", "canon_jobs_cancel", "canon_jobs", start, err)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListCanonJobs возвращает страницу задач по типизированному фильтру.
func (p *Postgres) ListCanonJobs(ctx context.Context, filter domain.JobFilter) ([]domain.CanonJob, int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	where := ``
	args := []any{}
	if filter.Status != nil {
		where = `WHERE status = $1`
		args = append(args, *filter.Status)
	}

	var total int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM canon_jobs `+where, args...).Scan(&total)
	metrics.ObserveNetworkRequest("postgres", "canon_jobs_count", "canon_jobs", start, err)
	if err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM canon_jobs %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		canonJobColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, filter.Offset)

	start = time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "canon_jobs_list", "canon_jobs", start, err)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []domain.CanonJob
	for rows.Next() {
		job, err := scanCanonJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// List возвращает страницу тем по типизированному фильтру.
// Сортировка выбирается из фиксированного набора, произвольный SQL
// от вызывающей стороны не принимается.
func (p *Postgres) List(ctx context.Context, filter domain.TopicFilter) ([]domain.Topic, int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	orderBy := "canon_score DESC"
	switch filter.Sort {
	case domain.TopicSortRequests:
		orderBy = "request_count DESC"
	case domain.TopicSortUsers:
		orderBy = "unique_users DESC"
	case domain.TopicSortRecent:
		orderBy = "updated_at DESC"
	}

	where := ``
	args := []any{}
	if filter.Status != nil {
		where = `WHERE status = $1`
		args = append(args, *filter.Status)
	}

	var total int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM topics `+where, args...).Scan(&total)
	metrics.ObserveNetworkRequest("postgres", "topics_count", "topics", start, err)
	if err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM topics %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		topicColumns, where, orderBy, len(args)+1, len(args)+2)
	args = append(args, limit, filter.Offset)

	start = time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "topics_list", "topics", start, err)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var topics []domain.Topic
	for rows.Next() {
		topic, err := scanTopic(rows)
		if err != nil {
			return nil, 0, err
		}
		topics = append(topics, topic)
	}
	return topics, total, rows.Err()
}

const generationJobColumns = `id, user_id, episode_id, status, cache_hit, error, created_at, updated_at`

func scanGenerationJob(row rowScanner) (domain.GenerationJob, error) {
	var (
		j         domain.GenerationJob
		episodeID sql.NullInt64
		jobErr    sql.NullString
	)
	err := row.Scan(&j.ID, &j.UserID, &episodeID, &j.Status, &j.CacheHit, &jobErr, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return domain.GenerationJob{}, err
	}
	if episodeID.Valid {
		id := episodeID.Int64
		j.EpisodeID = &id
	}
	if jobErr.Valid {
		msg := jobErr.String
		j.Error = &msg
	}
	return j, nil
}

// CreateGenerationJob сохраняет задачу поллинга.
func (p *Postgres) CreateGenerationJob(ctx context.Context, job domain.GenerationJob) (domain.GenerationJob, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var episodeID sql.NullInt64
	if job.EpisodeID != nil {
		episodeID = sql.NullInt64{Int64: *job.EpisodeID, Valid: true}
	}

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO generation_jobs (id, user_id, episode_id, status, cache_hit)
VALUES ($1, $2, $3, $4, $5)
RETURNING `+generationJobColumns, job.ID, job.UserID, episodeID, job.Status, job.CacheHit)
	created, err := scanGenerationJob(row)
	metrics.ObserveNetworkRequest("postgres", "generation_jobs_insert", "generation_jobs", start, err)
	if err != nil {
		return domain.GenerationJob{}, err
	}
	return created, nil
}

// GetGenerationJob возвращает задачу поллинга.
func (p *Postgres) GetGenerationJob(ctx context.Context, id string) (domain.GenerationJob, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+generationJobColumns+` FROM generation_jobs WHERE id = $1`, id)
	job, err := scanGenerationJob(row)
	metrics.ObserveNetworkRequest("postgres", "generation_jobs_get", "generation_jobs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.GenerationJob{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.GenerationJob{}, err
	}
	return job, nil
}

// UpdateGenerationJob обновляет статус задачи поллинга.
func (p *Postgres) UpdateGenerationJob(ctx context.Context, id string, status domain.GenerationJobStatus, episodeID *int64, jobErr *string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var epID sql.NullInt64
	if episodeID != nil {
		epID = sql.NullInt64{Int64: *episodeID, Valid: true}
	}
	var errMsg sql.NullString
	if jobErr != nil {
		errMsg = sql.NullString{String: *jobErr, Valid: true}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE generation_jobs
SET status = $2, episode_id = COALESCE($3, episode_id), error = $4, updated_at = now()
WHERE id = $1
`, id, status, epID, errMsg)
	metrics.ObserveNetworkRequest("postgres", "generation_jobs_update", "generation_jobs", start, err)
	return err
}

// SystemStats собирает сводку канон-протокола для админки.
func (p *Postgres) SystemStats(ctx context.Context) (domain.SystemStats, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	stats := domain.SystemStats{TopicsByStatus: make(map[domain.TopicStatus]int)}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM topics GROUP BY status`)
	metrics.ObserveNetworkRequest("postgres", "stats_topics_by_status", "topics", start, err)
	if err != nil {
		return domain.SystemStats{}, err
	}
	for rows.Next() {
		var (
			status domain.TopicStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return domain.SystemStats{}, err
		}
		stats.TopicsByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.SystemStats{}, err
	}

	start = time.Now()
	err = p.pool.QueryRow(ctx, `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE cache_hit),
       COALESCE(SUM(cost_cents), 0),
       COALESCE((COUNT(*) FILTER (WHERE cache_hit)) * AVG(cost_cents) FILTER (WHERE NOT cache_hit), 0)::bigint
FROM topic_requests
`).Scan(&stats.TotalRequests, &stats.CacheHits, &stats.TotalCostCents, &stats.SavedCostCents)
	metrics.ObserveNetworkRequest("postgres", "stats_requests", "topic_requests", start, err)
	if err != nil {
		return domain.SystemStats{}, err
	}

	top, _, err := p.List(ctx, domain.TopicFilter{Status: statusPtr(domain.TopicCanon), Sort: domain.TopicSortRequests, Limit: 5})
	if err != nil {
		return domain.SystemStats{}, err
	}
	stats.TopCanonTopics = top

	near, _, err := p.List(ctx, domain.TopicFilter{Status: statusPtr(domain.TopicCandidate), Sort: domain.TopicSortScore, Limit: 5})
	if err != nil {
		return domain.SystemStats{}, err
	}
	stats.NearPromotion = near

	return stats, nil
}

func statusPtr(s domain.TopicStatus) *domain.TopicStatus {
	return &s
}
