package domain

import (
	"context"
	"time"
)

// RemasterJob — сообщение очереди на перегенерацию канонического эпизода.
type RemasterJob struct {
	CanonJobID    int64     `json:"canon_job_id"`
	TopicID       int64     `json:"topic_id"`
	TopicText     string    `json:"topic_text"`
	SeedEpisodeID *int64    `json:"seed_episode_id,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// RemasterQueue описывает очередь ремастер-задач.
type RemasterQueue interface {
	Enqueue(ctx context.Context, job RemasterJob) error
	Pop(ctx context.Context) (RemasterJob, error)
}
