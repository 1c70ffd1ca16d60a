package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"mindcast-backend/internal/domain"
	"mindcast-backend/internal/infra/metrics"
	"mindcast-backend/internal/usecase/canon"
)

// AdminHandler обслуживает админку канон-протокола.
type AdminHandler struct {
	canon  *canon.Service
	topics domain.TopicRepo
	jobs   domain.CanonJobRepo
	stats  domain.StatsRepo
	log    zerolog.Logger
}

// NewAdminHandler создаёт админский обработчик.
func NewAdminHandler(canonSvc *canon.Service, topics domain.TopicRepo, jobs domain.CanonJobRepo, stats domain.StatsRepo, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{canon: canonSvc, topics: topics, jobs: jobs, stats: stats, log: logger}
}

// Routes монтирует админские маршруты. Аутентификация навешивается снаружи.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/admin/v1/topics", h.listTopics)
	r.Get("/admin/v1/topics/{id}", h.getTopic)
	r.Post("/admin/v1/topics/{id}/promote", h.promoteTopic)
	r.Post("/admin/v1/topics/{id}/demote", h.demoteTopic)
	r.Get("/admin/v1/jobs", h.listJobs)
	r.Get("/admin/v1/stats", h.systemStats)
}

type topicResponse struct {
	ID              int64   `json:"id"`
	Slug            string  `json:"slug"`
	Title           string  `json:"title"`
	Status          string  `json:"status"`
	RequestCount    int     `json:"request_count"`
	UniqueUsers     int     `json:"unique_users"`
	CompletionRate  float64 `json:"completion_rate"`
	SaveRate        float64 `json:"save_rate"`
	CanonScore      float64 `json:"canon_score"`
	CanonEpisodeID  *int64  `json:"canon_episode_id,omitempty"`
	CanonPromotedAt *string `json:"canon_promoted_at,omitempty"`
}

func topicToResponse(t domain.Topic) topicResponse {
	resp := topicResponse{
		ID:             t.ID,
		Slug:           t.Slug,
		Title:          t.Title,
		Status:         string(t.Status),
		RequestCount:   t.RequestCount,
		UniqueUsers:    t.UniqueUsers,
		CompletionRate: t.CompletionRate,
		SaveRate:       t.SaveRate,
		CanonScore:     t.CanonScore,
		CanonEpisodeID: t.CanonEpisodeID,
	}
	if t.CanonPromotedAt != nil {
		ts := t.CanonPromotedAt.Format("2006-01-02T15:04:05Z07:00")
		resp.CanonPromotedAt = &ts
	}
	return resp
}

func (h *AdminHandler) listTopics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.TopicFilter{Sort: domain.ParseTopicSort(q.Get("sort"))}
	if raw := q.Get("status"); raw != "" {
		status := domain.TopicStatus(raw)
		if status != domain.TopicCandidate && status != domain.TopicCanon && status != domain.TopicCold {
			writeError(w, http.StatusBadRequest, "неизвестный статус темы")
			return
		}
		filter.Status = &status
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	topics, total, err := h.topics.List(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("admin: список тем не удался")
		writeError(w, http.StatusInternalServerError, "не удалось получить темы")
		return
	}
	out := make([]topicResponse, 0, len(topics))
	for _, t := range topics {
		out = append(out, topicToResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": out, "total": total})
}

func (h *AdminHandler) getTopic(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор")
		return
	}
	topic, err := h.topics.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "тема не найдена")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("topic_id", id).Msg("admin: чтение темы не удалось")
		writeError(w, http.StatusInternalServerError, "не удалось получить тему")
		return
	}

	eval := h.canon.Evaluate(topic)
	writeJSON(w, http.StatusOK, map[string]any{
		"topic": topicToResponse(topic),
		"evaluation": map[string]any{
			"eligible": eval.Eligible,
			"score":    eval.Score,
			"reasons":  eval.Reasons,
			"blockers": eval.Blockers,
		},
	})
}

type promoteRequest struct {
	SkipRemaster bool `json:"skip_remaster"`
}

func (h *AdminHandler) promoteTopic(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор")
		return
	}
	defer r.Body.Close()
	var req promoteRequest
	// пустое тело допустимо
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		req = promoteRequest{}
	}

	result, err := h.canon.Promote(r.Context(), id, req.SkipRemaster)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "тема не найдена")
		return
	case errors.Is(err, canon.ErrAlreadyCanon):
		writeError(w, http.StatusConflict, "тема уже канонична")
		return
	case err != nil:
		h.log.Error().Err(err).Int64("topic_id", id).Msg("admin: продвижение не удалось")
		writeError(w, http.StatusInternalServerError, "не удалось продвинуть тему")
		return
	}

	metrics.IncPromotion("admin")
	writeJSON(w, http.StatusOK, map[string]any{
		"topic":        topicToResponse(result.Topic),
		"canon_job_id": result.JobID,
		"message":      result.Message,
	})
}

type demoteRequest struct {
	To string `json:"to"`
}

func (h *AdminHandler) demoteTopic(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор")
		return
	}
	defer r.Body.Close()
	var req demoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		req = demoteRequest{}
	}
	target := domain.TopicCandidate
	switch strings.ToUpper(req.To) {
	case "", string(domain.TopicCandidate):
	case string(domain.TopicCold):
		target = domain.TopicCold
	default:
		writeError(w, http.StatusBadRequest, "недопустимый целевой статус")
		return
	}

	topic, err := h.canon.Demote(r.Context(), id, target)
	switch {
	case errors.Is(err, canon.ErrBadDemoteTarget):
		writeError(w, http.StatusBadRequest, "недопустимый целевой статус")
		return
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "тема не найдена")
		return
	case errors.Is(err, canon.ErrNotCanon):
		writeError(w, http.StatusConflict, "тема не находится в каноне")
		return
	case err != nil:
		h.log.Error().Err(err).Int64("topic_id", id).Msg("admin: демоут не удался")
		writeError(w, http.StatusInternalServerError, "не удалось демоутнуть тему")
		return
	}

	metrics.IncDemotion()
	writeJSON(w, http.StatusOK, map[string]any{"topic": topicToResponse(topic)})
}

type canonJobResponse struct {
	ID          int64    `json:"id"`
	TopicID     int64    `json:"topic_id"`
	EpisodeID   *int64   `json:"episode_id,omitempty"`
	Status      string   `json:"status"`
	Error       *string  `json:"error,omitempty"`
	CostCents   int      `json:"cost_cents"`
	DurationSec *float64 `json:"duration_sec,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

func (h *AdminHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.JobFilter{}
	if raw := q.Get("status"); raw != "" {
		status := domain.CanonJobStatus(raw)
		filter.Status = &status
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	jobs, total, err := h.jobs.ListCanonJobs(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("admin: список ремастер-задач не удался")
		writeError(w, http.StatusInternalServerError, "не удалось получить задачи")
		return
	}
	out := make([]canonJobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp := canonJobResponse{
			ID:        job.ID,
			TopicID:   job.TopicID,
			EpisodeID: job.EpisodeID,
			Status:    string(job.Status),
			Error:     job.Error,
			CostCents: job.CostCents,
			CreatedAt: job.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if d := job.Duration(); d != nil {
			sec := d.Seconds()
			resp.DurationSec = &sec
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "total": total})
}

func (h *AdminHandler) systemStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.SystemStats(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("admin: сводка не удалась")
		writeError(w, http.StatusInternalServerError, "не удалось собрать сводку")
		return
	}

	hitRate := 0.0
	if stats.TotalRequests > 0 {
		hitRate = float64(stats.CacheHits) / float64(stats.TotalRequests)
	}
	top := make([]topicResponse, 0, len(stats.TopCanonTopics))
	for _, t := range stats.TopCanonTopics {
		top = append(top, topicToResponse(t))
	}
	near := make([]topicResponse, 0, len(stats.NearPromotion))
	for _, t := range stats.NearPromotion {
		near = append(near, topicToResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"topics_by_status": stats.TopicsByStatus,
		"total_requests":   stats.TotalRequests,
		"cache_hits":       stats.CacheHits,
		"cache_hit_rate":   hitRate,
		"total_cost_cents": stats.TotalCostCents,
		"saved_cost_cents": stats.SavedCostCents,
		"top_canon_topics": top,
		"near_promotion":   near,
	})
}
