package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"mindcast-backend/internal/domain"
	"mindcast-backend/internal/usecase/canon"
	"mindcast-backend/internal/usecase/generate"
	"mindcast-backend/internal/usecase/suggest"
)

// Handler обслуживает пользовательский API генерации эпизодов.
type Handler struct {
	gen      *generate.Service
	canon    *canon.Service
	episodes domain.EpisodeRepo
	requests domain.RequestRepo
	suggest  *suggest.Service
	log      zerolog.Logger
}

// NewHandler создаёт обработчик.
func NewHandler(gen *generate.Service, canonSvc *canon.Service, episodes domain.EpisodeRepo, requests domain.RequestRepo, suggestSvc *suggest.Service, logger zerolog.Logger) *Handler {
	return &Handler{gen: gen, canon: canonSvc, episodes: episodes, requests: requests, suggest: suggestSvc, log: logger}
}

// Routes монтирует пользовательские маршруты.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/v1/episodes", h.createEpisode)
	r.Get("/api/v1/episodes", h.listEpisodes)
	r.Get("/api/v1/episodes/{id}", h.getEpisode)
	r.Post("/api/v1/episodes/{id}/engagement", h.reportEngagement)
	r.Get("/api/v1/jobs/{id}", h.jobStatus)
	r.Get("/api/v1/topics/suggestions", h.topicSuggestions)
}

// userID извлекает идентификатор пользователя из заголовка.
// Настоящая аутентификация живёт уровнем выше и сюда не входит.
func userID(r *http.Request) (int64, bool) {
	raw := r.Header.Get("X-User-ID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type createEpisodeRequest struct {
	Topic  string `json:"topic"`
	Length string `json:"length"`
	Style  string `json:"style"`
	Voice  string `json:"voice"`
}

type jobResponse struct {
	JobID     string  `json:"job_id"`
	Status    string  `json:"status"`
	EpisodeID *int64  `json:"episode_id,omitempty"`
	CacheHit  bool    `json:"cache_hit"`
	Error     *string `json:"error,omitempty"`
}

func (h *Handler) createEpisode(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "X-User-ID отсутствует")
		return
	}
	defer r.Body.Close()
	var req createEpisodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}

	result, err := h.gen.Request(r.Context(), uid, req.Topic, domain.EpisodeLength(req.Length), req.Style, req.Voice)
	switch {
	case errors.Is(err, generate.ErrEmptyTopic):
		writeError(w, http.StatusBadRequest, "тема эпизода пуста")
		return
	case errors.Is(err, generate.ErrQuotaExceeded):
		writeError(w, http.StatusPaymentRequired, "исчерпан лимит бесплатных генераций")
		return
	case err != nil:
		h.log.Error().Err(err).Int64("user_id", uid).Msg("api: генерация не удалась")
		writeError(w, http.StatusInternalServerError, "не удалось сгенерировать эпизод")
		return
	}

	writeJSON(w, http.StatusOK, jobResponse{
		JobID:     result.Job.ID,
		Status:    string(result.Job.Status),
		EpisodeID: result.Job.EpisodeID,
		CacheHit:  result.CacheHit,
	})
}

func (h *Handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "X-User-ID отсутствует")
		return
	}
	job, err := h.gen.JobStatus(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "задача не найдена")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("api: чтение задачи не удалось")
		writeError(w, http.StatusInternalServerError, "не удалось получить задачу")
		return
	}
	if job.UserID != uid {
		writeError(w, http.StatusNotFound, "задача не найдена")
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		EpisodeID: job.EpisodeID,
		CacheHit:  job.CacheHit,
		Error:     job.Error,
	})
}

type episodeResponse struct {
	ID         int64           `json:"id"`
	Topic      string          `json:"topic"`
	Transcript string          `json:"transcript,omitempty"`
	AudioRef   string          `json:"audio_ref,omitempty"`
	Length     string          `json:"length"`
	Voice      string          `json:"voice,omitempty"`
	Status     string          `json:"status"`
	Sources    []domain.Source `json:"sources,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

func episodeToResponse(ep domain.Episode) episodeResponse {
	return episodeResponse{
		ID:         ep.ID,
		Topic:      ep.Topic,
		Transcript: ep.Transcript,
		AudioRef:   ep.AudioRef,
		Length:     string(ep.Length),
		Voice:      ep.Voice,
		Status:     string(ep.Status),
		Sources:    ep.Sources,
		CreatedAt:  ep.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (h *Handler) listEpisodes(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "X-User-ID отсутствует")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	episodes, err := h.episodes.ListUserEpisodes(r.Context(), uid, limit, offset)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", uid).Msg("api: список эпизодов не удался")
		writeError(w, http.StatusInternalServerError, "не удалось получить эпизоды")
		return
	}
	out := make([]episodeResponse, 0, len(episodes))
	for _, ep := range episodes {
		out = append(out, episodeToResponse(ep))
	}
	writeJSON(w, http.StatusOK, map[string]any{"episodes": out})
}

func (h *Handler) getEpisode(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "X-User-ID отсутствует")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор")
		return
	}
	episode, err := h.episodes.GetEpisode(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "эпизод не найден")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("episode_id", id).Msg("api: чтение эпизода не удалось")
		writeError(w, http.StatusInternalServerError, "не удалось получить эпизод")
		return
	}
	if episode.UserID != uid {
		writeError(w, http.StatusNotFound, "эпизод не найден")
		return
	}
	writeJSON(w, http.StatusOK, episodeToResponse(episode))
}

type engagementRequest struct {
	CompletionPct *float64 `json:"completion_pct"`
	Saved         *bool    `json:"saved"`
	Replayed      *bool    `json:"replayed"`
}

// reportEngagement принимает отложенные сигналы прослушивания.
// Сбой учёта не показывается клиенту: сигналы — best effort.
func (h *Handler) reportEngagement(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "X-User-ID отсутствует")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор")
		return
	}
	defer r.Body.Close()
	var req engagementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	if req.CompletionPct != nil && (*req.CompletionPct < 0 || *req.CompletionPct > 1) {
		writeError(w, http.StatusBadRequest, "completion_pct вне диапазона [0, 1]")
		return
	}

	record, err := h.requests.GetRequestByEpisode(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil || record.UserID != uid {
		if err != nil {
			h.log.Error().Err(err).Int64("episode_id", id).Msg("api: поиск записи журнала не удался")
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.canon.UpdateEngagement(r.Context(), record.ID, req.CompletionPct, req.Saved, req.Replayed); err != nil {
		h.log.Error().Err(err).Int64("request_id", record.ID).Msg("api: обновление сигналов не удалось")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) topicSuggestions(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("n"))
	if err != nil || n <= 0 {
		n = 5
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": h.suggest.RandomN(n)})
}
