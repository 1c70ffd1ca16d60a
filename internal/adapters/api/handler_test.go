package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"mindcast-backend/internal/usecase/suggest"
)

func TestUserIDHeader(t *testing.T) {
	cases := map[string]int64{
		"42":  42,
		"":    0,
		"0":   0,
		"-5":  0,
		"abc": 0,
	}
	for raw, expected := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if raw != "" {
			req.Header.Set("X-User-ID", raw)
		}
		id, ok := userID(req)
		if expected == 0 {
			if ok {
				t.Fatalf("для %q не ожидали валидный идентификатор", raw)
			}
			continue
		}
		if !ok || id != expected {
			t.Fatalf("для %q ожидали %d, получили %d", raw, expected, id)
		}
	}
}

func TestTopicSuggestions(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, suggest.NewService(nil, 1), zerolog.Nop())
	r := chi.NewRouter()
	h.Routes(r)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/topics/suggestions?n=3", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	var body struct {
		Topics []string `json:"topics"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("не ожидали ошибку декодирования: %v", err)
	}
	if len(body.Topics) != 3 {
		t.Fatalf("ожидали 3 темы, получили %d", len(body.Topics))
	}
	seen := map[string]struct{}{}
	for _, topic := range body.Topics {
		if _, dup := seen[topic]; dup {
			t.Fatalf("темы не должны повторяться: %s", topic)
		}
		seen[topic] = struct{}{}
	}
}

func TestReportEngagementRejectsOutOfRangeCompletion(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, suggest.NewService(nil, 1), zerolog.Nop())
	r := chi.NewRouter()
	h.Routes(r)

	for _, body := range []string{`{"completion_pct": 5.0}`, `{"completion_pct": -0.1}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/episodes/10/engagement", strings.NewReader(body))
		req.Header.Set("X-User-ID", "42")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("для %s ожидали 400, получили %d", body, rec.Code)
		}
	}
}

func TestEpisodesRequireUser(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, suggest.NewService(nil, 1), zerolog.Nop())
	r := chi.NewRouter()
	h.Routes(r)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/episodes", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("без X-User-ID ожидали 401, получили %d", rec.Code)
	}
}
