package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAdminAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	cases := []struct {
		name     string
		token    string
		header   string
		expected int
	}{
		{"без токена в конфиге", "", "Bearer secret", http.StatusForbidden},
		{"без заголовка", "secret", "", http.StatusUnauthorized},
		{"неверный токен", "secret", "Bearer wrong", http.StatusUnauthorized},
		{"не bearer", "secret", "Basic secret", http.StatusUnauthorized},
		{"верный токен", "secret", "Bearer secret", http.StatusOK},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			handler := AdminAuthMiddleware(c.token)(next)
			req := httptest.NewRequest(http.MethodGet, "/admin/v1/topics", nil)
			if c.header != "" {
				req.Header.Set("Authorization", c.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != c.expected {
				t.Fatalf("ожидали статус %d, получили %d", c.expected, rec.Code)
			}
		})
	}
}
