package pipeline

import (
	"context"
	"fmt"
	"strings"

	"mindcast-backend/internal/domain"
	"mindcast-backend/internal/usecase/canon"
)

// Simple — детерминированный пайплайн без внешних вызовов.
// Используется в dev-окружении и тестах.
type Simple struct {
	CostCents int
}

// NewSimple создаёт пайплайн с фиксированной себестоимостью.
func NewSimple(costCents int) *Simple {
	return &Simple{CostCents: costCents}
}

var _ domain.GenerationPipeline = (*Simple)(nil)

// Generate строит шаблонный сценарий по теме.
func (p *Simple) Generate(_ context.Context, req domain.GenerationRequest) (domain.GenerationResult, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return domain.GenerationResult{}, fmt.Errorf("пустая тема")
	}
	slug := canon.SlugifyTopic(topic)
	transcript := fmt.Sprintf(
		"Сегодня мы разбираем тему «%s». Начнём с контекста, затем пройдём по ключевым фактам и закончим выводами.",
		topic,
	)
	return domain.GenerationResult{
		Transcript: transcript,
		AudioRef:   "memory://" + slug,
		Sources:    []domain.Source{{Title: "MindCast notes", URL: "https://mindcast.local/" + slug}},
		CostCents:  p.CostCents,
	}, nil
}
