package canon

import (
	"fmt"

	"mindcast-backend/internal/domain"
)

// Насыщение нормализуемых сигналов и веса итоговой суммы.
const (
	requestCap = 50.0
	userCap    = 20.0

	weightRequests   = 0.30
	weightUsers      = 0.25
	weightCompletion = 0.25
	weightSave       = 0.20
)

// Пороги пригодности темы к продвижению в канон.
const (
	MinRequests   = 5
	MinUsers      = 3
	MinCompletion = 0.6
	MinScore      = 0.4
)

// ComputeCanonScore считает канон-скор [0,1] по агрегатам темы.
// Чистая функция: значения вне диапазона зажимаются, не отвергаются.
func ComputeCanonScore(s domain.TopicSignals) float64 {
	requests := clamp01(float64(s.RequestCount) / requestCap)
	users := clamp01(float64(s.UniqueUsers) / userCap)
	completion := clamp01(s.CompletionRate)
	save := clamp01(s.SaveRate)
	return weightRequests*requests + weightUsers*users + weightCompletion*completion + weightSave*save
}

// EvaluatePromotion проверяет каждое условие продвижения независимо
// и собирает все блокеры, не останавливаясь на первом. Границы включительны.
func EvaluatePromotion(s domain.TopicSignals) domain.PromotionEvaluation {
	eval := domain.PromotionEvaluation{Score: ComputeCanonScore(s)}

	if s.RequestCount >= MinRequests {
		eval.Reasons = append(eval.Reasons, fmt.Sprintf("запросов достаточно: %d (порог %d)", s.RequestCount, MinRequests))
	} else {
		eval.Blockers = append(eval.Blockers, fmt.Sprintf("мало запросов: %d, нужно минимум %d", s.RequestCount, MinRequests))
	}

	if s.UniqueUsers >= MinUsers {
		eval.Reasons = append(eval.Reasons, fmt.Sprintf("уникальных пользователей достаточно: %d (порог %d)", s.UniqueUsers, MinUsers))
	} else {
		eval.Blockers = append(eval.Blockers, fmt.Sprintf("мало уникальных пользователей: %d, нужно минимум %d", s.UniqueUsers, MinUsers))
	}

	if s.CompletionRate >= MinCompletion {
		eval.Reasons = append(eval.Reasons, fmt.Sprintf("дослушиваемость достаточна: %.2f (порог %.2f)", s.CompletionRate, MinCompletion))
	} else {
		eval.Blockers = append(eval.Blockers, fmt.Sprintf("низкая дослушиваемость: %.2f, нужно минимум %.2f", s.CompletionRate, MinCompletion))
	}

	if eval.Score >= MinScore {
		eval.Reasons = append(eval.Reasons, fmt.Sprintf("канон-скор достаточен: %.3f (порог %.2f)", eval.Score, MinScore))
	} else {
		eval.Blockers = append(eval.Blockers, fmt.Sprintf("низкий канон-скор: %.3f, нужно минимум %.2f", eval.Score, MinScore))
	}

	eval.Eligible = len(eval.Blockers) == 0
	return eval
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
