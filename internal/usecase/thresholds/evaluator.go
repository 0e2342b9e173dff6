package thresholds

import (
	"fmt"

	"tg-postwatch/internal/domain"
)

// Evaluate сверяет снимок метрик с порогами и формирует вердикт.
// Порог включительный: current == required считается пройденным (100%).
func Evaluate(m domain.ObservedMetrics, th domain.ThresholdSet) domain.MetricsVerdict {
	verdict := domain.MetricsVerdict{
		Views:     compareMetric(m.Views, th.Views),
		Reactions: compareMetric(m.Reactions, th.Reactions),
		Forwards:  compareMetric(m.Forwards, th.Forwards),
	}
	verdict.Passed = verdict.Views.Passed && verdict.Reactions.Passed && verdict.Forwards.Passed

	if !verdict.Views.Passed {
		verdict.Issues = append(verdict.Issues,
			fmt.Sprintf("Низкое количество просмотров: %d (минимум %d)", m.Views, th.Views))
	}
	if !verdict.Reactions.Passed {
		verdict.Issues = append(verdict.Issues,
			fmt.Sprintf("Низкое количество реакций: %d (минимум %d)", m.Reactions, th.Reactions))
	}
	if !verdict.Forwards.Passed {
		verdict.Issues = append(verdict.Issues,
			fmt.Sprintf("Низкое количество пересылок: %d (минимум %d)", m.Forwards, th.Forwards))
	}
	return verdict
}

func compareMetric(current, required int) domain.MetricCheck {
	check := domain.MetricCheck{Current: current, Required: required}
	// Compute гарантирует required >= 1, но нулевой знаменатель не должен
	// ронять проверку: считаем его непройденным нулём.
	if required <= 0 {
		return check
	}
	check.Percent = float64(current) / float64(required) * 100
	check.Passed = current >= required
	return check
}
