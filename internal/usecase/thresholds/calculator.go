package thresholds

import (
	"math"

	"tg-postwatch/internal/domain"
)

// Compute рассчитывает минимальные значения метрик для поста.
// Порог просмотров считается от числа подписчиков, пороги реакций и пересылок —
// от фактических просмотров: базой вовлечённости служит реальная аудитория
// поста, а не потенциальная. Каждый минимум не меньше 1, иначе пост с нулевой
// активностью проходил бы проверку.
func Compute(subscribers, views int, cfg domain.ThresholdConfig) domain.ThresholdSet {
	return domain.ThresholdSet{
		Views:     requiredMin(subscribers, cfg.ViewsPct),
		Reactions: requiredMin(views, cfg.ReactionsPct),
		Forwards:  requiredMin(views, cfg.ForwardsPct),
	}
}

// requiredMin округляет арифметически (половина — от нуля), как и проценты
// в настройках: 10% от 25 подписчиков — это 3 просмотра, а не 2.
func requiredMin(base int, pct float64) int {
	required := int(math.Round(float64(base) * pct / 100))
	if required < 1 {
		return 1
	}
	return required
}
