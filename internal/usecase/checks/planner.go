package checks

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-postwatch/internal/domain"
)

// Planner ставит отложенные проверки. Используется там, где остальной
// планировщик не нужен, например в воркере очереди.
type Planner struct {
	registry domain.PendingCheckRepo
	delay    time.Duration
	log      zerolog.Logger
}

// NewPlanner создаёт планировщик постановки.
func NewPlanner(registry domain.PendingCheckRepo, delay time.Duration, log zerolog.Logger) *Planner {
	return &Planner{registry: registry, delay: delay, log: log}
}

// Schedule регистрирует отложенную проверку поста. Повторный вызов для того
// же ключа ничего не меняет и возвращает false.
func (p *Planner) Schedule(channelID string, postID int64) (bool, error) {
	readyAt := time.Now().UTC().Add(p.delay)
	inserted, err := p.registry.Schedule(channelID, postID, readyAt)
	if err != nil {
		return false, fmt.Errorf("планирование проверки: %w", err)
	}
	if !inserted {
		p.log.Info().Str("channel", channelID).Int64("post", postID).Msg("checks: проверка уже запланирована, дубликат пропущен")
		return false, nil
	}
	p.log.Info().Str("channel", channelID).Int64("post", postID).Time("ready_at", readyAt).Msg("checks: проверка запланирована")
	return true, nil
}
