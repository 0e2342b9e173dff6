package history

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-postwatch/internal/domain"
)

// Service ведёт журнал результатов проверок.
type Service struct {
	repo domain.HistoryRepo
	log  zerolog.Logger
}

// NewService создаёт сервис истории.
func NewService(repo domain.HistoryRepo, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log}
}

// Record добавляет результат проверки в журнал.
func (s *Service) Record(channelID string, postID int64, checkType domain.CheckType, passed bool, detail string) error {
	entry := domain.HistoryEntry{
		ChannelID: channelID,
		PostID:    postID,
		Type:      checkType,
		Passed:    passed,
		Detail:    detail,
		At:        time.Now().UTC(),
	}
	if err := s.repo.Append(entry); err != nil {
		return fmt.Errorf("запись истории: %w", err)
	}
	return nil
}

// StatsSince возвращает агрегаты по каналу за окно времени.
func (s *Service) StatsSince(channelID string, window time.Duration) (domain.ChannelStats, error) {
	since := time.Now().UTC().Add(-window)
	stats, err := s.repo.StatsSince(channelID, since)
	if err != nil {
		return domain.ChannelStats{}, fmt.Errorf("статистика канала: %w", err)
	}
	return stats, nil
}

// Prune удаляет записи старше горизонта. Восстановление невозможно.
func (s *Service) Prune(retention time.Duration) (int64, error) {
	horizon := time.Now().UTC().Add(-retention)
	removed, err := s.repo.PruneOlderThan(horizon)
	if err != nil {
		return 0, fmt.Errorf("очистка истории: %w", err)
	}
	return removed, nil
}

// RunPruner периодически чистит журнал, пока контекст не отменён.
func (s *Service) RunPruner(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Prune(retention)
			if err != nil {
				s.log.Error().Err(err).Msg("history: очистка не удалась")
				continue
			}
			if removed > 0 {
				s.log.Info().Int64("removed", removed).Msg("history: старые записи удалены")
			}
		}
	}
}
