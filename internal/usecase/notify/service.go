package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-postwatch/internal/domain"
	"tg-postwatch/internal/infra/metrics"
)

// Config задаёт политику доставки уведомлений.
type Config struct {
	SuperAdminID  int64
	MirrorToOwner bool
	Enabled       bool
	DedupTTL      time.Duration
}

// Service рассылает уведомления админам канала. Каждый получатель
// обрабатывается независимо: недоступный аккаунт одного админа не блокирует
// доставку остальным. Повторов отправки нет — неудачная доставка логируется
// и не переотправляется.
type Service struct {
	sender domain.Sender
	cache  domain.Cache // nil — без дедупликации
	cfg    Config
	log    zerolog.Logger
}

// NewService создаёт диспетчер уведомлений.
func NewService(sender domain.Sender, cache domain.Cache, cfg Config, log zerolog.Logger) *Service {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 48 * time.Hour
	}
	return &Service{sender: sender, cache: cache, cfg: cfg, log: log}
}

// Dispatch доставляет текст всем админам канала и, при включённом зеркале,
// супер-админу. Ключ (тип проверки, канал, пост) дедуплицируется в пределах
// TTL: падение процесса между уведомлением и снятием проверки из реестра не
// приводит к повторной рассылке.
func (s *Service) Dispatch(ctx context.Context, ch domain.Channel, postID int64, checkType domain.CheckType, text string) error {
	if !s.cfg.Enabled {
		s.log.Debug().Str("channel", ch.ID).Msg("notify: уведомления отключены в настройках")
		return nil
	}
	if len(ch.Admins) == 0 {
		s.log.Warn().Str("channel", ch.ID).Msg("notify: нет администраторов для уведомления")
		return nil
	}

	send := func() error {
		s.fanOut(ctx, ch, checkType, text)
		return nil
	}
	if s.cache == nil {
		return send()
	}
	key := fmt.Sprintf("notify:%s:%s:%d", checkType, ch.ID, postID)
	if err := s.cache.Once(key, s.cfg.DedupTTL, send); err != nil {
		// Недоступный кэш не должен глушить уведомление: дубликат хуже
		// потери дедупликации.
		s.log.Warn().Err(err).Str("key", key).Msg("notify: дедупликация недоступна")
		return send()
	}
	return nil
}

func (s *Service) fanOut(ctx context.Context, ch domain.Channel, checkType domain.CheckType, text string) {
	delivered := 0
	for _, adminID := range ch.Admins {
		if err := s.sender.Send(ctx, adminID, text); err != nil {
			metrics.NotifySendErrors.Inc()
			s.log.Error().Err(err).Int64("admin", adminID).Str("channel", ch.ID).Msg("notify: отправка админу не удалась")
			continue
		}
		delivered++
	}
	s.log.Info().Str("channel", ch.ID).Int("delivered", delivered).Int("admins", len(ch.Admins)).Msg("notify: уведомления разосланы")

	if s.cfg.MirrorToOwner && s.cfg.SuperAdminID != 0 && !containsID(ch.Admins, s.cfg.SuperAdminID) {
		mirror := fmt.Sprintf("[Копия уведомления]\n👤 Канал администрируется: %s\n\n%s", joinIDs(ch.Admins), text)
		if err := s.sender.Send(ctx, s.cfg.SuperAdminID, mirror); err != nil {
			metrics.NotifySendErrors.Inc()
			s.log.Error().Err(err).Msg("notify: отправка супер-админу не удалась")
		}
	}
	metrics.NotificationsTotal.WithLabelValues(string(checkType)).Inc()
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func joinIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ", ")
}
