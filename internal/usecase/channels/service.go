package channels

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-postwatch/internal/domain"
)

// ErrBadChannelRef возвращается для ссылки, не похожей на канал.
var ErrBadChannelRef = errors.New("канал указывается как @username или id вида -100…")

// ErrBadTZOffset возвращается для смещения вне допустимого диапазона.
var ErrBadTZOffset = errors.New("смещение часового пояса должно быть от -12:00 до +14:00")

// Service управляет списком отслеживаемых каналов.
type Service struct {
	repo domain.ChannelRepo
	info domain.ChannelInfoProvider
	log  zerolog.Logger
}

// NewService создаёт сервис каналов.
func NewService(repo domain.ChannelRepo, info domain.ChannelInfoProvider, log zerolog.Logger) *Service {
	return &Service{repo: repo, info: info, log: log}
}

// ParseChannelRef нормализует ссылку на канал. Принимаются @username и
// числовые идентификаторы супергрупп вида -100…
func ParseChannelRef(raw string) (string, error) {
	ref := strings.TrimSpace(raw)
	if strings.HasPrefix(ref, "https://t.me/") {
		ref = "@" + strings.TrimPrefix(ref, "https://t.me/")
	}
	if strings.HasPrefix(ref, "@") {
		if len(ref) < 2 {
			return "", ErrBadChannelRef
		}
		return ref, nil
	}
	if strings.HasPrefix(ref, "-100") {
		if _, err := strconv.ParseInt(ref, 10, 64); err != nil {
			return "", ErrBadChannelRef
		}
		return ref, nil
	}
	return "", ErrBadChannelRef
}

// ParseTZOffset разбирает смещение часового пояса: "+05:30", "-3", "5.5".
// Допустимый диапазон от -12 до +14 часов.
func ParseTZOffset(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, ErrBadTZOffset
	}

	var offset float64
	if strings.Contains(s, ":") {
		sign := 1.0
		switch {
		case strings.HasPrefix(s, "+"):
			s = s[1:]
		case strings.HasPrefix(s, "-"):
			sign = -1.0
			s = s[1:]
		}
		parts := strings.SplitN(s, ":", 2)
		hours, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, ErrBadTZOffset
		}
		minutes, err := strconv.Atoi(parts[1])
		if err != nil || minutes < 0 || minutes > 59 {
			return 0, ErrBadTZOffset
		}
		offset = sign * (float64(hours) + float64(minutes)/60)
	} else {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, ErrBadTZOffset
		}
		offset = v
	}

	if offset < -12 || offset > 14 {
		return 0, ErrBadTZOffset
	}
	return offset, nil
}

// Add подключает канал к мониторингу: запрашивает у Telegram его chat id,
// название и число подписчиков и сохраняет запись. Повторное добавление
// обновляет существующую запись и дописывает администратора.
func (s *Service) Add(ctx context.Context, rawRef string, adminID int64) (domain.Channel, error) {
	ref, err := ParseChannelRef(rawRef)
	if err != nil {
		return domain.Channel{}, err
	}

	chatID, title, subscribers, err := s.info.Info(ctx, ref)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("запрос сведений о канале %s: %w", ref, err)
	}

	ch := domain.Channel{
		ID:          ref,
		ChatID:      chatID,
		Title:       title,
		Subscribers: subscribers,
		Admins:      []int64{adminID},
		CreatedAt:   time.Now().UTC(),
	}
	saved, err := s.repo.Upsert(ch)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("сохранение канала: %w", err)
	}
	s.log.Info().Str("channel", saved.ID).Int64("admin", adminID).Int("subscribers", saved.Subscribers).Msg("channels: канал подключён")
	return saved, nil
}

// Remove снимает канал с мониторинга вместе с его отложенными проверками
// и историей.
func (s *Service) Remove(id string) error {
	if err := s.repo.Delete(id); err != nil {
		return fmt.Errorf("удаление канала: %w", err)
	}
	s.log.Info().Str("channel", id).Msg("channels: канал отключён")
	return nil
}

// Get возвращает канал по идентификатору.
func (s *Service) Get(id string) (domain.Channel, error) {
	return s.repo.Get(id)
}

// List возвращает все отслеживаемые каналы.
func (s *Service) List() ([]domain.Channel, error) {
	return s.repo.List()
}

// ListForAdmin возвращает каналы, которыми управляет пользователь.
func (s *Service) ListForAdmin(adminID int64) ([]domain.Channel, error) {
	all, err := s.repo.List()
	if err != nil {
		return nil, err
	}
	var out []domain.Channel
	for _, ch := range all {
		for _, id := range ch.Admins {
			if id == adminID {
				out = append(out, ch)
				break
			}
		}
	}
	return out, nil
}

// SetTimezone задаёт смещение часового пояса канала.
func (s *Service) SetTimezone(id string, rawOffset string) (float64, error) {
	offset, err := ParseTZOffset(rawOffset)
	if err != nil {
		return 0, err
	}
	if err := s.repo.UpdateTZOffset(id, offset); err != nil {
		return 0, fmt.Errorf("обновление часового пояса: %w", err)
	}
	return offset, nil
}

// ToggleNews переключает признак новостного канала и возвращает новое значение.
func (s *Service) ToggleNews(id string) (bool, error) {
	ch, err := s.repo.Get(id)
	if err != nil {
		return false, fmt.Errorf("поиск канала: %w", err)
	}
	next := !ch.IsNews
	if err := s.repo.SetNews(id, next); err != nil {
		return false, fmt.Errorf("переключение новостного режима: %w", err)
	}
	return next, nil
}

// RefreshSubscribers обновляет число подписчиков всех каналов. Сбой по
// одному каналу не мешает остальным.
func (s *Service) RefreshSubscribers(ctx context.Context) {
	all, err := s.repo.List()
	if err != nil {
		s.log.Error().Err(err).Msg("channels: выборка каналов не удалась")
		return
	}
	for _, ch := range all {
		count, err := s.info.MemberCount(ctx, ch.ChatID)
		if err != nil {
			s.log.Warn().Err(err).Str("channel", ch.ID).Msg("channels: число подписчиков не обновлено")
			continue
		}
		if count == ch.Subscribers {
			continue
		}
		if err := s.repo.UpdateSubscribers(ch.ID, count); err != nil {
			s.log.Error().Err(err).Str("channel", ch.ID).Msg("channels: сохранение числа подписчиков не удалось")
		}
	}
}

// RunRefresher периодически обновляет число подписчиков, пока контекст
// не отменён.
func (s *Service) RunRefresher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RefreshSubscribers(ctx)
		}
	}
}
