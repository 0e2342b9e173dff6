package domain

import (
	"context"
	"time"
)

// ChannelRepo управляет каналами.
type ChannelRepo interface {
	Upsert(ch Channel) (Channel, error)
	Get(id string) (Channel, error)
	GetByChatID(chatID int64) (Channel, error)
	List() ([]Channel, error)
	UpdateSubscribers(id string, count int) error
	UpdateTZOffset(id string, offset float64) error
	SetNews(id string, isNews bool) error
	// Delete удаляет канал вместе с его отложенными проверками и историей.
	Delete(id string) error
}

// PendingCheckRepo — долговечный реестр отложенных проверок.
type PendingCheckRepo interface {
	// Schedule создаёт запись и возвращает true. Если проверка для ключа уже
	// существует, состояние не меняется и возвращается false.
	Schedule(channelID string, postID int64, readyAt time.Time) (bool, error)
	// ListReady возвращает записи с readyAt <= now; при force — все записи.
	ListReady(now time.Time, force bool) ([]PendingCheck, error)
	// IncrementRetry атомарно увеличивает счётчик и сообщает, исчерпан ли лимит.
	IncrementRetry(key CheckKey) (retries int, exceeded bool, err error)
	// Remove идемпотентно удаляет запись.
	Remove(key CheckKey) error
}

// PostRepo хранит записи о постах и результатах их проверок.
type PostRepo interface {
	SaveContentStage(rec PostRecord) error
	// SaveMetricsStage заполняет снимок метрик и вердикт. Вызывается один раз.
	SaveMetricsStage(key CheckKey, m ObservedMetrics, v MetricsVerdict) error
	GetPost(key CheckKey) (PostRecord, error)
}

// HistoryRepo — журнал результатов проверок.
type HistoryRepo interface {
	Append(entry HistoryEntry) error
	StatsSince(channelID string, since time.Time) (ChannelStats, error)
	// PruneOlderThan безвозвратно удаляет записи старше горизонта.
	PruneOlderThan(horizon time.Time) (int64, error)
}

// MetricsSource получает метрики поста. Возвращает ErrPostNotFound для
// удалённых постов и TransientError для временных сбоев.
type MetricsSource interface {
	Fetch(ctx context.Context, chatID int64, postID int64) (ObservedMetrics, error)
}

// Moderator проверяет текст поста на ошибки и читабельность.
type Moderator interface {
	Moderate(ctx context.Context, text string) (ContentVerdict, error)
}

// Sender отправляет личные сообщения пользователям.
type Sender interface {
	Send(ctx context.Context, userID int64, text string) error
}

// ChannelInfoProvider запрашивает у Telegram сведения о канале.
type ChannelInfoProvider interface {
	Info(ctx context.Context, ref string) (chatID int64, title string, subscribers int, err error)
	MemberCount(ctx context.Context, chatID int64) (int, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
