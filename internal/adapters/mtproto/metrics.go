package mtproto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"tg-postwatch/internal/domain"
	"tg-postwatch/internal/infra/metrics"
)

// MetricsSource получает метрики постов через MTProto. Bot API не отдаёт
// просмотры и пересылки, поэтому источником служит пользовательская сессия.
type MetricsSource struct {
	client *telegram.Client
	log    zerolog.Logger

	ready chan struct{}
	api   *tg.Client

	mu     sync.Mutex
	hashes map[int64]int64 // access hash по идентификатору канала
}

var _ domain.MetricsSource = (*MetricsSource)(nil)

// NewMetricsSource создаёт MTProto клиент на базе сохранённой сессии.
func NewMetricsSource(apiID int, apiHash string, storage session.Storage, log zerolog.Logger) *MetricsSource {
	client := telegram.NewClient(apiID, apiHash, telegram.Options{SessionStorage: storage})
	return &MetricsSource{client: client, log: log, ready: make(chan struct{}), hashes: make(map[int64]int64)}
}

// Run держит MTProto соединение до отмены контекста. Fetch блокируется,
// пока соединение не установлено.
func (s *MetricsSource) Run(ctx context.Context) error {
	return s.client.Run(ctx, func(ctx context.Context) error {
		s.api = s.client.API()
		close(s.ready)
		s.log.Info().Msg("mtproto: соединение установлено")
		<-ctx.Done()
		return ctx.Err()
	})
}

// Fetch возвращает снимок метрик поста. Удалённый пост и недоступный канал
// отдаются как ErrPostNotFound, сетевые сбои и флуд-лимиты как временные.
func (s *MetricsSource) Fetch(ctx context.Context, chatID int64, postID int64) (domain.ObservedMetrics, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return domain.ObservedMetrics{}, domain.Transient(ctx.Err())
	}

	channelID := bareChannelID(chatID)
	input, err := s.inputChannel(ctx, channelID)
	if err != nil {
		return domain.ObservedMetrics{}, err
	}

	start := time.Now()
	res, err := s.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: input,
		ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: int(postID)}},
	})
	metrics.ObserveNetworkRequest("mtproto", "channels_get_messages", "telegram", start, err)
	if err != nil {
		if tgerr.Is(err, "CHANNEL_INVALID") {
			// access hash устарел, при следующей попытке канал разрешится заново
			s.forget(channelID)
		}
		return domain.ObservedMetrics{}, classifyError(err)
	}

	msgs, ok := res.(*tg.MessagesChannelMessages)
	if !ok {
		return domain.ObservedMetrics{}, domain.Transient(fmt.Errorf("неожиданный ответ: %T", res))
	}
	for _, raw := range msgs.Messages {
		msg, ok := raw.(*tg.Message)
		if !ok || int64(msg.ID) != postID {
			continue
		}
		return snapshot(msg), nil
	}
	return domain.ObservedMetrics{}, domain.ErrPostNotFound
}

// inputChannel разрешает access hash канала. Хэши берутся из списка чатов
// сессии и кэшируются; запрос с нулевым хэшем сервер отклоняет.
func (s *MetricsSource) inputChannel(ctx context.Context, channelID int64) (*tg.InputChannel, error) {
	s.mu.Lock()
	hash, ok := s.hashes[channelID]
	s.mu.Unlock()
	if ok {
		return &tg.InputChannel{ChannelID: channelID, AccessHash: hash}, nil
	}

	start := time.Now()
	res, err := s.api.MessagesGetAllChats(ctx, nil)
	metrics.ObserveNetworkRequest("mtproto", "messages_get_all_chats", "telegram", start, err)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("получение списка чатов: %w", err))
	}

	s.mu.Lock()
	for _, raw := range res.GetChats() {
		ch, ok := raw.(*tg.Channel)
		if !ok {
			continue
		}
		s.hashes[ch.ID] = ch.AccessHash
	}
	hash, ok = s.hashes[channelID]
	s.mu.Unlock()
	if !ok {
		return nil, domain.Transient(fmt.Errorf("канал %d не найден среди чатов сессии", channelID))
	}
	return &tg.InputChannel{ChannelID: channelID, AccessHash: hash}, nil
}

func (s *MetricsSource) forget(channelID int64) {
	s.mu.Lock()
	delete(s.hashes, channelID)
	s.mu.Unlock()
}

// snapshot переводит сообщение в снимок метрик.
func snapshot(msg *tg.Message) domain.ObservedMetrics {
	m := domain.ObservedMetrics{
		Views:     msg.Views,
		Forwards:  msg.Forwards,
		FetchedAt: time.Now().UTC(),
	}
	for _, r := range msg.Reactions.Results {
		m.Reactions += r.Count
	}
	if replies, ok := msg.GetReplies(); ok {
		m.Replies = replies.Replies
	}
	return m
}

// classifyError разделяет постоянные и временные ошибки Telegram.
// CHANNEL_INVALID означает устаревший access hash, а не пропавший пост,
// поэтому считается временной ошибкой.
func classifyError(err error) error {
	if tgerr.Is(err, "CHANNEL_PRIVATE", "MESSAGE_IDS_EMPTY", "MSG_ID_INVALID") {
		return domain.ErrPostNotFound
	}
	return domain.Transient(err)
}

// bareChannelID переводит идентификатор чата Bot API (-100…) во внутренний
// идентификатор канала MTProto.
func bareChannelID(chatID int64) int64 {
	if chatID < 0 {
		return -chatID - 1000000000000
	}
	return chatID
}
