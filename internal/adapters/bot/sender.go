package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-postwatch/internal/domain"
	"tg-postwatch/internal/infra/metrics"
)

// Sender отправляет личные сообщения через Bot API.
type Sender struct {
	bot *tgbotapi.BotAPI
}

var (
	_ domain.Sender              = (*Sender)(nil)
	_ domain.ChannelInfoProvider = (*Sender)(nil)
)

// NewSender создаёт адаптер отправки.
func NewSender(bot *tgbotapi.BotAPI) *Sender {
	return &Sender{bot: bot}
}

// Send отправляет сообщение пользователю.
func (s *Sender) Send(ctx context.Context, userID int64, text string) error {
	msg := tgbotapi.NewMessage(userID, text)
	start := time.Now()
	_, err := s.bot.Send(msg)
	metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(userID, 10), start, err)
	if err != nil {
		return fmt.Errorf("отправка сообщения пользователю %d: %w", userID, err)
	}
	return nil
}

// Info возвращает chat id, название и число подписчиков канала.
func (s *Sender) Info(ctx context.Context, ref string) (int64, string, int, error) {
	cfg := chatConfig(ref)
	start := time.Now()
	chat, err := s.bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: cfg})
	metrics.ObserveNetworkRequest("telegram_bot", "get_chat", ref, start, err)
	if err != nil {
		return 0, "", 0, fmt.Errorf("запрос чата %s: %w", ref, err)
	}

	count, err := s.MemberCount(ctx, chat.ID)
	if err != nil {
		return 0, "", 0, err
	}
	return chat.ID, chat.Title, count, nil
}

// MemberCount возвращает число подписчиков канала.
func (s *Sender) MemberCount(ctx context.Context, chatID int64) (int, error) {
	start := time.Now()
	count, err := s.bot.GetChatMembersCount(tgbotapi.ChatMemberCountConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	metrics.ObserveNetworkRequest("telegram_bot", "get_chat_members_count", strconv.FormatInt(chatID, 10), start, err)
	if err != nil {
		return 0, fmt.Errorf("запрос числа подписчиков чата %d: %w", chatID, err)
	}
	return count, nil
}

// chatConfig строит запрос по @username или числовому идентификатору.
func chatConfig(ref string) tgbotapi.ChatConfig {
	if strings.HasPrefix(ref, "@") {
		return tgbotapi.ChatConfig{SuperGroupUsername: ref}
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return tgbotapi.ChatConfig{SuperGroupUsername: ref}
	}
	return tgbotapi.ChatConfig{ChatID: id}
}
