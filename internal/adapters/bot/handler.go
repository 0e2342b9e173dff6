package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-postwatch/internal/infra/metrics"
	"tg-postwatch/internal/usecase/channels"
	"tg-postwatch/internal/usecase/history"
)

// Publisher кладёт новый пост канала в очередь на проверку.
type Publisher interface {
	EnqueuePost(ctx context.Context, channelID string, chatID int64, postID int64, text string, publishedAt time.Time) error
}

// Sweeper запускает внеочередной проход по отложенным проверкам.
type Sweeper interface {
	Sweep(ctx context.Context, force bool) error
}

// Handler обслуживает апдейты бота: команды администраторов в личке и
// новые посты отслеживаемых каналов.
type Handler struct {
	bot         *tgbotapi.BotAPI
	log         zerolog.Logger
	channelUC   *channels.Service
	historyUC   *history.Service
	publisher   Publisher
	sweeper     Sweeper
	statsWindow time.Duration

	mu        sync.Mutex
	pendingTZ map[int64]string // админ -> канал, ожидающий ввода пояса
}

// NewHandler создаёт обработчик.
func NewHandler(bot *tgbotapi.BotAPI, log zerolog.Logger, channelUC *channels.Service, historyUC *history.Service, publisher Publisher, sweeper Sweeper, statsWindow time.Duration) *Handler {
	return &Handler{
		bot:         bot,
		log:         log,
		channelUC:   channelUC,
		historyUC:   historyUC,
		publisher:   publisher,
		sweeper:     sweeper,
		statsWindow: statsWindow,
		pendingTZ:   make(map[int64]string),
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.ChannelPost != nil:
		h.handleChannelPost(ctx, upd.ChannelPost)
	case upd.Message != nil:
		h.handleMessage(ctx, upd.Message)
	case upd.CallbackQuery != nil:
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) handleChannelPost(ctx context.Context, msg *tgbotapi.Message) {
	channelID := ""
	if msg.Chat.UserName != "" {
		channelID = "@" + msg.Chat.UserName
	}
	err := h.publisher.EnqueuePost(ctx, channelID, msg.Chat.ID, int64(msg.MessageID), postText(msg), time.Unix(int64(msg.Date), 0).UTC())
	if err != nil {
		h.log.Error().Err(err).Int64("chat", msg.Chat.ID).Int("post", msg.MessageID).Msg("bot: пост не поставлен в очередь")
	}
}

// postText возвращает текст поста, для медиа берётся подпись.
func postText(msg *tgbotapi.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || !msg.Chat.IsPrivate() {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		if h.tryHandleTZInput(msg.Chat.ID, msg.From.ID, text) {
			return
		}
	}
	switch {
	case strings.HasPrefix(text, "/start"):
		h.handleStart(msg.Chat.ID)
	case strings.HasPrefix(text, "/help"):
		h.reply(msg.Chat.ID, h.buildHelpMessage(), nil)
	case strings.HasPrefix(text, "/add_channel"):
		ref := strings.TrimSpace(strings.TrimPrefix(text, "/add_channel"))
		h.handleAddChannel(ctx, msg.Chat.ID, msg.From.ID, ref)
	case strings.HasPrefix(text, "/channels"):
		h.handleChannels(msg.Chat.ID, msg.From.ID)
	case strings.HasPrefix(text, "/stats"):
		h.handleStats(msg.Chat.ID, msg.From.ID)
	case strings.HasPrefix(text, "/check_now"):
		h.handleCheckNow(ctx, msg.Chat.ID)
	default:
		h.reply(msg.Chat.ID, "Неизвестная команда. Используйте /help", nil)
	}
}

func (h *Handler) handleStart(chatID int64) {
	lines := []string{
		"Бот следит за постами ваших каналов: проверяет текст после публикации",
		"и активность (просмотры, реакции, пересылки) спустя сутки.",
		"",
		"Подключите канал командой /add_channel @alias и добавьте бота в его администраторы.",
	}
	h.reply(chatID, strings.Join(lines, "\n"), nil)
}

func (h *Handler) buildHelpMessage() string {
	lines := []string{
		"Команды:",
		"/add_channel @alias — подключить канал",
		"/channels — ваши каналы и управление ими",
		"/stats — статистика проверок за последние 48 часов",
		"/check_now — проверить все ожидающие посты немедленно",
	}
	return strings.Join(lines, "\n")
}

func (h *Handler) handleAddChannel(ctx context.Context, chatID, adminID int64, args string) {
	if args == "" {
		h.reply(chatID, "Отправьте /add_channel @alias или /add_channel @alias +05:00", nil)
		return
	}
	fields := strings.Fields(args)
	ch, err := h.channelUC.Add(ctx, fields[0], adminID)
	if err != nil {
		if errors.Is(err, channels.ErrBadChannelRef) {
			h.reply(chatID, "Некорректная ссылка. Пример: /add_channel @example", nil)
			return
		}
		h.reply(chatID, fmt.Sprintf("Не удалось подключить канал: %v", err), nil)
		return
	}
	title := ch.Title
	if title == "" {
		title = ch.ID
	}
	msg := fmt.Sprintf("Канал %s подключён. Подписчиков: %d", title, ch.Subscribers)
	if len(fields) > 1 {
		offset, err := h.channelUC.SetTimezone(ch.ID, fields[1])
		if err != nil {
			msg += "\nЧасовой пояс не распознан, используйте формат +05:00"
		} else {
			msg += fmt.Sprintf("\nЧасовой пояс: %+.1f", offset)
		}
	}
	h.reply(chatID, msg, nil)
}

func (h *Handler) handleChannels(chatID, adminID int64) {
	list, err := h.channelUC.ListForAdmin(adminID)
	if err != nil {
		h.reply(chatID, fmt.Sprintf("Не удалось получить каналы: %v", err), nil)
		return
	}
	if len(list) == 0 {
		h.reply(chatID, "У вас пока нет каналов. Подключите первый командой /add_channel", nil)
		return
	}
	var b strings.Builder
	for i, ch := range list {
		title := ch.Title
		if title == "" {
			title = ch.ID
		}
		mode := ""
		if ch.IsNews {
			mode = " 📰"
		}
		b.WriteString(fmt.Sprintf("%d. %s (%s)%s — подписчиков: %d\n", i+1, title, ch.ID, mode, ch.Subscribers))
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(list))
	for _, ch := range list {
		newsLabel := "📰 Новостной"
		if ch.IsNews {
			newsLabel = "📰 Обычный"
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(newsLabel, "news:"+ch.ID),
			tgbotapi.NewInlineKeyboardButtonData("🕒 Пояс", "tz:"+ch.ID),
			tgbotapi.NewInlineKeyboardButtonData("🗑 Удалить", "delete:"+ch.ID),
		))
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	h.reply(chatID, b.String(), &markup)
}

func (h *Handler) handleStats(chatID, adminID int64) {
	list, err := h.channelUC.ListForAdmin(adminID)
	if err != nil {
		h.reply(chatID, fmt.Sprintf("Не удалось получить каналы: %v", err), nil)
		return
	}
	if len(list) == 0 {
		h.reply(chatID, "У вас пока нет каналов", nil)
		return
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📊 Статистика за %d ч:\n\n", int(h.statsWindow.Hours())))
	for _, ch := range list {
		title := ch.Title
		if title == "" {
			title = ch.ID
		}
		stats, err := h.historyUC.StatsSince(ch.ID, h.statsWindow)
		if err != nil {
			h.log.Error().Err(err).Str("channel", ch.ID).Msg("bot: статистика недоступна")
			b.WriteString(fmt.Sprintf("%s — статистика недоступна\n", title))
			continue
		}
		b.WriteString(fmt.Sprintf("%s\nКонтент: %d проверок, %d с проблемами\nМетрики: %d проверок, %d не прошли\n\n",
			title, stats.ContentChecks, stats.ContentFails, stats.MetricChecks, stats.MetricFails))
	}
	h.reply(chatID, b.String(), nil)
}

func (h *Handler) handleCheckNow(ctx context.Context, chatID int64) {
	h.reply(chatID, "Запускаю проверку всех ожидающих постов…", nil)
	if err := h.sweeper.Sweep(ctx, true); err != nil {
		h.log.Error().Err(err).Msg("bot: принудительный проход не удался")
		h.reply(chatID, "Проверка завершилась с ошибкой. Попробуйте позже", nil)
		return
	}
	h.reply(chatID, "Проверка завершена. Уведомления отправлены по каналам с проблемами", nil)
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		// callback по сообщению старше 48 часов приходит без Message
		h.answerCallback(cb.ID)
		return
	}
	data := cb.Data
	switch {
	case strings.HasPrefix(data, "delete:"):
		id := strings.TrimPrefix(data, "delete:")
		if err := h.channelUC.Remove(id); err != nil {
			h.reply(cb.Message.Chat.ID, fmt.Sprintf("Не удалось удалить: %v", err), nil)
			break
		}
		h.reply(cb.Message.Chat.ID, fmt.Sprintf("Канал %s отключён, его проверки и история удалены", id), nil)
	case strings.HasPrefix(data, "news:"):
		id := strings.TrimPrefix(data, "news:")
		on, err := h.channelUC.ToggleNews(id)
		if err != nil {
			h.reply(cb.Message.Chat.ID, fmt.Sprintf("Не удалось переключить режим: %v", err), nil)
			break
		}
		if on {
			h.reply(cb.Message.Chat.ID, fmt.Sprintf("Канал %s помечен как новостной", id), nil)
		} else {
			h.reply(cb.Message.Chat.ID, fmt.Sprintf("Канал %s больше не новостной", id), nil)
		}
	case strings.HasPrefix(data, "tz:"):
		id := strings.TrimPrefix(data, "tz:")
		h.setPendingTZ(cb.From.ID, id)
		h.reply(cb.Message.Chat.ID, fmt.Sprintf("Отправьте смещение пояса для %s, например +03:00 или -5", id), nil)
	}
	h.answerCallback(cb.ID)
}

func (h *Handler) answerCallback(id string) {
	start := time.Now()
	_, err := h.bot.Request(tgbotapi.NewCallback(id, ""))
	metrics.ObserveNetworkRequest("telegram_bot", "answer_callback", "callback", start, err)
	if err != nil {
		h.log.Error().Err(err).Msg("bot: не удалось ответить на callback")
	}
}

func (h *Handler) tryHandleTZInput(chatID, adminID int64, value string) bool {
	h.mu.Lock()
	channelID, pending := h.pendingTZ[adminID]
	h.mu.Unlock()
	if !pending {
		return false
	}
	offset, err := h.channelUC.SetTimezone(channelID, value)
	if err != nil {
		if errors.Is(err, channels.ErrBadTZOffset) {
			h.reply(chatID, "Некорректное смещение. Пример: +03:00 или -5", nil)
			return true
		}
		h.reply(chatID, fmt.Sprintf("Не удалось сохранить пояс: %v", err), nil)
		return true
	}
	h.clearPendingTZ(adminID)
	h.reply(chatID, fmt.Sprintf("Часовой пояс для %s установлен: %+.1f ч", channelID, offset), nil)
	return true
}

func (h *Handler) setPendingTZ(adminID int64, channelID string) {
	h.mu.Lock()
	h.pendingTZ[adminID] = channelID
	h.mu.Unlock()
}

func (h *Handler) clearPendingTZ(adminID int64) {
	h.mu.Lock()
	delete(h.pendingTZ, adminID)
	h.mu.Unlock()
}

func (h *Handler) reply(chatID int64, text string, markup *tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	start := time.Now()
	_, err := h.bot.Send(msg)
	metrics.ObserveNetworkRequest("telegram_bot", "send_message", "chat", start, err)
	if err != nil {
		h.log.Error().Err(err).Int64("chat", chatID).Msg("bot: не удалось отправить сообщение")
	}
}

