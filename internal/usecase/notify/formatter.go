package notify

import (
	"fmt"
	"strings"

	"tg-postwatch/internal/domain"
)

// PostURL строит ссылку на пост канала.
func PostURL(ch domain.Channel, postID int64) string {
	if strings.HasPrefix(ch.ID, "@") {
		return fmt.Sprintf("https://t.me/%s/%d", strings.TrimPrefix(ch.ID, "@"), postID)
	}
	internal := strings.TrimPrefix(fmt.Sprintf("%d", ch.ChatID), "-100")
	return fmt.Sprintf("https://t.me/c/%s/%d", internal, postID)
}

// FormatMetricsFailure собирает уведомление о недостаточной активности поста.
func FormatMetricsFailure(ch domain.Channel, postID int64, m domain.ObservedMetrics, v domain.MetricsVerdict, cfg domain.ThresholdConfig) string {
	var b strings.Builder
	b.WriteString("⚠️ Недостаточная активность в посте!\n\n")
	fmt.Fprintf(&b, "Канал: %s\nID поста: %d\n\n", ch.Title, postID)
	b.WriteString("📊 Текущие метрики:\n")
	fmt.Fprintf(&b, "👁 Просмотры: %d/%d (%.1f%%) %s\n", v.Views.Current, v.Views.Required, v.Views.Percent, passMark(v.Views.Passed))
	fmt.Fprintf(&b, "👍 Реакции: %d/%d (%.1f%%) %s\n", v.Reactions.Current, v.Reactions.Required, v.Reactions.Percent, passMark(v.Reactions.Passed))
	fmt.Fprintf(&b, "↗️ Пересылки: %d/%d (%.1f%%) %s\n", v.Forwards.Current, v.Forwards.Required, v.Forwards.Percent, passMark(v.Forwards.Passed))
	fmt.Fprintf(&b, "💬 Ответы: %d\n\n", m.Replies)

	if len(v.Issues) > 0 {
		b.WriteString("❗️ Проблемы:\n")
		if !v.Views.Passed {
			fmt.Fprintf(&b, "• Низкие просмотры: %d из %d (норма: %v%% от подписчиков)\n", v.Views.Current, v.Views.Required, cfg.ViewsPct)
		}
		if !v.Reactions.Passed {
			fmt.Fprintf(&b, "• Низкие реакции: %d из %d (норма: %v%% от просмотров)\n", v.Reactions.Current, v.Reactions.Required, cfg.ReactionsPct)
		}
		if !v.Forwards.Passed {
			fmt.Fprintf(&b, "• Низкие пересылки: %d из %d (норма: %v%% от просмотров)\n", v.Forwards.Current, v.Forwards.Required, cfg.ForwardsPct)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "🔗 Ссылка: %s", PostURL(ch, postID))
	return b.String()
}

// FormatContentFailure собирает уведомление о проблемах в содержимом поста.
func FormatContentFailure(ch domain.Channel, postID int64, v domain.ContentVerdict) string {
	var b strings.Builder
	b.WriteString("📢 Проблемы с контентом\n\n")
	fmt.Fprintf(&b, "Канал: %s\nПост: %d\n\n", ch.Title, postID)
	b.WriteString("Найдены следующие проблемы:\n")
	if v.Spelling {
		b.WriteString("📝 Орфографические ошибки\n")
	}
	if v.Grammar {
		b.WriteString("📚 Грамматические ошибки\n")
	}
	if v.Spam {
		b.WriteString("🔄 Повторы в тексте\n")
	}
	fmt.Fprintf(&b, "📊 Читабельность: %d/10", v.ReadabilityScore)
	if v.ReadabilityLevel != "" {
		fmt.Fprintf(&b, " (%s)", v.ReadabilityLevel)
	}
	b.WriteString("\n")
	if v.Details != "" {
		fmt.Fprintf(&b, "\nПодробности: %s\n", v.Details)
	}
	fmt.Fprintf(&b, "\nСсылка на пост: %s", PostURL(ch, postID))
	return b.String()
}

func passMark(passed bool) string {
	if passed {
		return "✅"
	}
	return "❌"
}
