package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tg-postwatch/internal/domain"
	openai "tg-postwatch/internal/infra/openai"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI реализует проверку контента через OpenAI Chat Completions.
type OpenAI struct {
	client  chatClient
	model   string
	timeout time.Duration
}

var _ domain.Moderator = (*OpenAI)(nil)

// NewOpenAI создаёт модератор контента.
func NewOpenAI(client chatClient, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = "gpt-4-turbo-preview"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAI{client: client, model: model, timeout: timeout}
}

type moderationPayload struct {
	HasErrors  bool `json:"has_errors"`
	Categories struct {
		Spelling    bool `json:"spelling"`
		Grammar     bool `json:"grammar"`
		Spam        bool `json:"spam"`
		Readability struct {
			Score int    `json:"score"`
			Level string `json:"level"`
		} `json:"readability"`
	} `json:"categories"`
	Details string `json:"details"`
}

const systemPrompt = `Ты редактор-корректор русскоязычных телеграм-каналов.
Проверь текст поста на орфографические и грамматические ошибки, признаки спама
и оцени читабельность по шкале от 1 до 10.
Верни JSON формата {"has_errors": bool, "categories": {"spelling": bool,
"grammar": bool, "spam": bool, "readability": {"score": int, "level": "..."}},
"details": "..."} без пояснений. В details перечисли найденные проблемы кратко
на русском языке. Ставь has_errors=true только при реальных проблемах,
авторский стиль и разговорные обороты ошибками не считаются.`

// Moderate проверяет текст поста.
func (o *OpenAI) Moderate(ctx context.Context, text string) (domain.ContentVerdict, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return domain.ContentVerdict{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: 0.1,
		MaxTokens:   500,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: systemPrompt},
			{Role: openai.RoleUser, Content: clipRunes(trimmed, 4000)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return domain.ContentVerdict{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.ContentVerdict{}, fmt.Errorf("openai completion: пустой ответ")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	var parsed moderationPayload
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return domain.ContentVerdict{}, fmt.Errorf("распаковка ответа LLM: %w", err)
	}
	return domain.ContentVerdict{
		HasErrors:        parsed.HasErrors,
		Spelling:         parsed.Categories.Spelling,
		Grammar:          parsed.Categories.Grammar,
		Spam:             parsed.Categories.Spam,
		ReadabilityScore: parsed.Categories.Readability.Score,
		ReadabilityLevel: strings.TrimSpace(parsed.Categories.Readability.Level),
		Details:          strings.TrimSpace(parsed.Details),
	}, nil
}

func clipRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
