package moderation

import (
	"context"
	"errors"
	"testing"

	openai "tg-postwatch/internal/infra/openai"
)

type fakeClient struct {
	content string
	err     error
	lastReq openai.ChatCompletionRequest
}

func (f *fakeClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatMessage{Role: openai.RoleAssistant, Content: f.content}},
		},
	}, nil
}

func TestModerateParsesVerdict(t *testing.T) {
	client := &fakeClient{content: `{
  "has_errors": true,
  "categories": {
    "spelling": true,
    "grammar": false,
    "spam": false,
    "readability": {"score": 7, "level": "средняя"}
  },
  "details": "Опечатка в слове «тикст»"
}`}
	mod := NewOpenAI(client, "gpt-4-turbo-preview", 0)

	verdict, err := mod.Moderate(context.Background(), "плохой тикст")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !verdict.HasErrors || !verdict.Spelling {
		t.Fatalf("неожиданный вердикт: %+v", verdict)
	}
	if verdict.ReadabilityScore != 7 || verdict.ReadabilityLevel != "средняя" {
		t.Fatalf("читабельность разобрана неверно: %+v", verdict)
	}
	if client.lastReq.ResponseFormat == nil || client.lastReq.ResponseFormat.Type != openai.ResponseFormatTypeJSONObject {
		t.Fatal("запрос должен требовать JSON-ответ")
	}
}

func TestModerateEmptyText(t *testing.T) {
	client := &fakeClient{}
	mod := NewOpenAI(client, "", 0)

	verdict, err := mod.Moderate(context.Background(), "   ")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if verdict.HasErrors {
		t.Fatal("пустой текст не должен считаться ошибочным")
	}
	if client.lastReq.Model != "" {
		t.Fatal("пустой текст не должен уходить в LLM")
	}
}

func TestModerateClientError(t *testing.T) {
	client := &fakeClient{err: errors.New("таймаут")}
	mod := NewOpenAI(client, "", 0)

	if _, err := mod.Moderate(context.Background(), "текст"); err == nil {
		t.Fatal("ошибка клиента должна возвращаться наружу")
	}
}

func TestModerateBadJSON(t *testing.T) {
	client := &fakeClient{content: "это не JSON"}
	mod := NewOpenAI(client, "", 0)

	if _, err := mod.Moderate(context.Background(), "текст"); err == nil {
		t.Fatal("нечитаемый ответ должен возвращать ошибку")
	}
}
