package bot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// newTestBotAPI поднимает фиктивный Bot API, отвечающий ok на любой запрос.
func newTestBotAPI(t *testing.T, requests *atomic.Int64) *tgbotapi.BotAPI {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}))
	t.Cleanup(srv.Close)

	api := &tgbotapi.BotAPI{Token: "test-token", Client: srv.Client()}
	api.SetAPIEndpoint(srv.URL + "/bot%s/%s")
	return api
}

func TestHandleCallbackWithoutMessage(t *testing.T) {
	var requests atomic.Int64
	api := newTestBotAPI(t, &requests)
	h := NewHandler(api, zerolog.Nop(), nil, nil, nil, nil, 48*time.Hour)

	// у callback по сообщению старше 48 часов поле Message пустое
	h.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cb-1",
		Data: "delete:@example",
		From: &tgbotapi.User{ID: 7},
	}})

	if requests.Load() != 1 {
		t.Fatalf("ожидался один ответ на callback, запросов %d", requests.Load())
	}
}
