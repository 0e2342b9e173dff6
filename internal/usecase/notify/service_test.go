package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-postwatch/internal/domain"
)

type stubSender struct {
	sent    map[int64][]string
	failFor map[int64]error
}

func newStubSender() *stubSender {
	return &stubSender{sent: make(map[int64][]string), failFor: make(map[int64]error)}
}

func (s *stubSender) Send(_ context.Context, userID int64, text string) error {
	if err := s.failFor[userID]; err != nil {
		return err
	}
	s.sent[userID] = append(s.sent[userID], text)
	return nil
}

type fakeCache struct {
	keys map[string]struct{}
}

func (c *fakeCache) Once(key string, _ time.Duration, fn func() error) error {
	if c.keys == nil {
		c.keys = make(map[string]struct{})
	}
	if _, ok := c.keys[key]; ok {
		return nil
	}
	c.keys[key] = struct{}{}
	return fn()
}

func (c *fakeCache) Set(string, []byte, time.Duration) error { return nil }
func (c *fakeCache) Get(string) ([]byte, error)              { return nil, errors.New("not found") }

func testChannel() domain.Channel {
	return domain.Channel{ID: "@demo", ChatID: -1001234, Title: "Демо", Admins: []int64{10, 20}}
}

func TestDispatchFanOut(t *testing.T) {
	sender := newStubSender()
	svc := NewService(sender, nil, Config{Enabled: true}, zerolog.Nop())

	if err := svc.Dispatch(context.Background(), testChannel(), 7, domain.CheckTypeMetrics, "текст"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sender.sent[10]) != 1 || len(sender.sent[20]) != 1 {
		t.Fatalf("ожидали доставку обоим админам, получили %v", sender.sent)
	}
}

func TestDispatchIsolatesRecipientFailures(t *testing.T) {
	sender := newStubSender()
	sender.failFor[10] = errors.New("chat not found")
	svc := NewService(sender, nil, Config{Enabled: true}, zerolog.Nop())

	if err := svc.Dispatch(context.Background(), testChannel(), 7, domain.CheckTypeMetrics, "текст"); err != nil {
		t.Fatalf("сбой одного получателя не должен давать ошибку: %v", err)
	}
	if len(sender.sent[20]) != 1 {
		t.Fatal("второй админ должен был получить уведомление несмотря на сбой первого")
	}
}

func TestDispatchMirrorsToSuperAdmin(t *testing.T) {
	sender := newStubSender()
	svc := NewService(sender, nil, Config{Enabled: true, MirrorToOwner: true, SuperAdminID: 99}, zerolog.Nop())

	if err := svc.Dispatch(context.Background(), testChannel(), 7, domain.CheckTypeMetrics, "текст"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	mirrored := sender.sent[99]
	if len(mirrored) != 1 {
		t.Fatal("ожидали копию уведомления супер-админу")
	}
	if !strings.Contains(mirrored[0], "[Копия уведомления]") {
		t.Fatalf("копия должна быть помечена: %s", mirrored[0])
	}
	if !strings.Contains(mirrored[0], "10, 20") {
		t.Fatalf("копия должна перечислять админов канала: %s", mirrored[0])
	}
}

func TestDispatchSkipsMirrorWhenSuperAdminIsRecipient(t *testing.T) {
	sender := newStubSender()
	svc := NewService(sender, nil, Config{Enabled: true, MirrorToOwner: true, SuperAdminID: 20}, zerolog.Nop())

	if err := svc.Dispatch(context.Background(), testChannel(), 7, domain.CheckTypeMetrics, "текст"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sender.sent[20]) != 1 {
		t.Fatalf("супер-админ в списке админов получает ровно одно сообщение, получил %d", len(sender.sent[20]))
	}
}

func TestDispatchDeduplicates(t *testing.T) {
	sender := newStubSender()
	svc := NewService(sender, &fakeCache{}, Config{Enabled: true}, zerolog.Nop())

	ctx := context.Background()
	ch := testChannel()
	if err := svc.Dispatch(ctx, ch, 7, domain.CheckTypeMetrics, "текст"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := svc.Dispatch(ctx, ch, 7, domain.CheckTypeMetrics, "текст"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sender.sent[10]) != 1 {
		t.Fatalf("повторная рассылка по тому же ключу должна подавляться, получили %d", len(sender.sent[10]))
	}
}

func TestDispatchDisabled(t *testing.T) {
	sender := newStubSender()
	svc := NewService(sender, nil, Config{Enabled: false}, zerolog.Nop())

	if err := svc.Dispatch(context.Background(), testChannel(), 7, domain.CheckTypeMetrics, "текст"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("при выключенных уведомлениях отправок быть не должно")
	}
}
