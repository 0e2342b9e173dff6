package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-postwatch/internal/domain"
)

type memQueue struct {
	jobs chan domain.CheckJob
}

func newMemQueue() *memQueue {
	return &memQueue{jobs: make(chan domain.CheckJob, 16)}
}

func (q *memQueue) Enqueue(ctx context.Context, job domain.CheckJob) error {
	q.jobs <- job
	return nil
}

func (q *memQueue) Pop(ctx context.Context) (domain.CheckJob, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-ctx.Done():
		return domain.CheckJob{}, ctx.Err()
	}
}

type stubChannels struct {
	channels map[string]domain.Channel
}

func (c *stubChannels) Upsert(ch domain.Channel) (domain.Channel, error) { return ch, nil }

func (c *stubChannels) Get(id string) (domain.Channel, error) {
	ch, ok := c.channels[id]
	if !ok {
		return domain.Channel{}, domain.ErrChannelNotFound
	}
	return ch, nil
}

func (c *stubChannels) GetByChatID(chatID int64) (domain.Channel, error) {
	for _, ch := range c.channels {
		if ch.ChatID == chatID {
			return ch, nil
		}
	}
	return domain.Channel{}, domain.ErrChannelNotFound
}

func (c *stubChannels) List() ([]domain.Channel, error)                { return nil, nil }
func (c *stubChannels) UpdateSubscribers(id string, count int) error   { return nil }
func (c *stubChannels) UpdateTZOffset(id string, offset float64) error { return nil }
func (c *stubChannels) SetNews(id string, isNews bool) error           { return nil }
func (c *stubChannels) Delete(id string) error                         { return nil }

type stubPosts struct {
	mu   sync.Mutex
	recs []domain.PostRecord
}

func (p *stubPosts) SaveContentStage(rec domain.PostRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs = append(p.recs, rec)
	return nil
}

func (p *stubPosts) SaveMetricsStage(key domain.CheckKey, m domain.ObservedMetrics, v domain.MetricsVerdict) error {
	return nil
}

func (p *stubPosts) GetPost(key domain.CheckKey) (domain.PostRecord, error) {
	return domain.PostRecord{}, domain.ErrPostNotFound
}

type stubModerator struct {
	verdict domain.ContentVerdict
	err     error
	calls   int
}

func (m *stubModerator) Moderate(ctx context.Context, text string) (domain.ContentVerdict, error) {
	m.calls++
	return m.verdict, m.err
}

type stubScheduler struct {
	scheduled []domain.CheckKey
}

func (s *stubScheduler) Schedule(channelID string, postID int64) (bool, error) {
	s.scheduled = append(s.scheduled, domain.CheckKey{ChannelID: channelID, PostID: postID})
	return true, nil
}

type stubNotifier struct {
	texts []string
}

func (n *stubNotifier) Dispatch(ctx context.Context, ch domain.Channel, postID int64, checkType domain.CheckType, text string) error {
	n.texts = append(n.texts, text)
	return nil
}

type stubHistory struct {
	entries []bool
}

func (h *stubHistory) Record(channelID string, postID int64, checkType domain.CheckType, passed bool, detail string) error {
	h.entries = append(h.entries, passed)
	return nil
}

func newTestService(moderator *stubModerator, channels map[string]domain.Channel) (*Service, *memQueue, *stubScheduler, *stubNotifier, *stubHistory, *stubPosts) {
	queue := newMemQueue()
	scheduler := &stubScheduler{}
	notifier := &stubNotifier{}
	history := &stubHistory{}
	posts := &stubPosts{}
	svc := NewService(queue, &stubChannels{channels: channels}, posts, moderator, scheduler, notifier, history, zerolog.Nop())
	return svc, queue, scheduler, notifier, history, posts
}

func testChannel() map[string]domain.Channel {
	return map[string]domain.Channel{
		"@news": {ID: "@news", ChatID: -1001, Subscribers: 1000, Admins: []int64{7}},
	}
}

func TestEnqueuePostAssignsJobID(t *testing.T) {
	svc, queue, _, _, _, _ := newTestService(&stubModerator{}, testChannel())

	if err := svc.EnqueuePost(context.Background(), "@news", -1001, 5, "текст", time.Now()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	job := <-queue.jobs
	if job.ID == "" {
		t.Fatal("задача должна получить идентификатор")
	}
	if job.ChannelID != "@news" || job.PostID != 5 {
		t.Fatalf("неожиданная задача: %+v", job)
	}
}

func TestProcessCleanPostSchedulesMetricsCheck(t *testing.T) {
	moderator := &stubModerator{verdict: domain.ContentVerdict{HasErrors: false}}
	svc, _, scheduler, notifier, history, posts := newTestService(moderator, testChannel())

	job := domain.CheckJob{ID: "j1", ChannelID: "@news", ChatID: -1001, PostID: 5, Text: "хороший текст"}
	if err := svc.Process(context.Background(), job); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if len(scheduler.scheduled) != 1 {
		t.Fatalf("ожидали 1 запланированную проверку метрик, получили %d", len(scheduler.scheduled))
	}
	if len(notifier.texts) != 0 {
		t.Fatal("чистый пост не должен порождать уведомлений")
	}
	if len(history.entries) != 1 || !history.entries[0] {
		t.Fatalf("ожидали одну успешную запись в истории, получили %+v", history.entries)
	}
	if len(posts.recs) != 1 || posts.recs[0].Content == nil {
		t.Fatal("запись о посте должна содержать вердикт модерации")
	}
}

func TestProcessContentFailureNotifiesAndStillSchedules(t *testing.T) {
	moderator := &stubModerator{verdict: domain.ContentVerdict{HasErrors: true, Spelling: true, Details: "опечатки"}}
	svc, _, scheduler, notifier, history, _ := newTestService(moderator, testChannel())

	job := domain.CheckJob{ID: "j1", ChannelID: "@news", ChatID: -1001, PostID: 5, Text: "плохой тикст"}
	if err := svc.Process(context.Background(), job); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if len(notifier.texts) != 1 {
		t.Fatalf("ожидали 1 уведомление о контенте, получили %d", len(notifier.texts))
	}
	if len(scheduler.scheduled) != 1 {
		t.Fatal("проблемы с контентом не отменяют проверку метрик")
	}
	if len(history.entries) != 1 || history.entries[0] {
		t.Fatalf("ожидали одну неуспешную запись в истории, получили %+v", history.entries)
	}
}

func TestProcessEmptyTextSkipsModeration(t *testing.T) {
	moderator := &stubModerator{}
	svc, _, scheduler, _, history, posts := newTestService(moderator, testChannel())

	job := domain.CheckJob{ID: "j1", ChannelID: "@news", ChatID: -1001, PostID: 5, Text: "   "}
	if err := svc.Process(context.Background(), job); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if moderator.calls != 0 {
		t.Fatal("пост без текста не должен уходить на модерацию")
	}
	if len(scheduler.scheduled) != 1 {
		t.Fatal("проверка метрик ставится и для поста без текста")
	}
	if len(history.entries) != 0 {
		t.Fatal("пропущенная модерация не пишется в историю")
	}
	if len(posts.recs) != 1 || posts.recs[0].Content != nil {
		t.Fatal("запись о посте без текста не должна содержать вердикт модерации")
	}
}

func TestProcessModerationErrorDegrades(t *testing.T) {
	moderator := &stubModerator{err: errors.New("llm недоступен")}
	svc, _, scheduler, notifier, _, posts := newTestService(moderator, testChannel())

	job := domain.CheckJob{ID: "j1", ChannelID: "@news", ChatID: -1001, PostID: 5, Text: "текст"}
	if err := svc.Process(context.Background(), job); err != nil {
		t.Fatalf("сбой модерации не должен ронять обработку: %v", err)
	}

	if len(notifier.texts) != 0 {
		t.Fatal("сбой модерации не должен порождать уведомлений")
	}
	if len(scheduler.scheduled) != 1 {
		t.Fatal("проверка метрик ставится несмотря на сбой модерации")
	}
	if len(posts.recs) != 1 || posts.recs[0].Content == nil || posts.recs[0].Content.HasErrors {
		t.Fatal("при сбое модерации пост считается чистым")
	}
}

func TestProcessUnknownChannelSkipped(t *testing.T) {
	moderator := &stubModerator{}
	svc, _, scheduler, _, _, _ := newTestService(moderator, testChannel())

	job := domain.CheckJob{ID: "j1", ChannelID: "@unknown", ChatID: -999, PostID: 5, Text: "текст"}
	if err := svc.Process(context.Background(), job); err != nil {
		t.Fatalf("неотслеживаемый канал не должен давать ошибку: %v", err)
	}
	if len(scheduler.scheduled) != 0 {
		t.Fatal("для неотслеживаемого канала ничего не планируется")
	}
}

func TestProcessResolvesByChatID(t *testing.T) {
	moderator := &stubModerator{}
	svc, _, scheduler, _, _, _ := newTestService(moderator, testChannel())

	job := domain.CheckJob{ID: "j1", ChatID: -1001, PostID: 5, Text: "текст"}
	if err := svc.Process(context.Background(), job); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(scheduler.scheduled) != 1 || scheduler.scheduled[0].ChannelID != "@news" {
		t.Fatalf("канал должен быть найден по chat id, получили %+v", scheduler.scheduled)
	}
}
