package checks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-postwatch/internal/domain"
)

type stubRegistry struct {
	mu         sync.Mutex
	entries    map[domain.CheckKey]*domain.PendingCheck
	maxRetries int
}

func newStubRegistry(maxRetries int) *stubRegistry {
	return &stubRegistry{entries: map[domain.CheckKey]*domain.PendingCheck{}, maxRetries: maxRetries}
}

func (r *stubRegistry) Schedule(channelID string, postID int64, readyAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := domain.CheckKey{ChannelID: channelID, PostID: postID}
	if _, ok := r.entries[key]; ok {
		return false, nil
	}
	r.entries[key] = &domain.PendingCheck{ChannelID: channelID, PostID: postID, ReadyAt: readyAt, EnqueuedAt: time.Now().UTC()}
	return true, nil
}

func (r *stubRegistry) ListReady(now time.Time, force bool) ([]domain.PendingCheck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PendingCheck
	for _, pc := range r.entries {
		if force || !pc.ReadyAt.After(now) {
			out = append(out, *pc)
		}
	}
	return out, nil
}

func (r *stubRegistry) IncrementRetry(key domain.CheckKey) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.entries[key]
	if !ok {
		return 0, false, errors.New("запись не найдена")
	}
	pc.Retries++
	return pc.Retries, pc.Retries >= r.maxRetries, nil
}

func (r *stubRegistry) Remove(key domain.CheckKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}

func (r *stubRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type stubChannels struct {
	mu       sync.Mutex
	channels map[string]domain.Channel
}

func (c *stubChannels) Upsert(ch domain.Channel) (domain.Channel, error) { return ch, nil }

func (c *stubChannels) Get(id string) (domain.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	if !ok {
		return domain.Channel{}, domain.ErrChannelNotFound
	}
	return ch, nil
}

func (c *stubChannels) GetByChatID(chatID int64) (domain.Channel, error) {
	return domain.Channel{}, domain.ErrChannelNotFound
}

func (c *stubChannels) List() ([]domain.Channel, error) { return nil, nil }

func (c *stubChannels) UpdateSubscribers(id string, count int) error { return nil }

func (c *stubChannels) UpdateTZOffset(id string, offset float64) error { return nil }

func (c *stubChannels) SetNews(id string, isNews bool) error { return nil }

func (c *stubChannels) Delete(id string) error { return nil }

type stubPosts struct {
	mu    sync.Mutex
	saved []domain.CheckKey
}

func (p *stubPosts) SaveContentStage(rec domain.PostRecord) error { return nil }

func (p *stubPosts) SaveMetricsStage(key domain.CheckKey, m domain.ObservedMetrics, verdict domain.MetricsVerdict) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, key)
	return nil
}

func (p *stubPosts) GetPost(key domain.CheckKey) (domain.PostRecord, error) {
	return domain.PostRecord{}, domain.ErrPostNotFound
}

// stubSource выдаёт заранее заданную последовательность ответов на Fetch.
type stubSource struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
}

type fetchResult struct {
	m   domain.ObservedMetrics
	err error
}

func (s *stubSource) Fetch(ctx context.Context, chatID int64, postID int64) (domain.ObservedMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return domain.ObservedMetrics{}, errors.New("нет подготовленных ответов")
	}
	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return res.m, res.err
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *stubNotifier) Dispatch(ctx context.Context, ch domain.Channel, postID int64, checkType domain.CheckType, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

func (n *stubNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.texts)
}

type stubHistory struct {
	mu      sync.Mutex
	entries []bool
}

func (h *stubHistory) Record(channelID string, postID int64, checkType domain.CheckType, passed bool, detail string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, passed)
	return nil
}

func (h *stubHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func newTestService(reg *stubRegistry, src *stubSource, notifier *stubNotifier, history *stubHistory, channels map[string]domain.Channel) (*Service, *stubPosts) {
	posts := &stubPosts{}
	cfg := Config{
		Delay:         24 * time.Hour,
		SweepInterval: 5 * time.Minute,
		Workers:       4,
		Thresholds:    domain.ThresholdConfig{ViewsPct: 10, ReactionsPct: 6, ForwardsPct: 15},
	}
	svc := NewService(reg, &stubChannels{channels: channels}, posts, src, notifier, history, cfg, zerolog.Nop())
	return svc, posts
}

func TestScheduleIdempotent(t *testing.T) {
	reg := newStubRegistry(3)
	svc, _ := newTestService(reg, &stubSource{}, &stubNotifier{}, &stubHistory{}, nil)

	inserted, err := svc.Schedule("@news", 10)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !inserted {
		t.Fatal("первое планирование должно вставить запись")
	}

	inserted, err = svc.Schedule("@news", 10)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if inserted {
		t.Fatal("повторное планирование не должно создавать дубликат")
	}
	if reg.size() != 1 {
		t.Fatalf("ожидали 1 запись в реестре, получили %d", reg.size())
	}
}

func TestSweepFailedCheckNotifies(t *testing.T) {
	reg := newStubRegistry(3)
	reg.entries[domain.CheckKey{ChannelID: "@news", PostID: 5}] = &domain.PendingCheck{
		ChannelID: "@news", PostID: 5, ReadyAt: time.Now().UTC().Add(-time.Minute),
	}
	src := &stubSource{results: []fetchResult{{m: domain.ObservedMetrics{Views: 50, Reactions: 1, Forwards: 0}}}}
	notifier := &stubNotifier{}
	history := &stubHistory{}
	svc, posts := newTestService(reg, src, notifier, history, map[string]domain.Channel{
		"@news": {ID: "@news", ChatID: -1001, Subscribers: 1000, Admins: []int64{7}},
	})

	if err := svc.Sweep(context.Background(), false); err != nil {
		t.Fatalf("проход завершился с ошибкой: %v", err)
	}

	if notifier.count() != 1 {
		t.Fatalf("ожидали 1 уведомление, получили %d", notifier.count())
	}
	if history.count() != 1 {
		t.Fatalf("ожидали 1 запись в истории, получили %d", history.count())
	}
	if reg.size() != 0 {
		t.Fatal("запись должна быть снята из реестра после оценки")
	}
	posts.mu.Lock()
	defer posts.mu.Unlock()
	if len(posts.saved) != 1 {
		t.Fatalf("ожидали 1 сохранённый снимок метрик, получили %d", len(posts.saved))
	}
}

func TestSweepPassingCheckSilent(t *testing.T) {
	reg := newStubRegistry(3)
	reg.entries[domain.CheckKey{ChannelID: "@news", PostID: 5}] = &domain.PendingCheck{
		ChannelID: "@news", PostID: 5, ReadyAt: time.Now().UTC().Add(-time.Minute),
	}
	src := &stubSource{results: []fetchResult{{m: domain.ObservedMetrics{Views: 200, Reactions: 20, Forwards: 40}}}}
	notifier := &stubNotifier{}
	history := &stubHistory{}
	svc, _ := newTestService(reg, src, notifier, history, map[string]domain.Channel{
		"@news": {ID: "@news", ChatID: -1001, Subscribers: 1000, Admins: []int64{7}},
	})

	if err := svc.Sweep(context.Background(), false); err != nil {
		t.Fatalf("проход завершился с ошибкой: %v", err)
	}

	if notifier.count() != 0 {
		t.Fatalf("успешная проверка не должна рассылать уведомления, получили %d", notifier.count())
	}
	if history.count() != 1 {
		t.Fatalf("ожидали 1 запись в истории, получили %d", history.count())
	}
}

func TestSweepRetryExhaustionDropsSilently(t *testing.T) {
	reg := newStubRegistry(3)
	reg.entries[domain.CheckKey{ChannelID: "@news", PostID: 5}] = &domain.PendingCheck{
		ChannelID: "@news", PostID: 5, ReadyAt: time.Now().UTC().Add(-time.Minute),
	}
	src := &stubSource{results: []fetchResult{{err: domain.Transient(errors.New("flood wait"))}}}
	notifier := &stubNotifier{}
	history := &stubHistory{}
	svc, _ := newTestService(reg, src, notifier, history, map[string]domain.Channel{
		"@news": {ID: "@news", ChatID: -1001, Subscribers: 1000, Admins: []int64{7}},
	})

	for i := 0; i < 3; i++ {
		if err := svc.Sweep(context.Background(), false); err != nil {
			t.Fatalf("проход %d завершился с ошибкой: %v", i+1, err)
		}
	}

	if reg.size() != 0 {
		t.Fatal("после исчерпания повторов запись должна быть снята")
	}
	if notifier.count() != 0 {
		t.Fatalf("отброшенная проверка не должна рассылать уведомления, получили %d", notifier.count())
	}
	if history.count() != 0 {
		t.Fatalf("отброшенная проверка не должна попадать в историю, получили %d", history.count())
	}
}

func TestSweepTransientThenSuccess(t *testing.T) {
	reg := newStubRegistry(3)
	reg.entries[domain.CheckKey{ChannelID: "@news", PostID: 5}] = &domain.PendingCheck{
		ChannelID: "@news", PostID: 5, ReadyAt: time.Now().UTC().Add(-time.Minute),
	}
	src := &stubSource{results: []fetchResult{
		{err: domain.Transient(errors.New("timeout"))},
		{err: domain.Transient(errors.New("timeout"))},
		{m: domain.ObservedMetrics{Views: 200, Reactions: 20, Forwards: 40}},
	}}
	notifier := &stubNotifier{}
	history := &stubHistory{}
	svc, _ := newTestService(reg, src, notifier, history, map[string]domain.Channel{
		"@news": {ID: "@news", ChatID: -1001, Subscribers: 1000, Admins: []int64{7}},
	})

	for i := 0; i < 3; i++ {
		if err := svc.Sweep(context.Background(), false); err != nil {
			t.Fatalf("проход %d завершился с ошибкой: %v", i+1, err)
		}
	}

	if src.callCount() != 3 {
		t.Fatalf("ожидали 3 обращения за метриками, получили %d", src.callCount())
	}
	if history.count() != 1 {
		t.Fatalf("ожидали ровно 1 запись в истории, получили %d", history.count())
	}
	if reg.size() != 0 {
		t.Fatal("после успешной оценки запись должна быть снята")
	}
}

func TestSweepCanceledFetchKeepsRetryBudget(t *testing.T) {
	reg := newStubRegistry(3)
	key := domain.CheckKey{ChannelID: "@news", PostID: 5}
	reg.entries[key] = &domain.PendingCheck{
		ChannelID: "@news", PostID: 5, ReadyAt: time.Now().UTC().Add(-time.Minute),
	}
	src := &stubSource{results: []fetchResult{{err: domain.Transient(context.Canceled)}}}
	notifier := &stubNotifier{}
	svc, _ := newTestService(reg, src, notifier, &stubHistory{}, map[string]domain.Channel{
		"@news": {ID: "@news", ChatID: -1001, Subscribers: 1000, Admins: []int64{7}},
	})

	if err := svc.Sweep(context.Background(), false); err != nil {
		t.Fatalf("проход завершился с ошибкой: %v", err)
	}

	reg.mu.Lock()
	pc, ok := reg.entries[key]
	retries := 0
	if ok {
		retries = pc.Retries
	}
	reg.mu.Unlock()
	if !ok {
		t.Fatal("прерванная остановкой проверка должна остаться в реестре")
	}
	if retries != 0 {
		t.Fatalf("прерывание не должно расходовать попытку, счётчик %d", retries)
	}
}

func TestSweepChannelDeleted(t *testing.T) {
	reg := newStubRegistry(3)
	reg.entries[domain.CheckKey{ChannelID: "@gone", PostID: 5}] = &domain.PendingCheck{
		ChannelID: "@gone", PostID: 5, ReadyAt: time.Now().UTC().Add(-time.Minute),
	}
	src := &stubSource{}
	notifier := &stubNotifier{}
	history := &stubHistory{}
	svc, _ := newTestService(reg, src, notifier, history, nil)

	if err := svc.Sweep(context.Background(), false); err != nil {
		t.Fatalf("проход завершился с ошибкой: %v", err)
	}

	if reg.size() != 0 {
		t.Fatal("проверка удалённого канала должна быть снята")
	}
	if src.callCount() != 0 {
		t.Fatal("метрики удалённого канала не должны запрашиваться")
	}
	if notifier.count() != 0 {
		t.Fatal("удаление канала не должно порождать уведомлений")
	}
}

func TestSweepPostNotFound(t *testing.T) {
	reg := newStubRegistry(3)
	reg.entries[domain.CheckKey{ChannelID: "@news", PostID: 5}] = &domain.PendingCheck{
		ChannelID: "@news", PostID: 5, ReadyAt: time.Now().UTC().Add(-time.Minute),
	}
	src := &stubSource{results: []fetchResult{{err: domain.ErrPostNotFound}}}
	notifier := &stubNotifier{}
	history := &stubHistory{}
	svc, _ := newTestService(reg, src, notifier, history, map[string]domain.Channel{
		"@news": {ID: "@news", ChatID: -1001, Subscribers: 1000, Admins: []int64{7}},
	})

	if err := svc.Sweep(context.Background(), false); err != nil {
		t.Fatalf("проход завершился с ошибкой: %v", err)
	}

	if reg.size() != 0 {
		t.Fatal("проверка удалённого поста должна быть снята сразу")
	}
	if src.callCount() != 1 {
		t.Fatalf("ожидали 1 обращение за метриками, получили %d", src.callCount())
	}
	if notifier.count() != 0 {
		t.Fatal("удаление поста не должно порождать уведомлений")
	}
}

func TestConcurrentSweepsEvaluateOnce(t *testing.T) {
	reg := newStubRegistry(3)
	reg.entries[domain.CheckKey{ChannelID: "@news", PostID: 5}] = &domain.PendingCheck{
		ChannelID: "@news", PostID: 5, ReadyAt: time.Now().UTC().Add(-time.Minute),
	}
	src := &stubSource{results: []fetchResult{{m: domain.ObservedMetrics{Views: 200, Reactions: 20, Forwards: 40}}}}
	notifier := &stubNotifier{}
	history := &stubHistory{}
	svc, _ := newTestService(reg, src, notifier, history, map[string]domain.Channel{
		"@news": {ID: "@news", ChatID: -1001, Subscribers: 1000, Admins: []int64{7}},
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Sweep(context.Background(), false); err != nil {
				t.Errorf("проход завершился с ошибкой: %v", err)
			}
		}()
	}
	wg.Wait()

	if history.count() != 1 {
		t.Fatalf("пост должен быть оценён ровно один раз, записей в истории: %d", history.count())
	}
}

func TestSweepNotReadyUntouched(t *testing.T) {
	reg := newStubRegistry(3)
	reg.entries[domain.CheckKey{ChannelID: "@news", PostID: 5}] = &domain.PendingCheck{
		ChannelID: "@news", PostID: 5, ReadyAt: time.Now().UTC().Add(time.Hour),
	}
	src := &stubSource{}
	svc, _ := newTestService(reg, src, &stubNotifier{}, &stubHistory{}, nil)

	if err := svc.Sweep(context.Background(), false); err != nil {
		t.Fatalf("проход завершился с ошибкой: %v", err)
	}
	if src.callCount() != 0 {
		t.Fatal("несозревшая проверка не должна оцениваться")
	}
	if reg.size() != 1 {
		t.Fatal("несозревшая проверка должна остаться в реестре")
	}
}

func TestSweepForceEvaluatesEarly(t *testing.T) {
	reg := newStubRegistry(3)
	reg.entries[domain.CheckKey{ChannelID: "@news", PostID: 5}] = &domain.PendingCheck{
		ChannelID: "@news", PostID: 5, ReadyAt: time.Now().UTC().Add(time.Hour),
	}
	src := &stubSource{results: []fetchResult{{m: domain.ObservedMetrics{Views: 200, Reactions: 20, Forwards: 40}}}}
	history := &stubHistory{}
	svc, _ := newTestService(reg, src, &stubNotifier{}, history, map[string]domain.Channel{
		"@news": {ID: "@news", ChatID: -1001, Subscribers: 1000, Admins: []int64{7}},
	})

	if err := svc.Sweep(context.Background(), true); err != nil {
		t.Fatalf("принудительный проход завершился с ошибкой: %v", err)
	}
	if history.count() != 1 {
		t.Fatalf("принудительный проход должен оценить запись, записей: %d", history.count())
	}
}
