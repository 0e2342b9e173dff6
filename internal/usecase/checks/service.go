package checks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-postwatch/internal/domain"
	"tg-postwatch/internal/infra/metrics"
	"tg-postwatch/internal/usecase/notify"
	"tg-postwatch/internal/usecase/thresholds"
)

// Config задаёт параметры планировщика отложенных проверок.
type Config struct {
	Delay         time.Duration // задержка между публикацией и проверкой метрик
	SweepInterval time.Duration // период фонового прохода
	Workers       int           // одновременных проверок внутри прохода
	Thresholds    domain.ThresholdConfig
}

// Notifier доставляет уведомление о непройденной проверке.
type Notifier interface {
	Dispatch(ctx context.Context, ch domain.Channel, postID int64, checkType domain.CheckType, text string) error
}

// Recorder ведёт журнал результатов проверок.
type Recorder interface {
	Record(channelID string, postID int64, checkType domain.CheckType, passed bool, detail string) error
}

// Service — планировщик отложенных проверок метрик. Состояния поста:
// запланирован → ожидает → выполняется → завершён или отброшен. Единственный
// фоновый проход на процесс; внутри прохода проверки выполняются пулом
// воркеров, каждый ключ помечается «в работе», чтобы параллельные проходы
// не оценивали один пост дважды.
type Service struct {
	registry domain.PendingCheckRepo
	planner  *Planner
	channels domain.ChannelRepo
	posts    domain.PostRepo
	source   domain.MetricsSource
	notifier Notifier
	history  Recorder
	cfg      Config
	log      zerolog.Logger

	mu       sync.Mutex
	inFlight map[domain.CheckKey]struct{}
}

// NewService создаёт планировщик.
func NewService(registry domain.PendingCheckRepo, channels domain.ChannelRepo, posts domain.PostRepo, source domain.MetricsSource, notifier Notifier, history Recorder, cfg Config, log zerolog.Logger) *Service {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Service{
		registry: registry,
		planner:  NewPlanner(registry, cfg.Delay, log),
		channels: channels,
		posts:    posts,
		source:   source,
		notifier: notifier,
		history:  history,
		cfg:      cfg,
		log:      log,
		inFlight: make(map[domain.CheckKey]struct{}),
	}
}

// Schedule регистрирует отложенную проверку поста.
func (s *Service) Schedule(channelID string, postID int64) (bool, error) {
	return s.planner.Schedule(channelID, postID)
}

// Run крутит фоновый цикл проходов до отмены контекста. Незавершённые
// проверки остаются в реестре и подхватываются после перезапуска.
func (s *Service) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.cfg.SweepInterval).Dur("delay", s.cfg.Delay).Msg("checks: планировщик запущен")
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("checks: планировщик остановлен")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx, false); err != nil {
				s.log.Error().Err(err).Msg("checks: проход завершился с ошибкой")
			}
		}
	}
}

// Sweep выполняет один проход: собирает готовые проверки и оценивает их
// пулом воркеров. При force оцениваются все записи независимо от readyAt.
func (s *Service) Sweep(ctx context.Context, force bool) error {
	start := time.Now()
	ready, err := s.registry.ListReady(time.Now().UTC(), force)
	if err != nil {
		return fmt.Errorf("выборка готовых проверок: %w", err)
	}
	metrics.ReadyChecks.Set(float64(len(ready)))
	if len(ready) == 0 {
		return nil
	}

	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	picked := 0
	for _, pc := range ready {
		if !s.acquire(pc.Key()) {
			// ключ уже оценивается параллельным проходом
			continue
		}
		picked++
		wg.Add(1)
		go func(pc domain.PendingCheck) {
			defer wg.Done()
			defer s.release(pc.Key())
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			s.evaluate(ctx, pc)
		}(pc)
	}
	wg.Wait()

	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	s.log.Info().Int("ready", len(ready)).Int("picked", picked).Dur("took", time.Since(start)).Bool("force", force).Msg("checks: проход завершён")
	return nil
}

// evaluate проводит одну проверку от получения метрик до снятия из реестра.
// Запись удаляется из реестра только после полного завершения: прерванная
// оценка будет повторена на следующем проходе.
func (s *Service) evaluate(ctx context.Context, pc domain.PendingCheck) {
	key := pc.Key()
	logger := s.log.With().Str("channel", pc.ChannelID).Int64("post", pc.PostID).Logger()

	ch, err := s.channels.Get(pc.ChannelID)
	if errors.Is(err, domain.ErrChannelNotFound) {
		logger.Warn().Msg("checks: канал удалён, проверка снята без уведомления")
		s.removeQuiet(key, logger)
		metrics.IncCheck(string(domain.CheckTypeMetrics), "orphaned")
		return
	}
	if err != nil {
		// хранилище недоступно — оставляем запись, повторим на следующем проходе
		logger.Error().Err(err).Msg("checks: не удалось получить канал")
		return
	}

	m, err := s.source.Fetch(ctx, ch.ChatID, pc.PostID)
	if err != nil {
		s.handleFetchError(key, err, logger)
		return
	}

	cfgTh := s.cfg.Thresholds
	if ch.Overrides != nil {
		cfgTh = *ch.Overrides
	}
	th := thresholds.Compute(ch.Subscribers, m.Views, cfgTh)
	verdict := thresholds.Evaluate(m, th)

	if err := s.posts.SaveMetricsStage(key, m, verdict); err != nil {
		logger.Error().Err(err).Msg("checks: не удалось сохранить снимок метрик")
	}

	if !verdict.Passed {
		text := notify.FormatMetricsFailure(ch, pc.PostID, m, verdict, cfgTh)
		if err := s.notifier.Dispatch(ctx, ch, pc.PostID, domain.CheckTypeMetrics, text); err != nil {
			logger.Error().Err(err).Msg("checks: рассылка уведомления не удалась")
		}
	}

	detail := strings.Join(verdict.Issues, "; ")
	if err := s.history.Record(ch.ID, pc.PostID, domain.CheckTypeMetrics, verdict.Passed, detail); err != nil {
		logger.Error().Err(err).Msg("checks: запись в историю не удалась")
	}

	s.removeQuiet(key, logger)
	outcome := "passed"
	if !verdict.Passed {
		outcome = "failed"
	}
	metrics.IncCheck(string(domain.CheckTypeMetrics), outcome)
	logger.Info().Bool("passed", verdict.Passed).Int("views", m.Views).Int("reactions", m.Reactions).Int("forwards", m.Forwards).Msg("checks: проверка завершена")
}

// handleFetchError применяет политику повторов: NotFound снимает проверку
// сразу, временный сбой оставляет запись с прежним readyAt до исчерпания
// лимита. После исчерпания проверка отбрасывается молча — без финального
// уведомления админам, только диагностика в логе.
func (s *Service) handleFetchError(key domain.CheckKey, err error, logger zerolog.Logger) {
	if errors.Is(err, domain.ErrPostNotFound) {
		logger.Warn().Msg("checks: пост не найден, проверка снята")
		s.removeQuiet(key, logger)
		metrics.IncCheck(string(domain.CheckTypeMetrics), "not_found")
		return
	}
	if errors.Is(err, context.Canceled) {
		// остановка процесса, а не сбой источника: попытка не расходуется
		logger.Info().Msg("checks: получение метрик прервано, проверка остаётся в реестре")
		return
	}

	metrics.MetricsFetchErrors.Inc()
	retries, exceeded, rerr := s.registry.IncrementRetry(key)
	if rerr != nil {
		logger.Error().Err(rerr).Msg("checks: не удалось обновить счётчик повторов")
		return
	}
	if exceeded {
		logger.Warn().Err(err).Int("retries", retries).Msg("checks: повторы исчерпаны, проверка отброшена без уведомления")
		s.removeQuiet(key, logger)
		metrics.IncCheck(string(domain.CheckTypeMetrics), "dropped")
		return
	}
	logger.Warn().Err(err).Int("retries", retries).Msg("checks: временный сбой, повтор на следующем проходе")
}

func (s *Service) removeQuiet(key domain.CheckKey, logger zerolog.Logger) {
	if err := s.registry.Remove(key); err != nil {
		logger.Error().Err(err).Msg("checks: не удалось снять проверку из реестра")
	}
}

func (s *Service) acquire(key domain.CheckKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[key]; busy {
		return false
	}
	s.inFlight[key] = struct{}{}
	return true
}

func (s *Service) release(key domain.CheckKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)
}
