package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-postwatch/internal/domain"
	"tg-postwatch/internal/infra/metrics"
	"tg-postwatch/internal/usecase/notify"
)

// Scheduler регистрирует отложенную проверку метрик поста.
type Scheduler interface {
	Schedule(channelID string, postID int64) (bool, error)
}

// Notifier доставляет уведомление о проблемах с контентом.
type Notifier interface {
	Dispatch(ctx context.Context, ch domain.Channel, postID int64, checkType domain.CheckType, text string) error
}

// Recorder ведёт журнал результатов проверок.
type Recorder interface {
	Record(channelID string, postID int64, checkType domain.CheckType, passed bool, detail string) error
}

// Service принимает новые посты каналов: публикатор кладёт задачу в очередь,
// воркер достаёт её, прогоняет контент через модерацию и ставит пост в
// очередь отложенной проверки метрик.
type Service struct {
	queue     domain.CheckQueue
	pub       *Publisher
	channels  domain.ChannelRepo
	posts     domain.PostRepo
	moderator domain.Moderator
	scheduler Scheduler
	notifier  Notifier
	history   Recorder
	log       zerolog.Logger
}

// NewService создаёт сервис приёма постов.
func NewService(queue domain.CheckQueue, channels domain.ChannelRepo, posts domain.PostRepo, moderator domain.Moderator, scheduler Scheduler, notifier Notifier, history Recorder, log zerolog.Logger) *Service {
	return &Service{
		queue:     queue,
		pub:       NewPublisher(queue, log),
		channels:  channels,
		posts:     posts,
		moderator: moderator,
		scheduler: scheduler,
		notifier:  notifier,
		history:   history,
		log:       log,
	}
}

// EnqueuePost кладёт свежий пост канала в очередь на обработку.
func (s *Service) EnqueuePost(ctx context.Context, channelID string, chatID int64, postID int64, text string, publishedAt time.Time) error {
	return s.pub.EnqueuePost(ctx, channelID, chatID, postID, text, publishedAt)
}

// Run читает задачи из очереди до отмены контекста. Ошибка обработки одной
// задачи не останавливает цикл.
func (s *Service) Run(ctx context.Context) {
	s.log.Info().Msg("ingest: воркер запущен")
	for {
		job, err := s.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info().Msg("ingest: воркер остановлен")
				return
			}
			s.log.Error().Err(err).Msg("ingest: чтение из очереди не удалось")
			continue
		}
		if err := s.Process(ctx, job); err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("ingest: обработка задачи не удалась")
		}
	}
}

// Process обрабатывает одну задачу: модерация текста, сохранение записи о
// посте и постановка отложенной проверки метрик. Пост без текста модерацию
// не проходит, но проверка метрик для него ставится всё равно.
func (s *Service) Process(ctx context.Context, job domain.CheckJob) error {
	logger := s.log.With().Str("job_id", job.ID).Str("channel", job.ChannelID).Int64("post", job.PostID).Logger()

	ch, err := s.resolveChannel(job)
	if errors.Is(err, domain.ErrChannelNotFound) {
		logger.Warn().Msg("ingest: канал не отслеживается, задача пропущена")
		return nil
	}
	if err != nil {
		return fmt.Errorf("поиск канала: %w", err)
	}

	rec := domain.PostRecord{
		ChannelID:   ch.ID,
		PostID:      job.PostID,
		Text:        job.Text,
		PublishedAt: job.PublishedAt,
		URL:         notify.PostURL(ch, job.PostID),
		CreatedAt:   time.Now().UTC(),
	}

	if strings.TrimSpace(job.Text) != "" {
		verdict := s.moderate(ctx, ch, job, logger)
		rec.Content = &verdict
	} else {
		logger.Info().Msg("ingest: пост без текста, модерация пропущена")
	}

	if err := s.posts.SaveContentStage(rec); err != nil {
		logger.Error().Err(err).Msg("ingest: не удалось сохранить запись о посте")
	}

	if _, err := s.scheduler.Schedule(ch.ID, job.PostID); err != nil {
		return fmt.Errorf("постановка проверки метрик: %w", err)
	}
	return nil
}

// moderate прогоняет текст через модератор и разбирает вердикт. Любая ошибка
// модерации деградирует в чистый вердикт: пост не наказывается за сбой LLM.
func (s *Service) moderate(ctx context.Context, ch domain.Channel, job domain.CheckJob, logger zerolog.Logger) domain.ContentVerdict {
	verdict, err := s.moderator.Moderate(ctx, job.Text)
	if err != nil {
		logger.Warn().Err(err).Msg("ingest: модерация не удалась, пост считается чистым")
		metrics.IncCheck(string(domain.CheckTypeContent), "error")
		return domain.ContentVerdict{}
	}

	if verdict.HasErrors {
		text := notify.FormatContentFailure(ch, job.PostID, verdict)
		if err := s.notifier.Dispatch(ctx, ch, job.PostID, domain.CheckTypeContent, text); err != nil {
			logger.Error().Err(err).Msg("ingest: рассылка уведомления не удалась")
		}
	}

	if err := s.history.Record(ch.ID, job.PostID, domain.CheckTypeContent, !verdict.HasErrors, verdict.Details); err != nil {
		logger.Error().Err(err).Msg("ingest: запись в историю не удалась")
	}

	outcome := "passed"
	if verdict.HasErrors {
		outcome = "failed"
	}
	metrics.IncCheck(string(domain.CheckTypeContent), outcome)
	logger.Info().Bool("has_errors", verdict.HasErrors).Msg("ingest: модерация завершена")
	return verdict
}

// resolveChannel находит канал по идентификатору из задачи, а при его
// отсутствии по числовому chat id.
func (s *Service) resolveChannel(job domain.CheckJob) (domain.Channel, error) {
	if job.ChannelID != "" {
		ch, err := s.channels.Get(job.ChannelID)
		if err == nil || !errors.Is(err, domain.ErrChannelNotFound) {
			return ch, err
		}
	}
	return s.channels.GetByChatID(job.ChatID)
}
