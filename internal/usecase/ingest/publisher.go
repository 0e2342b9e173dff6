package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-postwatch/internal/domain"
)

// Publisher кладёт посты в очередь на проверку. Используется гейтвеем,
// которому не нужен остальной конвейер обработки.
type Publisher struct {
	queue domain.CheckQueue
	log   zerolog.Logger
}

// NewPublisher создаёт публикатор.
func NewPublisher(queue domain.CheckQueue, log zerolog.Logger) *Publisher {
	return &Publisher{queue: queue, log: log}
}

// EnqueuePost кладёт свежий пост канала в очередь на обработку.
func (p *Publisher) EnqueuePost(ctx context.Context, channelID string, chatID int64, postID int64, text string, publishedAt time.Time) error {
	job := domain.CheckJob{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		ChatID:      chatID,
		PostID:      postID,
		Text:        text,
		PublishedAt: publishedAt.UTC(),
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("постановка поста в очередь: %w", err)
	}
	p.log.Info().Str("job_id", job.ID).Str("channel", channelID).Int64("post", postID).Msg("ingest: пост поставлен в очередь")
	return nil
}
