package domain

import (
	"context"
	"time"
)

// CheckJob — задача на проверку нового поста канала.
type CheckJob struct {
	ID          string    `json:"job_id"`
	ChannelID   string    `json:"channel_id"`
	ChatID      int64     `json:"chat_id"`
	PostID      int64     `json:"post_id"`
	Text        string    `json:"text"`
	PublishedAt time.Time `json:"published_at"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// CheckQueue — очередь задач на проверку постов.
type CheckQueue interface {
	Enqueue(ctx context.Context, job CheckJob) error
	// Pop блокирующе читает задачу из очереди.
	Pop(ctx context.Context) (CheckJob, error)
}
