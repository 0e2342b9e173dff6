package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-postwatch/internal/domain"
	"tg-postwatch/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool       *pgxpool.Pool
	maxRetries int
}

var (
	_ domain.ChannelRepo      = (*Postgres)(nil)
	_ domain.PendingCheckRepo = (*Postgres)(nil)
	_ domain.PostRepo         = (*Postgres)(nil)
	_ domain.HistoryRepo      = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД. maxRetries задаёт лимит повторов
// отложенной проверки.
func NewPostgres(pool *pgxpool.Pool, maxRetries int) *Postgres {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Postgres{pool: pool, maxRetries: maxRetries}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// Upsert сохраняет канал. Повторное добавление обновляет сведения и
// дописывает новых администраторов к существующим.
func (p *Postgres) Upsert(ch domain.Channel) (domain.Channel, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var overrides []byte
	if ch.Overrides != nil {
		data, err := json.Marshal(ch.Overrides)
		if err != nil {
			return domain.Channel{}, err
		}
		overrides = data
	}

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO channels (id, chat_id, title, subscribers, tz_offset, is_news, overrides, admins)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
    chat_id = EXCLUDED.chat_id,
    title = EXCLUDED.title,
    subscribers = EXCLUDED.subscribers,
    admins = ARRAY(SELECT DISTINCT unnest(channels.admins || EXCLUDED.admins)),
    updated_at = now()
RETURNING id, chat_id, title, subscribers, tz_offset, is_news, overrides, admins, created_at
`, ch.ID, ch.ChatID, ch.Title, ch.Subscribers, ch.TZOffset, ch.IsNews, overrides, ch.Admins)
	saved, err := scanChannel(row)
	metrics.ObserveNetworkRequest("postgres", "channels_upsert", "channels", start, err)
	if err != nil {
		return domain.Channel{}, err
	}
	return saved, nil
}

// Get возвращает канал по идентификатору.
func (p *Postgres) Get(id string) (domain.Channel, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, chat_id, title, subscribers, tz_offset, is_news, overrides, admins, created_at
FROM channels WHERE id=$1
`, id)
	ch, err := scanChannel(row)
	metrics.ObserveNetworkRequest("postgres", "channels_get", "channels", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, domain.ErrChannelNotFound
	}
	return ch, err
}

// GetByChatID возвращает канал по числовому идентификатору чата.
func (p *Postgres) GetByChatID(chatID int64) (domain.Channel, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, chat_id, title, subscribers, tz_offset, is_news, overrides, admins, created_at
FROM channels WHERE chat_id=$1
`, chatID)
	ch, err := scanChannel(row)
	metrics.ObserveNetworkRequest("postgres", "channels_get_by_chat_id", "channels", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, domain.ErrChannelNotFound
	}
	return ch, err
}

// List возвращает все отслеживаемые каналы.
func (p *Postgres) List() ([]domain.Channel, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, chat_id, title, subscribers, tz_offset, is_news, overrides, admins, created_at
FROM channels ORDER BY created_at
`)
	metrics.ObserveNetworkRequest("postgres", "channels_list", "channels", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var channels []domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// UpdateSubscribers обновляет число подписчиков канала.
func (p *Postgres) UpdateSubscribers(id string, count int) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE channels SET subscribers=$2, updated_at=now() WHERE id=$1`, id, count)
	metrics.ObserveNetworkRequest("postgres", "channels_update_subscribers", "channels", start, err)
	return err
}

// UpdateTZOffset обновляет смещение часового пояса канала.
func (p *Postgres) UpdateTZOffset(id string, offset float64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE channels SET tz_offset=$2, updated_at=now() WHERE id=$1`, id, offset)
	metrics.ObserveNetworkRequest("postgres", "channels_update_tz", "channels", start, err)
	return err
}

// SetNews переключает признак новостного канала.
func (p *Postgres) SetNews(id string, isNews bool) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE channels SET is_news=$2, updated_at=now() WHERE id=$1`, id, isNews)
	metrics.ObserveNetworkRequest("postgres", "channels_set_news", "channels", start, err)
	return err
}

// Delete удаляет канал вместе с его отложенными проверками, постами и историей.
func (p *Postgres) Delete(id string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	err := p.deleteCascade(ctx, id)
	metrics.ObserveNetworkRequest("postgres", "channels_delete", "channels", start, err)
	return err
}

func (p *Postgres) deleteCascade(ctx context.Context, id string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("открытие транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, q := range []string{
		`DELETE FROM pending_checks WHERE channel_id=$1`,
		`DELETE FROM check_history WHERE channel_id=$1`,
		`DELETE FROM posts WHERE channel_id=$1`,
		`DELETE FROM channels WHERE id=$1`,
	} {
		if _, err := tx.Exec(ctx, q, id); err != nil {
			return fmt.Errorf("удаление данных канала: %w", err)
		}
	}
	return tx.Commit(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (domain.Channel, error) {
	var (
		ch        domain.Channel
		overrides []byte
	)
	if err := row.Scan(&ch.ID, &ch.ChatID, &ch.Title, &ch.Subscribers, &ch.TZOffset, &ch.IsNews, &overrides, &ch.Admins, &ch.CreatedAt); err != nil {
		return domain.Channel{}, err
	}
	if len(overrides) > 0 {
		var cfg domain.ThresholdConfig
		if err := json.Unmarshal(overrides, &cfg); err != nil {
			return domain.Channel{}, err
		}
		ch.Overrides = &cfg
	}
	return ch, nil
}

// Schedule вставляет отложенную проверку. Существующая запись для того же
// поста не трогается.
func (p *Postgres) Schedule(channelID string, postID int64, readyAt time.Time) (bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
INSERT INTO pending_checks (channel_id, post_id, ready_at)
VALUES ($1,$2,$3)
ON CONFLICT (channel_id, post_id) DO NOTHING
`, channelID, postID, readyAt)
	metrics.ObserveNetworkRequest("postgres", "pending_checks_schedule", "pending_checks", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// ListReady возвращает проверки с созревшим readyAt, при force — все.
func (p *Postgres) ListReady(now time.Time, force bool) ([]domain.PendingCheck, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	query := `
SELECT channel_id, post_id, ready_at, enqueued_at, retries
FROM pending_checks WHERE ready_at <= $1 ORDER BY ready_at
`
	args := []any{now}
	if force {
		query = `
SELECT channel_id, post_id, ready_at, enqueued_at, retries
FROM pending_checks ORDER BY ready_at
`
		args = nil
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "pending_checks_list_ready", "pending_checks", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var checks []domain.PendingCheck
	for rows.Next() {
		var pc domain.PendingCheck
		if err := rows.Scan(&pc.ChannelID, &pc.PostID, &pc.ReadyAt, &pc.EnqueuedAt, &pc.Retries); err != nil {
			return nil, err
		}
		checks = append(checks, pc)
	}
	return checks, rows.Err()
}

// IncrementRetry атомарно увеличивает счётчик повторов и сообщает,
// исчерпан ли лимит.
func (p *Postgres) IncrementRetry(key domain.CheckKey) (int, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var retries int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
UPDATE pending_checks SET retries = retries + 1
WHERE channel_id=$1 AND post_id=$2
RETURNING retries
`, key.ChannelID, key.PostID).Scan(&retries)
	metrics.ObserveNetworkRequest("postgres", "pending_checks_increment_retry", "pending_checks", start, err)
	if err != nil {
		return 0, false, err
	}
	return retries, retries >= p.maxRetries, nil
}

// Remove идемпотентно снимает проверку.
func (p *Postgres) Remove(key domain.CheckKey) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM pending_checks WHERE channel_id=$1 AND post_id=$2`, key.ChannelID, key.PostID)
	metrics.ObserveNetworkRequest("postgres", "pending_checks_remove", "pending_checks", start, err)
	return err
}

// SaveContentStage сохраняет пост с результатом модерации.
func (p *Postgres) SaveContentStage(rec domain.PostRecord) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	var content []byte
	if rec.Content != nil {
		data, err := json.Marshal(rec.Content)
		if err != nil {
			return err
		}
		content = data
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO posts (channel_id, post_id, text, published_at, url, content_json)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (channel_id, post_id) DO UPDATE SET
    text = EXCLUDED.text,
    content_json = EXCLUDED.content_json
`, rec.ChannelID, rec.PostID, rec.Text, rec.PublishedAt, rec.URL, content)
	metrics.ObserveNetworkRequest("postgres", "posts_save_content", "posts", start, err)
	return err
}

// SaveMetricsStage заполняет снимок метрик и вердикт поста.
func (p *Postgres) SaveMetricsStage(key domain.CheckKey, m domain.ObservedMetrics, v domain.MetricsVerdict) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	metricsJSON, err := json.Marshal(m)
	if err != nil {
		return err
	}
	verdictJSON, err := json.Marshal(v)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
UPDATE posts SET metrics_json=$3, verdict_json=$4
WHERE channel_id=$1 AND post_id=$2
`, key.ChannelID, key.PostID, metricsJSON, verdictJSON)
	metrics.ObserveNetworkRequest("postgres", "posts_save_metrics", "posts", start, err)
	return err
}

// GetPost возвращает запись о посте.
func (p *Postgres) GetPost(key domain.CheckKey) (domain.PostRecord, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var (
		rec         domain.PostRecord
		content     []byte
		metricsJSON []byte
		verdictJSON []byte
		url         sql.NullString
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT channel_id, post_id, text, published_at, url, content_json, metrics_json, verdict_json, created_at
FROM posts WHERE channel_id=$1 AND post_id=$2
`, key.ChannelID, key.PostID).Scan(&rec.ChannelID, &rec.PostID, &rec.Text, &rec.PublishedAt, &url, &content, &metricsJSON, &verdictJSON, &rec.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "posts_get", "posts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PostRecord{}, domain.ErrPostNotFound
	}
	if err != nil {
		return domain.PostRecord{}, err
	}
	if url.Valid {
		rec.URL = url.String
	}
	if len(content) > 0 {
		var v domain.ContentVerdict
		if err := json.Unmarshal(content, &v); err != nil {
			return domain.PostRecord{}, err
		}
		rec.Content = &v
	}
	if len(metricsJSON) > 0 {
		var m domain.ObservedMetrics
		if err := json.Unmarshal(metricsJSON, &m); err != nil {
			return domain.PostRecord{}, err
		}
		rec.Metrics = &m
	}
	if len(verdictJSON) > 0 {
		var v domain.MetricsVerdict
		if err := json.Unmarshal(verdictJSON, &v); err != nil {
			return domain.PostRecord{}, err
		}
		rec.Verdict = &v
	}
	return rec, nil
}

// Append добавляет запись в историю проверок.
func (p *Postgres) Append(entry domain.HistoryEntry) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO check_history (channel_id, post_id, check_type, passed, detail, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, entry.ChannelID, entry.PostID, string(entry.Type), entry.Passed, entry.Detail, entry.At)
	metrics.ObserveNetworkRequest("postgres", "check_history_append", "check_history", start, err)
	return err
}

// StatsSince агрегирует историю канала за окно времени.
func (p *Postgres) StatsSince(channelID string, since time.Time) (domain.ChannelStats, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var stats domain.ChannelStats
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT
    COUNT(*) FILTER (WHERE check_type='content'),
    COUNT(*) FILTER (WHERE check_type='content' AND NOT passed),
    COUNT(*) FILTER (WHERE check_type='metrics'),
    COUNT(*) FILTER (WHERE check_type='metrics' AND NOT passed)
FROM check_history WHERE channel_id=$1 AND occurred_at >= $2
`, channelID, since).Scan(&stats.ContentChecks, &stats.ContentFails, &stats.MetricChecks, &stats.MetricFails)
	metrics.ObserveNetworkRequest("postgres", "check_history_stats", "check_history", start, err)
	return stats, err
}

// PruneOlderThan удаляет записи истории старше горизонта.
func (p *Postgres) PruneOlderThan(horizon time.Time) (int64, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `DELETE FROM check_history WHERE occurred_at < $1`, horizon)
	metrics.ObserveNetworkRequest("postgres", "check_history_prune", "check_history", start, err)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}
