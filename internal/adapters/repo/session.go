package repo

import (
	"context"
	"errors"
	"time"

	"github.com/gotd/td/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-postwatch/internal/infra/metrics"
)

// SessionStore хранит MTProto-сессию в Postgres.
type SessionStore struct {
	pool *pgxpool.Pool
	name string
}

var _ session.Storage = (*SessionStore)(nil)

// NewSessionStore создаёт хранилище сессии с указанным именем.
func NewSessionStore(pool *pgxpool.Pool, name string) *SessionStore {
	if name == "" {
		name = "default"
	}
	return &SessionStore{pool: pool, name: name}
}

// LoadSession загружает сохранённую сессию.
func (s *SessionStore) LoadSession(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var data []byte
	start := time.Now()
	err := s.pool.QueryRow(ctx, `SELECT data FROM mtproto_sessions WHERE name=$1`, s.name).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_load", "mtproto_sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

// StoreSession сохраняет сессию.
func (s *SessionStore) StoreSession(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tmp := make([]byte, len(data))
	copy(tmp, data)

	start := time.Now()
	_, err := s.pool.Exec(ctx, `
INSERT INTO mtproto_sessions (name, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`, s.name, tmp)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_store", "mtproto_sessions", start, err)
	return err
}
