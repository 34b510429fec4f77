package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Database struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func New(ctx context.Context, dsn string) (*Database, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return NewDatabase(pool), nil
}

func NewDatabase(pool *pgxpool.Pool) *Database {
	return &Database{
		pool: pool,
		now:  time.Now,
	}
}

func (db *Database) Close() error {
	if db.pool == nil {
		return nil
	}
	db.pool.Close()
	return nil
}

// HistoryEntry is one persisted state change.
type HistoryEntry struct {
	ID         int64          `json:"id"`
	Namespace  string         `json:"namespace"`
	EntityID   string         `json:"entity_id"`
	State      any            `json:"state"`
	Attributes map[string]any `json:"attributes"`
	Deleted    bool           `json:"deleted"`
	Source     string         `json:"source"`
	ChangedAt  time.Time      `json:"changed_at"`
}
