package database

import (
	"context"
	"time"
)

// Cleanup removes history rows older than retention and reports how many were
// deleted.
func (db *Database) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx, "DELETE FROM state_history WHERE changed_at < $1", db.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
