package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
)

const historyColumns = `id, namespace, entity_id, state, attributes, deleted, source, changed_at`

// History returns the changes of one entity between from and to, newest first.
// Without a range the last two days are returned.
func (db *Database) History(ctx context.Context, namespace, entityID string, from, to *time.Time) ([]HistoryEntry, error) {
	if from == nil || to == nil {
		now := db.now()
		start := now.AddDate(0, 0, -2)
		from, to = &start, &now
	}
	query := `
	SELECT ` + historyColumns + `
	FROM state_history
	WHERE namespace = $1 AND entity_id = $2 AND changed_at BETWEEN $3 AND $4
	ORDER BY changed_at DESC, id DESC;
	`

	rows, err := db.pool.Query(ctx, query, namespace, entityID, *from, *to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanHistory(rows)
}

// Latest returns the most recent change of every entity in namespace.
func (db *Database) Latest(ctx context.Context, namespace string) ([]HistoryEntry, error) {
	query := `
	SELECT DISTINCT ON (entity_id) ` + historyColumns + `
	FROM state_history
	WHERE namespace = $1
	ORDER BY entity_id, changed_at DESC, id DESC;
	`

	rows, err := db.pool.Query(ctx, query, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanHistory(rows)
}

func scanHistory(rows pgx.Rows) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	for rows.Next() {
		var (
			entry     HistoryEntry
			stateJSON []byte
			attrsJSON []byte
		)
		if err := rows.Scan(&entry.ID, &entry.Namespace, &entry.EntityID, &stateJSON, &attrsJSON, &entry.Deleted, &entry.Source, &entry.ChangedAt); err != nil {
			return nil, err
		}
		if len(stateJSON) > 0 {
			if err := json.Unmarshal(stateJSON, &entry.State); err != nil {
				return nil, err
			}
		}
		entry.Attributes = map[string]any{}
		if len(attrsJSON) > 0 {
			if err := json.Unmarshal(attrsJSON, &entry.Attributes); err != nil {
				return nil, err
			}
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}
