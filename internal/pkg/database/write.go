package database

import (
	"context"
	"encoding/json"

	"github.com/anicoll/hass-automation/pkg/state"
)

const insertHistorySQL = `
	INSERT INTO state_history (namespace, entity_id, state, attributes, deleted, source, changed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
`

func (db *Database) Write(ctx context.Context, changes []state.Change) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, change := range changes {
		stateJSON, attrsJSON, err := encodeRecord(change)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertHistorySQL,
			change.Namespace, change.EntityID, stateJSON, attrsJSON, change.Deleted, string(change.Source), change.Time,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// encodeRecord renders the new record as json. A deleted entity stores a null
// state and empty attributes.
func encodeRecord(change state.Change) ([]byte, []byte, error) {
	if change.Deleted {
		return []byte("null"), []byte("{}"), nil
	}
	stateJSON, err := json.Marshal(change.New.State)
	if err != nil {
		return nil, nil, err
	}
	attrs := change.New.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, nil, err
	}
	return stateJSON, attrsJSON, nil
}
