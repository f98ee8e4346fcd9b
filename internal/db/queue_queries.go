package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnqueueEntities adds entities to the aggregation queue. Entities already
// queued keep their position.
func (db *DB) EnqueueEntities(ctx context.Context, ids []int64, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var added int64
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO work_queue (entity_id, enqueued_at) VALUES (?, ?)", id, now.Unix())
		if err != nil {
			return 0, fmt.Errorf("failed to enqueue entity %d: %w", id, err)
		}
		n, _ := res.RowsAffected()
		added += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit queue: %w", err)
	}
	return added, nil
}

// NextQueuedEntity returns the oldest queued entity without removing it.
// The boolean is false when the queue is empty.
func (db *DB) NextQueuedEntity(ctx context.Context) (int64, bool, error) {
	var id int64
	err := db.QueryRowContext(ctx,
		"SELECT entity_id FROM work_queue ORDER BY enqueued_at, entity_id LIMIT 1",
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read queue: %w", err)
	}
	return id, true, nil
}

// DequeueEntity removes an entity from the queue once it was processed.
func (db *DB) DequeueEntity(ctx context.Context, entityID int64) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM work_queue WHERE entity_id = ?", entityID); err != nil {
		return fmt.Errorf("failed to dequeue entity %d: %w", entityID, err)
	}
	return nil
}
