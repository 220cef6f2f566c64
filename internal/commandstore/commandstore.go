// Package commandstore implements the durable Command Store (spec §4.2,
// component B) over PostgreSQL: a table of pending/running commands with
// single-claim semantics implemented via `SELECT ... FOR UPDATE SKIP LOCKED`,
// the standard pgx/Postgres idiom for a queue-like table (grounded on the
// pgxpool injection pattern of nevindra-oasis/store/postgres/postgres.go).
package commandstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/model"
)

// Store is the pgx-backed Command Store.
type Store struct {
	pool *pgxpool.Pool
	gen  *id.Generator
}

// New constructs a Store over an existing pool.
func New(pool *pgxpool.Pool, gen *id.Generator) *Store {
	return &Store{pool: pool, gen: gen}
}

// EnsureSchema creates the command table if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS noetl_command_queue (
	command_id   BIGINT NOT NULL PRIMARY KEY,
	execution_id BIGINT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	priority     INT NOT NULL DEFAULT 0,
	payload      JSONB NOT NULL,
	claimed_by   TEXT,
	claimed_at   TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS noetl_command_queue_claimable_idx
	ON noetl_command_queue (status, priority DESC, command_id)
	WHERE status = 'pending';
`)
	if err != nil {
		return fmt.Errorf("commandstore: ensure schema: %w", err)
	}
	return nil
}

// Publish inserts a new pending command (spec §4.2). The engine writes this
// table through Publish and MarkDone; Claim, called by workers, only moves a
// pending row to claimed.
func (s *Store) Publish(ctx context.Context, cmd *model.Command) (id.ID, error) {
	if cmd.ID.IsZero() {
		cmd.ID = s.gen.Next()
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("commandstore: marshal command: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO noetl_command_queue (command_id, execution_id, status, priority, payload, created_at)
VALUES ($1, $2, 'pending', $3, $4, now())`,
		int64(cmd.ID), int64(cmd.ExecutionID), cmd.Priority, payload)
	if err != nil {
		return 0, fmt.Errorf("commandstore: publish: %w", err)
	}
	return cmd.ID, nil
}

// Claim atomically claims the highest-priority pending command for workerID
// using SELECT ... FOR UPDATE SKIP LOCKED, giving single-claim semantics
// across concurrently racing workers (spec §4.2: "claimed by one worker is
// not observable as claimable by another"). Returns nil, nil if no command
// is available.
func (s *Store) Claim(ctx context.Context, workerID string) (*model.Command, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("commandstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var commandID int64
	var payload []byte
	err = tx.QueryRow(ctx, `
SELECT command_id, payload
FROM noetl_command_queue
WHERE status = 'pending'
ORDER BY priority DESC, command_id ASC
FOR UPDATE SKIP LOCKED
LIMIT 1`).Scan(&commandID, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("commandstore: claim select: %w", err)
	}

	if _, err := tx.Exec(ctx, `
UPDATE noetl_command_queue SET status='claimed', claimed_by=$1, claimed_at=now()
WHERE command_id=$2`, workerID, commandID); err != nil {
		return nil, fmt.Errorf("commandstore: claim update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commandstore: claim commit: %w", err)
	}

	var cmd model.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("commandstore: unmarshal command: %w", err)
	}
	return &cmd, nil
}

// MarkDone records that a command has a terminal outcome. Per spec §4.2 this
// is "implicit": workers never call this directly, the engine calls it after
// correlating a call.done|error event against metadata.command_id.
func (s *Store) MarkDone(ctx context.Context, commandID id.ID) error {
	_, err := s.pool.Exec(ctx, `UPDATE noetl_command_queue SET status='done' WHERE command_id=$1`, int64(commandID))
	if err != nil {
		return fmt.Errorf("commandstore: mark done: %w", err)
	}
	return nil
}
