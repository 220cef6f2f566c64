// Package eventlog implements the append-only Event Log (spec §4.1,
// component A) over PostgreSQL using pgx, following the pgxpool
// dependency-injection pattern from nevindra-oasis/store/postgres: the
// caller owns and closes the pool, the store only issues queries against it.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/model"
)

// Store persists events to the `noetl_event_log` table, whose schema
// mirrors the bit-stable row layout in spec §6.
type Store struct {
	pool *pgxpool.Pool
	gen  *id.Generator
}

// New constructs a Store over an existing pool. The pool's caller retains
// ownership and is responsible for closing it.
func New(pool *pgxpool.Pool, gen *id.Generator) *Store {
	return &Store{pool: pool, gen: gen}
}

// EnsureSchema creates the event log table and supporting indexes if they do
// not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS noetl_event_log (
	execution_id        BIGINT NOT NULL,
	event_id            BIGINT NOT NULL PRIMARY KEY,
	parent_event_id     BIGINT,
	parent_execution_id BIGINT,
	catalog_id          BIGINT,
	event_type          TEXT NOT NULL,
	node_id             TEXT,
	node_name           TEXT,
	status              TEXT,
	context             JSONB,
	result              JSONB,
	error               JSONB,
	stack_trace         TEXT,
	worker_id           TEXT,
	duration            INT,
	meta                JSONB,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS noetl_event_log_execution_idx
	ON noetl_event_log (execution_id, event_id);
CREATE INDEX IF NOT EXISTS noetl_event_log_type_idx
	ON noetl_event_log (execution_id, event_type);
`)
	if err != nil {
		return fmt.Errorf("eventlog: ensure schema: %w", err)
	}
	return nil
}

// Append atomically assigns an event_id from the monotone generator and
// durably persists the event before returning (spec §4.1).
func (s *Store) Append(ctx context.Context, ev *model.Event) (id.ID, error) {
	if ev.EventID.IsZero() {
		ev.EventID = s.gen.Next()
	}
	metaJSON, err := json.Marshal(ev.Meta)
	if err != nil {
		return 0, fmt.Errorf("eventlog: marshal meta: %w", err)
	}
	ctxJSON, err := json.Marshal(ev.Context)
	if err != nil {
		return 0, fmt.Errorf("eventlog: marshal context: %w", err)
	}
	var resultJSON []byte
	if ev.Result != nil {
		resultJSON, err = json.Marshal(ev.Result)
		if err != nil {
			return 0, fmt.Errorf("eventlog: marshal result: %w", err)
		}
	}
	var errJSON []byte
	if ev.Error != nil {
		errJSON, err = json.Marshal(ev.Error)
		if err != nil {
			return 0, fmt.Errorf("eventlog: marshal error: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO noetl_event_log
	(execution_id, event_id, parent_event_id, parent_execution_id, catalog_id,
	 event_type, node_id, node_name, status, context, result, error,
	 stack_trace, worker_id, duration, meta, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7,$8,$9,$10,$11,$12,$13,$14,$15,now())
`,
		int64(ev.ExecutionID), int64(ev.EventID), nullID(ev.ParentEventID), nullID(ev.ParentExecutionID), nullID(ev.CatalogID),
		string(ev.Name), ev.Step, ev.Status, ctxJSON, resultJSON, errJSON,
		ev.StackTrace, ev.WorkerID, ev.DurationMS, metaJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("eventlog: append: %w", err)
	}
	return ev.EventID, nil
}

func nullID(v id.ID) any {
	if v.IsZero() {
		return nil
	}
	return int64(v)
}

// Filters narrows a Read query (spec §4.1).
type Filters struct {
	EventType     model.EventName
	SinceEventID  id.ID
}

// Pagination bounds a Read query. Offset implements spec §6's page/page_size
// polling contract; SinceEventID-based cursoring (Filters.SinceEventID) is
// the preferred incremental-polling path and should be used instead of Offset
// whenever a caller already knows the last event_id it has seen.
type Pagination struct {
	Limit      int
	Offset     int
	Descending bool
}

// ReadAllAscending reads every event for execution since sinceEventID in
// ascending event_id order, paging internally. This is the adapter the
// state reconstructor (component E) uses for full replay (spec §4.5 step 4).
func (s *Store) ReadAllAscending(ctx context.Context, execution id.ID, sinceEventID id.ID) ([]*model.Event, error) {
	const pageSize = 1000
	var out []*model.Event
	cursor := sinceEventID
	for {
		page, err := s.Read(ctx, execution, Filters{SinceEventID: cursor}, Pagination{Limit: pageSize})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
		cursor = page[len(page)-1].EventID
	}
}

// Read returns events for execution, ordered ascending by event_id for
// replay or descending for UI display, per spec §4.1.
func (s *Store) Read(ctx context.Context, execution id.ID, f Filters, p Pagination) ([]*model.Event, error) {
	order := "ASC"
	if p.Descending {
		order = "DESC"
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 500
	}
	query := fmt.Sprintf(`
SELECT execution_id, event_id, parent_event_id, parent_execution_id, catalog_id,
       event_type, node_name, status, context, result, error, stack_trace,
       worker_id, duration, meta, created_at
FROM noetl_event_log
WHERE execution_id = $1
  AND ($2 = '' OR event_type = $2)
  AND ($3 = 0 OR event_id > $3)
ORDER BY event_id %s
LIMIT $4 OFFSET $5`, order)

	rows, err := s.pool.Query(ctx, query, int64(execution), string(f.EventType), int64(f.SinceEventID), limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read: %w", err)
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ChildExecutions returns every execution_id whose playbook.initialized
// event carries parent as its parent_execution_id (spec §4.7.6 cascade).
func (s *Store) ChildExecutions(ctx context.Context, parent id.ID) ([]id.ID, error) {
	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT execution_id FROM noetl_event_log
WHERE event_type = $1 AND parent_execution_id = $2`,
		string(model.EventPlaybookInitialized), int64(parent))
	if err != nil {
		return nil, fmt.Errorf("eventlog: child executions: %w", err)
	}
	defer rows.Close()
	var out []id.ID
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, id.ID(v))
	}
	return out, rows.Err()
}

// StuckExecutions returns every execution_id whose earliest
// playbook.initialized predates olderThan and which has no terminal
// playbook.* event yet (spec §4.7.7).
func (s *Store) StuckExecutions(ctx context.Context, olderThan time.Time) ([]id.ID, error) {
	rows, err := s.pool.Query(ctx, `
SELECT init.execution_id
FROM (
	SELECT execution_id, MIN(created_at) AS started_at
	FROM noetl_event_log
	WHERE event_type = $1
	GROUP BY execution_id
) init
WHERE init.started_at < $2
AND NOT EXISTS (
	SELECT 1 FROM noetl_event_log term
	WHERE term.execution_id = init.execution_id
	AND term.event_type IN ($3, $4, $5)
)`,
		string(model.EventPlaybookInitialized), olderThan,
		string(model.EventPlaybookCompleted), string(model.EventPlaybookFailed), string(model.EventPlaybookCancelled))
	if err != nil {
		return nil, fmt.Errorf("eventlog: stuck executions: %w", err)
	}
	defer rows.Close()
	var out []id.ID
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, id.ID(v))
	}
	return out, rows.Err()
}

func scanEvent(rows pgx.Rows) (*model.Event, error) {
	var (
		executionID, eventID                           int64
		parentEventID, parentExecutionID, catalogID     *int64
		eventType, nodeName, status                     string
		stackTrace, workerID                            *string
		ctxJSON, resultJSON, errJSON, metaJSON           []byte
		duration                                         *int64
		createdAt                                        any
	)
	if err := rows.Scan(&executionID, &eventID, &parentEventID, &parentExecutionID, &catalogID,
		&eventType, &nodeName, &status, &ctxJSON, &resultJSON, &errJSON, &stackTrace,
		&workerID, &duration, &metaJSON, &createdAt); err != nil {
		return nil, fmt.Errorf("eventlog: scan: %w", err)
	}
	ev := &model.Event{
		ExecutionID: id.ID(executionID),
		EventID:     id.ID(eventID),
		Name:        model.EventName(eventType),
		Step:        nodeName,
		Status:      model.Status(status),
	}
	if parentEventID != nil {
		ev.ParentEventID = id.ID(*parentEventID)
	}
	if parentExecutionID != nil {
		ev.ParentExecutionID = id.ID(*parentExecutionID)
	}
	if catalogID != nil {
		ev.CatalogID = id.ID(*catalogID)
	}
	if stackTrace != nil {
		ev.StackTrace = *stackTrace
	}
	if workerID != nil {
		ev.WorkerID = *workerID
	}
	if duration != nil {
		ev.DurationMS = *duration
	}
	if len(ctxJSON) > 0 {
		_ = json.Unmarshal(ctxJSON, &ev.Context)
	}
	if len(resultJSON) > 0 {
		ev.Result = &model.ResultEnvelope{}
		_ = json.Unmarshal(resultJSON, ev.Result)
	}
	if len(errJSON) > 0 {
		_ = json.Unmarshal(errJSON, &ev.Error)
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &ev.Meta)
	}
	return ev, nil
}
