// Package varstore implements the Transient Variable Store (spec §4.9,
// component I): an execution-scoped mutable variable store visible to
// rendering. It shares the Redis connection used by loopkv (component D)
// since both are low-latency keyed stores scoped to a running execution,
// grounded on original_source/noetl/worker/transient.py.
package varstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noetl/noetl-go/internal/id"
)

// VarType enumerates the provenance of a stored variable (spec §4.9).
type VarType string

const (
	VarUserDefined   VarType = "user_defined"
	VarStepResult    VarType = "step_result"
	VarComputed      VarType = "computed"
	VarIteratorState VarType = "iterator_state"
)

// Record is one stored variable plus its access bookkeeping.
type Record struct {
	Name        string    `json:"name"`
	Value       any       `json:"value"`
	Type        VarType   `json:"type"`
	SourceStep  string    `json:"source_step,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	AccessedAt  time.Time `json:"accessed_at"`
	AccessCount int       `json:"access_count"`
}

// Store is the Redis-backed Transient Variable Store.
type Store struct {
	rdb *redis.Client
}

// New constructs a Store over an existing *redis.Client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func hashKey(execution id.ID) string {
	return fmt.Sprintf("noetl:vars:%s", execution)
}

// Set stores or overwrites a variable.
func (s *Store) Set(ctx context.Context, execution id.ID, name string, value any, typ VarType, sourceStep string) error {
	now := time.Now().UTC()
	rec := Record{Name: name, Value: value, Type: typ, SourceStep: sourceStep, CreatedAt: now, AccessedAt: now}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("varstore: marshal: %w", err)
	}
	if err := s.rdb.HSet(ctx, hashKey(execution), name, raw).Err(); err != nil {
		return fmt.Errorf("varstore: set: %w", err)
	}
	return nil
}

// getAndTouchScript reads a field, bumps accessed_at/access_count, and
// writes it back atomically so concurrent readers don't race on the
// bookkeeping update.
var getAndTouchScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
	return false
end
local rec = cjson.decode(raw)
rec.accessed_at = ARGV[2]
rec.access_count = (rec.access_count or 0) + 1
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(rec))
return cjson.encode(rec)
`)

// Get fetches a variable, updating accessed_at and access_count (spec §4.9).
func (s *Store) Get(ctx context.Context, execution id.ID, name string) (Record, bool, error) {
	res, err := getAndTouchScript.Run(ctx, s.rdb, []string{hashKey(execution)}, name, time.Now().UTC().Format(time.RFC3339Nano)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("varstore: get: %w", err)
	}
	s2, ok := res.(string)
	if !ok || s2 == "" {
		return Record{}, false, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(s2), &rec); err != nil {
		return Record{}, false, fmt.Errorf("varstore: unmarshal: %w", err)
	}
	return rec, true, nil
}

// List returns every variable currently stored for execution.
func (s *Store) List(ctx context.Context, execution id.ID) ([]Record, error) {
	all, err := s.rdb.HGetAll(ctx, hashKey(execution)).Result()
	if err != nil {
		return nil, fmt.Errorf("varstore: list: %w", err)
	}
	out := make([]Record, 0, len(all))
	for _, raw := range all {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes a single variable.
func (s *Store) Delete(ctx context.Context, execution id.ID, name string) error {
	if err := s.rdb.HDel(ctx, hashKey(execution), name).Err(); err != nil {
		return fmt.Errorf("varstore: delete: %w", err)
	}
	return nil
}

// Cleanup removes every variable for execution (spec §4.9) by deleting the
// execution's hash.
func (s *Store) Cleanup(ctx context.Context, execution id.ID) error {
	if err := s.rdb.Del(ctx, hashKey(execution)).Err(); err != nil {
		return fmt.Errorf("varstore: cleanup: %w", err)
	}
	return nil
}
