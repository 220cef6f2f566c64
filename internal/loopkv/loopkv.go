// Package loopkv implements the Distributed Loop KV (spec §4.4, component
// D) over Redis using github.com/redis/go-redis/v9, a direct dependency of
// the teacher module. Atomicity for claim/increment is achieved with Lua
// scripts executed via EVAL, the idiomatic go-redis pattern for
// compare-and-swap counters that a plain GET/SET round trip cannot give.
package loopkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/model"
)

// Key identifies one loop epoch (spec §4.4).
type Key struct {
	ExecutionID id.ID
	Step        string
	EventID     id.ID
}

// redisKey renders Key into the Redis key string.
func (k Key) redisKey() string {
	return fmt.Sprintf("noetl:loop:%s:%s:%s", k.ExecutionID, k.Step, k.EventID)
}

// Value is the per-key loop progress record (spec §4.4).
type Value struct {
	CollectionSize int          `json:"collection_size"`
	CompletedCount int          `json:"completed_count"`
	ScheduledCount int          `json:"scheduled_count"`
	Iterator       string       `json:"iterator"`
	Mode           model.LoopMode `json:"mode"`
	EventID        id.ID        `json:"event_id"`
}

// Store is the Redis-backed Distributed Loop KV.
type Store struct {
	rdb *redis.Client
}

// New constructs a Store over an existing *redis.Client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Get fetches the current value for key, or (Value{}, false, nil) if absent.
func (s *Store) Get(ctx context.Context, key Key) (Value, bool, error) {
	raw, err := s.rdb.Get(ctx, key.redisKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, fmt.Errorf("loopkv: get: %w", err)
	}
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return Value{}, false, fmt.Errorf("loopkv: unmarshal: %w", err)
	}
	return v, true, nil
}

// Set overwrites the value for key, seeding a new loop epoch (spec §4.7.3).
func (s *Store) Set(ctx context.Context, key Key, v Value) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("loopkv: marshal: %w", err)
	}
	if err := s.rdb.Set(ctx, key.redisKey(), raw, 0).Err(); err != nil {
		return fmt.Errorf("loopkv: set: %w", err)
	}
	return nil
}

// claimNextIndexScript atomically finds the smallest scheduled_count such
// that scheduled_count < collection_size AND scheduled_count -
// completed_count < max_in_flight, then increments scheduled_count and
// returns the claimed index, or -1 if no slot is available (spec §4.4).
var claimNextIndexScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return -1
end
local v = cjson.decode(raw)
local collection_size = tonumber(ARGV[1])
local max_in_flight = tonumber(ARGV[2])
if v.scheduled_count >= collection_size then
	return -1
end
if (v.scheduled_count - v.completed_count) >= max_in_flight then
	return -1
end
local claimed = v.scheduled_count
v.scheduled_count = v.scheduled_count + 1
redis.call('SET', KEYS[1], cjson.encode(v))
return claimed
`)

// ClaimNextLoopIndex atomically claims the next iteration slot, respecting
// collectionSize and maxInFlight (spec §4.4). Returns ok=false if no slot is
// currently available (back-pressure).
func (s *Store) ClaimNextLoopIndex(ctx context.Context, key Key, collectionSize, maxInFlight int) (int, bool, error) {
	res, err := claimNextIndexScript.Run(ctx, s.rdb, []string{key.redisKey()}, collectionSize, maxInFlight).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("loopkv: claim: %w", err)
	}
	if res < 0 {
		return 0, false, nil
	}
	return int(res), true, nil
}

// incrementCompletedScript atomically increments completed_count and returns
// the new value, or -1 if the key is absent (spec §4.4).
var incrementCompletedScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return -1
end
local v = cjson.decode(raw)
v.completed_count = v.completed_count + 1
redis.call('SET', KEYS[1], cjson.encode(v))
return v.completed_count
`)

// IncrementLoopCompleted atomically increments completed_count, returning
// the new value, or -1 if key is absent (spec §4.4).
func (s *Store) IncrementLoopCompleted(ctx context.Context, key Key) (int, error) {
	res, err := incrementCompletedScript.Run(ctx, s.rdb, []string{key.redisKey()}).Int64()
	if err != nil {
		return 0, fmt.Errorf("loopkv: increment: %w", err)
	}
	return int(res), nil
}
