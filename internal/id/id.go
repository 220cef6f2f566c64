// Package id implements the Snowflake-style 64-bit monotone identifiers used
// for execution, event, and command IDs throughout noetl-go.
//
// IDs MUST cross any text interface (HTTP JSON, NATS payloads) as strings to
// avoid precision loss in JavaScript/JSON-number consumers; ID implements
// json.Marshaler/Unmarshaler to enforce that at the type level so no call
// site can accidentally emit a bare number.
package id

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ID is a 64-bit monotone identifier. The zero value is never valid; use
// Generator.Next to mint one.
type ID int64

// String renders the ID in decimal form.
func (i ID) String() string {
	return strconv.FormatInt(int64(i), 10)
}

// IsZero reports whether the ID was never assigned.
func (i ID) IsZero() bool {
	return i == 0
}

// MarshalJSON encodes the ID as a JSON string, never a JSON number.
func (i ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

// UnmarshalJSON accepts either a JSON string (the required wire form) or a
// bare JSON number (tolerated for convenience when reading hand-written
// fixtures), and decodes both into the underlying int64.
func (i *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("id: invalid string id %q: %w", s, err)
		}
		*i = ID(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: invalid id payload %s: %w", data, err)
	}
	*i = ID(n)
	return nil
}

// Parse converts a decimal string into an ID.
func Parse(s string) (ID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID(v), nil
}

const (
	// epoch anchors the timestamp component; chosen arbitrarily (2024-01-01 UTC)
	// so that 41 timestamp bits last well beyond this system's operational life.
	epoch = int64(1704067200000) // ms since unix epoch

	timestampBits = 41
	nodeBits      = 10
	sequenceBits  = 12

	maxNode     = int64(-1) ^ (int64(-1) << nodeBits)
	maxSequence = int64(-1) ^ (int64(-1) << sequenceBits)

	nodeShift      = sequenceBits
	timestampShift = sequenceBits + nodeBits
)

// Generator mints monotone Snowflake-style IDs: 41 bits of millisecond
// timestamp, 10 bits of node ID (distinguishes coordinator processes), and 12
// bits of per-millisecond sequence. A single Generator is safe for concurrent
// use; deployments run one Generator per coordinator process, keyed by a
// unique NodeID (see config.Config.NodeID).
type Generator struct {
	mu       sync.Mutex
	node     int64
	lastTS   int64
	sequence int64
	now      func() time.Time // overridable for tests
}

// NewGenerator constructs a Generator for the given node ID, which MUST be
// unique across concurrently running coordinator processes and fit in
// nodeBits (0-1023). Node IDs that don't fit are masked down.
func NewGenerator(nodeID int64) *Generator {
	return &Generator{node: nodeID & maxNode, now: time.Now}
}

// Next mints a new ID, blocking briefly (sub-millisecond) if the current
// millisecond's sequence space is exhausted.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now().UnixMilli() - epoch
	if ts == g.lastTS {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for ts <= g.lastTS {
				ts = g.now().UnixMilli() - epoch
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTS = ts

	v := (ts << timestampShift) | (g.node << nodeShift) | g.sequence
	return ID(v)
}
