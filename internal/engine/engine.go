// Package engine implements the Control-Flow Engine (spec §4.7, component
// G): it accepts events from workers, reconstructs per-execution state by
// replaying persisted events (component E), evaluates conditional routing,
// orchestrates loops and task sequences, and emits new commands and
// terminal lifecycle events.
//
// The Go shape (an Options struct wiring swappable collaborators, a
// goroutine-safe Engine holding a per-execution logical critical section)
// is grounded on the teacher's agents/runtime/runtime/runtime.go; the
// control-flow algorithm itself is grounded on
// original_source/noetl/core/dsl/v2/engine.py.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/loopkv"
	"github.com/noetl/noetl-go/internal/model"
	"github.com/noetl/noetl-go/internal/notifybus"
	"github.com/noetl/noetl-go/internal/render"
	"github.com/noetl/noetl-go/internal/state"
	"github.com/noetl/noetl-go/internal/telemetry"
)

type (
	// EventAppender is the Event Log boundary the engine writes through
	// (component A).
	EventAppender interface {
		Append(ctx context.Context, ev *model.Event) (id.ID, error)
	}

	// CommandPublisher is the Command Store boundary the engine writes
	// through (component B).
	CommandPublisher interface {
		Publish(ctx context.Context, cmd *model.Command) (id.ID, error)
		MarkDone(ctx context.Context, commandID id.ID) error
	}

	// Notifier is the Notification Bus boundary the engine publishes
	// wake-ups through (component C).
	Notifier interface {
		Publish(ctx context.Context, n notifybus.Notification) error
	}

	// LoopKV is the Distributed Loop KV boundary the engine uses for
	// cross-coordinator loop accounting (component D).
	LoopKV interface {
		Get(ctx context.Context, key loopkv.Key) (loopkv.Value, bool, error)
		Set(ctx context.Context, key loopkv.Key, v loopkv.Value) error
		ClaimNextLoopIndex(ctx context.Context, key loopkv.Key, collectionSize, maxInFlight int) (int, bool, error)
		IncrementLoopCompleted(ctx context.Context, key loopkv.Key) (int, error)
	}

	// Options configures an Engine instance.
	Options struct {
		Events                     EventAppender
		Commands                   CommandPublisher
		Notify                     Notifier
		Loop                       LoopKV
		State                      *state.Reconstructor
		Render                     *render.Renderer
		IDGen                      *id.Generator
		ServerURL                  string
		Logger                     telemetry.Logger
		Metrics                    telemetry.Metrics
		Tracer                     telemetry.Tracer
		TaskSeqLoopRepairThreshold int
	}

	// Engine orchestrates execution state transitions. All public methods
	// are safe for concurrent use; mutations to a single execution's state
	// are serialized by a sharded per-execution mutex (spec §5, §9).
	Engine struct {
		events    EventAppender
		commands  CommandPublisher
		notify    Notifier
		loop      LoopKV
		state     *state.Reconstructor
		render    *render.Renderer
		idgen     *id.Generator
		serverURL string
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		tracer    telemetry.Tracer

		taskSeqLoopRepairThreshold int

		locks sync.Map // id.ID -> *sync.Mutex
	}
)

// defaultTaskSeqLoopRepairThreshold mirrors config.go's
// taskseq_loop_repair_threshold flag default, applied when an Engine is
// constructed without one (e.g. directly in tests).
const defaultTaskSeqLoopRepairThreshold = 10

// New constructs an Engine, substituting no-op telemetry when unset.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	threshold := opts.TaskSeqLoopRepairThreshold
	if threshold <= 0 {
		threshold = defaultTaskSeqLoopRepairThreshold
	}
	return &Engine{
		events:                     opts.Events,
		commands:                   opts.Commands,
		notify:                     opts.Notify,
		loop:                       opts.Loop,
		state:                      opts.State,
		render:                     opts.Render,
		idgen:                      opts.IDGen,
		serverURL:                  opts.ServerURL,
		logger:                     opts.Logger,
		metrics:                    opts.Metrics,
		tracer:                     opts.Tracer,
		taskSeqLoopRepairThreshold: threshold,
	}
}

// lockFor returns the mutex guarding execution's logical critical section,
// creating it on first use (spec §5: "per-execution logical critical
// section (e.g. sharded mutex keyed by execution_id)").
func (e *Engine) lockFor(execution id.ID) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(execution, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// appendEvent assigns the event's chain metadata and persists it, returning
// the assigned event_id. Callers pass parent as the event's logical
// predecessor (the previous event in the step or overall chain); rootEvent
// is the execution's playbook.initialized event_id.
func (e *Engine) appendEvent(ctx context.Context, ev *model.Event, parent, root id.ID) (id.ID, error) {
	ev.ParentEventID = parent
	ev.Meta.RootEventID = root
	ev.Meta.ExecutionID = ev.ExecutionID
	eventID, err := e.events.Append(ctx, ev)
	if err != nil {
		return 0, fmt.Errorf("engine: append %s: %w", ev.Name, err)
	}
	ev.EventID = eventID
	e.metrics.IncCounter(ctx, "noetl_events_appended_total", 1, "event_type", string(ev.Name))
	return eventID, nil
}

// publishCommand publishes cmd to the Command Store and wakes up workers
// via the Notification Bus (spec §2 data flow).
func (e *Engine) publishCommand(ctx context.Context, cmd *model.Command) error {
	cmdID, err := e.commands.Publish(ctx, cmd)
	if err != nil {
		return fmt.Errorf("engine: publish command: %w", err)
	}
	cmd.ID = cmdID
	e.metrics.IncCounter(ctx, "noetl_commands_issued_total", 1, "step", cmd.Step)
	if e.notify == nil {
		return nil
	}
	return e.notify.Publish(ctx, notifybus.Notification{
		ExecutionID: cmd.ExecutionID,
		QueueID:     cmdID,
		Step:        cmd.Step,
		ServerURL:   e.serverURL,
	})
}
