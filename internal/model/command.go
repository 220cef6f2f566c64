package model

import "github.com/noetl/noetl-go/internal/id"

// Command is the enqueued unit of worker work (spec §3).
type Command struct {
	ID                   id.ID          `json:"id"`
	ExecutionID          id.ID          `json:"execution_id"`
	Step                 string         `json:"step"`
	Tool                 ToolSpec       `json:"tool"`
	Args                 map[string]any `json:"args,omitempty"`
	RenderContextSnapshot map[string]any `json:"render_context_snapshot,omitempty"`
	Attempt              int            `json:"attempt"`
	MaxAttempts          int            `json:"max_attempts"`
	RetryDelay           float64        `json:"retry_delay,omitempty"`
	RetryBackoff         RetryBackoff   `json:"retry_backoff,omitempty"`
	Priority             int            `json:"priority,omitempty"`
	Pipeline             []LabelledTask `json:"pipeline,omitempty"`
	NextTargets          []string       `json:"next_targets,omitempty"`
	Spec                 CommandSpec    `json:"spec,omitempty"`
	Metadata             CommandMeta    `json:"metadata,omitempty"`
}

// CommandSpec carries routing-mode metadata needed by the worker to report
// back correctly.
type CommandSpec struct {
	NextMode RoutingMode `json:"next_mode,omitempty"`
}

// CommandMeta carries loop-iteration and task-sequence correlation data
// (spec §3).
type CommandMeta struct {
	LoopStep           string   `json:"loop_step,omitempty"`
	LoopEventID        id.ID    `json:"loop_event_id,omitempty"`
	LoopIterationIndex int      `json:"loop_iteration_index,omitempty"`
	LoopCollectionSize int      `json:"loop_collection_size,omitempty"`
	LoopRetry          bool     `json:"__loop_retry,omitempty"`
	TaskSequence       bool     `json:"task_sequence,omitempty"`
	ParentStep         string   `json:"parent_step,omitempty"`
	TaskNames          []string `json:"task_names,omitempty"`
}

// CommandStatus is the lifecycle of a Command in the Command Store.
type CommandStatus string

const (
	CommandPending CommandStatus = "pending"
	CommandClaimed CommandStatus = "claimed"
	CommandDone    CommandStatus = "done"
)
