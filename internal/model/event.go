package model

import (
	"time"

	"github.com/noetl/noetl-go/internal/id"
)

// EventName is the closed set of event type names (spec §3).
type EventName string

const (
	EventPlaybookInitialized EventName = "playbook.initialized"
	EventPlaybookCompleted   EventName = "playbook.completed"
	EventPlaybookFailed      EventName = "playbook.failed"
	EventWorkflowInitialized EventName = "workflow.initialized"
	EventWorkflowCompleted   EventName = "workflow.completed"
	EventWorkflowFailed      EventName = "workflow.failed"
	EventWorkflowCancelled   EventName = "workflow.cancelled"
	EventPlaybookCancelled   EventName = "playbook.cancelled"
	EventExecutionCancelled  EventName = "execution.cancelled"
	EventCommandIssued       EventName = "command.issued"
	EventCommandCompleted    EventName = "command.completed"
	EventCommandFailed       EventName = "command.failed"
	EventStepEnter           EventName = "step.enter"
	EventStepExit            EventName = "step.exit"
	EventCallDone            EventName = "call.done"
	EventCallError           EventName = "call.error"
	EventLoopItem            EventName = "loop.item"
	EventLoopDone            EventName = "loop.done"
)

// Status is the closed set of event statuses (spec §3, uppercase per the
// event-log row layout in §6).
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusSkipped   Status = "SKIPPED"
)

// Event is one append-only record in the Event Log (spec §3, §6).
type Event struct {
	ExecutionID        id.ID          `json:"execution_id"`
	EventID            id.ID          `json:"event_id"`
	ParentEventID      id.ID          `json:"parent_event_id,omitempty"`
	ParentExecutionID  id.ID          `json:"parent_execution_id,omitempty"`
	CatalogID          id.ID          `json:"catalog_id,omitempty"`
	Name               EventName      `json:"name"`
	Step               string         `json:"step"`
	Status             Status         `json:"status,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
	Result             *ResultEnvelope `json:"result,omitempty"`
	Error              map[string]any `json:"error,omitempty"`
	StackTrace         string         `json:"stack_trace,omitempty"`
	WorkerID           string         `json:"worker_id,omitempty"`
	DurationMS         int64          `json:"duration_ms,omitempty"`
	Meta               EventMeta      `json:"meta"`
	CreatedAt          time.Time      `json:"created_at"`
}

// ResultEnvelope wraps step results as {kind:"data", data:...} per the
// event-log row layout (spec §6).
type ResultEnvelope struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// NewDataResult wraps a value in the canonical {kind:"data"} envelope.
func NewDataResult(v any) *ResultEnvelope {
	return &ResultEnvelope{Kind: "data", Data: v}
}

// EventMeta carries event-chain and loop correlation metadata (spec §3).
type EventMeta struct {
	ExecutionID          id.ID    `json:"execution_id,omitempty"`
	CatalogID            id.ID    `json:"catalog_id,omitempty"`
	RootEventID          id.ID    `json:"root_event_id,omitempty"`
	EventChain           []id.ID  `json:"event_chain,omitempty"`
	Step                 string   `json:"step,omitempty"`
	PreviousStepEventID  id.ID    `json:"previous_step_event_id,omitempty"`
	ParentExecutionID    id.ID    `json:"parent_execution_id,omitempty"`
	LoopEventID          id.ID    `json:"loop_event_id,omitempty"`
	LoopIterationIndex   int      `json:"loop_iteration_index,omitempty"`
	CommandID            id.ID    `json:"command_id,omitempty"`
	AutoCancelled        bool     `json:"auto_cancelled,omitempty"`
}

// PendingStepKey normalizes a step key for issued/completed-step tracking by
// stripping any ":task_sequence" suffix (spec §4.5 key invariant, §8
// property 3). This is the single normalization point every component that
// touches issued_steps MUST call through.
func PendingStepKey(step string) string {
	const suffix = ":task_sequence"
	if len(step) > len(suffix) && step[len(step)-len(suffix):] == suffix {
		return step[:len(step)-len(suffix)]
	}
	return step
}
