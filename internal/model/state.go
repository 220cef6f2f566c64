package model

import "github.com/noetl/noetl-go/internal/id"

// ExecutionState is the derived, never-persisted per-execution state (spec
// §3). It is rebuilt from the event log by the state reconstructor (E) and
// mutated only by the control-flow engine (G) in response to incoming
// events.
type ExecutionState struct {
	ExecutionID       id.ID
	Playbook          *Playbook
	Variables         map[string]any
	CurrentStep       string
	LastEventID       id.ID
	StepEventIDs      map[string]id.ID
	StepResults       map[string]any
	CompletedSteps    map[string]bool
	IssuedSteps       map[string]bool
	LoopState         map[string]*LoopState
	PaginationState   map[string]*PaginationState
	PendingNextActions []NextAction
	RootEventID       id.ID
	ParentExecutionID id.ID
	Failed            bool
	Completed         bool
}

// NewExecutionState constructs an empty state with all maps initialized.
func NewExecutionState(executionID id.ID) *ExecutionState {
	return &ExecutionState{
		ExecutionID:     executionID,
		Variables:       map[string]any{},
		StepEventIDs:    map[string]id.ID{},
		StepResults:     map[string]any{},
		CompletedSteps:  map[string]bool{},
		IssuedSteps:     map[string]bool{},
		LoopState:       map[string]*LoopState{},
		PaginationState: map[string]*PaginationState{},
	}
}

// LoopState tracks one step's loop epoch progress (spec §3, §4.7.3). It
// mirrors the shape of the distributed loop KV value (spec §4.4) plus
// locally-accumulated results.
type LoopState struct {
	Collection          []any
	Iterator            string
	Mode                LoopMode
	Index               int
	Completed           int
	Results             []any
	FailedCount         int
	ScheduledCount       int
	AggregationFinalized bool
	EventID              id.ID
	MaxInFlight          int
	ReissuedIndices      map[int]bool
	CompletedIndices     map[int]bool
}

// PaginationState tracks one step's pagination/collect progress (spec §3,
// §4.7.4).
type PaginationState struct {
	CollectedData  []any
	IterationCount int
	PendingRetry   bool
}

// NextAction is a deferred routing action tied to an inline synthetic step
// (spec §4.7.1 step 2) or to a task sequence's `remaining_actions` (spec
// §4.8 break semantics).
type NextAction struct {
	ParentStep string
	Action     EvalRule
}
