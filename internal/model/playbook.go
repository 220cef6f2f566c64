// Package model defines the data types shared by every engine component:
// the immutable Playbook/Step/ToolSpec input model (spec §3), the
// Command/Event wire types exchanged with workers (spec §3, §6), and the
// derived ExecutionState rebuilt by the state reconstructor (spec §4.5).
package model

// Playbook is the immutable, per-execution input: a parsed workflow
// definition. YAML decoding of playbook source is a collaborator concern
// (spec §1); this struct is the validated in-memory form the engine
// consumes, with yaml tags so internal/catalog can decode registered
// playbook source through gopkg.in/yaml.v3.
type Playbook struct {
	Metadata PlaybookMetadata `json:"metadata" yaml:"metadata"`
	APIVersion string         `json:"apiVersion" yaml:"apiVersion"`
	Workload map[string]any   `json:"workload,omitempty" yaml:"workload,omitempty"`
	Workflow []Step           `json:"workflow" yaml:"workflow"`
	Keychain map[string]any   `json:"keychain,omitempty" yaml:"keychain,omitempty"`
	Executor *ExecutorSpec    `json:"executor,omitempty" yaml:"executor,omitempty"`
	FinalStep string          `json:"final_step,omitempty" yaml:"final_step,omitempty"`
}

// PlaybookMetadata identifies a playbook for catalog lookup and logging.
type PlaybookMetadata struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// ExecutorSpec carries entry-step override configuration.
type ExecutorSpec struct {
	Spec ExecutorSpecInner `json:"spec" yaml:"spec"`
}

// ExecutorSpecInner is the nested `spec` block under `executor`.
type ExecutorSpecInner struct {
	EntryStep string `json:"entry_step,omitempty" yaml:"entry_step,omitempty"`
}

// EntryStep resolves the entry step name per spec §3: executor.spec.entry_step
// if set, else the first workflow step; either candidate falls back to a step
// literally named "start" if it doesn't name a real step in this playbook's
// workflow. Returns "" only when neither the candidate nor "start" resolves,
// leaving the caller to raise (spec §3, matching the canonical entry-step
// rule: configured name, first step, then legacy "start", or fail).
func (p *Playbook) EntryStep() string {
	candidate := ""
	if p.Executor != nil && p.Executor.Spec.EntryStep != "" {
		candidate = p.Executor.Spec.EntryStep
	} else if len(p.Workflow) > 0 {
		candidate = p.Workflow[0].Step
	}
	if candidate != "" {
		if _, ok := p.StepByName(candidate); ok {
			return candidate
		}
	}
	if _, ok := p.StepByName("start"); ok {
		return "start"
	}
	return ""
}

// StepByName looks up a step definition by name, returning ok=false if no
// such step exists in the workflow.
func (p *Playbook) StepByName(name string) (*Step, bool) {
	for i := range p.Workflow {
		if p.Workflow[i].Step == name {
			return &p.Workflow[i], true
		}
	}
	return nil, false
}

// Step is a named node in the workflow DAG (spec §3). Step names are unique
// within a Playbook and every Next arc target must resolve to an existing
// step name (validated by the collaborator that constructs the Playbook, not
// by the engine itself).
type Step struct {
	Step    string          `json:"step" yaml:"step"`
	Loop    *LoopSpec       `json:"loop,omitempty" yaml:"loop,omitempty"`
	Tool    *ToolSpec       `json:"tool,omitempty" yaml:"tool,omitempty"`
	Tasks   []LabelledTask  `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	Args    map[string]any  `json:"args,omitempty" yaml:"args,omitempty"`
	SetCtx  map[string]any  `json:"set_ctx,omitempty" yaml:"set_ctx,omitempty"`
	Next    *Routing        `json:"next,omitempty" yaml:"next,omitempty"`
}

// IsTaskSequence reports whether this step's `tool` is really a list of
// labelled tasks (a synthesized task_sequence), either because Tasks was
// populated directly or because the single ToolSpec carries policy rules
// (spec §3: "spec.policy.rules may be present on a single tool; its
// presence converts the step into a one-element task sequence").
func (s *Step) IsTaskSequence() bool {
	if len(s.Tasks) > 0 {
		return true
	}
	return s.Tool != nil && s.Tool.Policy != nil && len(s.Tool.Policy.Rules) > 0
}

// AsTaskSequence normalizes the step's tool(s) into an ordered list of
// labelled tasks, wrapping a lone policy-bearing tool as a one-element
// sequence (spec §3, §4.1 ToolSpec variants).
func (s *Step) AsTaskSequence() []LabelledTask {
	if len(s.Tasks) > 0 {
		return s.Tasks
	}
	if s.Tool != nil {
		return []LabelledTask{{Name: s.Step, Tool: *s.Tool}}
	}
	return nil
}

// LabelledTask is one element of a task sequence: a name plus a tool spec
// and optional local eval clauses (spec §4.8).
type LabelledTask struct {
	Name string     `json:"name" yaml:"name"`
	Tool ToolSpec   `json:"tool" yaml:"tool"`
	Eval []EvalRule `json:"eval,omitempty" yaml:"eval,omitempty"`
}

// ToolKind enumerates the closed set of tool variants (spec §3).
type ToolKind string

const (
	ToolHTTP         ToolKind = "http"
	ToolPostgres     ToolKind = "postgres"
	ToolDuckDB       ToolKind = "duckdb"
	ToolPython       ToolKind = "python"
	ToolWorkbook     ToolKind = "workbook"
	ToolPlaybook     ToolKind = "playbook"
	ToolTaskSequence ToolKind = "task_sequence"
)

// ToolSpec describes one pluggable tool invocation.
type ToolSpec struct {
	Kind   ToolKind       `json:"kind" yaml:"kind"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Policy *PolicySpec    `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// PolicySpec carries per-task retry/jump/break/fail rules. Its presence on a
// single tool converts the owning step into a one-element task sequence
// (spec §3, Open Question #3 resolved in favor of uniform conversion).
type PolicySpec struct {
	Rules []EvalRule `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// RetryBackoff enumerates backoff strategies for retries (spec §4.7.4).
type RetryBackoff string

const (
	BackoffNone        RetryBackoff = "none"
	BackoffLinear      RetryBackoff = "linear"
	BackoffExponential RetryBackoff = "exponential"
)

// LoopSpec describes sequential or bounded-parallel iteration over a
// rendered collection (spec §3, §4.7.3).
type LoopSpec struct {
	In       string        `json:"in" yaml:"in"`
	Iterator string        `json:"iterator" yaml:"iterator"`
	Mode     LoopMode      `json:"mode" yaml:"mode"`
	Spec     LoopSpecInner `json:"spec,omitempty" yaml:"spec,omitempty"`
}

// LoopMode is sequential or parallel (spec §3).
type LoopMode string

const (
	LoopSequential LoopMode = "sequential"
	LoopParallel   LoopMode = "parallel"
)

// LoopSpecInner carries the parallel fan-out bound.
type LoopSpecInner struct {
	MaxInFlight int `json:"max_in_flight,omitempty" yaml:"max_in_flight,omitempty"`
}

// RoutingMode is exclusive (first match wins) or inclusive (every match
// fires) per spec §3/§4.7.2.
type RoutingMode string

const (
	RoutingExclusive RoutingMode = "exclusive"
	RoutingInclusive RoutingMode = "inclusive"
)

// Routing is the normalized `next` block (spec §3).
type Routing struct {
	Spec RoutingSpec `json:"spec,omitempty" yaml:"spec,omitempty"`
	Arcs []Arc       `json:"arcs" yaml:"arcs"`
}

// RoutingSpec carries the routing mode; defaults to exclusive when absent.
type RoutingSpec struct {
	Mode RoutingMode `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// ModeOrDefault returns the configured mode or RoutingExclusive.
func (r *Routing) ModeOrDefault() RoutingMode {
	if r == nil || r.Spec.Mode == "" {
		return RoutingExclusive
	}
	return r.Spec.Mode
}

// Arc is one conditional (or unconditional) transition target.
type Arc struct {
	Step string         `json:"step" yaml:"step"`
	When string         `json:"when,omitempty" yaml:"when,omitempty"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// EvalRule is one ordered eval clause evaluated against a task's Outcome
// (spec §4.8). Exactly one of the plain fields or Else should be set.
type EvalRule struct {
	Expr     string         `json:"expr,omitempty" yaml:"expr,omitempty"`
	Do       EvalAction     `json:"do,omitempty" yaml:"do,omitempty"`
	Attempts int            `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Backoff  RetryBackoff   `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	Delay    float64        `json:"delay,omitempty" yaml:"delay,omitempty"`
	To       string         `json:"to,omitempty" yaml:"to,omitempty"`
	SetVars  map[string]any `json:"set_vars,omitempty" yaml:"set_vars,omitempty"`
	SetIter  map[string]any `json:"set_iter,omitempty" yaml:"set_iter,omitempty"`
	Else     *EvalRule      `json:"else,omitempty" yaml:"else,omitempty"`
}

// EvalAction is the closed set of local task-sequence control actions
// (spec §4.8).
type EvalAction string

const (
	ActionContinue EvalAction = "continue"
	ActionRetry    EvalAction = "retry"
	ActionJump     EvalAction = "jump"
	ActionBreak    EvalAction = "break"
	ActionFail     EvalAction = "fail"
)
