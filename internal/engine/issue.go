package engine

import (
	"context"
	"fmt"

	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/model"
)

// issueStepCommands emits the command(s) needed to activate targetStep,
// honoring loop semantics (spec §4.7.3) when the step defines a loop.
// extraArgs carries arc-level args overrides (spec §4.7.2); may be nil.
func (e *Engine) issueStepCommands(ctx context.Context, st *model.ExecutionState, targetStep string, parentEventID id.ID, extraArgs map[string]any) ([]*model.Command, error) {
	stepDef, ok := st.Playbook.StepByName(targetStep)
	if !ok {
		return nil, fmt.Errorf("engine: unknown step %q", targetStep)
	}

	if stepDef.Loop != nil {
		return e.orchestrateLoop(ctx, st, stepDef, parentEventID, extraArgs)
	}

	cmd, err := e.buildCommand(ctx, st, stepDef, extraArgs, nil)
	if err != nil {
		return nil, err
	}
	if err := e.recordIssuedCommand(ctx, st, cmd, parentEventID); err != nil {
		return nil, err
	}
	return []*model.Command{cmd}, nil
}

// iterationContext carries per-iteration binding data for a loop command
// (spec §4.7.3 step 4).
type iterationContext struct {
	loopEventID        id.ID
	loopIterationIndex int
	iteratorName       string
	iteratorValue      any
	loopRetry          bool
	collectionSize     int
}

// buildCommand renders a step's args and constructs the Command to publish,
// synthesizing a task_sequence command when the step's tool is really a
// labelled pipeline (spec §3 ToolSpec variants, §4.1 "tool (single spec or
// an ordered list of labelled tasks = pipeline)").
func (e *Engine) buildCommand(ctx context.Context, st *model.ExecutionState, stepDef *model.Step, extraArgs map[string]any, iter *iterationContext) (*model.Command, error) {
	renderCtx := e.buildRenderContext(st, iter)

	merged := map[string]any{}
	for k, v := range stepDef.Args {
		merged[k] = v
	}
	for k, v := range extraArgs {
		merged[k] = v
	}
	renderedArgs, err := e.render.RenderRecursive(merged, renderCtx)
	if err != nil {
		return nil, fmt.Errorf("engine: render args for step %s: %w", stepDef.Step, err)
	}
	renderedArgsMap, _ := renderedArgs.(map[string]any)

	cmd := &model.Command{
		ExecutionID:           st.ExecutionID,
		Args:                  renderedArgsMap,
		RenderContextSnapshot: snapshotVars(st.Variables),
		Attempt:               1,
		MaxAttempts:           1,
	}
	if stepDef.Next != nil {
		cmd.Spec.NextMode = stepDef.Next.ModeOrDefault()
		for _, arc := range stepDef.Next.Arcs {
			cmd.NextTargets = append(cmd.NextTargets, arc.Step)
		}
	}

	if stepDef.IsTaskSequence() {
		cmd.Step = stepDef.Step + ":task_sequence"
		cmd.Tool = model.ToolSpec{Kind: model.ToolTaskSequence}
		cmd.Pipeline = stepDef.AsTaskSequence()
		cmd.Metadata.TaskSequence = true
		cmd.Metadata.ParentStep = stepDef.Step
		for _, t := range cmd.Pipeline {
			cmd.Metadata.TaskNames = append(cmd.Metadata.TaskNames, t.Name)
		}
	} else {
		cmd.Step = stepDef.Step
		if stepDef.Tool != nil {
			cmd.Tool = *stepDef.Tool
		}
	}

	if iter != nil {
		cmd.Metadata.LoopStep = stepDef.Step
		cmd.Metadata.LoopEventID = iter.loopEventID
		cmd.Metadata.LoopIterationIndex = iter.loopIterationIndex
		cmd.Metadata.LoopRetry = iter.loopRetry
		cmd.Metadata.LoopCollectionSize = iter.collectionSize
	}

	return cmd, nil
}

// recordIssuedCommand appends the command.issued event and publishes the
// command to the Command Store + Notification Bus (spec §2 data flow,
// §4.7.1 step 12: "Append every produced command's step, normalized to the
// parent, to issued_steps").
func (e *Engine) recordIssuedCommand(ctx context.Context, st *model.ExecutionState, cmd *model.Command, parentEventID id.ID) error {
	issuedEvent := &model.Event{
		ExecutionID: st.ExecutionID,
		Name:        model.EventCommandIssued,
		Step:        cmd.Step,
		Status:      model.StatusRunning,
	}
	issuedEvent.Meta.LoopEventID = cmd.Metadata.LoopEventID
	issuedEvent.Meta.LoopIterationIndex = cmd.Metadata.LoopIterationIndex
	if _, err := e.appendEvent(ctx, issuedEvent, parentEventID, st.RootEventID); err != nil {
		return err
	}
	st.IssuedSteps[model.PendingStepKey(cmd.Step)] = true

	if err := e.publishCommand(ctx, cmd); err != nil {
		return err
	}
	issuedEvent.Meta.CommandID = cmd.ID
	return nil
}

// buildRenderContext assembles the template context from execution
// variables plus loop-iteration bindings (spec §4.7.3 step 4: loop_index,
// _first, _last, _index, and the iterator variable itself).
func (e *Engine) buildRenderContext(st *model.ExecutionState, iter *iterationContext) map[string]any {
	ctx := make(map[string]any, len(st.Variables)+1)
	for k, v := range st.Variables {
		ctx[k] = v
	}
	if iter != nil && iter.iteratorName != "" {
		ctx[iter.iteratorName] = iter.iteratorValue
		ctx["loop_index"] = iter.loopIterationIndex
		ctx["_index"] = iter.loopIterationIndex
		ctx["_first"] = iter.loopIterationIndex == 0
		ctx["_last"] = iter.collectionSize > 0 && iter.loopIterationIndex == iter.collectionSize-1
	}
	return ctx
}

func snapshotVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
