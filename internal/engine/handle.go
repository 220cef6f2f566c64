package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/model"
)

// HandleEvent is the hot path (spec §4.7.1): given one incoming event, it
// updates ExecutionState, evaluates routing, and returns the commands
// produced as a side effect. alreadyPersisted is true when the caller (e.g.
// the task-sequence completion handler re-entering with a synthesized
// loop.done) has already appended ev to the Event Log.
func (e *Engine) HandleEvent(ctx context.Context, ev *model.Event, alreadyPersisted bool) ([]*model.Command, error) {
	ctx, span := e.tracer.StartSpan(ctx, "engine.HandleEvent")
	defer span.End()
	span.SetAttribute("event_type", string(ev.Name))

	st, err := e.state.LoadState(ctx, ev.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("engine: load state: %w", err)
	}
	if st == nil {
		// Orphan event: no playbook.initialized for this execution_id. Spec
		// §4.7.1 step 1 and §7 "Propagation policy": log-and-ignore.
		e.logger.Warn(ctx, "dropping event for unknown execution", "execution_id", ev.ExecutionID.String(), "event_type", string(ev.Name))
		return nil, nil
	}
	if st.Completed {
		// Tolerates replays from at-least-once delivery (spec §6 "Emit
		// event" idempotency note).
		return nil, nil
	}

	lock := e.lockFor(ev.ExecutionID)
	lock.Lock()
	defer lock.Unlock()

	parent := model.PendingStepKey(ev.Step)
	taskSeqSuffixed := strings.HasSuffix(ev.Step, ":task_sequence")
	stepDef, known := st.Playbook.StepByName(parent)

	if !known && !taskSeqSuffixed {
		return e.handleInlineStep(ctx, st, ev, alreadyPersisted, parent)
	}

	if taskSeqSuffixed && ev.Name == model.EventCallDone {
		return e.handleTaskSequenceCompletion(ctx, st, ev, alreadyPersisted, parent, stepDef)
	}
	if taskSeqSuffixed && ev.Name == model.EventStepExit {
		// Iteration-informative only; the parent-keyed call.done handles
		// aggregation (spec §4.7.1 step 4).
		if !alreadyPersisted {
			if _, err := e.appendEvent(ctx, ev, st.LastEventID, st.RootEventID); err != nil {
				return nil, err
			}
		}
		e.state.Invalidate(ev.ExecutionID)
		return nil, nil
	}
	if !known {
		e.logger.Warn(ctx, "event references unresolved step", "step", parent)
		return nil, nil
	}

	switch ev.Name {
	case model.EventCallDone:
		if ev.Result != nil {
			st.StepResults[parent] = ev.Result.Data
			st.Variables[parent] = ev.Result.Data
		}
		e.markCommandDone(ctx, ev)
	case model.EventCallError:
		st.CompletedSteps[parent] = true
		st.Failed = true
		e.markCommandDone(ctx, ev)
	}

	renderCtx := e.buildRenderContext(st, nil)
	for k, tmpl := range stepDef.SetCtx {
		rendered, err := e.render.RenderRecursive(tmpl, renderCtx)
		if err != nil {
			return nil, fmt.Errorf("engine: set_ctx %s: %w", k, err)
		}
		st.Variables[k] = rendered
		renderCtx[k] = rendered
	}

	parentEventID := st.LastEventID
	if !alreadyPersisted {
		eid, err := e.appendEvent(ctx, ev, parentEventID, st.RootEventID)
		if err != nil {
			return nil, err
		}
		parentEventID = eid
	} else {
		parentEventID = ev.EventID
	}

	var commands []*model.Command

	if ev.Name == model.EventStepExit {
		cmds, err := e.handleStepExit(ctx, st, ev, stepDef, parent, parentEventID)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmds...)
	}

	done, err := e.checkCompletion(ctx, st, ev, stepDef, parent, parentEventID, commands)
	if err != nil {
		return nil, err
	}
	if done {
		e.state.Invalidate(ev.ExecutionID)
		return commands, nil
	}

	e.state.Invalidate(ev.ExecutionID)
	return commands, nil
}

// handleInlineStep processes an event addressed to a step name with no
// matching workflow definition — an ad hoc sub-step spawned by a
// task-sequence eval clause's `to=` jump target, not a top-level workflow
// node (spec §4.7.1 step 2).
func (e *Engine) handleInlineStep(ctx context.Context, st *model.ExecutionState, ev *model.Event, alreadyPersisted bool, parent string) ([]*model.Command, error) {
	parentEventID := st.LastEventID
	if !alreadyPersisted {
		eid, err := e.appendEvent(ctx, ev, parentEventID, st.RootEventID)
		if err != nil {
			return nil, err
		}
		parentEventID = eid
	}
	if ev.Name == model.EventStepExit {
		st.CompletedSteps[parent] = true
		remaining := make([]model.NextAction, 0, len(st.PendingNextActions))
		var commands []*model.Command
		for _, na := range st.PendingNextActions {
			if na.ParentStep != parent {
				remaining = append(remaining, na)
				continue
			}
			if na.Action.To != "" {
				cmds, err := e.issueStepCommands(ctx, st, na.Action.To, parentEventID, nil)
				if err != nil {
					return nil, err
				}
				commands = append(commands, cmds...)
			}
		}
		st.PendingNextActions = remaining
		if _, err := e.checkCompletion(ctx, st, ev, nil, parent, parentEventID, commands); err != nil {
			return nil, err
		}
		e.state.Invalidate(ev.ExecutionID)
		return commands, nil
	}
	e.state.Invalidate(ev.ExecutionID)
	return nil, nil
}

// loopFinalized reports whether the loop tracked under step has already
// run its aggregation to completion (spec §4.7.3 step 2 re-entry check).
func loopFinalized(st *model.ExecutionState, step string) bool {
	ls, ok := st.LoopState[step]
	if !ok {
		return false
	}
	return ls.AggregationFinalized
}

// pendingExists implements spec §4.7.1 step 11's pending-detection rule
// from the in-memory issued_steps − completed_steps alone; no event-log
// query is made, since the reconstructor derives issued_steps from the log.
func pendingExists(st *model.ExecutionState) bool {
	for step := range st.IssuedSteps {
		if !st.CompletedSteps[step] {
			return true
		}
	}
	return false
}

// checkCompletion implements spec §4.7.1 step 11: completion fires on
// step.exit with no newly generated commands and no pending commands, and
// either the step is a true terminal (no next) or it failed with no
// handler.
func (e *Engine) checkCompletion(ctx context.Context, st *model.ExecutionState, ev *model.Event, stepDef *model.Step, parent string, parentEventID id.ID, produced []*model.Command) (bool, error) {
	if ev.Name != model.EventStepExit {
		return false, nil
	}
	if len(produced) > 0 || pendingExists(st) {
		return false, nil
	}
	terminal := stepDef == nil || stepDef.Next == nil || len(stepDef.Next.Arcs) == 0
	failedNoHandler := st.Failed && (stepDef == nil || stepDef.Next == nil)
	if !terminal && !failedNoHandler {
		return false, nil
	}

	st.Completed = true
	status := model.StatusCompleted
	if st.Failed {
		status = model.StatusFailed
	}

	wfEvent := &model.Event{
		ExecutionID: st.ExecutionID,
		Name:        completionEventName("workflow", status),
		Step:        parent,
		Status:      status,
	}
	wfID, err := e.appendEvent(ctx, wfEvent, parentEventID, st.RootEventID)
	if err != nil {
		return false, err
	}

	pbEvent := &model.Event{
		ExecutionID: st.ExecutionID,
		Name:        completionEventName("playbook", status),
		Step:        parent,
		Status:      status,
	}
	if _, err := e.appendEvent(ctx, pbEvent, wfID, st.RootEventID); err != nil {
		return false, err
	}
	return true, nil
}

// markCommandDone correlates a reported call.done|error event against the
// command it resolves, per commandstore.Store.MarkDone's doc comment. Best
// effort: a failure here is logged, not propagated, since it only affects
// Command Store bookkeeping, not event-log correctness.
func (e *Engine) markCommandDone(ctx context.Context, ev *model.Event) {
	if ev.Meta.CommandID.IsZero() {
		return
	}
	if err := e.commands.MarkDone(ctx, ev.Meta.CommandID); err != nil {
		e.logger.Warn(ctx, "mark command done failed", "command_id", ev.Meta.CommandID.String(), "error", err.Error())
	}
}

func completionEventName(prefix string, status model.Status) model.EventName {
	switch status {
	case model.StatusFailed:
		if prefix == "workflow" {
			return model.EventWorkflowFailed
		}
		return model.EventPlaybookFailed
	case model.StatusCancelled:
		if prefix == "workflow" {
			return model.EventWorkflowCancelled
		}
		return model.EventPlaybookCancelled
	default:
		if prefix == "workflow" {
			return model.EventWorkflowCompleted
		}
		return model.EventPlaybookCompleted
	}
}
