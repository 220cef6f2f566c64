package engine

import (
	"context"

	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/loopkv"
	"github.com/noetl/noetl-go/internal/model"
)

// handleTaskSequenceCompletion implements spec §4.7.5: a call.done on a
// "parent:task_sequence" step carries the Task-Sequence Executor's (H)
// outcome body. This merges ctx deltas and the parent's set_ctx before
// routing, feeds loop aggregation when the parent step loops, and unwraps a
// single-task sequence's result for backward-compatible field access.
func (e *Engine) handleTaskSequenceCompletion(ctx context.Context, st *model.ExecutionState, ev *model.Event, alreadyPersisted bool, parent string, stepDef *model.Step) ([]*model.Command, error) {
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
	e.markCommandDone(ctx, ev)

	body, _ := asMap(ev.Result)

	if delta, ok := body["step_vars"].(map[string]any); ok {
		for k, v := range delta {
			st.Variables[k] = v
		}
	}
	if stepDef != nil {
		renderCtx := e.buildRenderContext(st, nil)
		for k, tmpl := range stepDef.SetCtx {
			rendered, err := e.render.RenderRecursive(tmpl, renderCtx)
			if err != nil {
				return nil, err
			}
			st.Variables[k] = rendered
			renderCtx[k] = rendered
		}
	}
	if status, _ := body["status"].(string); status == "error" || status == "failed" {
		st.Failed = true
	}

	if stepDef != nil && stepDef.Loop != nil {
		return e.accumulateTaskSequenceLoopIteration(ctx, st, ev, stepDef, parent, parentEventID, body)
	}

	unwrapped := any(body)
	if results, ok := body["results"].(map[string]any); ok && stepDef != nil && len(stepDef.AsTaskSequence()) == 1 {
		for _, v := range results {
			unwrapped = v
			break
		}
	}
	st.StepResults[parent] = unwrapped
	st.Variables[parent] = unwrapped
	st.CompletedSteps[parent] = true

	cmds, err := e.evaluateRouting(ctx, st, stepDef, parentEventID, nil)
	if err != nil {
		return nil, err
	}
	fakeExit := &model.Event{ExecutionID: st.ExecutionID, Name: model.EventStepExit, Step: parent}
	if _, err := e.checkCompletion(ctx, st, fakeExit, stepDef, parent, parentEventID, cmds); err != nil {
		return nil, err
	}
	e.state.Invalidate(st.ExecutionID)
	return cmds, nil
}

// accumulateTaskSequenceLoopIteration implements spec §4.7.5 step 3: add the
// iteration result to aggregation and increment D's completed_count, using a
// candidate chain of event IDs (payload-reported, then state-recorded) to
// tolerate a coordinator restart between claim and completion.
func (e *Engine) accumulateTaskSequenceLoopIteration(ctx context.Context, st *model.ExecutionState, ev *model.Event, stepDef *model.Step, parent string, parentEventID id.ID, body map[string]any) ([]*model.Command, error) {
	ls, ok := st.LoopState[parent]
	if !ok {
		ls = &model.LoopState{ReissuedIndices: map[int]bool{}, CompletedIndices: map[int]bool{}}
		st.LoopState[parent] = ls
	}
	if ls.CompletedIndices == nil {
		ls.CompletedIndices = map[int]bool{}
	}
	var iterResult any = body
	if prev, ok := body["_prev"]; ok {
		iterResult = prev
	}
	ls.Results = append(ls.Results, iterResult)
	ls.CompletedIndices[ev.Meta.LoopIterationIndex] = true

	loopEventID := ev.Meta.LoopEventID
	if loopEventID.IsZero() {
		loopEventID = ls.EventID
	}
	key := loopkv.Key{ExecutionID: st.ExecutionID, Step: parent, EventID: loopEventID}
	completed, err := e.loop.IncrementLoopCompleted(ctx, key)
	if err != nil {
		return nil, err
	}
	if completed < 0 {
		ls.Completed++
		completed = ls.Completed
	} else {
		ls.Completed = completed
	}
	if completed < len(ls.Collection) {
		return e.tailRepairLoop(ctx, st, stepDef, parent, parentEventID, ls, key)
	}
	return e.finalizeLoop(ctx, st, stepDef, parent, parentEventID, ls)
}

// tailRepairLoop implements spec §4.7.5 step 4 ("Tail-repair"): once every
// slot for a loop epoch has been claimed but some claimed indices have no
// terminal command event, the engine reissues exactly those missing indices
// up to NOETL_TASKSEQ_LOOP_REPAIR_THRESHOLD, tracking reissued indices per
// loop in ls.ReissuedIndices so the same gap is never reissued twice.
func (e *Engine) tailRepairLoop(ctx context.Context, st *model.ExecutionState, stepDef *model.Step, parent string, parentEventID id.ID, ls *model.LoopState, key loopkv.Key) ([]*model.Command, error) {
	v, ok, err := e.loop.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok || v.ScheduledCount < len(ls.Collection) {
		// Not every slot has been claimed yet; a completion gap here is
		// still in-flight claiming, not a stall.
		return nil, nil
	}

	var missing []int
	for idx := 0; idx < v.ScheduledCount; idx++ {
		if ls.CompletedIndices[idx] || ls.ReissuedIndices[idx] {
			continue
		}
		missing = append(missing, idx)
	}
	if len(missing) == 0 {
		return nil, nil
	}
	if ls.ReissuedIndices == nil {
		ls.ReissuedIndices = map[int]bool{}
	}

	var commands []*model.Command
	for _, idx := range missing {
		if len(ls.ReissuedIndices) >= e.taskSeqLoopRepairThreshold {
			e.logger.Warn(ctx, "taskseq tail-repair threshold reached", "step", parent, "execution_id", st.ExecutionID.String())
			break
		}
		var iterVal any
		if idx >= 0 && idx < len(ls.Collection) {
			iterVal = ls.Collection[idx]
		}
		iter := &iterationContext{
			loopEventID:        key.EventID,
			loopIterationIndex: idx,
			iteratorName:       ls.Iterator,
			iteratorValue:      iterVal,
			loopRetry:          true,
			collectionSize:     len(ls.Collection),
		}
		cmd, err := e.buildCommand(ctx, st, stepDef, nil, iter)
		if err != nil {
			return commands, err
		}
		if err := e.recordIssuedCommand(ctx, st, cmd, parentEventID); err != nil {
			return commands, err
		}
		ls.ReissuedIndices[idx] = true
		commands = append(commands, cmd)
	}
	return commands, nil
}
