package engine

import (
	"context"

	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/loopkv"
	"github.com/noetl/noetl-go/internal/model"
	"github.com/noetl/noetl-go/internal/state"
)

// handleStepExit implements spec §4.7.1 step 9 (pagination merge / loop
// aggregation / plain completion) followed by step 8's routing evaluation,
// skipping routing when the step's loop is still active (it fires on the
// synthesized loop.done instead).
func (e *Engine) handleStepExit(ctx context.Context, st *model.ExecutionState, ev *model.Event, stepDef *model.Step, parent string, parentEventID id.ID) ([]*model.Command, error) {
	state.ApplyPaginationDirective(st, ev, parent)
	ps := st.PaginationState[parent]
	pendingRetry := ps != nil && ps.PendingRetry

	if ps != nil && !pendingRetry && len(ps.CollectedData) > 0 {
		merged := map[string]any{}
		if m, ok := asMap(ev.Result); ok {
			for k, v := range m {
				merged[k] = v
			}
		}
		merged["_all_collected_items"] = ps.CollectedData
		merged["_pagination"] = map[string]any{"pages_collected": ps.IterationCount}
		ev.Result = model.NewDataResult(merged)
		st.StepResults[parent] = merged
		st.Variables[parent] = merged
	}

	if stepDef.Loop != nil && !pendingRetry {
		return e.handleLoopIterationExit(ctx, st, ev, stepDef, parent, parentEventID)
	}

	st.CompletedSteps[parent] = true
	return e.evaluateRouting(ctx, st, stepDef, parentEventID, nil)
}

func asMap(r *model.ResultEnvelope) (map[string]any, bool) {
	if r == nil {
		return nil, false
	}
	m, ok := r.Data.(map[string]any)
	return m, ok
}

// handleLoopIterationExit accounts for one finished loop iteration and, once
// the loop's collection is fully accounted for, finalizes it and runs
// routing off the synthesized loop.done (spec §4.7.1 step 9, §4.7.3).
func (e *Engine) handleLoopIterationExit(ctx context.Context, st *model.ExecutionState, ev *model.Event, stepDef *model.Step, parent string, parentEventID id.ID) ([]*model.Command, error) {
	ls, ok := st.LoopState[parent]
	if !ok {
		ls = &model.LoopState{ReissuedIndices: map[int]bool{}, CompletedIndices: map[int]bool{}}
		st.LoopState[parent] = ls
	}
	if ls.CompletedIndices == nil {
		ls.CompletedIndices = map[int]bool{}
	}
	if ev.Result != nil {
		ls.Results = append(ls.Results, ev.Result.Data)
	}
	ls.CompletedIndices[ev.Meta.LoopIterationIndex] = true

	key := loopkv.Key{ExecutionID: st.ExecutionID, Step: parent, EventID: ls.EventID}
	completed, err := e.loop.IncrementLoopCompleted(ctx, key)
	if err != nil {
		return nil, err
	}
	if completed < 0 {
		// D has no record (restarted/evicted); fall back to the in-memory
		// count, which the reconstructor has durably replayed from the
		// event log (spec §7: "on persistent divergence, the engine trusts
		// the event log").
		ls.Completed++
		completed = ls.Completed
	} else {
		ls.Completed = completed
	}

	if completed < len(ls.Collection) {
		return nil, nil // still waiting on sibling iterations
	}

	return e.finalizeLoop(ctx, st, stepDef, parent, parentEventID, ls)
}

// finalizeLoop synthesizes the loop.done event and routes off it (spec
// §4.7.3 step "finalize the loop", §4.7.2 step 3 loop_results injection).
func (e *Engine) finalizeLoop(ctx context.Context, st *model.ExecutionState, stepDef *model.Step, parent string, parentEventID id.ID, ls *model.LoopState) ([]*model.Command, error) {
	ls.AggregationFinalized = true
	st.CompletedSteps[parent] = true
	st.StepResults[parent] = ls.Results
	st.Variables[parent] = ls.Results

	doneEvent := &model.Event{
		ExecutionID: st.ExecutionID,
		Name:        model.EventLoopDone,
		Step:        parent,
		Status:      model.StatusCompleted,
		Result:      model.NewDataResult(ls.Results),
	}
	doneEvent.Meta.LoopEventID = ls.EventID
	doneID, err := e.appendEvent(ctx, doneEvent, parentEventID, st.RootEventID)
	if err != nil {
		return nil, err
	}

	return e.evaluateRouting(ctx, st, stepDef, doneID, ls.Results)
}
