package engine

import (
	"context"

	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/loopkv"
	"github.com/noetl/noetl-go/internal/model"
)

// orchestrateLoop implements spec §4.7.3: it renders and normalizes the
// loop's collection, tells a new loop epoch from a continuation of one
// already in flight, claims as many indices as max_in_flight allows through
// the Distributed Loop KV (component D, so multiple engine instances never
// double-claim an index), and issues one command per claimed index.
func (e *Engine) orchestrateLoop(ctx context.Context, st *model.ExecutionState, stepDef *model.Step, parentEventID id.ID, extraArgs map[string]any) ([]*model.Command, error) {
	renderCtx := e.buildRenderContext(st, nil)
	collection := e.render.RenderCollection(stepDef.Loop.In, renderCtx)

	ls, continuation := st.LoopState[stepDef.Step]
	var loopEventID id.ID
	if continuation && ls.EventID != 0 && !ls.AggregationFinalized {
		loopEventID = ls.EventID
	} else {
		loopEventID = e.idgen.Next()
		ls = &model.LoopState{
			Collection:       collection,
			Iterator:         stepDef.Loop.Iterator,
			Mode:             stepDef.Loop.Mode,
			EventID:          loopEventID,
			ReissuedIndices:  map[int]bool{},
			CompletedIndices: map[int]bool{},
		}
		continuation = false
	}
	ls.MaxInFlight = maxInFlight(stepDef, len(collection))
	st.LoopState[stepDef.Step] = ls

	key := loopkv.Key{ExecutionID: st.ExecutionID, Step: stepDef.Step, EventID: loopEventID}
	if !continuation {
		if err := e.loop.Set(ctx, key, loopkv.Value{
			CollectionSize: len(collection),
			Iterator:       ls.Iterator,
			Mode:           ls.Mode,
			EventID:        loopEventID,
		}); err != nil {
			return nil, err
		}
	}

	var commands []*model.Command
	for {
		idx, ok, err := e.loop.ClaimNextLoopIndex(ctx, key, len(collection), ls.MaxInFlight)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		var iterVal any
		if idx >= 0 && idx < len(collection) {
			iterVal = collection[idx]
		}
		iter := &iterationContext{
			loopEventID:        loopEventID,
			loopIterationIndex: idx,
			iteratorName:       stepDef.Loop.Iterator,
			iteratorValue:      iterVal,
			collectionSize:     len(collection),
		}
		cmd, err := e.buildCommand(ctx, st, stepDef, extraArgs, iter)
		if err != nil {
			return nil, err
		}
		if err := e.recordIssuedCommand(ctx, st, cmd, parentEventID); err != nil {
			return nil, err
		}
		ls.ScheduledCount++
		e.metrics.IncCounter(ctx, "noetl_loop_slots_claimed_total", 1, "step", stepDef.Step)
		commands = append(commands, cmd)
	}
	return commands, nil
}

// maxInFlight resolves the loop's concurrency bound (spec §4.7.3): a
// sequential loop always admits one in-flight iteration; a parallel loop
// honors its configured bound or, absent one, admits the whole collection.
func maxInFlight(stepDef *model.Step, collectionSize int) int {
	if stepDef.Loop.Mode == model.LoopSequential {
		return 1
	}
	if stepDef.Loop.Spec.MaxInFlight > 0 {
		return stepDef.Loop.Spec.MaxInFlight
	}
	return collectionSize
}
