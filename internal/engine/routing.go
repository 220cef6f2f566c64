package engine

import (
	"context"
	"fmt"

	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/model"
)

// evaluateRouting implements spec §4.7.2: it walks stepDef.Next's arcs in
// order, rendering and coercing each `when` clause, deduplicating targets
// against issued_steps (clearing completed_steps first so loopbacks are
// legal), and issuing commands for the first match (exclusive mode) or every
// match (inclusive mode). loopResults, when non-nil,
// is auto-injected into an arc's args under "loop_results" if the arc
// doesn't already set it (spec §4.7.2 step 3, triggered when routing off a
// finalized loop.done).
func (e *Engine) evaluateRouting(ctx context.Context, st *model.ExecutionState, stepDef *model.Step, parentEventID id.ID, loopResults any) ([]*model.Command, error) {
	if stepDef == nil || stepDef.Next == nil {
		return nil, nil
	}
	renderCtx := e.buildRenderContext(st, nil)
	mode := stepDef.Next.ModeOrDefault()

	var commands []*model.Command
	for _, arc := range stepDef.Next.Arcs {
		matched := true
		if arc.When != "" {
			ok, err := e.render.RenderBool(arc.When, renderCtx)
			if err != nil {
				return nil, fmt.Errorf("engine: render arc when for %s->%s: %w", stepDef.Step, arc.Step, err)
			}
			matched = ok
		}
		if !matched {
			continue
		}

		delete(st.CompletedSteps, model.PendingStepKey(arc.Step))
		if st.IssuedSteps[model.PendingStepKey(arc.Step)] {
			if mode == model.RoutingExclusive {
				break
			}
			continue
		}

		args := map[string]any{}
		for k, v := range arc.Args {
			args[k] = v
		}
		if loopResults != nil {
			if _, ok := args["loop_results"]; !ok {
				args["loop_results"] = loopResults
			}
		}

		cmds, err := e.issueStepCommands(ctx, st, arc.Step, parentEventID, args)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmds...)

		if mode == model.RoutingExclusive {
			break
		}
	}
	return commands, nil
}
