package engine

import (
	"context"
	"fmt"

	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/model"
)

// StartExecution implements spec §4.7's start_execution operation: it mints
// a new execution_id, appends playbook.initialized then workflow.initialized
// (both carrying the merged workload snapshot), resolves the entry step, and
// emits the initial command(s), honoring loop semantics if the entry step
// loops.
func (e *Engine) StartExecution(ctx context.Context, playbook *model.Playbook, catalogID id.ID, payload map[string]any, parentExecutionID id.ID) (id.ID, []*model.Command, error) {
	ctx, span := e.tracer.StartSpan(ctx, "engine.StartExecution")
	defer span.End()

	execution := e.idgen.Next()
	lock := e.lockFor(execution)
	lock.Lock()
	defer lock.Unlock()

	workload := map[string]any{}
	for k, v := range playbook.Workload {
		workload[k] = v
	}
	for k, v := range payload {
		workload[k] = v
	}

	initEvent := &model.Event{
		ExecutionID:       execution,
		ParentExecutionID: parentExecutionID,
		CatalogID:         catalogID,
		Name:              model.EventPlaybookInitialized,
		Step:              playbook.Metadata.Path,
		Status:            model.StatusCompleted,
		Result:            model.NewDataResult(workload),
		Context:           map[string]any{"path": playbook.Metadata.Path},
	}
	// playbook.initialized is its own root: mint its event_id up front so
	// Meta.RootEventID can be set to that same value before the row is
	// persisted (spec §3 invariant: every event's meta.root_event_id,
	// including this one, equals this execution's playbook.initialized
	// event_id).
	initEvent.EventID = e.idgen.Next()
	rootEventID, err := e.appendEvent(ctx, initEvent, 0, initEvent.EventID)
	if err != nil {
		return 0, nil, err
	}

	wfEvent := &model.Event{
		ExecutionID: execution,
		Name:        model.EventWorkflowInitialized,
		Step:        playbook.Metadata.Path,
		Status:      model.StatusCompleted,
		Result:      model.NewDataResult(workload),
	}
	if _, err := e.appendEvent(ctx, wfEvent, rootEventID, rootEventID); err != nil {
		return 0, nil, err
	}

	st, err := e.state.LoadState(ctx, execution)
	if err != nil {
		return 0, nil, fmt.Errorf("engine: load state after start: %w", err)
	}
	if st == nil {
		return 0, nil, fmt.Errorf("engine: state not found immediately after start for execution %s", execution)
	}

	entry := playbook.EntryStep()
	if entry == "" {
		return execution, nil, fmt.Errorf("engine: playbook %s has no resolvable entry step", playbook.Metadata.Path)
	}

	var commands []*model.Command
	cmds, err := e.issueStepCommands(ctx, st, entry, rootEventID, nil)
	if err != nil {
		return execution, nil, err
	}
	commands = append(commands, cmds...)

	e.state.Invalidate(execution)
	return execution, commands, nil
}
