package engine

import (
	"context"
	"fmt"

	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/model"
)

// FinalizeExecution implements spec §6's POST /executions/{id}/finalize:
// "emit terminal failure events now", an admin escape hatch for an execution
// the operator has determined will never otherwise reach a terminal state
// (e.g. its commands were lost and no worker will ever report back). Unlike
// CancelExecution, this always closes the execution as FAILED, not
// CANCELLED, and never cascades to children. Returns false if the execution
// was already terminal.
func (e *Engine) FinalizeExecution(ctx context.Context, execution id.ID, reason string) (bool, error) {
	st, err := e.state.LoadState(ctx, execution)
	if err != nil {
		return false, fmt.Errorf("engine: load state for finalize: %w", err)
	}
	if st == nil {
		return false, fmt.Errorf("engine: unknown execution %s", execution)
	}
	if st.Completed {
		return false, nil
	}

	lock := e.lockFor(execution)
	lock.Lock()
	defer lock.Unlock()
	defer e.state.Invalidate(execution)

	if st.Completed {
		return false, nil
	}
	st.Failed = true

	wfEvent := &model.Event{
		ExecutionID: st.ExecutionID,
		Name:        model.EventWorkflowFailed,
		Status:      model.StatusFailed,
		Context:     map[string]any{"reason": reason, "finalized": true},
	}
	wfID, err := e.appendEvent(ctx, wfEvent, st.LastEventID, st.RootEventID)
	if err != nil {
		return false, err
	}

	pbEvent := &model.Event{
		ExecutionID: st.ExecutionID,
		Name:        model.EventPlaybookFailed,
		Status:      model.StatusFailed,
		Context:     map[string]any{"reason": reason, "finalized": true},
	}
	if _, err := e.appendEvent(ctx, pbEvent, wfID, st.RootEventID); err != nil {
		return false, err
	}

	st.Completed = true
	return true, nil
}
