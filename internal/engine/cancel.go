package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/model"
)

// ExecutionLister is the Event Log boundary the cleanup scan needs: find
// candidate executions and their child executions (component A, spec
// §4.7.6/§4.7.7). Kept separate from EventAppender since only the admin
// path and cascading cancel need it.
type ExecutionLister interface {
	ChildExecutions(ctx context.Context, parent id.ID) ([]id.ID, error)
	StuckExecutions(ctx context.Context, olderThan time.Time) ([]id.ID, error)
}

// CancelExecution implements spec §4.7.6: appends the workflow.cancelled/
// playbook.cancelled terminal pair (status CANCELLED) and, when cascade is
// true, walks and cancels every
// descendant execution reachable via parent_execution_id. Returns the full
// set of cancelled execution IDs.
func (e *Engine) CancelExecution(ctx context.Context, lister ExecutionLister, execution id.ID, reason string, cascade bool) ([]id.ID, error) {
	st, err := e.state.LoadState(ctx, execution)
	if err != nil {
		return nil, fmt.Errorf("engine: load state for cancel: %w", err)
	}
	if st == nil {
		return nil, fmt.Errorf("engine: unknown execution %s", execution)
	}
	if st.Completed {
		return nil, nil
	}

	lock := e.lockFor(execution)
	lock.Lock()
	cancelled, err := e.appendCancellation(ctx, st, reason, false)
	lock.Unlock()
	if err != nil {
		return nil, err
	}
	result := []id.ID{execution}
	if !cancelled {
		result = nil
	}

	if cascade && lister != nil {
		children, err := lister.ChildExecutions(ctx, execution)
		if err != nil {
			return result, fmt.Errorf("engine: list child executions: %w", err)
		}
		// Each child execution carries its own per-execution lock (lockFor),
		// so the cascade fans out concurrently via errgroup instead of
		// walking the descendant tree one execution at a time.
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, child := range children {
			child := child
			g.Go(func() error {
				childCancelled, err := e.CancelExecution(gctx, lister, child, reason, true)
				if err != nil {
					return err
				}
				mu.Lock()
				result = append(result, childCancelled...)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
	}
	e.state.Invalidate(execution)
	return result, nil
}

// appendCancellation emits the workflow.cancelled/playbook.cancelled terminal
// pair (spec §8 property 1: "the event log contains exactly one
// workflow.completed|failed|cancelled and exactly one matching playbook.<x>"),
// mirroring checkCompletion's wf/pb chaining so a cancelled execution closes
// its event log the same shape as a completed or failed one.
func (e *Engine) appendCancellation(ctx context.Context, st *model.ExecutionState, reason string, autoCancelled bool) (bool, error) {
	if st.Completed {
		return false, nil
	}
	wfEvent := &model.Event{
		ExecutionID: st.ExecutionID,
		Name:        model.EventWorkflowCancelled,
		Status:      model.StatusCancelled,
		Context:     map[string]any{"reason": reason},
	}
	wfEvent.Meta.AutoCancelled = autoCancelled
	wfID, err := e.appendEvent(ctx, wfEvent, st.LastEventID, st.RootEventID)
	if err != nil {
		return false, err
	}

	pbEvent := &model.Event{
		ExecutionID: st.ExecutionID,
		Name:        model.EventPlaybookCancelled,
		Status:      model.StatusCancelled,
		Context:     map[string]any{"reason": reason},
	}
	pbEvent.Meta.AutoCancelled = autoCancelled
	if _, err := e.appendEvent(ctx, pbEvent, wfID, st.RootEventID); err != nil {
		return false, err
	}

	st.Failed = true
	st.Completed = true
	return true, nil
}

// CleanupStuckExecutions implements spec §4.7.7: scans executions whose
// earliest playbook.initialized predates olderThan and which carry no
// terminal lifecycle event, appending the workflow.cancelled/
// playbook.cancelled pair with meta.auto_cancelled=true to each. dryRun
// reports candidates without mutating the log.
func (e *Engine) CleanupStuckExecutions(ctx context.Context, lister ExecutionLister, olderThan time.Time, dryRun bool) ([]id.ID, error) {
	candidates, err := lister.StuckExecutions(ctx, olderThan)
	if err != nil {
		return nil, fmt.Errorf("engine: scan stuck executions: %w", err)
	}
	if dryRun {
		return candidates, nil
	}

	var (
		mu        sync.Mutex
		cancelled []id.ID
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, execution := range candidates {
		execution := execution
		g.Go(func() error {
			st, err := e.state.LoadState(gctx, execution)
			if err != nil || st == nil || st.Completed {
				return nil
			}
			lock := e.lockFor(execution)
			lock.Lock()
			ok, err := e.appendCancellation(gctx, st, "stuck execution auto-cancelled", true)
			lock.Unlock()
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				cancelled = append(cancelled, execution)
				mu.Unlock()
			}
			e.state.Invalidate(execution)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return cancelled, err
	}
	return cancelled, nil
}

// CancellationCheck implements the lightweight endpoint contract of spec §6
// ("GET /executions/{id}/cancellation-check"): workers poll this before
// starting new work (spec §4.7.6).
type CancellationCheck struct {
	Status    string `json:"status"`
	Cancelled bool   `json:"cancelled"`
	Completed bool   `json:"completed"`
	Failed    bool   `json:"failed"`
}

func (e *Engine) CancellationCheck(ctx context.Context, execution id.ID) (*CancellationCheck, error) {
	st, err := e.state.LoadState(ctx, execution)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return &CancellationCheck{Status: "unknown"}, nil
	}
	status := "running"
	if st.Completed {
		status = "completed"
		if st.Failed {
			status = "failed"
		}
	}
	return &CancellationCheck{
		Status:    status,
		Cancelled: st.Failed && st.Completed,
		Completed: st.Completed,
		Failed:    st.Failed,
	}, nil
}
