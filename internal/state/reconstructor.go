// Package state implements the State Reconstructor (spec §4.5, component
// E): given an execution_id, it rebuilds ExecutionState by replaying the
// Event Log, memoizing both parsed playbooks and reconstructed states in
// bounded, TTL'd LRUs (spec §5 resource bounds).
package state

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/model"
)

// EventReader is the subset of the Event Log (component A) the
// reconstructor needs: an ascending read of every event for an execution.
type EventReader interface {
	ReadAllAscending(ctx context.Context, execution id.ID, sinceEventID id.ID) ([]*model.Event, error)
}

// PlaybookResolver resolves a Playbook by catalog ID (authoritative) or by
// the path recorded in the initialization event (spec §4.5 step 2). Catalog
// storage of playbook source is a collaborator concern (spec §1); this
// interface is the boundary contract.
type PlaybookResolver interface {
	ResolveByCatalogID(ctx context.Context, catalogID id.ID) (*model.Playbook, error)
	ResolveByPath(ctx context.Context, path string) (*model.Playbook, error)
}

const (
	// playbookCacheSize and playbookCacheTTL bound the parsed-playbook LRU
	// (spec §4.5 step 2, §5: "max ~500, TTL ~30 min").
	playbookCacheSize = 500
	playbookCacheTTL  = 30 * time.Minute

	// stateCacheSize and stateCacheTTL bound the reconstructed-state LRU
	// (spec §4.5 step 5, §5: "max ~1000, TTL ~1 h").
	stateCacheSize = 1000
	stateCacheTTL  = time.Hour
)

// Reconstructor rebuilds ExecutionState from the Event Log on demand,
// memoizing results. A single Reconstructor is safe for concurrent use;
// cache eviction is best-effort per spec §9 ("Caches... eviction is
// best-effort and does not affect correctness, E can always rebuild").
type Reconstructor struct {
	events    EventReader
	playbooks PlaybookResolver

	playbookCache *expirable.LRU[id.ID, *model.Playbook]
	stateCache    *expirable.LRU[id.ID, *model.ExecutionState]
}

// New constructs a Reconstructor over the given Event Log reader and
// playbook resolver.
func New(events EventReader, playbooks PlaybookResolver) *Reconstructor {
	return &Reconstructor{
		events:        events,
		playbooks:     playbooks,
		playbookCache: expirable.NewLRU[id.ID, *model.Playbook](playbookCacheSize, nil, playbookCacheTTL),
		stateCache:    expirable.NewLRU[id.ID, *model.ExecutionState](stateCacheSize, nil, stateCacheTTL),
	}
}

// Invalidate drops a cached state, forcing the next LoadState to rebuild
// from the event log. The engine calls this after every handle_event so the
// next call observes freshly-appended events rather than a stale cache
// entry (the cache optimizes repeated reads between mutations, not within
// a single mutating request).
func (r *Reconstructor) Invalidate(execution id.ID) {
	r.stateCache.Remove(execution)
}

// LoadState implements spec §4.5's algorithm. Returns (nil, nil) if no
// playbook.initialized event exists for execution (an orphan/unknown
// execution, handled by callers per spec §4.7.1 step 1 and §7).
func (r *Reconstructor) LoadState(ctx context.Context, execution id.ID) (*model.ExecutionState, error) {
	if cached, ok := r.stateCache.Get(execution); ok {
		return cached, nil
	}

	events, err := r.events.ReadAllAscending(ctx, execution, 0)
	if err != nil {
		return nil, fmt.Errorf("state: read events: %w", err)
	}
	if len(events) == 0 || events[0].Name != model.EventPlaybookInitialized {
		return nil, nil
	}

	initEvent := events[0]
	st := model.NewExecutionState(execution)
	st.RootEventID = initEvent.EventID
	st.ParentExecutionID = initEvent.ParentExecutionID

	playbook, err := r.resolvePlaybook(ctx, initEvent)
	if err != nil {
		return nil, err
	}
	st.Playbook = playbook

	if initEvent.Result != nil {
		if workload, ok := initEvent.Result.Data.(map[string]any); ok {
			for k, v := range workload {
				st.Variables[k] = v
			}
		}
	}

	for _, ev := range events {
		applyEvent(st, ev, playbook)
	}

	r.stateCache.Add(execution, st)
	return st, nil
}

func (r *Reconstructor) resolvePlaybook(ctx context.Context, initEvent *model.Event) (*model.Playbook, error) {
	if !initEvent.CatalogID.IsZero() {
		if cached, ok := r.playbookCache.Get(initEvent.CatalogID); ok {
			return cached, nil
		}
		pb, err := r.playbooks.ResolveByCatalogID(ctx, initEvent.CatalogID)
		if err != nil {
			return nil, fmt.Errorf("state: resolve playbook by catalog: %w", err)
		}
		r.playbookCache.Add(initEvent.CatalogID, pb)
		return pb, nil
	}
	path, _ := initEvent.Context["path"].(string)
	pb, err := r.playbooks.ResolveByPath(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("state: resolve playbook by path: %w", err)
	}
	return pb, nil
}

// applyEvent mutates st per one replayed event, implementing spec §4.5
// step 4 and the key invariant of §4.5/§8 property 3: pending tracking uses
// the parent step key, never a ":task_sequence" suffix.
func applyEvent(st *model.ExecutionState, ev *model.Event, playbook *model.Playbook) {
	if ev.EventID > st.LastEventID {
		st.LastEventID = ev.EventID
	}
	parent := model.PendingStepKey(ev.Step)
	isTaskSeqSuffixed := strings.HasSuffix(ev.Step, ":task_sequence")

	var stepDef *model.Step
	var looped bool
	if playbook != nil {
		if sd, ok := playbook.StepByName(parent); ok {
			stepDef = sd
			looped = sd.Loop != nil
		}
	}

	switch ev.Name {
	case model.EventCommandIssued:
		st.IssuedSteps[parent] = true
		if ev.Meta.LoopEventID != 0 {
			ls := ensureLoopState(st, parent, stepDef)
			ls.EventID = ev.Meta.LoopEventID
		}

	case model.EventCommandCompleted, model.EventCommandFailed:
		delete(st.IssuedSteps, parent)

	case model.EventStepEnter:
		st.CurrentStep = parent

	case model.EventCallDone:
		if ev.Result != nil && !looped {
			st.StepResults[parent] = ev.Result.Data
		}

	case model.EventCallError:
		st.Failed = true
		st.CompletedSteps[parent] = true

	case model.EventStepExit:
		ApplyPaginationDirective(st, ev, parent)
		if isTaskSeqSuffixed {
			if looped {
				ls := ensureLoopState(st, parent, stepDef)
				recordIteration(ls, ev)
			}
			return // exception (a): iteration-level exits on parent:task_sequence keys
		}
		if looped {
			ls := ensureLoopState(st, parent, stepDef)
			recordIteration(ls, ev)
			return // exception (b): per-iteration exits on a looped parent step
		}
		if ev.Result != nil {
			st.StepResults[parent] = ev.Result.Data
			st.Variables[parent] = ev.Result.Data
		}
		st.CompletedSteps[parent] = true

	case model.EventLoopDone:
		ls := ensureLoopState(st, parent, stepDef)
		ls.AggregationFinalized = true
		st.CompletedSteps[parent] = true
		if ev.Result != nil {
			st.StepResults[parent] = ev.Result.Data
			st.Variables[parent] = ev.Result.Data
		}

	case model.EventExecutionCancelled:
		// Legacy single-event form; kept so logs written before the
		// workflow.cancelled/playbook.cancelled pair existed still replay
		// to a closed execution instead of one stuck looking cancellable.
		st.Failed = true
		st.Completed = true

	case model.EventWorkflowCompleted, model.EventWorkflowFailed, model.EventWorkflowCancelled:
		// no state change beyond what playbook.* below records; kept for
		// documentation of the full closed event set.

	case model.EventPlaybookCompleted:
		st.Completed = true

	case model.EventPlaybookFailed:
		st.Completed = true
		st.Failed = true

	case model.EventPlaybookCancelled:
		st.Completed = true
		st.Failed = true
	}
}

// ApplyPaginationDirective replays a pagination `collect` directive carried
// on step.exit's context (spec §4.7.4) in the form
// {collect: {data: [...], mode: "append"|"extend"|"replace"}, retry: bool};
// a step.exit without one leaves PaginationState untouched. This keeps PaginationState reconstructible
// from the event log alone, consistent with spec §9 "state is derived, not
// persisted".
func ApplyPaginationDirective(st *model.ExecutionState, ev *model.Event, parent string) {
	collect, ok := ev.Context["collect"].(map[string]any)
	if !ok {
		return
	}
	ps, ok := st.PaginationState[parent]
	if !ok {
		ps = &model.PaginationState{}
		st.PaginationState[parent] = ps
	}
	mode, _ := collect["mode"].(string)
	data, _ := collect["data"].([]any)
	const maxPages = 100 // NOETL_PAGINATION_MAX_PAGES default, spec §6
	if ps.IterationCount < maxPages {
		switch mode {
		case "extend":
			ps.CollectedData = append(ps.CollectedData, data...)
		case "replace":
			ps.CollectedData = data
		default: // append
			ps.CollectedData = append(ps.CollectedData, any(data))
		}
		ps.IterationCount++
	}
	if retry, ok := ev.Context["retry"].(bool); ok {
		ps.PendingRetry = retry
	} else {
		ps.PendingRetry = false
	}
}

func ensureLoopState(st *model.ExecutionState, step string, stepDef *model.Step) *model.LoopState {
	ls, ok := st.LoopState[step]
	if ok {
		return ls
	}
	ls = &model.LoopState{ReissuedIndices: map[int]bool{}, CompletedIndices: map[int]bool{}}
	if stepDef != nil && stepDef.Loop != nil {
		ls.Mode = stepDef.Loop.Mode
		ls.Iterator = stepDef.Loop.Iterator
		ls.MaxInFlight = stepDef.Loop.Spec.MaxInFlight
	}
	st.LoopState[step] = ls
	return ls
}

func recordIteration(ls *model.LoopState, ev *model.Event) {
	ls.Index++
	if ls.Index > ls.ScheduledCount {
		ls.ScheduledCount = ls.Index
	}
	ls.Completed++
	if ls.CompletedIndices == nil {
		ls.CompletedIndices = map[int]bool{}
	}
	ls.CompletedIndices[ev.Meta.LoopIterationIndex] = true
	if ev.Result != nil {
		ls.Results = append(ls.Results, ev.Result.Data)
	}
}
