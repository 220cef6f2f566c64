// Package worker implements the worker-side command execution loop: it
// subscribes to the Notification Bus (component C), claims commands from
// the Command Store (component B), dispatches them to the Task-Sequence
// Executor (component H) or a single tool adapter, and reports the outcome
// back to the coordinator's HTTP façade as step.enter/call.done|error/
// step.exit events (spec §4.7.1, §4.8).
//
// The run loop's shape — subscribe, claim-until-empty, dispatch, report —
// is grounded on the teacher's agents/runtime/runtime.go worker event loop,
// generalized from "handle one A2A task" to "handle one noetl command".
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/noetl/noetl-go/internal/model"
	"github.com/noetl/noetl-go/internal/notifybus"
	"github.com/noetl/noetl-go/internal/taskseq"
	"github.com/noetl/noetl-go/internal/telemetry"
	"github.com/noetl/noetl-go/internal/toolerrors"
)

type (
	// CommandClaimer is the Command Store boundary (component B).
	CommandClaimer interface {
		Claim(ctx context.Context, workerID string) (*model.Command, error)
	}

	// EventReporter is the coordinator's façade boundary the worker reports
	// lifecycle events through (the workerclient.Client satisfies this).
	EventReporter interface {
		PostEvent(ctx context.Context, ev *model.Event) ([]*model.Command, error)
	}

	// ToolInvoker dispatches a single (non-task-sequence) tool call
	// (the tools.Registry satisfies this).
	ToolInvoker interface {
		Invoke(ctx context.Context, tool model.ToolSpec, args map[string]any) (any, *toolerrors.ToolError)
	}

	// Options configures a Runner.
	Options struct {
		WorkerID string
		Commands CommandClaimer
		Bus      *notifybus.Bus
		Reporter EventReporter
		Tools    ToolInvoker
		TaskSeq  *taskseq.Executor
		Logger   telemetry.Logger
	}

	// Runner drives the worker's claim/execute/report loop.
	Runner struct {
		workerID string
		commands CommandClaimer
		bus      *notifybus.Bus
		reporter EventReporter
		tools    ToolInvoker
		taskseq  *taskseq.Executor
		logger   telemetry.Logger
	}
)

// New constructs a Runner.
func New(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Runner{
		workerID: opts.WorkerID,
		commands: opts.Commands,
		bus:      opts.Bus,
		reporter: opts.Reporter,
		tools:    opts.Tools,
		taskseq:  opts.TaskSeq,
		logger:   opts.Logger,
	}
}

// Run subscribes to the notification bus under consumerName and processes
// commands until ctx is cancelled. Each notification triggers draining the
// claimable queue, since a single notification may correspond to several
// commands issued in the same engine pass (e.g. parallel loop fan-out).
func (r *Runner) Run(ctx context.Context, consumerName string, maxInFlight int) error {
	_, err := r.bus.Subscribe(ctx, consumerName, maxInFlight, func(ctx context.Context, _ notifybus.Notification) error {
		return r.drain(ctx)
	})
	if err != nil {
		return fmt.Errorf("worker: subscribe: %w", err)
	}
	<-ctx.Done()
	return nil
}

// drain claims and processes commands until the queue reports empty.
func (r *Runner) drain(ctx context.Context) error {
	for {
		cmd, err := r.commands.Claim(ctx, r.workerID)
		if err != nil {
			return fmt.Errorf("worker: claim: %w", err)
		}
		if cmd == nil {
			return nil
		}
		if err := r.process(ctx, cmd); err != nil {
			r.logger.Error(ctx, "worker: command processing failed", "step", cmd.Step, "execution_id", cmd.ExecutionID.String(), "error", err.Error())
		}
	}
}

// process runs one claimed command end to end: step.enter, the tool or
// task-sequence invocation, call.done|call.error, then step.exit (spec
// §4.7.1/§4.8).
func (r *Runner) process(ctx context.Context, cmd *model.Command) error {
	if checker, ok := r.reporter.(interface {
		CancellationCheck(ctx context.Context, executionID string) (bool, error)
	}); ok {
		if cancelled, err := checker.CancellationCheck(ctx, cmd.ExecutionID.String()); err == nil && cancelled {
			r.logger.Info(ctx, "worker: skipping command of cancelled execution", "step", cmd.Step, "execution_id", cmd.ExecutionID.String())
			return nil
		}
	}
	start := time.Now()

	if _, err := r.reporter.PostEvent(ctx, &model.Event{
		ExecutionID: cmd.ExecutionID,
		Name:        model.EventStepEnter,
		Step:        cmd.Step,
		Status:      model.StatusRunning,
		Meta:        commandMeta(cmd),
	}); err != nil {
		return fmt.Errorf("worker: report step.enter: %w", err)
	}

	var (
		doneResult any
		toolErr    *toolerrors.ToolError
	)
	if cmd.Metadata.TaskSequence {
		iter := iterContext(cmd)
		renderCtx := cmd.RenderContextSnapshot
		outcome, err := r.taskseq.Run(ctx, cmd.Pipeline, renderCtx, iter)
		if err != nil {
			toolErr = &toolerrors.ToolError{Kind: toolerrors.KindUnknown, Message: err.Error(), Source: "taskseq"}
		} else {
			doneResult = outcome
			if outcome.Error != nil {
				toolErr = outcome.Error
			}
		}
	} else {
		doneResult, toolErr = r.tools.Invoke(ctx, cmd.Tool, cmd.Args)
	}

	durationMS := time.Since(start).Milliseconds()
	meta := commandMeta(cmd)

	if toolErr != nil && !cmd.Metadata.TaskSequence {
		// A plain (non-task-sequence) tool error is terminal for this
		// command; task-sequence errors are already folded into the
		// Outcome the executor returned (policy rules decide retry/fail).
		if _, err := r.reporter.PostEvent(ctx, &model.Event{
			ExecutionID: cmd.ExecutionID,
			Name:        model.EventCallError,
			Step:        cmd.Step,
			Status:      model.StatusFailed,
			Error:       toolErr.AsMap(),
			DurationMS:  durationMS,
			Meta:        meta,
		}); err != nil {
			return fmt.Errorf("worker: report call.error: %w", err)
		}
	} else {
		if _, err := r.reporter.PostEvent(ctx, &model.Event{
			ExecutionID: cmd.ExecutionID,
			Name:        model.EventCallDone,
			Step:        cmd.Step,
			Status:      model.StatusCompleted,
			Result:      model.NewDataResult(doneResult),
			DurationMS:  durationMS,
			Meta:        meta,
		}); err != nil {
			return fmt.Errorf("worker: report call.done: %w", err)
		}
	}

	_, err := r.reporter.PostEvent(ctx, &model.Event{
		ExecutionID: cmd.ExecutionID,
		Name:        model.EventStepExit,
		Step:        cmd.Step,
		Status:      model.StatusCompleted,
		Result:      model.NewDataResult(doneResult),
		DurationMS:  durationMS,
		Meta:        meta,
	})
	if err != nil {
		return fmt.Errorf("worker: report step.exit: %w", err)
	}
	return nil
}

func commandMeta(cmd *model.Command) model.EventMeta {
	return model.EventMeta{
		ExecutionID:        cmd.ExecutionID,
		LoopEventID:        cmd.Metadata.LoopEventID,
		LoopIterationIndex: cmd.Metadata.LoopIterationIndex,
		CommandID:          cmd.ID,
	}
}

func iterContext(cmd *model.Command) map[string]any {
	if cmd.Metadata.LoopStep == "" {
		return nil
	}
	return map[string]any{
		"loop_index": cmd.Metadata.LoopIterationIndex,
		"_index":     cmd.Metadata.LoopIterationIndex,
		"_first":     cmd.Metadata.LoopIterationIndex == 0,
		"_last":      cmd.Metadata.LoopCollectionSize > 0 && cmd.Metadata.LoopIterationIndex == cmd.Metadata.LoopCollectionSize-1,
	}
}
