// Package taskseq implements the Task-Sequence Executor (spec §4.8,
// component H): it runs an ordered list of labelled tool tasks atomically on
// one worker, threading a local context (_task, _prev, _attempt, outcome,
// results, vars, iter) through each task's per-task eval clauses.
//
// The shape — an Executor wrapping a pluggable tool invoker plus the shared
// Template Renderer (F) — mirrors the worker-side run loop in the teacher's
// agents/runtime/runtime package, generalized from "call one agent tool"
// to "run one labelled task list with retry/jump/break/fail control flow".
package taskseq

import (
	"context"
	"fmt"
	"time"

	"github.com/noetl/noetl-go/internal/model"
	"github.com/noetl/noetl-go/internal/render"
	"github.com/noetl/noetl-go/internal/toolerrors"
)

// ToolInvoker is the worker-side tool dispatch boundary (the internal/tools
// package's adapters satisfy this). Implementations classify their own
// failures into *toolerrors.ToolError so outcome.error has a stable shape
// regardless of tool kind (spec §4.8).
type ToolInvoker interface {
	Invoke(ctx context.Context, tool model.ToolSpec, args map[string]any) (any, *toolerrors.ToolError)
}

// Outcome is the result handed back to the coordinator as the body of
// call.done (spec §4.8).
type Outcome struct {
	Status          string               `json:"status"`
	Prev            any                  `json:"_prev,omitempty"`
	Results         map[string]any       `json:"results,omitempty"`
	StepVars        map[string]any       `json:"step_vars,omitempty"`
	RemainingActions []model.EvalRule    `json:"remaining_actions,omitempty"`
	Error           *toolerrors.ToolError `json:"error,omitempty"`
	FailedTask      string               `json:"failed_task,omitempty"`
}

// Executor runs labelled task sequences.
type Executor struct {
	tools  ToolInvoker
	render *render.Renderer
	now    func() time.Time
}

// New constructs an Executor.
func New(tools ToolInvoker, renderer *render.Renderer) *Executor {
	return &Executor{tools: tools, render: renderer, now: time.Now}
}

// Run executes pipeline against renderCtx (the command's snapshot of
// execution variables), returning the Outcome to report back as call.done.
func (e *Executor) Run(ctx context.Context, pipeline []model.LabelledTask, renderCtx map[string]any, iter map[string]any) (*Outcome, error) {
	vars := map[string]any{}
	results := map[string]any{}
	var prev any

	for idx := 0; idx < len(pipeline); {
		task := pipeline[idx]
		attempt := 1

		for {
			taskCtx := mergeContexts(renderCtx, map[string]any{
				"_task":    task.Name,
				"_prev":    prev,
				"_attempt": attempt,
				"vars":     vars,
				"results":  results,
				"iter":     iter,
			})

			renderedConfig, err := e.render.RenderRecursive(task.Tool.Config, taskCtx)
			if err != nil {
				return nil, fmt.Errorf("taskseq: render task %s config: %w", task.Name, err)
			}
			tool := task.Tool
			if m, ok := renderedConfig.(map[string]any); ok {
				tool.Config = m
			}

			start := e.now()
			result, toolErr := e.tools.Invoke(ctx, tool, taskCtx)
			durationMS := e.now().Sub(start).Milliseconds()

			outcome := buildOutcomeContext(result, toolErr, attempt, durationMS)
			evalCtx := mergeContexts(taskCtx, map[string]any{"outcome": outcome})

			rule, matched, err := e.matchEval(task.Eval, evalCtx)
			if err != nil {
				return nil, err
			}
			action := model.ActionContinue
			if matched {
				action = rule.Do
				if len(rule.SetVars) > 0 {
					rendered, err := e.render.RenderRecursive(rule.SetVars, evalCtx)
					if err != nil {
						return nil, fmt.Errorf("taskseq: render set_vars: %w", err)
					}
					for k, v := range rendered.(map[string]any) {
						vars[k] = v
					}
				}
				if len(rule.SetIter) > 0 {
					rendered, err := e.render.RenderRecursive(rule.SetIter, evalCtx)
					if err != nil {
						return nil, fmt.Errorf("taskseq: render set_iter: %w", err)
					}
					for k, v := range rendered.(map[string]any) {
						iter[k] = v
					}
				}
			} else if toolErr != nil {
				action = model.ActionFail
			}

			switch action {
			case model.ActionRetry:
				maxAttempts := rule.Attempts
				if maxAttempts <= 0 {
					maxAttempts = 3
				}
				if attempt < maxAttempts {
					delay := computeDelay(rule.Backoff, rule.Delay, attempt)
					if delay > 0 {
						select {
						case <-ctx.Done():
							return nil, ctx.Err()
						case <-time.After(delay):
						}
					}
					attempt++
					continue
				}
				return &Outcome{Status: "failed", Error: toolErr, FailedTask: task.Name, Results: results, StepVars: vars}, nil

			case model.ActionJump:
				if toolErr == nil {
					prev = result
					results[task.Name] = result
				}
				target := indexOfTask(pipeline, rule.To)
				if target < 0 {
					return nil, fmt.Errorf("taskseq: jump target %q not found", rule.To)
				}
				idx = target

			case model.ActionBreak:
				if toolErr == nil {
					prev = result
					results[task.Name] = result
				}
				return &Outcome{
					Status:           "break",
					Prev:             prev,
					Results:          results,
					StepVars:         vars,
					RemainingActions: remainingAsActions(pipeline, idx+1),
				}, nil

			case model.ActionFail:
				return &Outcome{Status: "failed", Error: toolErr, FailedTask: task.Name, Results: results, StepVars: vars}, nil

			default: // ActionContinue
				if toolErr == nil {
					prev = result
					results[task.Name] = result
				} else {
					prev = nil // error swallowed per spec §4.8 "continue: on error this means swallow"
				}
				idx++
			}
			break
		}
	}

	return &Outcome{Status: "success", Prev: prev, Results: results, StepVars: vars}, nil
}

// matchEval evaluates task.Eval in order, returning the first clause whose
// expr renders truthy against evalCtx (spec §4.8: "ordered list... default
// (no eval): success→continue, error→fail"). An else clause matches
// unconditionally and yields its inner rule.
func (e *Executor) matchEval(rules []model.EvalRule, evalCtx map[string]any) (model.EvalRule, bool, error) {
	for _, rule := range rules {
		if rule.Else != nil {
			return *rule.Else, true, nil
		}
		if rule.Expr == "" {
			return rule, true, nil
		}
		ok, err := e.render.RenderBool(rule.Expr, evalCtx)
		if err != nil {
			return model.EvalRule{}, false, fmt.Errorf("taskseq: render eval expr: %w", err)
		}
		if ok {
			return rule, true, nil
		}
	}
	return model.EvalRule{}, false, nil
}

// computeDelay implements spec §4.8's backoff formulas.
func computeDelay(backoff model.RetryBackoff, delay float64, attempt int) time.Duration {
	var seconds float64
	switch backoff {
	case model.BackoffLinear:
		seconds = delay * float64(attempt)
	case model.BackoffExponential:
		mult := 1
		for i := 1; i < attempt; i++ {
			mult *= 2
		}
		seconds = delay * float64(mult)
	default:
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func buildOutcomeContext(result any, toolErr *toolerrors.ToolError, attempt int, durationMS int64) map[string]any {
	meta := map[string]any{"attempt": attempt, "duration_ms": durationMS}
	if toolErr != nil {
		return map[string]any{"status": "error", "error": toolErr.AsMap(), "meta": meta}
	}
	return map[string]any{"status": "success", "result": result, "meta": meta}
}

func indexOfTask(pipeline []model.LabelledTask, name string) int {
	for i, t := range pipeline {
		if t.Name == name {
			return i
		}
	}
	return -1
}

func remainingAsActions(pipeline []model.LabelledTask, from int) []model.EvalRule {
	var out []model.EvalRule
	for i := from; i < len(pipeline); i++ {
		out = append(out, model.EvalRule{To: pipeline[i].Name})
	}
	return out
}

func mergeContexts(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
