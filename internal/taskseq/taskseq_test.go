package taskseq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl-go/internal/model"
	"github.com/noetl/noetl-go/internal/render"
	"github.com/noetl/noetl-go/internal/toolerrors"
)

// fixedTime freezes the executor's clock so measured task durations are
// zero; the retry tests use no backoff, so they never sleep.
var fixedTime = time.Unix(1700000000, 0)

// fakeInvoker replays a scripted sequence of (result, error) pairs per task
// name, one per call, so tests can drive retry/fail paths deterministically.
type fakeInvoker struct {
	calls   []model.ToolSpec
	scripts map[string][]invocation
}

type invocation struct {
	result any
	err    *toolerrors.ToolError
}

func (f *fakeInvoker) Invoke(_ context.Context, tool model.ToolSpec, _ map[string]any) (any, *toolerrors.ToolError) {
	f.calls = append(f.calls, tool)
	key, _ := tool.Config["_script_key"].(string)
	script := f.scripts[key]
	if len(script) == 0 {
		return nil, &toolerrors.ToolError{Kind: toolerrors.KindUnknown, Message: "no script left for " + key}
	}
	next := script[0]
	f.scripts[key] = script[1:]
	return next.result, next.err
}

func task(name string, scriptKey string, eval []model.EvalRule) model.LabelledTask {
	return model.LabelledTask{
		Name: name,
		Tool: model.ToolSpec{Kind: "http", Config: map[string]any{"_script_key": scriptKey}},
		Eval: eval,
	}
}

func TestExecutor_SuccessDefaultContinue(t *testing.T) {
	inv := &fakeInvoker{scripts: map[string][]invocation{
		"a": {{result: "a-result"}},
		"b": {{result: "b-result"}},
	}}
	exec := New(inv, render.New())

	pipeline := []model.LabelledTask{task("a", "a", nil), task("b", "b", nil)}
	outcome, err := exec.Run(context.Background(), pipeline, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", outcome.Status)
	assert.Equal(t, "b-result", outcome.Prev)
	assert.Equal(t, "a-result", outcome.Results["a"])
	assert.Equal(t, "b-result", outcome.Results["b"])
}

func TestExecutor_DefaultErrorFails(t *testing.T) {
	toolErr := &toolerrors.ToolError{Kind: toolerrors.KindServerError, Retryable: true, Message: "boom"}
	inv := &fakeInvoker{scripts: map[string][]invocation{
		"a": {{err: toolErr}},
	}}
	exec := New(inv, render.New())

	pipeline := []model.LabelledTask{task("a", "a", nil)}
	outcome, err := exec.Run(context.Background(), pipeline, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "failed", outcome.Status)
	assert.Equal(t, "a", outcome.FailedTask)
	assert.Same(t, toolErr, outcome.Error)
}

func TestExecutor_RetryThenSucceed(t *testing.T) {
	toolErr := &toolerrors.ToolError{Kind: toolerrors.KindTimeout, Retryable: true}
	inv := &fakeInvoker{scripts: map[string][]invocation{
		"a": {{err: toolErr}, {result: "ok"}},
	}}
	exec := New(inv, render.New())
	exec.now = func() time.Time { return fixedTime }

	pipeline := []model.LabelledTask{
		task("a", "a", []model.EvalRule{
			{Expr: `{{ eq .outcome.status "error" }}`, Do: model.ActionRetry, Attempts: 3, Backoff: model.BackoffNone},
		}),
	}
	outcome, err := exec.Run(context.Background(), pipeline, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", outcome.Status)
	assert.Equal(t, "ok", outcome.Prev)
	assert.Len(t, inv.calls, 2)
}

func TestExecutor_RetryExhaustedFails(t *testing.T) {
	toolErr := &toolerrors.ToolError{Kind: toolerrors.KindTimeout, Retryable: true}
	inv := &fakeInvoker{scripts: map[string][]invocation{
		"a": {{err: toolErr}, {err: toolErr}},
	}}
	exec := New(inv, render.New())
	exec.now = func() time.Time { return fixedTime }

	pipeline := []model.LabelledTask{
		task("a", "a", []model.EvalRule{
			{Do: model.ActionRetry, Attempts: 2, Backoff: model.BackoffNone},
		}),
	}
	outcome, err := exec.Run(context.Background(), pipeline, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "failed", outcome.Status)
	assert.Len(t, inv.calls, 2)
}

func TestExecutor_JumpSkipsTasks(t *testing.T) {
	inv := &fakeInvoker{scripts: map[string][]invocation{
		"a": {{result: "a-result"}},
		"c": {{result: "c-result"}},
	}}
	exec := New(inv, render.New())

	pipeline := []model.LabelledTask{
		task("a", "a", []model.EvalRule{{Do: model.ActionJump, To: "c"}}),
		task("b", "b", nil),
		task("c", "c", nil),
	}
	outcome, err := exec.Run(context.Background(), pipeline, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", outcome.Status)
	assert.Equal(t, "c-result", outcome.Prev)
	_, bCalled := outcome.Results["b"]
	assert.False(t, bCalled)
}

func TestExecutor_BreakReturnsRemaining(t *testing.T) {
	inv := &fakeInvoker{scripts: map[string][]invocation{
		"a": {{result: "a-result"}},
	}}
	exec := New(inv, render.New())

	pipeline := []model.LabelledTask{
		task("a", "a", []model.EvalRule{{Do: model.ActionBreak}}),
		task("b", "b", nil),
	}
	outcome, err := exec.Run(context.Background(), pipeline, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "break", outcome.Status)
	require.Len(t, outcome.RemainingActions, 1)
	assert.Equal(t, "b", outcome.RemainingActions[0].To)
}

func TestExecutor_ContinueOnErrorSwallows(t *testing.T) {
	toolErr := &toolerrors.ToolError{Kind: toolerrors.KindClientError}
	inv := &fakeInvoker{scripts: map[string][]invocation{
		"a": {{err: toolErr}},
		"b": {{result: "b-result"}},
	}}
	exec := New(inv, render.New())

	pipeline := []model.LabelledTask{
		task("a", "a", []model.EvalRule{{Do: model.ActionContinue}}),
		task("b", "b", nil),
	}
	outcome, err := exec.Run(context.Background(), pipeline, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", outcome.Status)
	assert.Equal(t, "b-result", outcome.Prev)
	_, aInResults := outcome.Results["a"]
	assert.False(t, aInResults)
}
