// Package tools implements the worker-side tool adapters dispatched by the
// Task-Sequence Executor (spec §4.8, component H): http, postgres, duckdb,
// python, and workbook/playbook sub-execution.
package tools

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl-go/internal/model"
	"github.com/noetl/noetl-go/internal/toolerrors"
)

type invoker interface {
	invoke(ctx context.Context, config map[string]any) (any, *toolerrors.ToolError)
}

// Registry dispatches a ToolSpec to its worker-side adapter by Kind, and is
// the concrete type satisfying taskseq.ToolInvoker.
type Registry struct {
	byKind map[model.ToolKind]invoker
}

// NewRegistry wires the full tool set. pgPool and starter may be nil in
// workers that never run postgres/workbook/playbook tasks; calling postgres
// without a pool returns a retryable db_connection error, and calling
// workbook/playbook without a starter returns a non-retryable unknown error.
func NewRegistry(pgPool *pgxpool.Pool, starter ChildExecutionStarter) *Registry {
	return &Registry{byKind: map[model.ToolKind]invoker{
		model.ToolHTTP:     newHTTPTool(),
		model.ToolPostgres: newPostgresTool(pgPool),
		model.ToolDuckDB:   newDuckDBTool(),
		model.ToolPython:   newPythonTool(),
		model.ToolWorkbook: newWorkbookTool(starter),
		model.ToolPlaybook: newPlaybookTool(starter),
	}}
}

// Invoke implements taskseq.ToolInvoker.
func (r *Registry) Invoke(ctx context.Context, tool model.ToolSpec, args map[string]any) (any, *toolerrors.ToolError) {
	impl, ok := r.byKind[tool.Kind]
	if !ok {
		return nil, &toolerrors.ToolError{Kind: toolerrors.KindUnknown, Message: "tools: unknown tool kind " + string(tool.Kind), Source: "registry"}
	}
	config := map[string]any{}
	for k, v := range tool.Config {
		config[k] = v
	}
	config["args"] = args
	return impl.invoke(ctx, config)
}
