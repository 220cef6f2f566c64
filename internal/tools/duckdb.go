package tools

import (
	"context"
	"database/sql"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/noetl/noetl-go/internal/toolerrors"
)

// duckdbTool executes the `duckdb` tool kind: an embedded analytical query
// over the path/query given in config, opened fresh per call since DuckDB
// connections are cheap and config-driven (different `path` per task).
type duckdbTool struct{}

func newDuckDBTool() *duckdbTool { return &duckdbTool{} }

func (t *duckdbTool) invoke(ctx context.Context, config map[string]any) (any, *toolerrors.ToolError) {
	path, _ := config["path"].(string)
	if path == "" {
		path = ":memory:"
	}
	query, _ := config["query"].(string)
	if query == "" {
		return nil, &toolerrors.ToolError{Kind: toolerrors.KindClientError, Message: "duckdb tool: missing query", Source: "duckdb"}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, &toolerrors.ToolError{Kind: toolerrors.KindConnection, Retryable: true, Message: err.Error(), Source: "duckdb"}
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, &toolerrors.ToolError{Kind: toolerrors.KindClientError, Message: err.Error(), Source: "duckdb"}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &toolerrors.ToolError{Kind: toolerrors.KindUnknown, Message: err.Error(), Source: "duckdb"}
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &toolerrors.ToolError{Kind: toolerrors.KindUnknown, Message: err.Error(), Source: "duckdb"}
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return map[string]any{"rows": out, "row_count": len(out)}, nil
}
