package tools

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl-go/internal/toolerrors"
)

// postgresTool executes the `postgres` tool kind against a shared pool
// supplied at worker startup.
type postgresTool struct {
	defaultPool *pgxpool.Pool
}

func newPostgresTool(defaultPool *pgxpool.Pool) *postgresTool {
	return &postgresTool{defaultPool: defaultPool}
}

func (t *postgresTool) invoke(ctx context.Context, config map[string]any) (any, *toolerrors.ToolError) {
	pool := t.defaultPool
	if pool == nil {
		return nil, &toolerrors.ToolError{Kind: toolerrors.KindDBConnection, Retryable: true, Message: "postgres tool: no pool configured", Source: "postgres"}
	}
	query, _ := config["query"].(string)
	if query == "" {
		return nil, &toolerrors.ToolError{Kind: toolerrors.KindClientError, Message: "postgres tool: missing query", Source: "postgres"}
	}
	var args []any
	if rawArgs, ok := config["params"].([]any); ok {
		args = rawArgs
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPostgresErr(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, classifyPostgresErr(err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresErr(err)
	}
	return map[string]any{"rows": out, "row_count": len(out)}, nil
}

func classifyPostgresErr(err error) *toolerrors.ToolError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return toolerrors.FromPostgresSQLState(pgErr.Code, pgErr.Message)
	}
	return &toolerrors.ToolError{Kind: toolerrors.KindDBConnection, Retryable: true, Message: err.Error(), Source: "postgres"}
}
