package tools

import (
	"context"

	"github.com/noetl/noetl-go/internal/toolerrors"
)

// workbookTool and playbookTool execute the `workbook` and `playbook` tool
// kinds: sub-execution of another catalog entry. Spec §9 Open Question #2
// leaves sub-playbook result extraction a collaborator concern; this worker
// adapter only starts the child execution through the coordinator's HTTP
// façade and returns its execution_id, not its eventual result.
type subExecutionTool struct {
	kind     string
	starter  ChildExecutionStarter
}

// ChildExecutionStarter is the boundary to the coordinator's start_execution
// operation (component G), used by workbook/playbook sub-execution tasks.
type ChildExecutionStarter interface {
	StartChildExecution(ctx context.Context, pathOrCatalogID string, payload map[string]any, parentExecutionID string) (string, error)
}

func newWorkbookTool(starter ChildExecutionStarter) *subExecutionTool {
	return &subExecutionTool{kind: "workbook", starter: starter}
}

func newPlaybookTool(starter ChildExecutionStarter) *subExecutionTool {
	return &subExecutionTool{kind: "playbook", starter: starter}
}

func (t *subExecutionTool) invoke(ctx context.Context, config map[string]any) (any, *toolerrors.ToolError) {
	if t.starter == nil {
		return nil, &toolerrors.ToolError{Kind: toolerrors.KindUnknown, Message: t.kind + " tool: no child-execution starter configured", Source: t.kind}
	}
	ref, _ := config["path"].(string)
	if ref == "" {
		ref, _ = config["catalog_id"].(string)
	}
	payload, _ := config["payload"].(map[string]any)
	parent, _ := config["parent_execution_id"].(string)

	childID, err := t.starter.StartChildExecution(ctx, ref, payload, parent)
	if err != nil {
		return nil, &toolerrors.ToolError{Kind: toolerrors.KindUnknown, Message: err.Error(), Source: t.kind}
	}
	return map[string]any{"execution_id": childID}, nil
}
