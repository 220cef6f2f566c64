package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"

	"github.com/noetl/noetl-go/internal/toolerrors"
)

// pythonTool executes the `python` tool kind: config.code or config.script
// runs via `python3`, fed the task's JSON-encoded args on stdin and expected
// to print a JSON result on stdout. This is the Go-native equivalent of the
// source implementation's in-process interpreter call — out-of-process is
// the only option available to a Go worker.
type pythonTool struct {
	interpreter string
}

func newPythonTool() *pythonTool {
	return &pythonTool{interpreter: "python3"}
}

func (t *pythonTool) invoke(ctx context.Context, config map[string]any) (any, *toolerrors.ToolError) {
	script, _ := config["script"].(string)
	code, _ := config["code"].(string)
	if script == "" && code == "" {
		return nil, &toolerrors.ToolError{Kind: toolerrors.KindClientError, Message: "python tool: missing script or code", Source: "python"}
	}

	var cmd *exec.Cmd
	if script != "" {
		cmd = exec.CommandContext(ctx, t.interpreter, script)
	} else {
		cmd = exec.CommandContext(ctx, t.interpreter, "-c", code)
	}

	payload, err := json.Marshal(config["args"])
	if err != nil {
		return nil, &toolerrors.ToolError{Kind: toolerrors.KindClientError, Message: err.Error(), Source: "python"}
	}
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exceptionType := "RuntimeError"
		if exitErr, ok := err.(*exec.ExitError); ok {
			_ = exitErr
		}
		return nil, toolerrors.FromPythonException(exceptionType, stderr.String())
	}

	var decoded any
	if stdout.Len() > 0 {
		if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
			decoded = stdout.String()
		}
	}
	return decoded, nil
}
