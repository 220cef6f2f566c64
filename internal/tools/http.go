package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/noetl/noetl-go/internal/toolerrors"
)

// httpTool executes the `http` tool kind (spec §4.8 "http? ... helpers").
// Config keys: method, url, headers, params, body (sent JSON-encoded). The
// client timeout is fixed at 30 seconds.
type httpTool struct {
	client *http.Client
}

func newHTTPTool() *httpTool {
	return &httpTool{client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *httpTool) invoke(ctx context.Context, config map[string]any) (any, *toolerrors.ToolError) {
	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	url, _ := config["url"].(string)
	if url == "" {
		return nil, &toolerrors.ToolError{Kind: toolerrors.KindClientError, Message: "http tool: missing url", Source: "http"}
	}

	var body io.Reader
	if payload, ok := config["body"]; ok {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, &toolerrors.ToolError{Kind: toolerrors.KindClientError, Message: err.Error(), Source: "http"}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &toolerrors.ToolError{Kind: toolerrors.KindClientError, Message: err.Error(), Source: "http"}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if params, ok := config["params"].(map[string]any); ok {
		q := req.URL.Query()
		for k, v := range params {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &toolerrors.ToolError{Kind: toolerrors.KindConnection, Retryable: true, Message: err.Error(), Source: "http"}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &toolerrors.ToolError{Kind: toolerrors.KindConnection, Retryable: true, Message: err.Error(), Source: "http"}
	}

	if resp.StatusCode >= 400 {
		retryAfter := 0.0
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			fmt.Sscanf(ra, "%f", &retryAfter)
		}
		return nil, toolerrors.FromHTTPStatus(resp.StatusCode, string(raw), retryAfter)
	}

	var decoded any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			decoded = string(raw)
		}
	}
	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     flattenHeader(resp.Header),
		"data":        decoded,
	}, nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
