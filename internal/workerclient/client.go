// Package workerclient implements the worker's HTTP client to the
// coordinator's façade (spec §4.9: "worker access goes through the
// coordinator's HTTP façade"), grounded on the teacher's plain net/http
// client usage in runtime/a2a for talking to a peer HTTP service.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/model"
)

// Client is a thin HTTP client over the coordinator's façade endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client pointed at the coordinator's base URL (e.g.
// "http://coordinator:8080").
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{}}
}

// PostEvent reports a lifecycle event to POST /events and returns the
// commands the coordinator issued as a result.
func (c *Client) PostEvent(ctx context.Context, ev *model.Event) ([]*model.Command, error) {
	var resp struct {
		Commands []*model.Command `json:"commands"`
	}
	if err := c.postJSON(ctx, "/events", ev, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

// StartChildExecution implements tools.ChildExecutionStarter by calling
// POST /executions. A pathOrCatalogID that parses as an ID is sent as
// catalog_id; anything else is sent as path.
func (c *Client) StartChildExecution(ctx context.Context, pathOrCatalogID string, payload map[string]any, parentExecutionID string) (string, error) {
	req := map[string]any{
		"payload":             payload,
		"parent_execution_id": parentExecutionID,
	}
	if _, err := id.Parse(pathOrCatalogID); err == nil {
		req["catalog_id"] = pathOrCatalogID
	} else {
		req["path"] = pathOrCatalogID
	}
	var resp struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := c.postJSON(ctx, "/executions", req, &resp); err != nil {
		return "", err
	}
	return resp.ExecutionID, nil
}

// CancellationCheck polls GET /executions/{id}/cancellation-check (spec
// §4.7.6): a worker calls this before starting a new task attempt to avoid
// doing wasted work on an already-cancelled execution.
func (c *Client) CancellationCheck(ctx context.Context, executionID string) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.getJSON(ctx, "/executions/"+executionID+"/cancellation-check", &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("workerclient: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("workerclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("workerclient: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("workerclient: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("workerclient: %s returned %d: %s", req.URL.Path, resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
