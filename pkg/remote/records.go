package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fnforge/fnforge/pkg/stores"
	"github.com/fnforge/fnforge/pkg/telemetry"
)

const recordTimeout = 15 * time.Second

// RecordClient is a stores.Store backed by the external record service.
type RecordClient struct {
	*client
}

var _ stores.Store = (*RecordClient)(nil)

// NewRecordClient creates a record service client for the given base URL.
func NewRecordClient(base string, opts ...Option) (*RecordClient, error) {
	c, err := newClient(base, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create record client: %w", err)
	}
	return &RecordClient{client: c}, nil
}

// call wraps a request with telemetry and maps 404 to stores.ErrNotFound.
func (c *RecordClient) call(ctx context.Context, r request, v any) error {
	r.timeout = recordTimeout
	err := telemetry.RecordRemoteOperation(ctx, c.tel, "records", r.operation, func(ctx context.Context) error {
		return c.do(ctx, r, v)
	})

	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", se.Error(), stores.ErrNotFound)
	}
	return err
}

func jsonBody(v any) (*bytes.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return bytes.NewReader(data), nil
}

// Get fetches one function record.
func (c *RecordClient) Get(ctx context.Context, id string) (*stores.FunctionRecord, error) {
	var rec stores.FunctionRecord
	err := c.call(ctx, request{
		operation: "get_function",
		method:    http.MethodGet,
		path:      "/api/functions/" + url.PathEscape(id),
	}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListByWorkspace lists the functions of a workspace.
func (c *RecordClient) ListByWorkspace(ctx context.Context, workspaceID string) ([]*stores.FunctionRecord, error) {
	var recs []*stores.FunctionRecord
	err := c.call(ctx, request{
		operation: "list_functions",
		method:    http.MethodGet,
		path:      "/api/workspaces/" + url.PathEscape(workspaceID) + "/functions",
	}, &recs)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// ApplyPatch sends only the fields set on the patch and returns the merged record.
func (c *RecordClient) ApplyPatch(ctx context.Context, id string, patch stores.Patch) (*stores.FunctionRecord, error) {
	if err := patch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}
	body, err := jsonBody(patch)
	if err != nil {
		return nil, err
	}

	var rec stores.FunctionRecord
	err = c.call(ctx, request{
		operation:   "patch_function",
		method:      http.MethodPatch,
		path:        "/api/functions/" + url.PathEscape(id),
		body:        body,
		contentType: "application/json",
	}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create inserts a record in its workspace. Fields assigned by the service,
// such as the id and timestamps, are copied back into rec.
func (c *RecordClient) Create(ctx context.Context, rec *stores.FunctionRecord) error {
	if rec.WorkspaceID == "" {
		return fmt.Errorf("workspace id is required")
	}
	body, err := jsonBody(rec)
	if err != nil {
		return err
	}

	var created stores.FunctionRecord
	err = c.call(ctx, request{
		operation:   "create_function",
		method:      http.MethodPost,
		path:        "/api/workspaces/" + url.PathEscape(rec.WorkspaceID) + "/functions",
		body:        body,
		contentType: "application/json",
	}, &created)
	if err != nil {
		return err
	}
	*rec = created
	return nil
}

// Delete removes a record.
func (c *RecordClient) Delete(ctx context.Context, id string) error {
	return c.call(ctx, request{
		operation: "delete_function",
		method:    http.MethodDelete,
		path:      "/api/functions/" + url.PathEscape(id),
	}, nil)
}
