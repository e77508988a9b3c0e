package remote

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/guregu/null/v6"

	"github.com/fnforge/fnforge/pkg/deploy"
)

const (
	buildAndPushTimeout = 30 * time.Second
	taskStatusTimeout   = 10 * time.Second
)

// BuildClient talks to the build service.
type BuildClient struct {
	*client
}

var _ deploy.BuildService = (*BuildClient)(nil)

// NewBuildClient creates a build service client for the given base URL.
func NewBuildClient(base string, opts ...Option) (*BuildClient, error) {
	c, err := newClient(base, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create build client: %w", err)
	}
	return &BuildClient{client: c}, nil
}

// BuildAndPush uploads the artifact and starts a build. The returned ticket
// carries the task id to poll.
func (c *BuildClient) BuildAndPush(ctx context.Context, req deploy.BuildRequest) (*deploy.BuildTicket, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("file", req.Artifact.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(req.Artifact.Content); err != nil {
		return nil, fmt.Errorf("failed to write artifact: %w", err)
	}

	fields := []struct{ key, value string }{
		{"registry_url", req.RegistryURL},
		{"username", req.Username},
		{"password", req.Password},
		{"tag", req.Tag},
		{"app_name", req.AppName},
		{"workspace_id", req.WorkspaceID},
	}
	for _, f := range fields {
		if err := w.WriteField(f.key, f.value); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", f.key, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	var ticket deploy.BuildTicket
	err = c.do(ctx, request{
		operation:   "build_and_push",
		method:      http.MethodPost,
		path:        "/api/v1/build-and-push",
		body:        &body,
		contentType: w.FormDataContentType(),
		timeout:     buildAndPushTimeout,
	}, &ticket)
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

type taskResult struct {
	ImageRef null.String `json:"image_ref"`
	ImageURL null.String `json:"image_url"`
	ImageURI null.String `json:"image_uri"`
}

type taskResponse struct {
	TaskID string      `json:"task_id"`
	Status string      `json:"status"`
	Result *taskResult `json:"result"`
	Error  null.String `json:"error"`
}

// imageRef returns the first image reference present under any accepted key.
func (r *taskResult) imageRef() null.String {
	if r == nil {
		return null.String{}
	}
	for _, s := range []null.String{r.ImageRef, r.ImageURL, r.ImageURI} {
		if s.Valid && s.String != "" {
			return s
		}
	}
	return null.String{}
}

// TaskStatus fetches the current status of a build task. The phase string is
// returned as reported; parsing is up to the caller.
func (c *BuildClient) TaskStatus(ctx context.Context, taskID, workspaceID string) (*deploy.TaskStatus, error) {
	path := fmt.Sprintf("/api/v1/tasks/%s?workspace_id=%s", url.PathEscape(taskID), url.QueryEscape(workspaceID))

	var resp taskResponse
	err := c.do(ctx, request{
		operation: "task_status",
		method:    http.MethodGet,
		path:      path,
		timeout:   taskStatusTimeout,
	}, &resp)
	if err != nil {
		return nil, err
	}

	id := resp.TaskID
	if id == "" {
		id = taskID
	}
	return &deploy.TaskStatus{
		TaskID:   id,
		Status:   resp.Status,
		ImageRef: resp.Result.imageRef(),
		Error:    resp.Error,
	}, nil
}
