package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fnforge/fnforge/pkg/deploy"
)

const deployTimeout = 60 * time.Second

// ClusterClient talks to the deployment service.
type ClusterClient struct {
	*client
}

var _ deploy.ClusterService = (*ClusterClient)(nil)

// NewClusterClient creates a deployment service client for the given base URL.
func NewClusterClient(base string, opts ...Option) (*ClusterClient, error) {
	c, err := newClient(base, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster client: %w", err)
	}
	return &ClusterClient{client: c}, nil
}

// Deploy asks the deployment service to run an image. A null endpoint in the
// response is passed through; the caller decides what it means.
func (c *ClusterClient) Deploy(ctx context.Context, req deploy.ClusterDeployRequest) (*deploy.ClusterDeployment, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode deploy request: %w", err)
	}

	var out deploy.ClusterDeployment
	err = c.do(ctx, request{
		operation:   "deploy",
		method:      http.MethodPost,
		path:        "/api/v1/deploy",
		body:        bytes.NewReader(payload),
		contentType: "application/json",
		timeout:     deployTimeout,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
