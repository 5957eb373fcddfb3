package polling

import (
	"context"
	"fmt"

	"github.com/PixelForge-AI/generation_service/internal/httputil"
	"github.com/PixelForge-AI/generation_service/services/generation"
)

// StatusClient fetches the current status of a job. Errors returned here are
// treated as transient by the controller and never escalated to a failure.
type StatusClient interface {
	GetStatus(ctx context.Context, jobID string) (*generation.StatusResponse, error)
}

// HTTPStatusClient implements StatusClient against the generation API.
type HTTPStatusClient struct {
	client *httputil.Client
}

// NewHTTPStatusClient creates a status client for the given API base URL.
func NewHTTPStatusClient(baseURL, apiKey string) *HTTPStatusClient {
	return &HTTPStatusClient{
		client: httputil.NewClient(httputil.ClientConfig{BaseURL: baseURL, APIKey: apiKey}),
	}
}

// GetStatus fetches the job's status document.
func (c *HTTPStatusClient) GetStatus(ctx context.Context, jobID string) (*generation.StatusResponse, error) {
	resp, err := c.client.Get(ctx, "/v1/generations/"+jobID)
	if err != nil {
		return nil, fmt.Errorf("status request: %w", err)
	}

	var status generation.StatusResponse
	if err := httputil.DecodeResponse(resp, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
