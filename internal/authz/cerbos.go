package authz

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/pitabwire/taskgate/internal/upstream"
	"github.com/pitabwire/taskgate/model"
)

const cerbosEffectAllow = "EFFECT_ALLOW"

// CerbosClient checks decisions against the Cerbos HTTP API.
type CerbosClient struct {
	client *upstream.Client
}

// NewCerbosClient creates a Cerbos policy client over an upstream client
// whose base URL is the Cerbos server.
func NewCerbosClient(client *upstream.Client) *CerbosClient {
	return &CerbosClient{client: client}
}

type cerbosCheckRequest struct {
	RequestID string                `json:"requestId"`
	Principal model.Principal       `json:"principal"`
	Resources []cerbosResourceEntry `json:"resources"`
}

type cerbosResourceEntry struct {
	Actions  []string       `json:"actions"`
	Resource model.Resource `json:"resource"`
}

type cerbosCheckResponse struct {
	RequestID string `json:"requestId"`
	Results   []struct {
		Resource struct {
			ID   string `json:"id"`
			Kind string `json:"kind"`
		} `json:"resource"`
		Actions map[string]string `json:"actions"`
	} `json:"results"`
}

// Check calls /api/check/resources for a single resource and action.
func (c *CerbosClient) Check(ctx context.Context, principal model.Principal, resource model.Resource, action model.Action) (bool, error) {
	req := cerbosCheckRequest{
		RequestID: uuid.NewString(),
		Principal: principal,
		Resources: []cerbosResourceEntry{{
			Actions:  []string{action.String()},
			Resource: resource,
		}},
	}

	var resp cerbosCheckResponse
	if err := c.client.Do(ctx, upstream.Request{
		Method: http.MethodPost,
		Path:   "/api/check/resources",
		Body:   req,
	}, &resp); err != nil {
		return false, fmt.Errorf("cerbos check: %w", err)
	}

	for _, r := range resp.Results {
		if r.Resource.ID != resource.ID || r.Resource.Kind != resource.Kind {
			continue
		}
		return r.Actions[action.String()] == cerbosEffectAllow, nil
	}
	return false, fmt.Errorf("cerbos check: no result for %s/%s", resource.Kind, resource.ID)
}
