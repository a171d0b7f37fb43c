package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"custodia/internal/entity"
	id "custodia/pkg/domain"
	"custodia/pkg/platform/sentinel"
	"custodia/pkg/requestcontext"
)

// HTTP talks to the corporate directory's REST facade. It implements Client;
// production deployments wrap it with the Redis cache.
type HTTP struct {
	baseURL string
	http    *http.Client
}

// HTTPOption configures an HTTP directory client.
type HTTPOption func(*HTTP)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTP) { c.http = hc }
}

func NewHTTP(baseURL string, opts ...HTTPOption) *HTTP {
	c := &HTTP{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SecurityGroupIDs resolves the principal's group memberships. forceRefresh is
// a cache concern; the directory itself is always authoritative.
func (c *HTTP) SecurityGroupIDs(ctx context.Context, principal requestcontext.AuthenticatedPrincipal, _ bool) ([]id.SecurityGroupID, error) {
	subject := principal.UserID
	if subject == "" {
		subject = principal.ApplicationID
	}

	var payload struct {
		Groups []id.SecurityGroupID `json:"groups"`
	}
	path := "/principals/" + url.PathEscape(subject) + "/securityGroups"
	if err := c.get(ctx, path, &payload); err != nil {
		return nil, fmt.Errorf("resolve security groups: %w", err)
	}
	return payload.Groups, nil
}

func (c *HTTP) ResolveServiceTree(ctx context.Context, nodeID id.ServiceTreeID, level entity.ServiceTreeLevel) (*ServiceTreeNode, error) {
	var node ServiceTreeNode
	path := fmt.Sprintf("/serviceTree/%s/%s", url.PathEscape(string(level)), nodeID)
	if err := c.get(ctx, path, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (c *HTTP) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("query directory: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return sentinel.ErrNotFound
	case resp.StatusCode >= 300:
		return fmt.Errorf("query directory: unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode directory response: %w", err)
	}
	return nil
}
