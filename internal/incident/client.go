// Package incident talks to the external incident-management service that
// agents and owners register connectors with.
package incident

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Confirmer acknowledges a connector registration after the owning entity is
// persisted. Callers fire and forget: a failed confirmation is retried by the
// incident service's own reconciliation, never by the write pipeline.
type Confirmer interface {
	ConfirmRegistration(ctx context.Context, connectorID uuid.UUID, entityID uuid.UUID) error
}

// Client confirms connector registrations over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type confirmPayload struct {
	ConnectorID uuid.UUID `json:"connectorId"`
	EntityID    uuid.UUID `json:"entityId"`
}

func (c *Client) ConfirmRegistration(ctx context.Context, connectorID uuid.UUID, entityID uuid.UUID) error {
	body, err := json.Marshal(confirmPayload{ConnectorID: connectorID, EntityID: entityID})
	if err != nil {
		return fmt.Errorf("marshal confirmation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/connectors/confirm", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build confirmation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("confirm registration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("confirm registration: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Nop skips confirmation; used when no incident service is configured.
type Nop struct{}

func (Nop) ConfirmRegistration(context.Context, uuid.UUID, uuid.UUID) error { return nil }

// ConfirmAsync runs the confirmation in the background with its own timeout,
// logging the outcome. The caller's context is deliberately not used: the
// write has already committed when this runs.
func ConfirmAsync(confirmer Confirmer, logger *slog.Logger, connectorID, entityID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := confirmer.ConfirmRegistration(ctx, connectorID, entityID); err != nil {
			logger.Warn("connector registration confirmation failed",
				slog.String("connector_id", connectorID.String()),
				slog.String("entity_id", entityID.String()),
				slog.String("error", err.Error()))
		}
	}()
}
