package keyhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ruteri/secure-model-distribution/api"
	"github.com/ruteri/secure-model-distribution/interfaces"
)

// Client calls the key lifecycle API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	return api.ReadResponse(resp, out)
}

func (c *Client) GenerateKey(ctx context.Context, req api.GenerateKeyRequest) (*interfaces.ManagedKey, error) {
	var key interfaces.ManagedKey
	if err := c.do(ctx, http.MethodPost, "/api/v1/keys", req, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

func (c *Client) GetKey(ctx context.Context, keyID string) (*interfaces.ManagedKey, error) {
	var key interfaces.ManagedKey
	if err := c.do(ctx, http.MethodGet, "/api/v1/keys/"+url.PathEscape(keyID), nil, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

func (c *Client) ListKeys(ctx context.Context, modelID string, activeOnly bool) ([]*interfaces.ManagedKey, error) {
	query := url.Values{}
	if modelID != "" {
		query.Set("model_id", modelID)
	}
	if activeOnly {
		query.Set("active", "true")
	}

	path := "/api/v1/keys"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var keys []*interfaces.ManagedKey
	if err := c.do(ctx, http.MethodGet, path, nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (c *Client) RotateKey(ctx context.Context, keyID string, req api.RotateKeyRequest) (*interfaces.ManagedKey, error) {
	var key interfaces.ManagedKey
	if err := c.do(ctx, http.MethodPost, "/api/v1/keys/"+url.PathEscape(keyID)+"/rotate", req, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

func (c *Client) RevokeKey(ctx context.Context, keyID, reason string) (bool, error) {
	var resp api.RevokeKeyResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/keys/"+url.PathEscape(keyID)+"/revoke", api.RevokeKeyRequest{Reason: reason}, &resp); err != nil {
		return false, err
	}
	return resp.Revoked, nil
}

func (c *Client) ValidateBinding(ctx context.Context, keyID string) (bool, error) {
	var resp api.BindingResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/keys/"+url.PathEscape(keyID)+"/binding", nil, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (c *Client) History(ctx context.Context, keyID string) ([]interfaces.KeyRotationEvent, error) {
	var events []interfaces.KeyRotationEvent
	if err := c.do(ctx, http.MethodGet, "/api/v1/keys/"+url.PathEscape(keyID)+"/history", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) Cleanup(ctx context.Context) (int, error) {
	var resp api.CleanupResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/keys/cleanup", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Disposed, nil
}

func (c *Client) Statistics(ctx context.Context) (*interfaces.KeyStatistics, error) {
	var stats interfaces.KeyStatistics
	if err := c.do(ctx, http.MethodGet, "/api/v1/keys/statistics", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}
