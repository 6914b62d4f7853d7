package transferhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ruteri/secure-model-distribution/api"
	"github.com/ruteri/secure-model-distribution/interfaces"
)

// Client calls the model and transfer API.
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

func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	return api.ReadResponse(resp, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if in == nil {
		return c.send(ctx, method, path, "", nil, out)
	}
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	return c.send(ctx, method, path, "application/json", bytes.NewReader(data), out)
}

// UploadModel streams model plaintext to the admin node, which encrypts it
// under keyID. A blockSize of zero leaves the choice to the server.
func (c *Client) UploadModel(ctx context.Context, modelID, keyID string, blockSize int, model io.Reader) (*api.UploadModelResponse, error) {
	query := url.Values{"key_id": {keyID}}
	if blockSize > 0 {
		query.Set("block_size", strconv.Itoa(blockSize))
	}

	var resp api.UploadModelResponse
	path := "/api/v1/models/" + url.PathEscape(modelID) + "?" + query.Encode()
	if err := c.send(ctx, http.MethodPost, path, "application/octet-stream", model, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetManifest(ctx context.Context, manifestID string) (*interfaces.ModelManifest, error) {
	var manifest interfaces.ModelManifest
	if err := c.do(ctx, http.MethodGet, "/api/v1/manifests/"+url.PathEscape(manifestID), nil, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func (c *Client) StartTransfer(ctx context.Context, req api.StartTransferRequest) (*api.StartTransferResponse, error) {
	var resp api.StartTransferResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/transfers", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListTransfers(ctx context.Context) ([]*interfaces.TransferSession, error) {
	var sessions []*interfaces.TransferSession
	if err := c.do(ctx, http.MethodGet, "/api/v1/transfers", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *Client) GetTransfer(ctx context.Context, sessionID string) (*interfaces.TransferSession, error) {
	var session interfaces.TransferSession
	if err := c.do(ctx, http.MethodGet, "/api/v1/transfers/"+url.PathEscape(sessionID), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) Progress(ctx context.Context, sessionID string) (*interfaces.TransferProgress, error) {
	var progress interfaces.TransferProgress
	if err := c.do(ctx, http.MethodGet, "/api/v1/transfers/"+url.PathEscape(sessionID)+"/progress", nil, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

func (c *Client) Statistics(ctx context.Context) (*interfaces.TransferStatistics, error) {
	var stats interfaces.TransferStatistics
	if err := c.do(ctx, http.MethodGet, "/api/v1/transfers/statistics", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// SessionKey fetches the session transit key wrapped to clientPublicKeyPEM.
func (c *Client) SessionKey(ctx context.Context, sessionID string, clientPublicKeyPEM []byte) ([]byte, error) {
	var resp api.SessionKeyResponse
	req := api.SessionKeyRequest{ClientPublicKey: string(clientPublicKeyPEM)}
	if err := c.do(ctx, http.MethodPost, "/api/v1/transfers/"+url.PathEscape(sessionID)+"/session-key", req, &resp); err != nil {
		return nil, err
	}
	return resp.WrappedKey, nil
}

func (c *Client) RunTransfer(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/transfers/"+url.PathEscape(sessionID)+"/run", nil, nil)
}

func (c *Client) CancelTransfer(ctx context.Context, sessionID string) (bool, error) {
	var resp api.CancelTransferResponse
	if err := c.do(ctx, http.MethodDelete, "/api/v1/transfers/"+url.PathEscape(sessionID), nil, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}
