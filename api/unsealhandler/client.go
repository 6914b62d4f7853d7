package unsealhandler

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/secure-model-distribution/api"
	"github.com/ruteri/secure-model-distribution/cryptoutils"
	"github.com/ruteri/secure-model-distribution/kms"
)

// Client calls the unseal API as one administrator.
type Client struct {
	baseURL       string
	adminID       string
	privateKey    *ecdsa.PrivateKey
	privateKeyPEM []byte
	httpClient    *http.Client
}

func NewClient(baseURL, adminID string, privateKeyPEM []byte, httpClient *http.Client) (*Client, error) {
	privateKey, err := cryptoutils.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		adminID:       adminID,
		privateKey:    privateKey,
		privateKeyPEM: privateKeyPEM,
		httpClient:    httpClient,
	}, nil
}

// NewSignedRequest creates a request carrying admin authentication headers.
// The signature covers the URL path followed by the body.
func NewSignedRequest(ctx context.Context, method, reqURL string, body []byte, adminID string, privateKey *ecdsa.PrivateKey) (*http.Request, error) {
	parsed, err := url.Parse(reqURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	signature, err := cryptoutils.Sign(privateKey, append([]byte(parsed.Path), body...))
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set(HeaderAdminID, adminID)
	req.Header.Set(HeaderAdminSignature, base64.StdEncoding.EncodeToString(signature))
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	req, err := NewSignedRequest(ctx, method, c.baseURL+path, body, c.adminID, c.privateKey)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	return api.ReadResponse(resp, out)
}

func (c *Client) Status(ctx context.Context) (*api.UnsealStatusResponse, error) {
	var status api.UnsealStatusResponse
	if err := c.do(ctx, http.MethodGet, "/admin/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) InitGenerate(ctx context.Context) (string, error) {
	var resp api.MessageResponse
	if err := c.do(ctx, http.MethodPost, "/admin/init/generate", nil, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

func (c *Client) InitRecover(ctx context.Context) (string, error) {
	var resp api.MessageResponse
	if err := c.do(ctx, http.MethodPost, "/admin/init/recover", nil, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// FetchShare retrieves and decrypts the share generated for this admin.
func (c *Client) FetchShare(ctx context.Context) (int, []byte, error) {
	var resp api.AdminGetShareResponse
	if err := c.do(ctx, http.MethodGet, "/admin/share", nil, &resp); err != nil {
		return 0, nil, err
	}

	encrypted, err := base64.StdEncoding.DecodeString(resp.EncryptedShare)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to decode encrypted share: %w", err)
	}

	share, err := cryptoutils.DecryptWithPrivateKey(c.privateKeyPEM, encrypted)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to decrypt share: %w", err)
	}
	return resp.ShareIndex, share, nil
}

// SubmitShare signs and submits a share during recovery.
func (c *Client) SubmitShare(ctx context.Context, shareIndex int, share []byte) (string, error) {
	signature, err := kms.SignShare(share, c.privateKey)
	if err != nil {
		return "", err
	}

	req := api.SubmitShareRequest{
		ShareIndex: shareIndex,
		Share:      base64.StdEncoding.EncodeToString(share),
		Signature:  base64.StdEncoding.EncodeToString(signature),
	}

	var resp api.MessageResponse
	if err := c.do(ctx, http.MethodPost, "/admin/share", req, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}
