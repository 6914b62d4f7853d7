// Package notify delivers key rotation notices to client nodes.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ruteri/secure-model-distribution/interfaces"
)

// RotationPath is where client nodes accept rotation notices.
const RotationPath = "/api/v1/rotations"

// HTTPNotifier posts rotation events as JSON to the endpoint of each client node.
type HTTPNotifier struct {
	client   *retryablehttp.Client
	resolver Resolver
	log      *slog.Logger
}

type HTTPOptions struct {
	Retries      int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
}

func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		Retries:      3,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
		Timeout:      10 * time.Second,
	}
}

func NewHTTPNotifier(resolver Resolver, opts HTTPOptions, log *slog.Logger) *HTTPNotifier {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.Retries
	client.RetryWaitMin = opts.RetryWaitMin
	client.RetryWaitMax = opts.RetryWaitMax
	client.HTTPClient.Timeout = opts.Timeout
	client.Logger = nil

	return &HTTPNotifier{
		client:   client,
		resolver: resolver,
		log:      log,
	}
}

func (n *HTTPNotifier) NotifyRotation(ctx context.Context, clientID string, event interfaces.KeyRotationEvent) error {
	endpoint, err := n.resolver.Resolve(ctx, clientID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode rotation event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint+RotationPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to notify %s: %w", clientID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("client %s rejected rotation notice with status %d: %s", clientID, resp.StatusCode, bytes.TrimSpace(msg))
	}

	n.log.Debug("Delivered rotation notice",
		slog.String("client_id", clientID),
		slog.String("event_id", event.EventID))
	return nil
}

// Handler serves RotationPath on a client node and passes decoded events to onRotation.
func Handler(onRotation func(ctx context.Context, event interfaces.KeyRotationEvent) error, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var event interfaces.KeyRotationEvent
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&event); err != nil {
			http.Error(w, "invalid rotation event", http.StatusBadRequest)
			return
		}

		if err := onRotation(r.Context(), event); err != nil {
			log.Error("Failed to handle rotation notice", "err", err, slog.String("event_id", event.EventID))
			http.Error(w, "failed to handle rotation notice", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
