package dbclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPClient implements Client against an external database/identity
// service reachable over HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient builds a DB client. The transport is otelhttp-wrapped so
// every upstream call produces a span, the same instrumentation style C1
// uses for its own HTTP calls.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (c *HTTPClient) ValidateToken(ctx context.Context, bearer string) (*Identity, error) {
	var out struct {
		UserID    string `json:"userId"`
		SessionID string `json:"sessionId"`
	}
	found := false

	err := withRetry(ctx, "validateToken", func() error {
		resp, body, err := c.get(ctx, "/auth/validate", bearer)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("validateToken: unexpected status %s", resp.Status)
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return fmt.Errorf("validateToken: decode: %w", err)
		}
		found = out.SessionID != ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &Identity{UserID: out.UserID, SessionID: out.SessionID}, nil
}

// UpsertStatus is fire-and-forget: a caller that exhausts retries gets a nil
// error and a logged warning rather than a propagated failure, since the
// actor's state machine has already committed the transition durably and
// broadcast it before calling here.
func (c *HTTPClient) UpsertStatus(ctx context.Context, update StatusUpdate) error {
	body := map[string]any{
		"sessionId":    update.SessionID,
		"status":       update.Status,
		"isProcessing": update.IsProcessing,
		"snapshotId":   update.SnapshotID,
		"errorMessage": update.ErrorMessage,
	}
	return c.fireAndForget(ctx, "upsertStatus", "/sessions/"+update.SessionID+"/status", body)
}

// UpsertMessage is fire-and-forget, same rationale as UpsertStatus.
func (c *HTTPClient) UpsertMessage(ctx context.Context, msg MessageUpsert) error {
	body := map[string]any{
		"sessionId": msg.SessionID,
		"messageId": msg.MessageID,
		"role":      msg.Role,
		"parts":     msg.Parts,
		"timestamp": msg.Timestamp,
	}
	return c.fireAndForget(ctx, "upsertMessage", "/sessions/"+msg.SessionID+"/messages", body)
}

func (c *HTTPClient) FetchGitCredential(ctx context.Context, bearer string) (string, error) {
	var out struct {
		GitCredential string `json:"gitCredential"`
	}
	err := withRetry(ctx, "fetchGitCredential", func() error {
		resp, body, err := c.get(ctx, "/credentials/git", bearer)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetchGitCredential: unexpected status %s", resp.Status)
		}
		return json.Unmarshal(body, &out)
	})
	return out.GitCredential, err
}

func (c *HTTPClient) FetchProviderAPIKey(ctx context.Context, bearer, provider string) (string, error) {
	var out struct {
		APIKey string `json:"apiKey"`
	}
	err := withRetry(ctx, "fetchProviderApiKey", func() error {
		resp, body, err := c.get(ctx, "/credentials/provider/"+provider, bearer)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusNotFound {
			out.APIKey = ""
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetchProviderApiKey: unexpected status %s", resp.Status)
		}
		return json.Unmarshal(body, &out)
	})
	return out.APIKey, err
}

func (c *HTTPClient) get(ctx context.Context, path, bearer string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func (c *HTTPClient) fireAndForget(ctx context.Context, op, path string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil
	}

	err = withRetry(ctx, op, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("%s: unexpected status %s", op, resp.Status)
		}
		return nil
	})
	if err != nil {
		slog.Warn("db client: fire-and-forget call exhausted retries, continuing", "op", op, "error", err)
	}
	return nil
}

// withRetry calls fn up to maxRetries times, waiting 1s and then 2s between
// attempts. Every error from fn is retried: it does not tell transient
// failures (network, 5xx) apart from permanent ones such as a 4xx status or
// a decode error. The final error, if any, is returned to the caller;
// UpsertStatus/UpsertMessage swallow it themselves after logging.
func withRetry(ctx context.Context, op string, fn func() error) error {
	delay := retryBaseDelay
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt == maxRetries {
			break
		}
		slog.Debug("db client: retrying", "op", op, "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return fmt.Errorf("%s: %w", op, lastErr)
}

var _ Client = (*HTTPClient)(nil)
