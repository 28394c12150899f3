package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPSandboxProvider implements Provider against a remote sandbox-provider
// HTTP API, the production adapter behind C1.
type HTTPSandboxProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPSandboxProvider builds a provider client. The underlying transport
// is wrapped with otelhttp so every call produces a span.
func NewHTTPSandboxProvider(baseURL string) *HTTPSandboxProvider {
	return &HTTPSandboxProvider{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (p *HTTPSandboxProvider) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: FailureBadRequest, Op: path, Cause: err}
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return &Error{Kind: FailureBadRequest, Op: path, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if isRetryableNetError(err) {
			return &Error{Kind: FailureNetworkTimeout, Op: path, Cause: err}
		}
		return &Error{Kind: FailureNetworkTimeout, Op: path, Cause: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusConflict:
		return &Error{Kind: FailureConflict, Op: path, Message: string(respBody)}
	case resp.StatusCode == http.StatusNotFound:
		return &Error{Kind: FailureNotFound, Op: path, Message: string(respBody)}
	case resp.StatusCode == http.StatusUnauthorized:
		return &Error{Kind: FailureUnauthorized, Op: path, Message: string(respBody)}
	case resp.StatusCode >= 500:
		return &Error{Kind: FailureTransient5xx, Op: path, Message: string(respBody)}
	case resp.StatusCode >= 400:
		return &Error{Kind: FailureBadRequest, Op: path, Message: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &Error{Kind: FailureBadRequest, Op: path, Cause: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

func (p *HTTPSandboxProvider) CreateSandbox(ctx context.Context, in CreateSandboxInput) (CreateSandboxResult, error) {
	ctx, cancel := context.WithTimeout(ctx, TimeoutCreateSandbox)
	defer cancel()

	var out CreateSandboxResult
	err := withRetryVoid(ctx, func() error {
		return p.do(ctx, http.MethodPost, "/sandboxes", map[string]string{
			"repo":           in.Repo,
			"gitCredential":  in.GitCredential,
			"providerApiKey": in.ProviderAPIKey,
		}, &out)
	})
	return out, err
}

func (p *HTTPSandboxProvider) SnapshotSandbox(ctx context.Context, sandboxID string) (PauseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, TimeoutSnapshotExplicit)
	defer cancel()

	var out PauseResult
	err := withRetryVoid(ctx, func() error {
		return p.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/snapshot", nil, &out)
	})
	return out, err
}

func (p *HTTPSandboxProvider) PauseSandbox(ctx context.Context, sandboxID string) (PauseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, TimeoutPauseSandbox)
	defer cancel()

	var out PauseResult
	err := withRetryVoid(ctx, func() error {
		return p.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/pause", nil, &out)
	})
	return out, err
}

func (p *HTTPSandboxProvider) ResumeSandbox(ctx context.Context, snapshotID string) (CreateSandboxResult, error) {
	ctx, cancel := context.WithTimeout(ctx, TimeoutResumeSandbox)
	defer cancel()

	var out CreateSandboxResult
	err := withRetryVoid(ctx, func() error {
		return p.do(ctx, http.MethodPost, "/snapshots/"+snapshotID+"/resume", nil, &out)
	})
	return out, err
}

// TerminateSandbox is best-effort: the error is logged, never propagated.
func (p *HTTPSandboxProvider) TerminateSandbox(ctx context.Context, sandboxID string) error {
	ctx, cancel := context.WithTimeout(ctx, TimeoutTerminate)
	defer cancel()

	err := p.do(ctx, http.MethodDelete, "/sandboxes/"+sandboxID, nil, nil)
	if err != nil {
		slog.Warn("terminate sandbox failed, swallowing", "sandbox_id", sandboxID, "error", err)
	}
	return nil
}

// withRetryVoid retries a call that reports success/failure only through
// err, using the FailureKind embedded in a returned *Error to decide
// retryability.
func withRetryVoid(ctx context.Context, fn func() error) error {
	_, err := withBackoff(ctx, func() (struct{}, int, error) {
		err := fn()
		if err == nil {
			return struct{}{}, 0, nil
		}
		var sErr *Error
		status := 0
		if asError(err, &sErr) && sErr.Kind.Retryable() {
			status = 500
		}
		return struct{}{}, status, err
	})
	return err
}

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if ok {
		*target = e
	}
	return ok
}

var _ Provider = (*HTTPSandboxProvider)(nil)
