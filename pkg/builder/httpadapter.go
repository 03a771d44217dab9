package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/logabell/conversator/pkg/config"
	"github.com/logabell/conversator/pkg/version"
)

// HTTPAdapter speaks the generic HTTP+SSE builder session protocol:
//
//	POST {endpoint}/v1/sessions                → {"session_id": "..."}
//	POST {endpoint}/v1/sessions/{id}/messages  → 204
//	POST {endpoint}/v1/sessions/{id}/gate      → 204
//	GET  {endpoint}/v1/sessions/{id}/events    → text/event-stream
//	POST {endpoint}/v1/sessions/{id}/abort     → 202
//	GET  {endpoint}/v1/sessions/{id}           → {"status": "..."}
//	GET  {endpoint}/healthz                    → 200
type HTTPAdapter struct {
	cfg      *config.BuilderConfig
	timeouts *config.TimeoutsConfig
	client   *http.Client
	// streamClient has no overall timeout: SSE responses are long-lived.
	streamClient *http.Client
	logger       *slog.Logger
}

// NewHTTPAdapter builds an adapter for one declared builder endpoint.
func NewHTTPAdapter(cfg *config.BuilderConfig, timeouts *config.TimeoutsConfig) *HTTPAdapter {
	var rt http.RoundTripper = http.DefaultTransport
	if cfg.TokenEnv != "" {
		if token := os.Getenv(cfg.TokenEnv); token != "" {
			rt = &bearerTokenTransport{base: rt, token: token}
		}
	}
	return &HTTPAdapter{
		cfg:          cfg,
		timeouts:     timeouts,
		client:       &http.Client{Transport: rt, Timeout: timeouts.SendMessage.Std()},
		streamClient: &http.Client{Transport: rt},
		logger:       slog.With("component", "builder", "builder", cfg.Name),
	}
}

// bearerTokenTransport wraps an http.RoundTripper to add Authorization headers.
type bearerTokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

func (a *HTTPAdapter) url(parts ...string) string {
	return strings.TrimSuffix(a.cfg.Endpoint, "/") + "/" + strings.Join(parts, "/")
}

// doJSON issues a request with an optional JSON body and decodes an optional
// JSON response, mapping non-2xx statuses to errors.
func (a *HTTPAdapter) doJSON(ctx context.Context, method, url string, body, into any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", version.Full())

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RemoteError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// RemoteError is a non-2xx response from a builder server.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("builder returned %d: %s", e.StatusCode, e.Body)
}

// Fatal reports whether the remote rejected the request outright (4xx),
// as opposed to a transient server-side failure.
func (e *RemoteError) Fatal() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// CreateSession implements Adapter.
func (a *HTTPAdapter) CreateSession(ctx context.Context, req *CreateSessionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeouts.SessionCreate.Std())
	defer cancel()

	if req.Model == "" {
		req.Model = a.cfg.DefaultModel
	}
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := a.doJSON(ctx, http.MethodPost, a.url("v1", "sessions"), req, &resp); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("builder returned empty session id")
	}
	return resp.SessionID, nil
}

// SendMessage implements Adapter.
func (a *HTTPAdapter) SendMessage(ctx context.Context, sessionID, content string) error {
	body := map[string]string{"content": content}
	return a.doJSON(ctx, http.MethodPost, a.url("v1", "sessions", sessionID, "messages"), body, nil)
}

// ResolveGate implements Adapter.
func (a *HTTPAdapter) ResolveGate(ctx context.Context, sessionID string, approved bool) error {
	decision := "deny"
	if approved {
		decision = "approve"
	}
	body := map[string]string{"decision": decision}
	return a.doJSON(ctx, http.MethodPost, a.url("v1", "sessions", sessionID, "gate"), body, nil)
}

// Abort implements Adapter.
func (a *HTTPAdapter) Abort(ctx context.Context, sessionID string) error {
	return a.doJSON(ctx, http.MethodPost, a.url("v1", "sessions", sessionID, "abort"), nil, nil)
}

// Health implements Adapter.
func (a *HTTPAdapter) Health(ctx context.Context, sessionID string) (*SessionHealth, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := a.doJSON(ctx, http.MethodGet, a.url("v1", "sessions", sessionID), nil, &resp)
	if err != nil {
		var re *RemoteError
		if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
			return &SessionHealth{Known: false}, nil
		}
		return nil, err
	}
	return &SessionHealth{Known: true, Status: resp.Status}, nil
}

// Ping implements Adapter.
func (a *HTTPAdapter) Ping(ctx context.Context) error {
	return a.doJSON(ctx, http.MethodGet, a.url("healthz"), nil, nil)
}

// StreamEvents implements Adapter. The returned events channel is closed when
// the remote ends the stream; a transport failure arrives on the error
// channel instead.
func (a *HTTPAdapter) StreamEvents(ctx context.Context, sessionID, fromCursor string) (<-chan *RemoteEvent, <-chan error) {
	events := make(chan *RemoteEvent, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url("v1", "sessions", sessionID, "events"), nil)
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("User-Agent", version.Full())
		if fromCursor != "" {
			req.Header.Set("Last-Event-ID", fromCursor)
		}

		resp, err := a.streamClient.Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			errs <- &RemoteError{StatusCode: resp.StatusCode, Body: string(raw)}
			return
		}

		if err := readSSE(resp.Body, events, a.logger); err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()

	return events, errs
}
