package agentapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentpod/agentpod/internal/common/logger"
)

// DefaultPort is the agent's container port.
const DefaultPort = 4096

// Client manages HTTP communication with one in-container agent.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a client for the agent reachable at host (the container
// IP on the shared network).
func NewClient(host string, log *logger.Logger) *Client {
	return NewClientURL(fmt.Sprintf("http://%s:%d", host, DefaultPort), log)
}

// NewClientURL creates a client for an explicit base URL, used by tests.
func NewClientURL(baseURL string, log *logger.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log,
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// WaitForHealth polls /health until the agent responds healthy or the
// context expires.
func (c *Client) WaitForHealth(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
		if err != nil {
			lastErr = err
			time.Sleep(150 * time.Millisecond)
			continue
		}

		var health HealthResponse
		err = json.NewDecoder(resp.Body).Decode(&health)
		_ = resp.Body.Close()
		if err == nil && resp.StatusCode == http.StatusOK && health.Healthy {
			return nil
		}
		lastErr = fmt.Errorf("agent unhealthy: HTTP %d", resp.StatusCode)
		time.Sleep(150 * time.Millisecond)
	}

	if lastErr != nil {
		return fmt.Errorf("agent health check timeout: %w", lastErr)
	}
	return fmt.Errorf("agent health check timeout")
}

// CreateSession creates a new agent session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/session", struct{}{})
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create session failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}
	return session.ID, nil
}

// SendPrompt sends a user prompt into a session. Prompts can run for
// minutes; the call returns once the agent has accepted the prompt.
func (c *Client) SendPrompt(ctx context.Context, sessionID string, req PromptRequest) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/session/"+sessionID+"/message", req)
	if err != nil {
		return fmt.Errorf("send prompt request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("prompt failed: HTTP %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Abort stops the in-flight operation of a session.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	resp, err := c.doRequest(abortCtx, http.MethodPost, "/session/"+sessionID+"/abort", struct{}{})
	if err != nil {
		return fmt.Errorf("abort request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("abort failed: HTTP %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// ReplyPermission answers a pending permission request.
func (c *Client) ReplyPermission(ctx context.Context, permissionID, reply, message string) error {
	body := PermissionReplyRequest{Reply: reply, Message: message}
	resp, err := c.doRequest(ctx, http.MethodPost, "/permission/"+permissionID+"/reply", body)
	if err != nil {
		return fmt.Errorf("permission reply request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("permission reply failed: HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Events connects to the agent's SSE stream and returns a channel of
// decoded events. The channel closes when the stream ends or the context
// is cancelled; reconnecting is the caller's concern.
func (c *Client) Events(ctx context.Context) (<-chan *Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return nil, fmt.Errorf("create event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// SSE connections are long-lived; no client timeout.
	sseClient := &http.Client{}
	resp, err := sseClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("event stream failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	out := make(chan *Event, 64)
	go c.readEventStream(ctx, resp.Body, out)
	return out, nil
}

// readEventStream decodes "data:" SSE frames until the stream ends.
func (c *Client) readEventStream(ctx context.Context, body io.ReadCloser, out chan<- *Event) {
	defer close(out)
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var dataBuffer strings.Builder
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}
		if line != "" || dataBuffer.Len() == 0 {
			continue
		}

		data := strings.TrimSpace(dataBuffer.String())
		dataBuffer.Reset()
		if data == "" {
			continue
		}

		event, err := ParseEvent([]byte(data))
		if err != nil {
			c.logger.Warn("failed to parse agent event", zap.Error(err))
			continue
		}

		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Error("agent event stream error", zap.Error(err))
	}
}
