// Package tools calls the dashboard tool-execution API on behalf of a
// live call. Every invocation is scoped to a call and tenant, and
// side-effecting tools carry an idempotency key so provider retries do
// not double-book.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/CoraHQ/cora-voice-bridge/pkg/logger"
	"go.uber.org/zap"
)

// Error codes returned by the tool API.
const (
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeNotFound         = "NOT_FOUND"
	CodeToolFailed       = "TOOL_FAILED"
	CodeTimeout          = "TIMEOUT"
)

// CallContext identifies the call a tool runs for.
type CallContext struct {
	TenantID string `json:"tenant_id"`
	CallID   string `json:"call_id"`
}

// ToolError is a structured failure from the tool API.
type ToolError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool error %s: %s", e.Code, e.Message)
}

// Envelope is the wire shape of every tool API response.
type Envelope struct {
	OK    bool                   `json:"ok"`
	Data  map[string]interface{} `json:"data,omitempty"`
	Error *ToolError             `json:"error,omitempty"`
}

type executeRequest struct {
	Tool    string                 `json:"tool"`
	Args    map[string]interface{} `json:"args"`
	Context CallContext            `json:"context"`
}

// TokenSource mints the per-call bearer token for a request.
type TokenSource func(callID string) (string, error)

// Client executes business tools against the dashboard API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

// NewClient returns a tool API client. The timeout bounds every
// execution end to end.
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
	}
}

// Execute runs one tool and returns its data payload. Failures come
// back as *ToolError so callers can route on code and retryability.
func (c *Client) Execute(ctx context.Context, tool string, args map[string]interface{}, callCtx CallContext, idempotencyKey string) (map[string]interface{}, error) {
	body, err := json.Marshal(executeRequest{Tool: tool, Args: args, Context: callCtx})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tools/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}
	if c.tokens != nil {
		token, err := c.tokens(callCtx.CallID)
		if err != nil {
			return nil, fmt.Errorf("failed to mint call token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool request failed: %w", err)
	}
	defer resp.Body.Close()

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode tool response (status %d): %w", resp.StatusCode, err)
	}

	logger.Base().Info("Tool executed",
		zap.String("tool", tool),
		zap.String("call_id", callCtx.CallID),
		zap.Bool("ok", env.OK),
		zap.Duration("elapsed", time.Since(start)))

	if !env.OK {
		if env.Error != nil {
			return nil, env.Error
		}
		return nil, &ToolError{Code: CodeToolFailed, Message: fmt.Sprintf("tool API returned status %d", resp.StatusCode)}
	}
	return env.Data, nil
}
