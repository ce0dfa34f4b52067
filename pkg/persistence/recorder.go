// Package persistence streams call history to the dashboard API: the
// call record, an append-only event log of turns and tool activity,
// and the end-of-call summary request. Everything is best effort and
// off the audio path; a dead dashboard never degrades a live call.
package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/CoraHQ/cora-voice-bridge/pkg/logger"
	"go.uber.org/zap"
)

// Event types of the call history log.
const (
	EventTurn       = "turn"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventStatus     = "status"
	EventSummary    = "summary"
)

// CallEvent is one append-only entry in a call's history.
type CallEvent struct {
	Type   string                 `json:"type"`
	TS     time.Time              `json:"ts"`
	Role   string                 `json:"role,omitempty"`
	Text   string                 `json:"text,omitempty"`
	Tool   string                 `json:"tool,omitempty"`
	Args   map[string]interface{} `json:"args,omitempty"`
	OK     *bool                  `json:"ok,omitempty"`
	Code   string                 `json:"code,omitempty"`
	Status string                 `json:"status,omitempty"`
}

type createCallRequest struct {
	ProviderCallSid string `json:"provider_call_sid"`
	TenantID        string `json:"tenant_id"`
	From            string `json:"from,omitempty"`
	To              string `json:"to,omitempty"`
}

type createCallResponse struct {
	CallID string `json:"call_id"`
}

// CallRecorder persists one call's history. Events recorded before
// the call record exists are buffered in arrival order and flushed
// once Start succeeds.
type CallRecorder struct {
	baseURL    string
	secret     string
	tenantID   string
	httpClient *http.Client

	mu     sync.Mutex
	callID string
	ready  bool
	buffer []CallEvent
}

// NewCallRecorder returns a recorder for one call.
func NewCallRecorder(baseURL, jwtSecret, tenantID string) *CallRecorder {
	return &CallRecorder{
		baseURL:    baseURL,
		secret:     jwtSecret,
		tenantID:   tenantID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// CallID returns the dashboard call id, empty before Start succeeds.
func (r *CallRecorder) CallID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callID
}

// Token mints a bearer token scoped to this call. Used for the event
// log and shared with the tool client.
func (r *CallRecorder) Token(string) (string, error) {
	return MintCallToken(r.secret, r.CallID(), r.tenantID)
}

// Start creates the call record. The dashboard dedupes on the
// provider SID, so retries after a partial failure are safe.
func (r *CallRecorder) Start(ctx context.Context, providerCallID, from, to string) error {
	body, err := json.Marshal(createCallRequest{
		ProviderCallSid: providerCallID,
		TenantID:        r.tenantID,
		From:            from,
		To:              to,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/calls", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", providerCallID)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call record request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("call record API returned status %d", resp.StatusCode)
	}

	var created createCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fmt.Errorf("failed to decode call record response: %w", err)
	}

	r.mu.Lock()
	r.callID = created.CallID
	r.ready = true
	backlog := r.buffer
	r.buffer = nil
	r.mu.Unlock()

	logger.Base().Info("Call record created",
		zap.String("call_id", created.CallID),
		zap.String("provider_call_sid", providerCallID))

	if len(backlog) > 0 {
		go r.send(backlog)
	}
	return nil
}

// RecordTurn appends one finished transcript turn.
func (r *CallRecorder) RecordTurn(role, text string, ts time.Time) {
	r.record(CallEvent{Type: EventTurn, TS: ts, Role: role, Text: text})
}

// RecordToolCall appends a tool invocation.
func (r *CallRecorder) RecordToolCall(name string, args map[string]interface{}) {
	r.record(CallEvent{Type: EventToolCall, TS: time.Now(), Tool: name, Args: args})
}

// RecordToolResult appends a tool outcome.
func (r *CallRecorder) RecordToolResult(name string, ok bool, code string) {
	r.record(CallEvent{Type: EventToolResult, TS: time.Now(), Tool: name, OK: &ok, Code: code})
}

// RecordStatus appends a lifecycle status change.
func (r *CallRecorder) RecordStatus(status string) {
	r.record(CallEvent{Type: EventStatus, TS: time.Now(), Status: status})
}

func (r *CallRecorder) record(event CallEvent) {
	r.mu.Lock()
	if !r.ready {
		r.buffer = append(r.buffer, event)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	go r.send([]CallEvent{event})
}

// Finish flushes anything still buffered and asks the dashboard for
// the post-call summary.
func (r *CallRecorder) Finish(ctx context.Context) {
	r.mu.Lock()
	backlog := r.buffer
	r.buffer = nil
	ready := r.ready
	callID := r.callID
	r.mu.Unlock()

	if !ready {
		// The call record never materialized; nothing to attach to.
		logger.Base().Warn("Discarding call events, no call record", zap.Int("events", len(backlog)))
		return
	}
	if len(backlog) > 0 {
		r.send(backlog)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/api/calls/%s/summary", r.baseURL, callID), nil)
	if err != nil {
		return
	}
	if err := r.authorize(req); err != nil {
		return
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		logger.Base().Warn("Summary request failed", zap.String("call_id", callID), zap.Error(err))
		return
	}
	resp.Body.Close()
}

func (r *CallRecorder) send(events []CallEvent) {
	callID := r.CallID()
	if callID == "" {
		return
	}
	body, err := json.Marshal(map[string]interface{}{"events": events})
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/api/calls/%s/events", r.baseURL, callID), bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if err := r.authorize(req); err != nil {
		logger.Base().Warn("Failed to authorize event append", zap.Error(err))
		return
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		logger.Base().Warn("Failed to append call events",
			zap.String("call_id", callID),
			zap.Int("events", len(events)),
			zap.Error(err))
		return
	}
	resp.Body.Close()
}

func (r *CallRecorder) authorize(req *http.Request) error {
	token, err := MintCallToken(r.secret, r.CallID(), r.tenantID)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
