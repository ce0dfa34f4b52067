package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/CoraHQ/cora-voice-bridge/pkg/logger"
	"github.com/CoraHQ/cora-voice-bridge/pkg/tools"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Error codes surfaced to the model in the result envelope.
const (
	CodeInvalidJSON      = "INVALID_JSON"
	CodeValidationFailed = tools.CodeValidationFailed
	CodeNotFound         = tools.CodeNotFound
	CodeToolFailed       = tools.CodeToolFailed
	CodeTimeout          = tools.CodeTimeout
)

// ExecutorFunc runs one validated tool invocation.
type ExecutorFunc func(ctx context.Context, name string, args map[string]interface{}, idempotencyKey string) (map[string]interface{}, error)

// NotifyFunc is called after a side-effecting tool succeeds, off the
// result path.
type NotifyFunc func(name string, args map[string]interface{}, result map[string]interface{})

// Result is the outcome of one function call, ready to hand back to
// the model.
type Result struct {
	OK         bool
	Code       string
	Retryable  bool
	Violations []string
	Data       map[string]interface{}
	// Output is the JSON envelope sent as the function call output.
	Output string
}

// Coordinator assembles streamed function-call argument fragments,
// validates them against the tool schema, and executes the tool. All
// bookkeeping is keyed by the model's correlation id, never by tool
// name, so concurrent calls to the same tool stay separate.
type Coordinator struct {
	registry *Registry
	execute  ExecutorFunc
	notify   NotifyFunc
	limiter  *rate.Limiter
	timeout  time.Duration

	mu    sync.Mutex
	calls map[string]*pendingCall
}

type pendingCall struct {
	fragments []string
}

// NewCoordinator returns a coordinator for one call session.
func NewCoordinator(registry *Registry, execute ExecutorFunc, notify NotifyFunc, ratePerSecond float64, timeout time.Duration) *Coordinator {
	if ratePerSecond <= 0 {
		ratePerSecond = 10
	}
	return &Coordinator{
		registry: registry,
		execute:  execute,
		notify:   notify,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)),
		timeout:  timeout,
		calls:    make(map[string]*pendingCall),
	}
}

// AppendFragment buffers one argument delta for a correlation id.
func (c *Coordinator) AppendFragment(correlationID, delta string) {
	if correlationID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.calls[correlationID]
	if !ok {
		call = &pendingCall{}
		c.calls[correlationID] = call
	}
	call.fragments = append(call.fragments, delta)
}

// Pending reports whether a correlation id has buffered fragments.
func (c *Coordinator) Pending(correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.calls[correlationID]
	return ok
}

// Complete finishes a function call. finalArgs, when non-empty, is the
// terminal event's full payload and wins over the joined fragments.
// The returned result always carries an Output envelope, including on
// failure, so the conversation can continue either way.
func (c *Coordinator) Complete(ctx context.Context, correlationID, name, finalArgs string) *Result {
	c.mu.Lock()
	call := c.calls[correlationID]
	delete(c.calls, correlationID)
	c.mu.Unlock()

	raw := finalArgs
	if raw == "" && call != nil {
		raw = strings.Join(call.fragments, "")
	}
	if raw == "" {
		raw = "{}"
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		logger.Base().Warn("Function call arguments are not valid JSON",
			zap.String("correlation_id", correlationID),
			zap.String("tool", name))
		return failure(CodeInvalidJSON, "arguments are not valid JSON, send the full corrected arguments", true, nil)
	}

	def := c.registry.Get(name)
	if def == nil {
		return failure(CodeNotFound, fmt.Sprintf("unknown tool %q", name), false, nil)
	}

	if violations := ValidateArgs(def.Parameters, args); len(violations) > 0 {
		logger.Base().Warn("Function call failed validation",
			zap.String("tool", name),
			zap.Strings("violations", violations))
		return failure(CodeValidationFailed, "arguments failed validation, fix the listed violations and retry", true, violations)
	}

	execCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(execCtx); err != nil {
		return failure(CodeTimeout, "tool execution rate exceeded", false, nil)
	}

	idempotencyKey := ""
	if def.SideEffecting {
		idempotencyKey = uuid.NewString()
	}

	data, err := c.execute(execCtx, name, args, idempotencyKey)
	if err != nil {
		var toolErr *tools.ToolError
		if errors.As(err, &toolErr) {
			return failure(toolErr.Code, toolErr.Message, toolErr.Retryable, nil)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return failure(CodeTimeout, "tool execution timed out", false, nil)
		}
		logger.Base().Error("Tool execution failed",
			zap.String("tool", name),
			zap.Error(err))
		return failure(CodeToolFailed, "tool execution failed", false, nil)
	}

	if def.SideEffecting && c.notify != nil {
		go c.notify(name, args, data)
	}

	return success(data)
}

// Abort drops any buffered fragments for a correlation id.
func (c *Coordinator) Abort(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.calls, correlationID)
}

func success(data map[string]interface{}) *Result {
	out, _ := json.Marshal(map[string]interface{}{"ok": true, "data": data})
	return &Result{OK: true, Data: data, Output: string(out)}
}

func failure(code, message string, retryable bool, violations []string) *Result {
	errBody := map[string]interface{}{
		"code":      code,
		"message":   message,
		"retryable": retryable,
	}
	if len(violations) > 0 {
		errBody["violations"] = violations
	}
	out, _ := json.Marshal(map[string]interface{}{"ok": false, "error": errBody})
	return &Result{
		Code:       code,
		Retryable:  retryable,
		Violations: violations,
		Output:     string(out),
	}
}
