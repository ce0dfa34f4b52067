package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteReturnsData(t *testing.T) {
	var gotRequest executeRequest
	var gotAuth, gotIdempotency string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tools/execute", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotIdempotency = r.Header.Get("X-Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))
		json.NewEncoder(w).Encode(Envelope{
			OK:   true,
			Data: map[string]interface{}{"listings": []interface{}{"12 Elm St"}},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, func(callID string) (string, error) {
		return "token-" + callID, nil
	})
	callCtx := CallContext{TenantID: "tenant_1", CallID: "call_1"}

	data, err := client.Execute(context.Background(), "search_properties",
		map[string]interface{}{"area": "Greenview"}, callCtx, "idem-1")
	require.NoError(t, err)

	assert.Equal(t, "search_properties", gotRequest.Tool)
	assert.Equal(t, "Greenview", gotRequest.Args["area"])
	assert.Equal(t, callCtx, gotRequest.Context)
	assert.Equal(t, "Bearer token-call_1", gotAuth)
	assert.Equal(t, "idem-1", gotIdempotency)
	assert.Equal(t, []interface{}{"12 Elm St"}, data["listings"])
}

func TestExecuteOmitsIdempotencyWhenEmpty(t *testing.T) {
	var hadHeader bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadHeader = r.Header["X-Idempotency-Key"]
		json.NewEncoder(w).Encode(Envelope{OK: true, Data: map[string]interface{}{}})
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Execute(context.Background(), "get_office_hours", nil, CallContext{CallID: "call_1"}, "")
	require.NoError(t, err)
	assert.False(t, hadHeader)
}

func TestExecuteSurfacesToolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(Envelope{
			OK:    false,
			Error: &ToolError{Code: CodeValidationFailed, Message: "area is required", Retryable: true},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Execute(context.Background(), "search_properties", nil, CallContext{CallID: "call_1"}, "")

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeValidationFailed, toolErr.Code)
	assert.True(t, toolErr.Retryable)
	assert.Contains(t, toolErr.Error(), "area is required")
}

func TestExecuteFailureWithoutErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(Envelope{OK: false})
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Execute(context.Background(), "search_properties", nil, CallContext{CallID: "call_1"}, "")

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeToolFailed, toolErr.Code)
	assert.Contains(t, toolErr.Message, "502")
}

func TestExecuteTokenMintFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the server")
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, func(string) (string, error) {
		return "", assert.AnError
	})
	_, err := client.Execute(context.Background(), "search_properties", nil, CallContext{CallID: "call_1"}, "")
	require.ErrorContains(t, err, "failed to mint call token")
}
