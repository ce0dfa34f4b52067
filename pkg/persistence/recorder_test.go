package persistence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintCallToken(t *testing.T) {
	signed, err := MintCallToken("secret", "call_1", "tenant_1")
	require.NoError(t, err)

	token, err := jwt.Parse(signed, func(tok *jwt.Token) (interface{}, error) {
		return []byte("secret"), nil
	})
	require.NoError(t, err)
	require.True(t, token.Valid)

	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "call_1", claims["sub"])
	assert.Equal(t, "tenant_1", claims["tenant_id"])
	assert.NotEmpty(t, claims["jti"])
	scope, _ := claims["scope"].([]interface{})
	assert.Contains(t, scope, "events")
	assert.Contains(t, scope, "tools")
}

// dashboardStub captures call record and event append requests.
type dashboardStub struct {
	mu          sync.Mutex
	idempotency []string
	events      []CallEvent
	summaries   int
	auths       []string
}

func (d *dashboardStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		switch {
		case r.URL.Path == "/api/calls":
			d.idempotency = append(d.idempotency, r.Header.Get("X-Idempotency-Key"))
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"call_id": "call_1"})
		case strings.HasSuffix(r.URL.Path, "/events"):
			d.auths = append(d.auths, r.Header.Get("Authorization"))
			var body struct {
				Events []CallEvent `json:"events"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			d.events = append(d.events, body.Events...)
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/summary"):
			d.summaries++
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (d *dashboardStub) eventTypes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.events))
	for _, e := range d.events {
		out = append(out, e.Type)
	}
	return out
}

func TestRecorderBuffersUntilStart(t *testing.T) {
	stub := &dashboardStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	r := NewCallRecorder(srv.URL, "secret", "tenant_1")

	// Recorded before the call record exists: buffered, not sent.
	r.RecordTurn("assistant", "hello", time.Now())
	r.RecordStatus("active")
	assert.Empty(t, stub.eventTypes())

	require.NoError(t, r.Start(context.Background(), "CA1", "+15550123", "+15550100"))
	assert.Equal(t, "call_1", r.CallID())
	assert.Equal(t, []string{"CA1"}, stub.idempotency)

	// The backlog flushes asynchronously after Start.
	require.Eventually(t, func() bool { return len(stub.eventTypes()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{EventTurn, EventStatus}, stub.eventTypes())

	stub.mu.Lock()
	auth := stub.auths[0]
	stub.mu.Unlock()
	assert.True(t, strings.HasPrefix(auth, "Bearer "))
}

func TestRecorderFinishRequestsSummary(t *testing.T) {
	stub := &dashboardStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	r := NewCallRecorder(srv.URL, "secret", "tenant_1")
	require.NoError(t, r.Start(context.Background(), "CA1", "", ""))

	r.Finish(context.Background())

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, 1, stub.summaries)
}

func TestRecorderFinishWithoutRecordDiscards(t *testing.T) {
	stub := &dashboardStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	r := NewCallRecorder(srv.URL, "secret", "tenant_1")
	r.RecordStatus("active")
	r.Finish(context.Background())

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, 0, stub.summaries)
	assert.Empty(t, stub.events)
}

func TestRecorderStartSurfacesAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewCallRecorder(srv.URL, "secret", "tenant_1")
	err := r.Start(context.Background(), "CA1", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
