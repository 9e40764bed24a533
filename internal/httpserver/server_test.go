package httpserver_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitas/resilience-engine/internal/adaptive"
	"github.com/civitas/resilience-engine/internal/alerts"
	"github.com/civitas/resilience-engine/internal/engine"
	"github.com/civitas/resilience-engine/internal/events"
	"github.com/civitas/resilience-engine/internal/httpserver"
	"github.com/civitas/resilience-engine/internal/ledger"
	"github.com/civitas/resilience-engine/internal/models"
	"github.com/civitas/resilience-engine/internal/perfmon"
	"github.com/civitas/resilience-engine/internal/policy"
	"github.com/civitas/resilience-engine/internal/store"
	"github.com/civitas/resilience-engine/internal/threshold"
)

func newTestServer(t *testing.T, authSecret string) *httptest.Server {
	t.Helper()
	st := store.NewMemoryStore()
	recorder := events.NewRecorder(st, nil, nil, events.RecorderConfig{}, nil)
	led := ledger.New(st, recorder, ledger.Config{MaxConcurrentAllocations: 5}, nil)
	require.NoError(t, led.UpsertPool(models.ResourcePool{ID: "cap", Category: models.CategoryCapacity, Total: 100}))

	am := alerts.NewManager(alerts.Config{}, nil)
	eng := engine.New(engine.Config{}, engine.Deps{
		Ledger:    led,
		Policies:  policy.New(led, recorder, nil),
		Threshold: threshold.NewMonitor(led, am, recorder, nil, nil),
		Adaptive:  adaptive.New(led, st, adaptive.Config{}, nil),
		Perf:      perfmon.NewMonitor(perfmon.Config{}, am, led.OverallUtilization, nil),
		Alerts:    am,
		Recorder:  recorder,
		Store:     st,
	}, nil)

	srv := httptest.NewServer(httpserver.New(eng, authSecret).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestAllocateDeployRecoverOverHTTP(t *testing.T) {
	srv := newTestServer(t, "")

	resp := postJSON(t, srv.URL+"/margin/allocate", map[string]interface{}{
		"poolId":   "cap",
		"quantity": 10,
		"reason":   "incident",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var alloc models.MarginAllocation
	decodeBody(t, resp, &alloc)
	assert.Equal(t, "cap", alloc.PoolID)

	resp = postJSON(t, srv.URL+"/margin/deploy", map[string]interface{}{
		"allocationId": alloc.ID,
		"quantity":     4,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/margin/recover", map[string]interface{}{
		"allocationId": alloc.ID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recovered map[string]bool
	decodeBody(t, resp, &recovered)
	assert.True(t, recovered["recovered"])

	// A second recover is a no-op, not an error.
	resp = postJSON(t, srv.URL+"/margin/recover", map[string]interface{}{
		"allocationId": alloc.ID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &recovered)
	assert.False(t, recovered["recovered"])
}

func TestAllocateErrorStatusCodes(t *testing.T) {
	srv := newTestServer(t, "")

	resp := postJSON(t, srv.URL+"/margin/allocate", map[string]interface{}{
		"poolId": "missing", "quantity": 1,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/margin/allocate", map[string]interface{}{
		"poolId": "cap", "quantity": 500,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/margin/allocate", map[string]interface{}{
		"poolId": "cap", "quantity": -1,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAllocateConcurrencyLimitMapsTo429(t *testing.T) {
	srv := newTestServer(t, "")

	for i := 0; i < 5; i++ {
		resp := postJSON(t, srv.URL+"/margin/allocate", map[string]interface{}{
			"poolId": "cap", "quantity": 1,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}
	resp := postJSON(t, srv.URL+"/margin/allocate", map[string]interface{}{
		"poolId": "cap", "quantity": 1,
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()
}

func TestDeployUnknownAllocationIs404(t *testing.T) {
	srv := newTestServer(t, "")
	resp := postJSON(t, srv.URL+"/margin/deploy", map[string]interface{}{
		"allocationId": uuid.New(), "quantity": 1,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestProcessSignalsEndpoint(t *testing.T) {
	srv := newTestServer(t, "")

	resp := postJSON(t, srv.URL+"/signals", map[string]interface{}{
		"signals": []map[string]interface{}{
			{"type": "overload", "severity": "HIGH", "source": "probe"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result engine.ProcessResult
	decodeBody(t, resp, &result)
	assert.Empty(t, result.FiredPolicies)

	resp = postJSON(t, srv.URL+"/signals", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStatusAndPoolsEndpoints(t *testing.T) {
	srv := newTestServer(t, "")

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status engine.Status
	decodeBody(t, resp, &status)
	assert.Len(t, status.Pools, 1)

	resp = postJSON(t, srv.URL+"/pools", models.ResourcePool{
		ID: "crew", Category: models.CategoryTime, Total: 40,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/pools")
	require.NoError(t, err)
	var pools struct {
		Pools []models.ResourcePool `json:"pools"`
	}
	decodeBody(t, resp, &pools)
	assert.Len(t, pools.Pools, 2)
}

func TestConfigUpdateAndPatternsEndpoint(t *testing.T) {
	srv := newTestServer(t, "")

	body, err := json.Marshal(map[string]interface{}{
		"patterns": []models.AntifragilePattern{{ID: "scale", SuccessRate: 1}},
	})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/config", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/patterns")
	require.NoError(t, err)
	var patterns struct {
		Patterns []models.AntifragilePattern `json:"patterns"`
	}
	decodeBody(t, resp, &patterns)
	require.Len(t, patterns.Patterns, 1)
	assert.Equal(t, "scale", patterns.Patterns[0].ID)
}

func TestAlertAckResolveEndpoints(t *testing.T) {
	srv := newTestServer(t, "")

	// A failed workflow metric raises an alert to work with.
	resp := postJSON(t, srv.URL+"/metrics/workflow", map[string]interface{}{
		"workflowId": "dispatch", "durationMs": 50, "success": false,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/alerts/active")
	require.NoError(t, err)
	var active struct {
		Alerts []models.Alert `json:"alerts"`
	}
	decodeBody(t, resp, &active)
	require.Len(t, active.Alerts, 1)
	id := active.Alerts[0].ID

	resp = postJSON(t, srv.URL+fmt.Sprintf("/alerts/%s/ack", id), map[string]string{"by": "operator"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Empty body is fine; the subject falls back to the token or blank.
	resp, err = http.Post(srv.URL+fmt.Sprintf("/alerts/%s/resolve", id), "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+fmt.Sprintf("/alerts/%s/resolve", uuid.New()), map[string]string{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, "")
	resp, err := http.Get(srv.URL + "/metrics?windowSeconds=60")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestBearerAuthGuard(t *testing.T) {
	srv := newTestServer(t, "topsecret")

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "wrongsecret", "mallory"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, err = http.NewRequest(http.MethodGet, srv.URL+"/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "topsecret", "operator"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
