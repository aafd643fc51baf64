package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dailytasks/dailytasks-netcontrol/internal/auth"
	"github.com/dailytasks/dailytasks-netcontrol/internal/db"
	"github.com/dailytasks/dailytasks-netcontrol/internal/metrics"
	"github.com/dailytasks/dailytasks-netcontrol/internal/network"
	"github.com/dailytasks/dailytasks-netcontrol/internal/testutil"
)

const (
	testSecret = "test-secret"
	testMAC    = "00:11:22:33:44:55"
)

type testServer struct {
	router *Router
	runner *testutil.FakeRunner
	jwt    *auth.JWTService
	events *db.DB
}

type serverOption func(*RouterConfig)

func newTestServer(t *testing.T, secret string, opts ...serverOption) *testServer {
	t.Helper()

	runner := testutil.NewFakeRunner()
	control, err := network.NewDeviceControl(
		network.NewIPTables(runner, network.IPTablesConfig{}),
		"eth0",
		network.Options{},
	)
	require.NoError(t, err)

	events, err := db.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	jwtService := auth.NewJWTService([]byte(secret), "dailytasks")
	cfg := RouterConfig{JWT: jwtService}
	for _, o := range opts {
		o(&cfg)
	}

	return &testServer{
		router: NewRouter(NewHandler(control, events, nil), cfg),
		runner: runner,
		jwt:    auth.NewJWTService([]byte(testSecret), "dailytasks"),
		events: events,
	}
}

func (s *testServer) token(t *testing.T, role string) string {
	t.Helper()
	token, err := s.jwt.GenerateToken(role+"-1", role, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestAllow_FirstRequestInsertsOneRule(t *testing.T) {
	s := newTestServer(t, testSecret)

	w := s.do("POST", "/network/allow", s.token(t, auth.RoleParent), jsonBody{"macAddress": testMAC})

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"Device access allowed","macAddress":"00:11:22:33:44:55"}`, w.Body.String())
	assert.Equal(t, 1, s.runner.Count("-A"))
	assert.Equal(t, 1, s.runner.RuleCount(testMAC))
}

func TestAllow_RepeatIssuesNoInsert(t *testing.T) {
	s := newTestServer(t, testSecret)
	token := s.token(t, auth.RoleParent)

	first := s.do("POST", "/network/allow", token, jsonBody{"macAddress": testMAC})
	require.Equal(t, http.StatusOK, first.Code)
	callsAfterFirst := s.runner.CallCount()

	second := s.do("POST", "/network/allow", token, jsonBody{"macAddress": testMAC})
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	assert.Equal(t, 1, s.runner.Count("-A"))
	assert.Equal(t, callsAfterFirst+1, s.runner.CallCount(), "only the existence check")
	assert.Equal(t, 1, s.runner.RuleCount(testMAC))
}

func TestAllow_InvalidMAC(t *testing.T) {
	s := newTestServer(t, testSecret)

	w := s.do("POST", "/network/allow", s.token(t, auth.RoleParent), jsonBody{"macAddress": "not-a-mac"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"Invalid MAC address"}`, w.Body.String())
	assert.Equal(t, 0, s.runner.CallCount())
}

func TestAllow_MissingMAC(t *testing.T) {
	s := newTestServer(t, testSecret)
	token := s.token(t, auth.RoleParent)

	for _, body := range []any{jsonBody{}, "", "{not json", jsonBody{"macAddress": ""}} {
		w := s.do("POST", "/network/allow", token, body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "MAC address is required", decode(t, w)["error"])
	}
	assert.Equal(t, 0, s.runner.CallCount())
}

func TestAllow_InjectionAttemptRejected(t *testing.T) {
	s := newTestServer(t, testSecret)

	w := s.do("POST", "/network/allow", s.token(t, auth.RoleParent),
		jsonBody{"macAddress": "00:11:22:33:44:55; iptables -F"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, s.runner.CallCount())
}

func TestAllow_NoToken(t *testing.T) {
	s := newTestServer(t, testSecret)

	w := s.do("POST", "/network/allow", "", jsonBody{"macAddress": testMAC})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"Authentication required"}`, w.Body.String())
	assert.Equal(t, 0, s.runner.CallCount())
}

func TestAllow_KidToken(t *testing.T) {
	s := newTestServer(t, testSecret)

	w := s.do("POST", "/network/allow", s.token(t, auth.RoleKid), jsonBody{"macAddress": testMAC})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":"Only parents can control network access"}`, w.Body.String())
}

func TestKidTokenNeverReachesEngine(t *testing.T) {
	s := newTestServer(t, testSecret)
	kid := s.token(t, auth.RoleKid)

	requests := []struct{ method, path string }{
		{"POST", "/network/allow"},
		{"POST", "/network/block"},
		{"GET", "/network/status/" + testMAC},
		{"GET", "/network/events"},
	}
	for _, r := range requests {
		w := s.do(r.method, r.path, kid, jsonBody{"macAddress": testMAC})
		assert.Equal(t, http.StatusForbidden, w.Code, r.path)
		assert.Equal(t, "Only parents can control network access", decode(t, w)["error"], r.path)
	}
	assert.Equal(t, 0, s.runner.CallCount())
}

func TestInvalidToken(t *testing.T) {
	s := newTestServer(t, testSecret)

	w := s.do("POST", "/network/allow", "invalid-token", jsonBody{"macAddress": testMAC})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":"Invalid token"}`, w.Body.String())
	assert.Equal(t, 0, s.runner.CallCount())
}

func TestMissingSecretFailsClosed(t *testing.T) {
	s := newTestServer(t, "")
	parent := s.token(t, auth.RoleParent)

	requests := []struct{ method, path string }{
		{"POST", "/network/allow"},
		{"POST", "/network/block"},
		{"GET", "/network/status/" + testMAC},
	}
	for _, r := range requests {
		w := s.do(r.method, r.path, parent, jsonBody{"macAddress": testMAC})
		assert.Equal(t, http.StatusForbidden, w.Code, r.path)
		assert.Equal(t, "Invalid token", decode(t, w)["error"], r.path)
	}
	assert.Equal(t, 0, s.runner.CallCount())
}

func TestAllow_EngineFailureIsGeneric(t *testing.T) {
	s := newTestServer(t, testSecret)
	s.runner.Fail["-A"] = &network.CommandError{
		Command: "sudo", Args: []string{"iptables"}, ExitCode: 4,
		Stderr: "iptables v1.8.7 (legacy): can't initialize iptables table `filter': Permission denied",
	}

	w := s.do("POST", "/network/allow", s.token(t, auth.RoleParent), jsonBody{"macAddress": testMAC})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Failed to allow device access"}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "iptables")
}

func TestBlock(t *testing.T) {
	s := newTestServer(t, testSecret)
	s.runner.Allow("eth0", testMAC)

	w := s.do("POST", "/network/block", s.token(t, auth.RoleParent), jsonBody{"macAddress": testMAC})

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"Device access blocked","macAddress":"00:11:22:33:44:55"}`, w.Body.String())
	assert.Equal(t, 0, s.runner.RuleCount(testMAC))
}

func TestBlock_AlreadyBlockedReturns500(t *testing.T) {
	s := newTestServer(t, testSecret)

	w := s.do("POST", "/network/block", s.token(t, auth.RoleParent), jsonBody{"macAddress": testMAC})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Failed to block device access"}`, w.Body.String())
	assert.Equal(t, 0, s.runner.Count("-L"))
	assert.Equal(t, 1, s.runner.Count("-D"))
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, testSecret)
	token := s.token(t, auth.RoleParent)

	w := s.do("GET", "/network/status/"+testMAC, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"macAddress":"00:11:22:33:44:55","isAllowed":false}`, w.Body.String())

	s.runner.Allow("eth0", testMAC)

	w = s.do("GET", "/network/status/"+testMAC, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"macAddress":"00:11:22:33:44:55","isAllowed":true}`, w.Body.String())
}

func TestStatus_QueryFailureReportsBlocked(t *testing.T) {
	s := newTestServer(t, testSecret)
	s.runner.Allow("eth0", testMAC)
	s.runner.Fail["-L"] = errors.New("iptables: command timed out")

	w := s.do("GET", "/network/status/"+testMAC, s.token(t, auth.RoleParent), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"macAddress":"00:11:22:33:44:55","isAllowed":false}`, w.Body.String())
}

func TestStatus_InvalidMAC(t *testing.T) {
	s := newTestServer(t, testSecret)

	w := s.do("GET", "/network/status/00:11:22", s.token(t, auth.RoleParent), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"Invalid MAC address"}`, w.Body.String())
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "")

	w := s.do("GET", "/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.Equal(t, 0, s.runner.CallCount())
}

func TestEvents(t *testing.T) {
	s := newTestServer(t, testSecret)
	token := s.token(t, auth.RoleParent)

	s.do("POST", "/network/allow", token, jsonBody{"macAddress": testMAC})
	s.do("POST", "/network/block", token, jsonBody{"macAddress": testMAC})
	s.do("POST", "/network/block", token, jsonBody{"macAddress": testMAC})
	s.do("POST", "/network/allow", token, jsonBody{"macAddress": "aa:bb:cc:dd:ee:ff"})

	w := s.do("GET", "/network/events?macAddress=00-11-22-33-44-55", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp EventsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 3)
	for _, e := range resp.Events {
		assert.Equal(t, testMAC, e.MACAddress)
		assert.Equal(t, "parent-1", e.Actor)
	}

	var failed int
	for _, e := range resp.Events {
		if !e.Success {
			failed++
			assert.Equal(t, db.ActionBlock, e.Action)
		}
	}
	assert.Equal(t, 1, failed)

	w = s.do("GET", "/network/events?limit=2", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Events, 2)
}

func TestEvents_BadQuery(t *testing.T) {
	s := newTestServer(t, testSecret)
	token := s.token(t, auth.RoleParent)

	assert.Equal(t, http.StatusBadRequest, s.do("GET", "/network/events?limit=zero", token, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do("GET", "/network/events?limit=0", token, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do("GET", "/network/events?macAddress=nope", token, nil).Code)
}

func TestNotFound(t *testing.T) {
	s := newTestServer(t, testSecret)

	w := s.do("GET", "/network/unknown/route/here", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"Not found"}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := newTestServer(t, testSecret, func(c *RouterConfig) {
		c.Metrics = m
		c.Gatherer = reg
	})

	s.do("POST", "/network/allow", "", jsonBody{"macAddress": testMAC})
	s.do("GET", "/health", "", nil)

	w := s.do("GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, `netcontrol_auth_failures_total{reason="missing_token"} 1`), body)
	assert.Contains(t, body, `netcontrol_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestNetworkRateLimit(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	t.Cleanup(limiter.Stop)
	s := newTestServer(t, testSecret, func(c *RouterConfig) { c.NetworkLimiter = limiter })
	token := s.token(t, auth.RoleParent)

	for i := 0; i < 2; i++ {
		w := s.do("GET", "/network/status/"+testMAC, token, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := s.do("GET", "/network/status/"+testMAC, token, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":"Too many requests from this IP, please try again later"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Health is outside the network group.
	assert.Equal(t, http.StatusOK, s.do("GET", "/health", "", nil).Code)
}

// jsonBody is shorthand for JSON request bodies in these tests.
type jsonBody map[string]any
