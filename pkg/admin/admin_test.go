package admin

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/fortiblox/cln-floresta/internal/types"
	"github.com/fortiblox/cln-floresta/pkg/backend"
	"github.com/fortiblox/cln-floresta/pkg/readiness"
	"github.com/fortiblox/cln-floresta/pkg/rpc"
)

// mockStatus implements StatusSource for testing.
type mockStatus struct {
	mu   sync.Mutex
	snap readiness.Snapshot
}

func (m *mockStatus) Status() readiness.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *mockStatus) FailureThreshold() int { return 3 }

func (m *mockStatus) set(s readiness.Snapshot) {
	m.mu.Lock()
	m.snap = s
	m.mu.Unlock()
}

func readySnapshot() readiness.Snapshot {
	var hash types.Hash
	hash[0] = 0x01
	return readiness.Snapshot{
		State:     readiness.StateReady,
		Progress:  1,
		Chain:     "signet",
		Headers:   200,
		Blocks:    200,
		HasTip:    true,
		Tip:       types.ChainTip{Height: 200, Hash: hash},
		UpdatedAt: time.Now(),
	}
}

func TestAPIStatus(t *testing.T) {
	status := &mockStatus{snap: readySnapshot()}
	s := New(Config{Endpoints: func() []backend.Endpoint {
		return []backend.Endpoint{{URL: "http://127.0.0.1:8080", Healthy: true}}
	}}, status, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got rpc.StatusResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ready", got.State)
	assert.Equal(t, "signet", got.Chain)
	require.NotNil(t, got.Height)
	assert.Equal(t, uint64(200), *got.Height)
	assert.Equal(t, 3, got.FailureThreshold)
	assert.Equal(t, []rpc.EndpointStatus{{URL: "http://127.0.0.1:8080", Healthy: true}}, got.Endpoints)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthz(t *testing.T) {
	status := &mockStatus{snap: readySnapshot()}
	s := New(Config{}, status, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	status.set(readiness.Snapshot{State: readiness.StateSyncing, Progress: 0.5})
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"syncing"`)
}

func TestMetricsAreCompressed(t *testing.T) {
	payload := strings.Repeat("cln_floresta_requests_total 1\n", 200)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, payload)
	})
	s := New(Config{}, &mockStatus{}, metrics, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, payload, string(body))
}

func TestMetricsDisabled(t *testing.T) {
	s := New(Config{}, &mockStatus{}, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartStop(t *testing.T) {
	status := &mockStatus{snap: readySnapshot()}
	s := New(Config{HTTPAddr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0"}, status, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyRunning)

	resp, err := http.Get("http://" + s.HTTPAddr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := grpc.DialContext(ctx, s.GRPCAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
		defer callCancel()
		resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceName))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))

	s.ObserveStatus(readySnapshot(), readiness.Snapshot{State: readiness.StateUnreachable})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServiceName))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestDisabledListeners(t *testing.T) {
	s := New(Config{}, &mockStatus{}, nil, nil)
	require.NoError(t, s.Start(context.Background()))
	assert.Nil(t, s.HTTPAddr())
	assert.Nil(t, s.GRPCAddr())
	require.NoError(t, s.Stop())
}
