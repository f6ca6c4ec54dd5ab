package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-flow/pkg/broadcast"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/polisai/polis-flow/pkg/telemetry"
)

type mockStats struct {
	mock.Mock
}

func (m *mockStats) Stats(ctx context.Context) (engine.Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(engine.Stats), args.Error(1)
}

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *broadcast.Hub) {
	t.Helper()
	if opts.Hub == nil {
		opts.Hub = broadcast.NewHub(broadcast.Options{})
	}
	s, err := New(opts)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, opts.Hub
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestNew_RequiresHub(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestHealthz(t *testing.T) {
	stats := &mockStats{}
	stats.On("Stats", mock.Anything).Return(engine.Stats{Buffers: 2, Seen: 10}, nil).Once()
	srv, _ := newTestServer(t, Options{Stats: stats})

	resp, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","subscribers":0,"buffers":2,"asyncEntries":0,"seen":10,"dedupEvictions":0}`, body)
	stats.AssertExpectations(t)
}

func TestHealthz_EngineStopped(t *testing.T) {
	stats := &mockStats{}
	stats.On("Stats", mock.Anything).Return(engine.Stats{}, domain.ErrEngineStopped)
	srv, _ := newTestServer(t, Options{Stats: stats})

	resp, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, `"unavailable"`)
}

func TestTransactionsAPI(t *testing.T) {
	srv, hub := newTestServer(t, Options{})
	hub.PublishTransaction(domain.Transaction{
		ID:       "tx-1",
		Source:   domain.CompleteFlowLabel,
		CausalID: "T1",
		Steps:    []domain.Step{domain.Boundary("Request Received")},
		Bodies:   []domain.BodyBlob{{Ref: domain.BodyRef{RecordID: "r1", Side: domain.BodyResponse}, Data: `{"ok":true}`}},
	})

	resp, body := get(t, srv.URL+"/api/transactions")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
	var list []map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "tx-1", list[0]["id"])

	resp, _ = get(t, srv.URL+"/api/transactions/tx-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = get(t, srv.URL+"/api/transactions/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = get(t, srv.URL+"/api/bodies/r1/response")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, `{"ok":true}`, body)

	resp, _ = get(t, srv.URL+"/api/bodies/r1/request")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, srv.URL+"/api/bodies/r1/headers")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := telemetry.NewMetrics()
	metrics.RecordReceived()
	srv, _ := newTestServer(t, Options{Metrics: metrics})

	resp, body := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "flow_records_received_total 1")
}

func TestStaticViewer(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>flows</h1>"), 0o600))
	srv, _ := newTestServer(t, Options{StaticDir: dir})

	resp, body := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "flows")
}

func TestListenAndServe_Shutdown(t *testing.T) {
	s, err := New(Options{Addr: "127.0.0.1:0", Hub: broadcast.NewHub(broadcast.Options{})})
	require.NoError(t, err)
	ln, err := s.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, _ := get(t, "http://"+ln.Addr().String()+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestListen_AddressInUse(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	s, err := New(Options{Addr: taken.Addr().String(), Hub: broadcast.NewHub(broadcast.Options{})})
	require.NoError(t, err)
	err = s.ListenAndServe(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "bind publication address"))
	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr))
}
