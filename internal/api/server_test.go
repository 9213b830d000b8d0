package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/benchharvest/harvester/internal/scheduler"
)

type fakeSource struct {
	status scheduler.Status
}

func (f *fakeSource) Status() scheduler.Status { return f.status }

func newTestServer(t *testing.T) (*httptest.Server, *fakeSource) {
	t.Helper()
	source := &fakeSource{status: scheduler.Status{
		RunID:     "run-1",
		State:     scheduler.StateRunning,
		Phase:     scheduler.PhaseMissing,
		Watermark: 1000,
		Phases: map[scheduler.Phase]scheduler.Summary{
			scheduler.PhaseMissing: {Attempted: 5, Succeeded: 4, NotFound: 1},
		},
	}}
	srv := httptest.NewServer(NewServer(source, prometheus.NewRegistry(), zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv, source
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestStatusReportsRunSnapshot(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status scheduler.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "run-1", status.RunID)
	assert.Equal(t, scheduler.PhaseMissing, status.Phase)
	assert.Equal(t, int64(1000), status.Watermark)
	assert.Equal(t, int64(4), status.Phases[scheduler.PhaseMissing].Succeeded)
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
