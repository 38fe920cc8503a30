package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecache/edged/internal/config"
	"github.com/edgecache/edged/internal/session"
	"github.com/edgecache/edged/internal/stats"
	"github.com/edgecache/edged/internal/vsl"
)

func testServer(t *testing.T) (*Server, *session.Engine) {
	t.Helper()
	engine := session.NewEngine(config.Default(), nil, nil, nil, nil, nil, nil,
		stats.NewRecorder(), vsl.New(nil), nil)
	return NewServer(engine, stats.NewRecorder(), prometheus.NewRegistry()), engine
}

func TestDebugXID(t *testing.T) {
	srv, engine := testServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/debug/xid?value=1000", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(1000), engine.XID())

	resp, err = http.Get(ts.URL + "/debug/xid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDebugSrandomDefaultSeed(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/debug/srandom", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/debug/srandom?seed=bogus", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
