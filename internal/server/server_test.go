package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/proclineage/internal/state"
	"github.com/leapstack-labs/proclineage/internal/testutil"
	"github.com/leapstack-labs/proclineage/pkg/assemble"
	"github.com/leapstack-labs/proclineage/pkg/core"
)

const tempScript = `CREATE TEMP TABLE tmp AS SELECT id, SUM(amt) AS total FROM orders GROUP BY id;
INSERT INTO out(id, total) SELECT id, total FROM tmp;`

func newTestServer(t *testing.T, withStore bool) *httptest.Server {
	t.Helper()
	cfg := Config{Logger: testutil.NewTestLogger(t)}
	if withStore {
		store, err := state.OpenAndMigrate(filepath.Join(t.TempDir(), "state.db"), cfg.Logger)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		cfg.Store = store
	}
	ts := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postLineage(t *testing.T, ts *httptest.Server, req AnalyzeRequest) (*http.Response, AnalyzeResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/v1/lineage", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out AnalyzeResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, false)

	var body map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["store"])
	assert.Contains(t, body["dialects"], "postgres")
}

func TestAnalyze(t *testing.T) {
	ts := newTestServer(t, false)

	resp, out := postLineage(t, ts, AnalyzeRequest{Name: "scenario_a", SQL: "SELECT a.x AS y FROM t a"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, out.Run)
	require.NotNil(t, out.Graph)

	_, y, ok := out.Graph.Lookup("y")
	require.True(t, ok)
	assert.Equal(t, "COPY:t.x", y.Transformation)
	assert.True(t, y.DirectCopy)
}

func TestAnalyze_UnknownDialectIsFatalGraph(t *testing.T) {
	ts := newTestServer(t, false)

	resp, out := postLineage(t, ts, AnalyzeRequest{SQL: "SELECT 1", Dialect: "cobol"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Graph.Fatal())
	require.Len(t, out.Graph.Diagnostics, 1)
	assert.Equal(t, core.CodeUnknownDialect, out.Graph.Diagnostics[0].Code)
}

func TestAnalyze_BadRequests(t *testing.T) {
	ts := newTestServer(t, false)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed", body: "{", want: http.StatusBadRequest},
		{name: "unknown field", body: `{"sql":"SELECT 1","bogus":true}`, want: http.StatusBadRequest},
		{name: "empty sql", body: `{"sql":"  "}`, want: http.StatusBadRequest},
		{name: "depth too large", body: `{"sql":"SELECT 1","max_depth":99}`, want: http.StatusBadRequest},
		{name: "store without store", body: `{"sql":"SELECT 1","store":true}`, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/lineage", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, tt.want, resp.StatusCode)

			var e errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
			assert.NotEmpty(t, e.Error)
		})
	}
}

func TestAnalyze_MaxDepthBounds(t *testing.T) {
	ts := newTestServer(t, false)

	resp, out := postLineage(t, ts, AnalyzeRequest{SQL: "SELECT a.x AS y FROM t a", MaxDepth: 0})
	require.Equal(t, http.StatusOK, resp.StatusCode, "zero selects the default depth")
	assert.False(t, out.Graph.Fatal())

	resp, _ = postLineage(t, ts, AnalyzeRequest{SQL: "SELECT a.x AS y FROM t a", MaxDepth: MaxDepthLimit})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, body := range []string{`{"sql":"SELECT 1","max_depth":-1}`, `{"sql":"SELECT 1","max_depth":33}`} {
		resp, err := http.Post(ts.URL+"/v1/lineage", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		var e errorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, e.Error, "between 0 and 32")
	}
}

func TestRunsWithoutStore(t *testing.T) {
	ts := newTestServer(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/v1/runs", nil))
}

func TestStoredRuns(t *testing.T) {
	ts := newTestServer(t, true)

	resp, out := postLineage(t, ts, AnalyzeRequest{Name: "load_out", SQL: tempScript, Store: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, out.Run)
	id := out.Run.ID

	var runs []state.Run
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/runs", &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "load_out", runs[0].Procedure)
	assert.Equal(t, "api", runs[0].Source)

	var run RunResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/runs/"+id+"?column=out.total", &run))
	assert.Equal(t, id, run.Run.ID)
	require.Len(t, run.Columns, 1)
	assert.Equal(t, "SQL:SUM(orders.amt)", run.Columns[0].Transformation)

	var all RunResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/runs/"+id, &all))
	assert.Len(t, all.Columns, 4)

	var g map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/runs/"+id+"/graph", &g))
	assert.Equal(t, "load_out", g["procedure"])

	var imp assemble.Impact
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/runs/"+id+"/impact?column=out.total", &imp))
	assert.Equal(t, "2:out.total", imp.Column)
	assert.Equal(t, []string{"orders.amt"}, imp.Origins)
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/v1/runs/"+id+"/impact", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/runs/"+id+"/impact?column=no.such", nil))

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/runs/nope", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/v1/runs?limit=x", nil))

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/runs/"+id, nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/runs/"+id, nil))
}

func TestServeListener_GracefulShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(Config{Logger: testutil.NewTestLogger(t)}).ServeListener(ctx, ln)
	}()

	var status int
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		status = resp.StatusCode
		return true
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, http.StatusOK, status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRequestLogging(t *testing.T) {
	logger, logs := testutil.NewCaptureLogger()
	ts := httptest.NewServer(New(Config{Logger: logger}).Handler())
	t.Cleanup(ts.Close)

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", nil))
	require.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/nope", nil))

	assert.Len(t, logs.Lines("msg=request", "path=/healthz", "status=200"), 1)
	assert.Len(t, logs.Lines("msg=request", "path=/nope", "status=404"), 1)
	for _, line := range logs.Lines("msg=request") {
		assert.Contains(t, line, "request_id=")
	}
}
