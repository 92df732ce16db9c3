package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohnLonginotto/SeQC/internal/observability/metrics"
	"github.com/JohnLonginotto/SeQC/internal/query"
	"github.com/JohnLonginotto/SeQC/internal/stats"
	"github.com/JohnLonginotto/SeQC/internal/storage"
	"github.com/JohnLonginotto/SeQC/internal/storage/sqlite"
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
)

var (
	quiet  = slog.New(slog.NewTextHandler(io.Discard, nil))
	sample = strings.Repeat("e", 32)
)

func newTestServer(t *testing.T, opts ...Option) (http.Handler, *metrics.Metrics) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	store, err := sqlite.Open(ctx, sqlite.Config{Path: filepath.Join(t.TempDir(), "seqc.db")}, storage.WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(ctx))

	require.NoError(t, store.ReplaceTable(ctx, storage.TableSpec{Name: sample + "_gc", Columns: []storage.Column{
		{Name: "gc", Type: plugin.TypeInt}, {Name: "counts", Type: plugin.TypeInt},
	}}, [][]any{{40, int64(3)}, {60, int64(2)}}))
	rows := int64(2)
	require.NoError(t, store.MergeSample(ctx, &storage.Sample{
		Hash: sample, Path: "/data/e.sam", FileName: "e.sam",
		Completed: map[string]storage.Completion{"gc": {Rows: &rows}},
		UpdatedAt: time.UnixMilli(5000),
	}))

	reg, err := plugin.Load(stats.Sources(), plugin.WithLogger(quiet))
	require.NoError(t, err)
	svc, err := query.NewService(store, reg, query.WithLogger(quiet))
	require.NoError(t, err)

	m := metrics.New()
	opts = append([]Option{WithMetrics(m), WithLogger(quiet)}, opts...)
	return NewServer("", svc, opts...).Handler(ctx), m
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetData(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(h, http.MethodPost, "/getData", `{"subplotOn":"None","lookingAt":"gc","samples":["`+sample+`"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res query.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, map[string]int64{"40": 3, "60": 2}, res["None"]["Unfiltered"][sample])

	rec = do(h, http.MethodPost, "/getData", `{"subplotOn":"None","lookingAt":"gc","samples":["`+sample+`"],"gc":["50:100"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	for _, byHash := range res {
		for hash, bySample := range byHash {
			assert.Len(t, hash, 4)
			assert.Equal(t, map[string]int64{"60": 2}, bySample[sample])
		}
	}

	rec = do(h, http.MethodPost, "/getData", `{"subplotOn":"pos","lookingAt":"gc","samples":["`+sample+`"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_ARGUMENT")

	rec = do(h, http.MethodPost, "/getData", `{"subplotOn":"None","lookingAt":"chromosome","samples":["`+sample+`"]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodPost, "/getData", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSamplesAndUpdates(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(h, http.MethodGet, "/updateSamples?hash="+sample+"&column=sampleID&newVal=S1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(h, http.MethodPatch, "/api/v1/samples/"+sample, `{"column":"colour","value":"red"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(h, http.MethodPatch, "/api/v1/samples/"+sample, `{"column":"colour","value":"<script>"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodGet, "/samples", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var views []query.SampleView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "S1", views[0].SampleID)
	assert.Equal(t, "red", views[0].Colour)

	rec = do(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `seqc_http_requests_total{code="400",handler="/api/v1/samples/:hash",method="PATCH"} 1`)
}

func TestHealthzAndStatic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("var seqc = 1"), 0o644))
	h, _ := newTestServer(t, WithStaticDir(dir))

	rec := do(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(h, http.MethodGet, "/app.js", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "seqc")
}

func TestShutdownRejectsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := NewServer("", nil, WithMetrics(metrics.New()), WithLogger(quiet)).Handler(ctx)
	rec := do(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListenAddress(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8080", ListenAddress(map[string]string{"public": "false", "listen_on": "8080", "bind_to": "127.0.0.1"}))
	assert.Equal(t, ":9000", ListenAddress(map[string]string{"public": "true", "listen_on": "9000", "bind_to": "127.0.0.1"}))
	assert.Equal(t, "10.0.0.2:8080", ListenAddress(map[string]string{"bind_to": "10.0.0.2"}))
}
