package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohnLonginotto/SeQC/internal/progress"
	"github.com/JohnLonginotto/SeQC/internal/scheduler"
)

func TestAnalysisObserver(t *testing.T) {
	m := New()
	obs := m.Analysis()
	clock := time.Unix(0, 0)
	obs.now = func() time.Time { return clock }
	var _ scheduler.Observer = obs

	obs.Event(progress.Event{File: "a.bam", Kind: progress.KindPhase, Phase: progress.PhaseQueued})
	obs.Event(progress.Event{File: "b.bam", Kind: progress.KindPhase, Phase: progress.PhaseQueued})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeWorkers))

	clock = clock.Add(2 * time.Second)
	obs.Event(progress.Event{File: "a.bam", Kind: progress.KindPhase, Phase: progress.PhaseComputing})
	obs.Event(progress.Event{File: "a.bam", Kind: progress.KindProgress, Delta: 9})
	obs.Finished(scheduler.Result{File: "a.bam", Outcome: progress.OutcomeCompleted, Records: 6})
	obs.Finished(scheduler.Result{File: "b.bam", Outcome: progress.OutcomeCrashed})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeWorkers))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.records))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.files.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.files.WithLabelValues("crashed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.files.WithLabelValues("skipped")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.phaseDuration))
}

func TestHTTPMetricsExposition(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest("/getData", "POST", 200, 30*time.Millisecond)
	m.ObserveHTTPRequest("/getData", "POST", 500, 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpErrors.WithLabelValues("/getData", "POST")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `seqc_http_requests_total{code="200",handler="/getData",method="POST"} 1`), text)
	assert.Contains(t, text, "seqc_http_request_duration_seconds_bucket")
	assert.Contains(t, text, `seqc_files_total{outcome="data_error"} 0`)
}
