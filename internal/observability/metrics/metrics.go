// Package metrics 使用 Prometheus 暴露分析批次与查询服务的指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JohnLonginotto/SeQC/internal/progress"
	"github.com/JohnLonginotto/SeQC/internal/scheduler"
)

const namespace = "seqc"

// Metrics 持有一个独立的注册表及全部指标。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	files         *prometheus.CounterVec
	records       prometheus.Counter
	activeWorkers prometheus.Gauge
	phaseDuration *prometheus.HistogramVec
}

// New 创建并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Files that reached a terminal outcome.",
		}, []string{"outcome"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_scanned_total",
			Help:      "Alignment records scanned by completed files.",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently holding a slot.",
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Time a worker spent in each phase.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"phase"}),
	}
	m.registry.MustRegister(
		m.httpRequests, m.httpErrors, m.httpLatency,
		m.files, m.records, m.activeWorkers, m.phaseDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, o := range progress.Outcomes() {
		m.files.WithLabelValues(string(o))
	}
	return m
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler 以 Prometheus 文本格式暴露指标。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Analysis 返回记录分析批次的 scheduler.Observer。
func (m *Metrics) Analysis() *AnalysisObserver {
	return &AnalysisObserver{m: m, phases: make(map[string]phaseMark), now: time.Now}
}

type phaseMark struct {
	phase progress.Phase
	at    time.Time
}

// AnalysisObserver 统计各结果的文件数、扫描记录数、活动工作者数与阶段耗时。
type AnalysisObserver struct {
	mu     sync.Mutex
	m      *Metrics
	phases map[string]phaseMark
	now    func() time.Time
}

// Event 实现 scheduler.Observer。
func (o *AnalysisObserver) Event(e progress.Event) {
	if e.Kind != progress.KindPhase {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	if prev, ok := o.phases[e.File]; ok {
		o.m.phaseDuration.WithLabelValues(string(prev.phase)).Observe(now.Sub(prev.at).Seconds())
	} else {
		o.m.activeWorkers.Inc()
	}
	o.phases[e.File] = phaseMark{phase: e.Phase, at: now}
}

// Finished 实现 scheduler.Observer。
func (o *AnalysisObserver) Finished(res scheduler.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.phases[res.File]; ok {
		o.m.phaseDuration.WithLabelValues(string(prev.phase)).Observe(o.now().Sub(prev.at).Seconds())
		delete(o.phases, res.File)
		o.m.activeWorkers.Dec()
	}
	o.m.files.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome == progress.OutcomeCompleted {
		o.m.records.Add(float64(res.Records))
	}
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default 返回进程级的 Metrics。
func Default() *Metrics {
	defaultOnce.Do(func() { defaultMetrics = New() })
	return defaultMetrics
}

// ObserveHTTPRequest 记录到进程级的 Metrics。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	Default().ObserveHTTPRequest(handler, method, status, duration)
}

// Handler 暴露进程级的 Metrics。
func Handler() http.Handler { return Default().Handler() }

// StartServer 启动独立的 /metrics 服务，直到 ctx 结束。
func StartServer(ctx context.Context, addr string, m *Metrics) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	if m == nil {
		m = Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
