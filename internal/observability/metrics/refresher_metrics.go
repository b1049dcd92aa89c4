package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	RefreshOutcomeFetched  = "fetched"
	RefreshOutcomeSkipped  = "skipped"
	RefreshOutcomeDegraded = "degraded"
	RefreshOutcomeError    = "error"
)

// RefresherMetrics tracks the periodic exchange-rate refresh loop.
type RefresherMetrics struct {
	runs                *prometheus.CounterVec
	duration            prometheus.Histogram
	consecutiveFailures prometheus.Gauge
	rateAge             prometheus.Gauge
	runLoopLag          prometheus.Observer
}

var (
	refresherMetricsOnce sync.Once
	refresherMetrics     *RefresherMetrics
)

// Refresher returns the singleton refresher metrics registry.
func Refresher() *RefresherMetrics {
	return RefresherWithConfig(Config{})
}

// RefresherWithConfig returns the singleton refresher metrics registry using config labels.
func RefresherWithConfig(cfg Config) *RefresherMetrics {
	refresherMetricsOnce.Do(func() {
		refresherMetrics = newRefresherMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return refresherMetrics
}

// ResetRefresherMetricsForTest resets the refresher metrics singleton for tests.
func ResetRefresherMetricsForTest() {
	refresherMetricsOnce = sync.Once{}
	refresherMetrics = nil
}

func newRefresherMetrics(registerer prometheus.Registerer, cfg Config) *RefresherMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "settlement"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "settlement_rate_refresher_runs_total",
		Help:        "Rate refresher runs by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "settlement_rate_refresher_duration_seconds",
		Help:        "Wall time of one refresh cycle across all rate sources.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 12, 20},
		ConstLabels: constLabels,
	})
	consecutiveFailures := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "settlement_rate_refresher_consecutive_failures",
		Help:        "Refresh cycles in a row that exhausted every rate source.",
		ConstLabels: constLabels,
	})
	rateAge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "settlement_current_rate_age_seconds",
		Help:        "Age of the rate snapshot currently used for pricing.",
		ConstLabels: constLabels,
	})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "settlement_rate_refresher_runloop_lag_seconds",
		Help:        "Refresher run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(runs, duration, consecutiveFailures, rateAge, runLoopLag)

	return &RefresherMetrics{
		runs:                runs,
		duration:            duration,
		consecutiveFailures: consecutiveFailures,
		rateAge:             rateAge,
		runLoopLag:          runLoopLag,
	}
}

func (m *RefresherMetrics) IncRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *RefresherMetrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}

func (m *RefresherMetrics) SetConsecutiveFailures(n int) {
	if m == nil {
		return
	}
	m.consecutiveFailures.Set(float64(n))
}

func (m *RefresherMetrics) SetRateAge(age time.Duration) {
	if m == nil {
		return
	}
	if age < 0 {
		age = 0
	}
	m.rateAge.Set(age.Seconds())
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *RefresherMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil || lag <= 0 {
		return
	}
	m.runLoopLag.Observe(lag.Seconds())
}
