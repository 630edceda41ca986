package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the backfill engine.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with job scheduling and sample evaluation.
type Collector interface {
	IncJobSubmitted()
	IncJobFinished(status string)
	SetActiveJobs(count int)
	SetQueuedJobs(count int)
	AddSamplesComputed(quality string, count uint64)
	IncProviderRetry(provider string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncJobSubmitted()                  {}
func (noopCollector) IncJobFinished(string)             {}
func (noopCollector) SetActiveJobs(int)                 {}
func (noopCollector) SetQueuedJobs(int)                 {}
func (noopCollector) AddSamplesComputed(string, uint64) {}
func (noopCollector) IncProviderRetry(string)           {}

// PrometheusCollector exposes engine counters via Prometheus.
type PrometheusCollector struct {
	jobsSubmitted   prometheus.Counter
	jobsFinished    *prometheus.CounterVec
	jobsActive      prometheus.Gauge
	jobsQueued      prometheus.Gauge
	samplesComputed *prometheus.CounterVec
	providerRetries *prometheus.CounterVec
}

var (
	registrationLock   sync.Mutex
	jobsSubmittedTotal prometheus.Counter
	jobsFinishedTotal  *prometheus.CounterVec
	jobsActiveGauge    prometheus.Gauge
	jobsQueuedGauge    prometheus.Gauge
	samplesTotal       *prometheus.CounterVec
	providerRetryTotal *prometheus.CounterVec
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registrationLock.Lock()
	defer registrationLock.Unlock()

	if jobsSubmittedTotal == nil {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetcalc_backfill_jobs_submitted_total",
			Help: "Number of backfill jobs accepted by the scheduler.",
		})
		registered, err := registerCollector(reg, counter)
		if err != nil {
			return nil, err
		}
		jobsSubmittedTotal = registered.(prometheus.Counter)
	}
	if jobsFinishedTotal == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetcalc_backfill_jobs_finished_total",
			Help: "Number of backfill jobs reaching a terminal state, by status.",
		}, []string{"status"})
		registered, err := registerCollector(reg, counter)
		if err != nil {
			return nil, err
		}
		jobsFinishedTotal = registered.(*prometheus.CounterVec)
	}
	if jobsActiveGauge == nil {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assetcalc_backfill_jobs_active",
			Help: "Number of backfill jobs currently processing.",
		})
		registered, err := registerCollector(reg, gauge)
		if err != nil {
			return nil, err
		}
		jobsActiveGauge = registered.(prometheus.Gauge)
	}
	if jobsQueuedGauge == nil {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assetcalc_backfill_jobs_queued",
			Help: "Number of backfill jobs waiting for a worker slot.",
		})
		registered, err := registerCollector(reg, gauge)
		if err != nil {
			return nil, err
		}
		jobsQueuedGauge = registered.(prometheus.Gauge)
	}
	if samplesTotal == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetcalc_samples_computed_total",
			Help: "Number of computed samples produced, by quality grade.",
		}, []string{"quality"})
		registered, err := registerCollector(reg, counter)
		if err != nil {
			return nil, err
		}
		samplesTotal = registered.(*prometheus.CounterVec)
	}
	if providerRetryTotal == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetcalc_provider_fetch_retries_total",
			Help: "Number of source data provider fetches retried after a timeout.",
		}, []string{"provider"})
		registered, err := registerCollector(reg, counter)
		if err != nil {
			return nil, err
		}
		providerRetryTotal = registered.(*prometheus.CounterVec)
	}

	return &PrometheusCollector{
		jobsSubmitted:   jobsSubmittedTotal,
		jobsFinished:    jobsFinishedTotal,
		jobsActive:      jobsActiveGauge,
		jobsQueued:      jobsQueuedGauge,
		samplesComputed: samplesTotal,
		providerRetries: providerRetryTotal,
	}, nil
}

func registerCollector(reg prometheus.Registerer, collector prometheus.Collector) (prometheus.Collector, error) {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector, nil
		}
		return nil, err
	}
	return collector, nil
}

// IncJobSubmitted increments the submission counter.
func (p *PrometheusCollector) IncJobSubmitted() {
	if p == nil || p.jobsSubmitted == nil {
		return
	}
	p.jobsSubmitted.Inc()
}

// IncJobFinished records a terminal job transition.
func (p *PrometheusCollector) IncJobFinished(status string) {
	if p == nil || p.jobsFinished == nil {
		return
	}
	p.jobsFinished.WithLabelValues(status).Inc()
}

// SetActiveJobs updates the processing-jobs gauge.
func (p *PrometheusCollector) SetActiveJobs(count int) {
	if p == nil || p.jobsActive == nil {
		return
	}
	p.jobsActive.Set(float64(count))
}

// SetQueuedJobs updates the queued-jobs gauge.
func (p *PrometheusCollector) SetQueuedJobs(count int) {
	if p == nil || p.jobsQueued == nil {
		return
	}
	p.jobsQueued.Set(float64(count))
}

// AddSamplesComputed records produced samples per quality grade.
func (p *PrometheusCollector) AddSamplesComputed(quality string, count uint64) {
	if p == nil || p.samplesComputed == nil || count == 0 {
		return
	}
	p.samplesComputed.WithLabelValues(quality).Add(float64(count))
}

// IncProviderRetry records a retried provider fetch.
func (p *PrometheusCollector) IncProviderRetry(provider string) {
	if p == nil || p.providerRetries == nil {
		return
	}
	p.providerRetries.WithLabelValues(provider).Inc()
}
