package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "buildcoord"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once             sync.Once
	buildDuration    *prom.HistogramVec
	queueWait        prom.Histogram
	buildOutcome     *prom.CounterVec
	groupOutcome     *prom.CounterVec
	decisions        *prom.CounterVec
	runningBuilds    prom.Gauge
	droppedEvents    *prom.CounterVec
	retries          *prom.CounterVec
	retriesExhausted *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg prom.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.buildDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Duration of executed builds by build class",
			Buckets:   prom.DefBuckets,
		}, []string{"class"})
		pr.queueWait = prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_queue_wait_seconds",
			Help:      "Time builds spend waiting for dependencies and an execution slot",
			Buckets:   prom.DefBuckets,
		})
		pr.buildOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Build records reaching a terminal status",
		}, []string{"status"})
		pr.groupOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "group_build_outcomes_total",
			Help:      "Group builds reaching a terminal status",
		}, []string{"status"})
		pr.decisions = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "rebuild_decisions_total",
			Help:      "Rebuild decisions by verdict and reason",
		}, []string{"verdict", "reason"})
		pr.runningBuilds = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "running_builds",
			Help:      "Builds currently holding an execution slot",
		})
		pr.droppedEvents = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Events dropped because a subscriber backlog was full",
		}, []string{"kind"})
		pr.retries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "publish_retries_total",
			Help:      "Retried notification publishes (transient failures)",
		}, []string{"target"})
		pr.retriesExhausted = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "publish_retry_exhausted_total",
			Help:      "Notification publishes abandoned after exhausting retries",
		}, []string{"target"})
		reg.MustRegister(pr.buildDuration, pr.queueWait, pr.buildOutcome, pr.groupOutcome, pr.decisions,
			pr.runningBuilds, pr.droppedEvents, pr.retries, pr.retriesExhausted)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveBuildDuration(class string, d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.WithLabelValues(class).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveQueueWait(d time.Duration) {
	if p == nil || p.queueWait == nil {
		return
	}
	p.queueWait.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(status string) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) IncGroupOutcome(status string) {
	if p == nil || p.groupOutcome == nil {
		return
	}
	p.groupOutcome.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) IncDecision(verdict, reason string) {
	if p == nil || p.decisions == nil {
		return
	}
	p.decisions.WithLabelValues(verdict, reason).Inc()
}

func (p *PrometheusRecorder) SetRunningBuilds(n int) {
	if p == nil || p.runningBuilds == nil {
		return
	}
	p.runningBuilds.Set(float64(n))
}

func (p *PrometheusRecorder) IncDroppedEvents(kind string) {
	if p == nil || p.droppedEvents == nil {
		return
	}
	p.droppedEvents.WithLabelValues(kind).Inc()
}

func (p *PrometheusRecorder) IncPublishRetry(target string) {
	if p == nil || p.retries == nil {
		return
	}
	p.retries.WithLabelValues(target).Inc()
}

func (p *PrometheusRecorder) IncPublishRetryExhausted(target string) {
	if p == nil || p.retriesExhausted == nil {
		return
	}
	p.retriesExhausted.WithLabelValues(target).Inc()
}
