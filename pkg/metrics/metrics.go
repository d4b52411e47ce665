// Package metrics provides Prometheus instrumentation for emitflow
// pipelines.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	flowerrors "github.com/emitflow/emitflow/pkg/common/errors"
	"github.com/emitflow/emitflow/pkg/flow/pipe"
)

// Registry holds all metric instances for emitflow pipelines.
type Registry struct {
	WorkersStarted  *prometheus.CounterVec
	WorkersActive   *prometheus.GaugeVec
	WorkerDuration  *prometheus.HistogramVec
	MessagesEmitted *prometheus.CounterVec
	SendsBlocked    *prometheus.CounterVec
	Faults          *prometheus.CounterVec
}

// DefaultRegistry is the registry bound to the default Prometheus
// registerer.
var DefaultRegistry *Registry

func init() {
	DefaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
}

// NewRegistry creates a metrics registry with the given Prometheus
// registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		WorkersStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "emitflow",
				Subsystem: "pipe",
				Name:      "workers_started_total",
				Help:      "Total number of stage workers started",
			},
			[]string{"pipeline", "stage"},
		),

		WorkersActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "emitflow",
				Subsystem: "pipe",
				Name:      "workers_active",
				Help:      "Number of stage workers currently running",
			},
			[]string{"pipeline", "stage"},
		),

		WorkerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "emitflow",
				Subsystem: "pipe",
				Name:      "worker_duration_seconds",
				Help:      "Wall time from worker start to teardown completion",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pipeline", "stage"},
		),

		MessagesEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "emitflow",
				Subsystem: "pipe",
				Name:      "messages_emitted_total",
				Help:      "Total number of values emitted by stage workers",
			},
			[]string{"pipeline", "stage"},
		),

		SendsBlocked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "emitflow",
				Subsystem: "pipe",
				Name:      "sends_blocked_total",
				Help:      "Total number of emits that had to wait for channel space",
			},
			[]string{"pipeline", "stage"},
		),

		Faults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "emitflow",
				Subsystem: "pipe",
				Name:      "faults_total",
				Help:      "Total number of worker faults, by lifecycle phase",
			},
			[]string{"pipeline", "stage", "phase"},
		),
	}
}

// Observer returns a pipe.Observer that records engine events for the named
// pipeline into this registry. Pass it in pipe.RunConfig.Observer.
func (r *Registry) Observer(pipeline string) pipe.Observer {
	return &observer{reg: r, pipeline: pipeline}
}

type observer struct {
	reg      *Registry
	pipeline string
}

func (o *observer) WorkerStarted(stage string, worker int) {
	o.reg.WorkersStarted.WithLabelValues(o.pipeline, stage).Inc()
	o.reg.WorkersActive.WithLabelValues(o.pipeline, stage).Inc()
}

func (o *observer) WorkerFinished(stage string, worker int, d time.Duration) {
	o.reg.WorkersActive.WithLabelValues(o.pipeline, stage).Dec()
	o.reg.WorkerDuration.WithLabelValues(o.pipeline, stage).Observe(d.Seconds())
}

func (o *observer) MessageEmitted(stage string) {
	o.reg.MessagesEmitted.WithLabelValues(o.pipeline, stage).Inc()
}

func (o *observer) SendBlocked(stage string) {
	o.reg.SendsBlocked.WithLabelValues(o.pipeline, stage).Inc()
}

func (o *observer) FaultRecorded(stage string, err error) {
	phase := "unknown"
	var pe *flowerrors.PhaseError
	if errors.As(err, &pe) {
		phase = string(pe.Phase)
	}
	o.reg.Faults.WithLabelValues(o.pipeline, stage, phase).Inc()
}
