package media

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig конфигурация метрик приемника
type MetricsConfig struct {
	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
	Subsystem string

	// Registerer реестр Prometheus; nil означает prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "media",
		Subsystem: "receiver",
	}
}

// ReceiverMetrics Prometheus метрики приемной стороны.
// Один экземпляр разделяется всеми приемниками процесса.
// Методы безопасны для nil получателя, что отключает сбор.
type ReceiverMetrics struct {
	unitsReceived    prometheus.Counter
	unitsDecoded     prometheus.Counter
	unitsWritten     prometheus.Counter
	unitsDropped     prometheus.Counter
	decodeFaults     *prometheus.CounterVec
	streamFaults     *prometheus.CounterVec
	pipelinesRunning prometheus.Gauge
	preparations     *prometheus.CounterVec
	decodeDuration   prometheus.Histogram
	pipelineLifetime prometheus.Histogram
}

// NewReceiverMetrics создает и регистрирует метрики
func NewReceiverMetrics(config MetricsConfig) *ReceiverMetrics {
	registerer := config.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)
	ns, sub := config.Namespace, config.Subsystem

	return &ReceiverMetrics{
		unitsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "units_received_total",
			Help:      "Total number of units read from input sources",
		}),
		unitsDecoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "units_decoded_total",
			Help:      "Total number of units that passed the decode chain",
		}),
		unitsWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "units_written_total",
			Help:      "Total number of units accepted by output sinks",
		}),
		unitsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "units_dropped_total",
			Help:      "Total number of units dropped on sink overflow",
		}),
		decodeFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "decode_faults_total",
			Help:      "Total number of units skipped after a decode failure",
		}, []string{"stage"}),
		streamFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "stream_faults_total",
			Help:      "Total number of stream faults by kind",
		}, []string{"kind"}),
		pipelinesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "pipelines_running",
			Help:      "Number of currently running pipelines",
		}),
		preparations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "preparations_total",
			Help:      "Total number of prepare attempts by result",
		}, []string{"result"}),
		decodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "decode_duration_seconds",
			Help:      "Time spent in the decode chain per unit",
			Buckets:   []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005}, // от 1µs до 5ms
		}),
		pipelineLifetime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "pipeline_duration_seconds",
			Help:      "Lifetime of running pipelines in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 1800, 3600},
		}),
	}
}

func (m *ReceiverMetrics) unitReceived() {
	if m == nil {
		return
	}
	m.unitsReceived.Inc()
}

func (m *ReceiverMetrics) unitDecoded(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.unitsDecoded.Inc()
	m.decodeDuration.Observe(elapsed.Seconds())
}

func (m *ReceiverMetrics) unitWritten() {
	if m == nil {
		return
	}
	m.unitsWritten.Inc()
}

func (m *ReceiverMetrics) unitDropped() {
	if m == nil {
		return
	}
	m.unitsDropped.Inc()
}

func (m *ReceiverMetrics) decodeFault(stage string) {
	if m == nil {
		return
	}
	m.decodeFaults.WithLabelValues(stage).Inc()
}

func (m *ReceiverMetrics) pipelineStarted() {
	if m == nil {
		return
	}
	m.pipelinesRunning.Inc()
}

func (m *ReceiverMetrics) pipelineStopped(lifetime time.Duration) {
	if m == nil {
		return
	}
	m.pipelinesRunning.Dec()
	m.pipelineLifetime.Observe(lifetime.Seconds())
}

func (m *ReceiverMetrics) preparation(err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case HasErrorCode(err, ErrorCodeAudioCodecUnsupported):
		result = "unsupported_format"
	case HasErrorCode(err, ErrorCodeSessionAlreadyPrepared):
		result = "rejected"
	default:
		result = "failed"
	}
	m.preparations.WithLabelValues(result).Inc()
}

// OnStreamFault учитывает ошибку потока; приемник регистрирует метрики
// слушателем входного потока.
func (m *ReceiverMetrics) OnStreamFault(fault StreamFault) {
	if m == nil {
		return
	}
	m.streamFaults.WithLabelValues(fault.Kind.String()).Inc()
}
