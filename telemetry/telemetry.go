package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They are called inline from consumer loops and sinks, so
// every method must return promptly.
type Collector interface {
	IncProcessed(stream string)
	IncWaitTimeout(stream string)
	IncHandlerError(stream string)
	ObserveDeliveryLag(stream string, lag time.Duration)
	IncSinkDropped(sink string, count uint64)
	IncProducerErrors(producer string, count int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncProcessed(string)                      {}
func (noopCollector) IncWaitTimeout(string)                    {}
func (noopCollector) IncHandlerError(string)                   {}
func (noopCollector) ObserveDeliveryLag(string, time.Duration) {}
func (noopCollector) IncSinkDropped(string, uint64)            {}
func (noopCollector) IncProducerErrors(string, int)            {}

// PrometheusCollector exposes telemetry via Prometheus.
type PrometheusCollector struct {
	processed      *prometheus.CounterVec
	waitTimeouts   *prometheus.CounterVec
	handlerErrors  *prometheus.CounterVec
	deliveryLag    *prometheus.HistogramVec
	sinkDropped    *prometheus.CounterVec
	producerErrors *prometheus.CounterVec
}

var (
	metricsLock sync.Mutex
	registered  = make(map[prometheus.Registerer]*PrometheusCollector)
)

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Calling it twice with the same registerer returns collectors
// sharing the same underlying vectors.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metricsLock.Lock()
	defer metricsLock.Unlock()
	if existing, ok := registered[reg]; ok {
		return existing, nil
	}

	processed, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "steerlink_values_processed_total",
		Help: "Number of values handed to stream handlers.",
	}, []string{"stream"})
	if err != nil {
		return nil, err
	}
	waitTimeouts, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "steerlink_wait_timeouts_total",
		Help: "Number of wait slices that ended without a new value.",
	}, []string{"stream"})
	if err != nil {
		return nil, err
	}
	handlerErrors, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "steerlink_handler_errors_total",
		Help: "Number of stream handler invocations that failed.",
	}, []string{"stream"})
	if err != nil {
		return nil, err
	}
	sinkDropped, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "steerlink_sink_dropped_total",
		Help: "Number of notifications dropped by non-blocking sinks.",
	}, []string{"sink"})
	if err != nil {
		return nil, err
	}
	producerErrors, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "steerlink_producer_errors_total",
		Help: "Number of decode or transport errors reported by producers.",
	}, []string{"producer"})
	if err != nil {
		return nil, err
	}

	lag := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "steerlink_delivery_lag_seconds",
		Help:    "Time between a value being recorded and its handler being invoked.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"stream"})
	if err := reg.Register(lag); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, err
		}
		lag = existing
	}

	collector := &PrometheusCollector{
		processed:      processed,
		waitTimeouts:   waitTimeouts,
		handlerErrors:  handlerErrors,
		deliveryLag:    lag,
		sinkDropped:    sinkDropped,
		producerErrors: producerErrors,
	}
	registered[reg] = collector
	return collector, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		return existing, nil
	}
	return counter, nil
}

// IncProcessed counts a value delivered to a stream handler.
func (p *PrometheusCollector) IncProcessed(stream string) {
	if p == nil || p.processed == nil {
		return
	}
	p.processed.WithLabelValues(stream).Inc()
}

// IncWaitTimeout counts a wait slice that produced no value.
func (p *PrometheusCollector) IncWaitTimeout(stream string) {
	if p == nil || p.waitTimeouts == nil {
		return
	}
	p.waitTimeouts.WithLabelValues(stream).Inc()
}

// IncHandlerError counts a failed handler invocation.
func (p *PrometheusCollector) IncHandlerError(stream string) {
	if p == nil || p.handlerErrors == nil {
		return
	}
	p.handlerErrors.WithLabelValues(stream).Inc()
}

// ObserveDeliveryLag records the age of a value at dispatch time.
func (p *PrometheusCollector) ObserveDeliveryLag(stream string, lag time.Duration) {
	if p == nil || p.deliveryLag == nil || lag < 0 {
		return
	}
	p.deliveryLag.WithLabelValues(stream).Observe(lag.Seconds())
}

// IncSinkDropped records notifications discarded by a sink.
func (p *PrometheusCollector) IncSinkDropped(sink string, count uint64) {
	if p == nil || p.sinkDropped == nil || count == 0 {
		return
	}
	p.sinkDropped.WithLabelValues(sink).Add(float64(count))
}

// IncProducerErrors records producer side failures.
func (p *PrometheusCollector) IncProducerErrors(producer string, count int) {
	if p == nil || p.producerErrors == nil || count <= 0 {
		return
	}
	p.producerErrors.WithLabelValues(producer).Add(float64(count))
}
