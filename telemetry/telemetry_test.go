package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncProcessed("steering_angle")
	collector.ObserveDeliveryLag("steering_angle", time.Millisecond)
	collector.IncSinkDropped("ui", 3)
}

func TestPrometheusCollectorRegistersAndReusesCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.IncProcessed("velocity")

	family := findFamily(t, reg, "steerlink_values_processed_total")
	requireCounterValue(t, family, 1)

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.processed, again.processed)

	again.IncProcessed("velocity")
	family = findFamily(t, reg, "steerlink_values_processed_total")
	requireCounterValue(t, family, 2)
}

func TestPrometheusCollectorIgnoresEmptyIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.IncSinkDropped("ui", 0)
	collector.IncProducerErrors("can", 0)
	collector.IncSinkDropped("journal", 4)

	family := findFamily(t, reg, "steerlink_sink_dropped_total")
	requireCounterValue(t, family, 4)
}

func TestPrometheusCollectorObservesLag(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.ObserveDeliveryLag("steering_angle", 5*time.Millisecond)
	collector.ObserveDeliveryLag("steering_angle", -time.Millisecond)

	family := findFamily(t, reg, "steerlink_delivery_lag_seconds")
	require.Len(t, family.Metric, 1)
	require.Equal(t, uint64(1), family.Metric[0].GetHistogram().GetSampleCount())
}

func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func requireCounterValue(t *testing.T, mf *dto.MetricFamily, value float64) {
	t.Helper()
	require.Len(t, mf.Metric, 1)
	require.NotNil(t, mf.Metric[0].Counter)
	require.Equal(t, value, mf.Metric[0].Counter.GetValue())
}
