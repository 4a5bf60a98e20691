package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aldas/n2k-aggregator/reactor"
)

func gatherByName(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}

func TestCollector_Collect_exposesEngineStats(t *testing.T) {
	e, err := reactor.New(reactor.Config{Port: 19597, Capacity: 4})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(e)))

	pgnFamily := gatherByName(t, reg, "n2k_aggregator_pgns_tracked")
	require.Len(t, pgnFamily.Metric, 1)
	assert.Equal(t, float64(0), pgnFamily.Metric[0].GetGauge().GetValue())

	streamsFamily := gatherByName(t, reg, "n2k_aggregator_active_streams")
	labelSets := map[string]float64{}
	for _, m := range streamsFamily.Metric {
		for _, l := range m.Label {
			if l.GetName() == "type" {
				labelSets[l.GetValue()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Contains(t, labelSets, "snapshot")
	assert.Contains(t, labelSets, "json_stream")
	assert.Contains(t, labelSets, "nmea0183_stream")

	acceptsFamily := gatherByName(t, reg, "n2k_aggregator_accepts_total")
	require.Len(t, acceptsFamily.Metric, 1)
	assert.Equal(t, float64(0), acceptsFamily.Metric[0].GetCounter().GetValue())
}
