// Package metrics exposes the running aggregator's live state as
// Prometheus metrics, behind the optional scrape endpoint n2kd serves
// when -metrics-addr is set.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aldas/n2k-aggregator/reactor"
)

var (
	pgnCountDesc = prometheus.NewDesc(
		"n2k_aggregator_pgns_tracked",
		"Number of distinct PGNs currently tracked by the message store.",
		nil, nil,
	)
	liveMessageDesc = prometheus.NewDesc(
		"n2k_aggregator_live_messages",
		"Number of non-expired messages currently tracked across all PGNs.",
		nil, nil,
	)
	activeStreamsDesc = prometheus.NewDesc(
		"n2k_aggregator_active_streams",
		"Active stream-table entries, broken down by stream type.",
		[]string{"type"}, nil,
	)
	acceptsTotalDesc = prometheus.NewDesc(
		"n2k_aggregator_accepts_total",
		"Total client connections accepted on either listener.",
		nil, nil,
	)
	evictionsTotalDesc = prometheus.NewDesc(
		"n2k_aggregator_evictions_total",
		"Total client streams closed by the not-ready or short-write eviction policy.",
		nil, nil,
	)
	shortWritesTotalDesc = prometheus.NewDesc(
		"n2k_aggregator_short_writes_total",
		"Total writes that returned fewer bytes than requested or errored.",
		nil, nil,
	)
)

// Collector adapts a *reactor.Engine's published Stats to the
// prometheus.Collector interface. It never reaches into the engine's
// Store or Registry directly: those are touched only from the engine's
// own single-threaded tick loop, and the HTTP scrape handler
// runs on its own goroutine, so Collect reads only the atomic snapshot
// Engine.Stats exposes.
type Collector struct {
	engine *reactor.Engine
}

// NewCollector returns a Collector backed by e.
func NewCollector(e *reactor.Engine) *Collector {
	return &Collector{engine: e}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pgnCountDesc
	ch <- liveMessageDesc
	ch <- activeStreamsDesc
	ch <- acceptsTotalDesc
	ch <- evictionsTotalDesc
	ch <- shortWritesTotalDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.engine.Stats()
	ch <- prometheus.MustNewConstMetric(pgnCountDesc, prometheus.GaugeValue, float64(st.PGNCount))
	ch <- prometheus.MustNewConstMetric(liveMessageDesc, prometheus.GaugeValue, float64(st.LiveMessages))

	ch <- prometheus.MustNewConstMetric(activeStreamsDesc, prometheus.GaugeValue, float64(st.SnapshotClients), "snapshot")
	ch <- prometheus.MustNewConstMetric(activeStreamsDesc, prometheus.GaugeValue, float64(st.JSONStreamClients), "json_stream")
	ch <- prometheus.MustNewConstMetric(activeStreamsDesc, prometheus.GaugeValue, float64(st.NMEA0183StreamConns), "nmea0183_stream")

	ch <- prometheus.MustNewConstMetric(acceptsTotalDesc, prometheus.CounterValue, float64(st.AcceptsTotal))
	ch <- prometheus.MustNewConstMetric(evictionsTotalDesc, prometheus.CounterValue, float64(st.EvictionsTotal))
	ch <- prometheus.MustNewConstMetric(shortWritesTotalDesc, prometheus.CounterValue, float64(st.ShortWritesTotal))
}
