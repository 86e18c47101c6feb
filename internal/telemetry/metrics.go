package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowsentry/flowsentry/internal/detector"
)

// Collector implements prometheus.Collector over an Aggregator and a
// detector.State, following the Describe/Collect split in
// runZeroInc-sockstats's pkg/exporter.TCPInfoCollector.
type Collector struct {
	aggregator *Aggregator
	state      *detector.State

	totalPackets   *prometheus.Desc
	totalBytes     *prometheus.Desc
	instGbps       *prometheus.Desc
	cumGbps        *prometheus.Desc
	dropRate       *prometheus.Desc
	emptyBursts    *prometheus.Desc
	alertLevel     *prometheus.Desc
	latencyBucket  *prometheus.Desc
}

// NewCollector builds a Collector over aggregator and state.
func NewCollector(aggregator *Aggregator, state *detector.State) *Collector {
	return &Collector{
		aggregator: aggregator,
		state:      state,

		totalPackets: prometheus.NewDesc("flowsentry_packets_total", "Cumulative packets processed across all workers.", nil, nil),
		totalBytes:   prometheus.NewDesc("flowsentry_bytes_total", "Cumulative bytes processed across all workers.", nil, nil),
		instGbps:     prometheus.NewDesc("flowsentry_throughput_instantaneous_gbps", "Instantaneous throughput since the aggregator's previous collection (scrape or snapshot).", nil, nil),
		cumGbps:      prometheus.NewDesc("flowsentry_throughput_cumulative_gbps", "Cumulative throughput since process start.", nil, nil),
		dropRate:     prometheus.NewDesc("flowsentry_drop_rate", "Fraction of ingress packets dropped by the NIC or for lack of a buffer.", nil, nil),
		emptyBursts:  prometheus.NewDesc("flowsentry_rx_empty_bursts_total", "Cumulative empty RX bursts across all workers.", nil, nil),
		alertLevel:   prometheus.NewDesc("flowsentry_alert_level", "Current alert severity (0=none .. 4=critical).", nil, nil),
		latencyBucket: prometheus.NewDesc("flowsentry_detection_latency_bucket_total", "Inter-detection latency histogram bucket counts.", []string{"bucket"}, nil),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.totalPackets
	descs <- c.totalBytes
	descs <- c.instGbps
	descs <- c.cumGbps
	descs <- c.dropRate
	descs <- c.emptyBursts
	descs <- c.alertLevel
	descs <- c.latencyBucket
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	snap := c.aggregator.Collect(time.Now())

	metrics <- prometheus.MustNewConstMetric(c.totalPackets, prometheus.CounterValue, float64(snap.TotalPackets))
	metrics <- prometheus.MustNewConstMetric(c.totalBytes, prometheus.CounterValue, float64(snap.TotalBytes))
	metrics <- prometheus.MustNewConstMetric(c.instGbps, prometheus.GaugeValue, snap.InstantaneousGbps)
	metrics <- prometheus.MustNewConstMetric(c.cumGbps, prometheus.GaugeValue, snap.CumulativeGbps)
	metrics <- prometheus.MustNewConstMetric(c.dropRate, prometheus.GaugeValue, snap.DropRate)
	metrics <- prometheus.MustNewConstMetric(c.emptyBursts, prometheus.CounterValue, float64(snap.RxEmptyBursts))

	metrics <- prometheus.MustNewConstMetric(c.alertLevel, prometheus.GaugeValue, float64(c.state.CurrentAlert.Level))

	h := c.state.Latencies
	metrics <- prometheus.MustNewConstMetric(c.latencyBucket, prometheus.CounterValue, float64(h.Under20), "under_20ms")
	metrics <- prometheus.MustNewConstMetric(c.latencyBucket, prometheus.CounterValue, float64(h.From20to30), "20_30ms")
	metrics <- prometheus.MustNewConstMetric(c.latencyBucket, prometheus.CounterValue, float64(h.From30to40), "30_40ms")
	metrics <- prometheus.MustNewConstMetric(c.latencyBucket, prometheus.CounterValue, float64(h.From40to50), "40_50ms")
	metrics <- prometheus.MustNewConstMetric(c.latencyBucket, prometheus.CounterValue, float64(h.Over50), "over_50ms")
}
