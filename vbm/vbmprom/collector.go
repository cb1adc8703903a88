// Package vbmprom exports BufferManager statistics as Prometheus metrics
package vbmprom

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/geobuffer/memutils"
	"github.com/vkngwrapper/geobuffer/vbm"
)

// StatisticsSource is implemented by *vbm.BufferManager
type StatisticsSource interface {
	CalculateStatistics() vbm.Statistics
}

// Collector reads statistics from a manager on every scrape. Scrapes take the manager's read
// lock, so they wait for a running drain to finish.
type Collector struct {
	source StatisticsSource

	buffers             *prometheus.Desc
	descriptors         *prometheus.Desc
	capacityElements    *prometheus.Desc
	usedElements        *prometheus.Desc
	deviceBuffers       *prometheus.Desc
	deviceBytes         *prometheus.Desc
	budgetBytes         *prometheus.Desc
	pendingRequests     *prometheus.Desc
	pendingPreparations *prometheus.Desc
	drains              *prometheus.Desc
	requests            *prometheus.Desc
	compactionMoves     *prometheus.Desc
	compactionElements  *prometheus.Desc
	lastDrain           *prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a Collector for source. Every metric is named namespace_vbm_*, and
// constLabels are attached to all of them.
func NewCollector(source StatisticsSource, namespace string, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "vbm", name), help, labels, constLabels)
	}

	return &Collector{
		source: source,

		buffers:             desc("buffers", "Number of backing buffers", "pool"),
		descriptors:         desc("descriptors", "Number of live descriptors", "pool"),
		capacityElements:    desc("capacity_elements", "Total capacity of the backing buffers in elements", "pool"),
		usedElements:        desc("used_elements", "Elements held by live descriptors", "pool"),
		deviceBuffers:       desc("device_buffers", "Native buffers alive on the device"),
		deviceBytes:         desc("device_bytes", "Bytes held by native buffers"),
		budgetBytes:         desc("device_budget_bytes", "Configured native byte budget, 0 when unlimited"),
		pendingRequests:     desc("pending_requests", "Requests waiting for the next drain"),
		pendingPreparations: desc("pending_preparations", "Asynchronous preparations that have not finished"),
		drains:              desc("drains_total", "Drains that applied at least one request"),
		requests:            desc("requests_total", "Requests by outcome", "outcome"),
		compactionMoves:     desc("compaction_moves_total", "Range copies issued by compaction"),
		compactionElements:  desc("compaction_elements_moved_total", "Elements copied by compaction"),
		lastDrain:           desc("last_drain_seconds", "Duration of the most recent drain"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *Collector) collectPool(ch chan<- prometheus.Metric, pool string, stats *memutils.DetailedStatistics) {
	ch <- prometheus.MustNewConstMetric(c.buffers, prometheus.GaugeValue, float64(stats.BufferCount), pool)
	ch <- prometheus.MustNewConstMetric(c.descriptors, prometheus.GaugeValue, float64(stats.DescriptorCount), pool)
	ch <- prometheus.MustNewConstMetric(c.capacityElements, prometheus.GaugeValue, float64(stats.CapacityUnits), pool)
	ch <- prometheus.MustNewConstMetric(c.usedElements, prometheus.GaugeValue, float64(stats.UsedUnits), pool)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.CalculateStatistics()

	c.collectPool(ch, "static", &stats.Static)
	c.collectPool(ch, "dynamic", &stats.Dynamic)

	ch <- prometheus.MustNewConstMetric(c.deviceBuffers, prometheus.GaugeValue, float64(stats.Device.BufferCount))
	ch <- prometheus.MustNewConstMetric(c.deviceBytes, prometheus.GaugeValue, float64(stats.Device.BufferBytes))
	ch <- prometheus.MustNewConstMetric(c.budgetBytes, prometheus.GaugeValue, float64(stats.Device.BudgetBytes))
	ch <- prometheus.MustNewConstMetric(c.pendingRequests, prometheus.GaugeValue, float64(stats.PendingRequests))
	ch <- prometheus.MustNewConstMetric(c.pendingPreparations, prometheus.GaugeValue, float64(stats.PendingPreparations))
	ch <- prometheus.MustNewConstMetric(c.drains, prometheus.CounterValue, float64(stats.Drains))

	for outcome, value := range map[string]int{
		"processed":  stats.RequestsProcessed,
		"failed":     stats.RequestsFailed,
		"superseded": stats.RequestsSuperseded,
		"requeued":   stats.RequestsRequeued,
		"skipped":    stats.RemovesSkipped,
	} {
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(value), outcome)
	}

	ch <- prometheus.MustNewConstMetric(c.compactionMoves, prometheus.CounterValue, float64(stats.Compaction.MovesPerformed))
	ch <- prometheus.MustNewConstMetric(c.compactionElements, prometheus.CounterValue, float64(stats.Compaction.UnitsMoved))
	ch <- prometheus.MustNewConstMetric(c.lastDrain, prometheus.GaugeValue, stats.LastDrainDuration.Seconds())
}
