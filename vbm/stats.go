package vbm

import (
	"time"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/geobuffer/memutils"
	"github.com/vkngwrapper/geobuffer/memutils/defrag"
)

// Statistics is a point-in-time summary of a BufferManager. Sizes are in elements except for
// the Device statistics, which are in bytes.
type Statistics struct {
	Total   memutils.DetailedStatistics
	Static  memutils.DetailedStatistics
	Dynamic memutils.DetailedStatistics
	Device  DeviceStatistics

	PendingRequests     int
	PendingPreparations int
	Drains              int
	RequestsProcessed   int
	RequestsFailed      int
	RequestsSuperseded  int
	RequestsRequeued    int
	AddsApplied         int
	RemovesApplied      int
	RemovesSkipped      int
	LastDrainDuration   time.Duration
	Compaction          defrag.CompactionStats
}

// CalculateStatistics retrieves statistics for every backing buffer and request counter. It
// takes the read lock, so it should be called between drains.
func (m *BufferManager) CalculateStatistics() Statistics {
	m.stateMutex.RLock()
	defer m.stateMutex.RUnlock()

	return m.calculateStatistics()
}

func (m *BufferManager) calculateStatistics() Statistics {
	var stats Statistics
	stats.Total.Clear()
	stats.Static.Clear()
	stats.Dynamic.Clear()

	m.pools[staticPool].addDetailedStatistics(&stats.Static)
	m.pools[dynamicPool].addDetailedStatistics(&stats.Dynamic)
	stats.Total.AddDetailedStatistics(&stats.Static)
	stats.Total.AddDetailedStatistics(&stats.Dynamic)

	stats.Device = m.device.Statistics()
	stats.PendingRequests = m.queue.length()
	stats.PendingPreparations = m.prepare.pending()
	stats.Drains = int(m.counters.drains.Load())
	stats.RequestsProcessed = int(m.counters.requestsProcessed.Load())
	stats.RequestsFailed = int(m.counters.requestsFailed.Load())
	stats.RequestsSuperseded = int(m.counters.requestsSuperseded.Load())
	stats.RequestsRequeued = int(m.counters.requestsRequeued.Load())
	stats.AddsApplied = int(m.counters.addsApplied.Load())
	stats.RemovesApplied = int(m.counters.removesApplied.Load())
	stats.RemovesSkipped = int(m.counters.removesSkipped.Load())
	stats.LastDrainDuration = time.Duration(m.counters.lastDrainNanos.Load())
	stats.Compaction = m.compactionStats

	return stats
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BufferCount").Int(stats.BufferCount)
	json.Name("DescriptorCount").Int(stats.DescriptorCount)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	json.Name("CapacityElements").Int(stats.CapacityUnits)
	json.Name("UsedElements").Int(stats.UsedUnits)

	if stats.DescriptorCount > 0 {
		obj := json.Name("DescriptorSize").Object()
		obj.Name("Min").Int(stats.DescriptorSizeMin)
		obj.Name("Max").Int(stats.DescriptorSizeMax)
		obj.End()
	}

	if stats.UnusedRangeCount > 0 {
		obj := json.Name("UnusedRangeSize").Object()
		obj.Name("Min").Int(stats.UnusedRangeSizeMin)
		obj.Name("Max").Int(stats.UnusedRangeSizeMax)
		obj.End()
	}
}

// BuildStatsString produces a JSON document describing the manager. With detailed set, every
// backing buffer lists its descriptors.
func (m *BufferManager) BuildStatsString(detailed bool) string {
	m.stateMutex.RLock()
	defer m.stateMutex.RUnlock()

	stats := m.calculateStatistics()

	writer := jwriter.NewWriter()
	root := writer.Object()

	general := root.Name("General").Object()
	general.Name("ElementSize").Int(m.options.ElementSize)
	general.Name("Flags").String(m.options.Flags.String())
	general.Name("DeviceBuffers").Int(stats.Device.BufferCount)
	general.Name("DeviceBytes").Int(stats.Device.BufferBytes)
	general.Name("BudgetBytes").Int(stats.Device.BudgetBytes)
	general.Name("PendingRequests").Int(stats.PendingRequests)
	general.Name("PendingPreparations").Int(stats.PendingPreparations)
	general.End()

	requests := root.Name("Requests").Object()
	requests.Name("Drains").Int(stats.Drains)
	requests.Name("Processed").Int(stats.RequestsProcessed)
	requests.Name("Failed").Int(stats.RequestsFailed)
	requests.Name("Superseded").Int(stats.RequestsSuperseded)
	requests.Name("Requeued").Int(stats.RequestsRequeued)
	requests.Name("AddsApplied").Int(stats.AddsApplied)
	requests.Name("RemovesApplied").Int(stats.RemovesApplied)
	requests.Name("RemovesSkipped").Int(stats.RemovesSkipped)
	requests.Name("LastDrainMicroseconds").Int(int(stats.LastDrainDuration.Microseconds()))
	requests.End()

	compaction := root.Name("Compaction").Object()
	compaction.Name("Passes").Int(stats.Compaction.Passes)
	compaction.Name("Moves").Int(stats.Compaction.MovesPerformed)
	compaction.Name("DescriptorsMoved").Int(stats.Compaction.AllocationsMoved)
	compaction.Name("ElementsMoved").Int(stats.Compaction.UnitsMoved)
	compaction.Name("ElementsReclaimed").Int(stats.Compaction.UnitsReclaimed)
	compaction.End()

	total := root.Name("Total").Object()
	printDetailedStatistics(&total, &stats.Total)
	total.End()

	pools := root.Name("Pools").Object()
	poolStats := [2]*memutils.DetailedStatistics{&stats.Static, &stats.Dynamic}
	for index, pool := range m.pools {
		obj := pools.Name(pool.name()).Object()

		statsObj := obj.Name("Stats").Object()
		printDetailedStatistics(&statsObj, poolStats[index])
		statsObj.End()

		pool.printJson(&obj, detailed)
		obj.End()
	}
	pools.End()

	root.End()

	return string(writer.Bytes())
}
