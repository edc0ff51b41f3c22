package chunk

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/chunkpool/memutils"
)

// PoolStatistics breaks down a pool's native blocks and allocations by memory type and heap
type PoolStatistics struct {
	MemoryTypes []memutils.DetailedStatistics
	MemoryHeaps []memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

// CalculateStatistics walks every group in the pool. Free chunks are reported as unused ranges.
// This locks each subpool in turn, so it is slow: prefer HeapStatistics for frequent polling.
func (p *AllocationPool) CalculateStatistics(stats *PoolStatistics) {
	p.logger.Debug("AllocationPool::CalculateStatistics")

	memoryTypeCount := p.deviceMemory.MemoryTypeCount()
	heapCount := p.deviceMemory.MemoryHeapCount()

	stats.MemoryTypes = make([]memutils.DetailedStatistics, memoryTypeCount)
	stats.MemoryHeaps = make([]memutils.DetailedStatistics, heapCount)
	stats.Total.Clear()

	for heapIndex := range stats.MemoryHeaps {
		stats.MemoryHeaps[heapIndex].Clear()
	}

	for memoryTypeIndex := 0; memoryTypeIndex < memoryTypeCount; memoryTypeIndex++ {
		typeStats := &stats.MemoryTypes[memoryTypeIndex]
		typeStats.Clear()

		for level := 0; level < MaxSizeClassLevels; level++ {
			p.subpool(memoryTypeIndex, level).AddDetailedStatistics(typeStats)
		}
		p.addDedicatedStatistics(memoryTypeIndex, typeStats)

		heapIndex := p.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(typeStats)
	}

	for heapIndex := range stats.MemoryHeaps {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
	}
}

// HeapStatistics reads the running tallies for a single heap without taking any locks
func (p *AllocationPool) HeapStatistics(heapIndex int) memutils.Statistics {
	return p.deviceMemory.HeapStatistics(heapIndex)
}

// MemoryTypeStatistics totals the groups of a single memory type
func (p *AllocationPool) MemoryTypeStatistics(memoryTypeIndex int) memutils.Statistics {
	var stats memutils.Statistics

	for level := 0; level < MaxSizeClassLevels; level++ {
		p.subpool(memoryTypeIndex, level).AddStatistics(&stats)
	}

	var dedicated memutils.DetailedStatistics
	dedicated.Clear()
	p.addDedicatedStatistics(memoryTypeIndex, &dedicated)
	stats.AddStatistics(&dedicated.Statistics)

	return stats
}

func printStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// BuildStatsString produces a JSON document describing the pool's heaps and memory types. If
// detailed is true, every size class in use and every live allocation is listed as well.
func (p *AllocationPool) BuildStatsString(detailed bool) string {
	p.logger.Debug("AllocationPool::BuildStatsString")

	var stats PoolStatistics
	p.CalculateStatistics(&stats)

	writer := jwriter.NewWriter()
	root := writer.Object()

	total := root.Name("Total").Object()
	printStatistics(&total, &stats.Total)
	total.End()

	root.Name("DedicatedThreshold").Int(p.DedicatedThreshold())

	heaps := root.Name("MemoryHeaps").Array()
	for heapIndex := range stats.MemoryHeaps {
		heapProperties := p.deviceMemory.MemoryHeapProperties(heapIndex)

		heap := heaps.Object()
		heap.Name("Index").Int(heapIndex)
		heap.Name("Size").Int(heapProperties.Size)
		heap.Name("Flags").Int(int(heapProperties.Flags))

		heapStats := heap.Name("Stats").Object()
		printStatistics(&heapStats, &stats.MemoryHeaps[heapIndex])
		heapStats.End()

		heap.End()
	}
	heaps.End()

	types := root.Name("MemoryTypes").Array()
	for memoryTypeIndex := range stats.MemoryTypes {
		memoryType := p.deviceMemory.MemoryTypeProperties(memoryTypeIndex)

		typeObj := types.Object()
		typeObj.Name("Index").Int(memoryTypeIndex)
		typeObj.Name("HeapIndex").Int(memoryType.HeapIndex)
		typeObj.Name("PropertyFlags").Int(int(memoryType.PropertyFlags))

		typeStats := typeObj.Name("Stats").Object()
		printStatistics(&typeStats, &stats.MemoryTypes[memoryTypeIndex])
		typeStats.End()

		if detailed {
			p.printDetailedMemoryType(&typeObj, memoryTypeIndex)
		}

		typeObj.End()
	}
	types.End()

	root.End()
	return string(writer.Bytes())
}

func (p *AllocationPool) printDetailedMemoryType(json *jwriter.ObjectState, memoryTypeIndex int) {
	sizeClasses := json.Name("SizeClasses").Array()
	for level := 0; level < MaxSizeClassLevels; level++ {
		subpool := p.subpool(memoryTypeIndex, level)
		if subpool.IsUnused() {
			continue
		}

		obj := sizeClasses.Object()
		subpool.PrintDetailedMap(&obj)
		obj.End()
	}
	sizeClasses.End()

	p.printDedicatedGroups(memoryTypeIndex, json.Name("DedicatedAllocations"))
}
