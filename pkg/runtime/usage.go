package runtime

import (
	"github.com/docker/docker/api/types/container"
)

const gibi = 1 << 30

// Usage is a container's relative resource consumption. A nil field means
// the engine did not report the counters needed to compute it.
type Usage struct {
	CPU    *float64 `json:"cpuUsage,omitempty"`
	Memory *float64 `json:"memoryUsage,omitempty"`
}

// CalculateResourceUsage derives CPU and memory usage from one stats sample.
//
// CPU is the share of all host CPUs consumed since the previous sample,
// scaled by the number of online CPUs. Memory is working-set bytes (usage
// minus inactive file cache) over the memory limit.
func CalculateResourceUsage(stats container.StatsResponse) Usage {
	var u Usage

	cpu, pre := stats.CPUStats, stats.PreCPUStats
	if cpu.SystemUsage != 0 && pre.SystemUsage != 0 && cpu.OnlineCPUs != 0 {
		systemDelta := float64(cpu.SystemUsage) - float64(pre.SystemUsage)
		if systemDelta > 0 {
			cpuDelta := float64(cpu.CPUUsage.TotalUsage) - float64(pre.CPUUsage.TotalUsage)
			v := cpuDelta / systemDelta * float64(cpu.OnlineCPUs)
			u.CPU = &v
		}
	}

	mem := stats.MemoryStats
	if inactive, ok := mem.Stats["inactive_file"]; ok && mem.Usage != 0 && mem.Limit != 0 {
		v := (float64(mem.Usage) - float64(inactive)) / float64(mem.Limit)
		u.Memory = &v
	}

	return u
}

// Limits are the resource limits configured on a container
type Limits struct {
	CPUs      *float64 `json:"cpusLimit,omitempty"`
	MemoryGiB *float64 `json:"memoryLimitGiB,omitempty"`
}

// ResourceLimits reads CPU and memory limits from an inspect result. Unset
// limits are nil.
func ResourceLimits(info container.InspectResponse) Limits {
	var l Limits
	if info.ContainerJSONBase == nil || info.HostConfig == nil {
		return l
	}
	if n := info.HostConfig.NanoCPUs; n != 0 {
		v := float64(n) * 1e-9
		l.CPUs = &v
	}
	if m := info.HostConfig.Memory; m != 0 {
		v := float64(m) / gibi
		l.MemoryGiB = &v
	}
	return l
}
