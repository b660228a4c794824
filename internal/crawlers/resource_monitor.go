package crawlers

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	// pageMemoryUsage 单个浏览器标签页平均内存消耗
	pageMemoryUsage = 100 * 1024 * 1024

	// safetyReserveMemory 为系统保留的内存
	safetyReserveMemory = 512 * 1024 * 1024

	// sampleCacheTTL 采样结果缓存时间
	sampleCacheTTL = time.Second
)

// ResourceStatus 一次资源采样的结果
type ResourceStatus struct {
	TotalMemory     uint64  // 系统总内存(字节)
	AvailableMemory uint64  // 系统可用内存(字节)
	ProcessAlloc    uint64  // 本进程堆内存(字节)
	Goroutines      int     // goroutine数量
	CPUPercent      float64 // 系统CPU使用率(%)
	MemoryPressure  string  // 内存压力等级
}

// String 用于状态日志
func (s ResourceStatus) String() string {
	return fmt.Sprintf("内存 %.0fMB/%.0fMB 可用, 进程 %.1fMB, CPU %.1f%%, goroutine %d",
		float64(s.AvailableMemory)/(1024*1024), float64(s.TotalMemory)/(1024*1024),
		float64(s.ProcessAlloc)/(1024*1024), s.CPUPercent, s.Goroutines)
}

// ResourceMonitor 系统资源监控器
// 职责: 为状态日志提供资源快照,为浏览器标签页池计算上限
type ResourceMonitor struct {
	mu         sync.Mutex
	last       ResourceStatus
	lastSample time.Time

	// CPU负载阈值(%), >=200 视为禁用CPU检查
	cpuLoadThreshold float64
}

// NewResourceMonitor 创建资源监控器实例
func NewResourceMonitor(cpuLoadThreshold float64) *ResourceMonitor {
	return &ResourceMonitor{cpuLoadThreshold: cpuLoadThreshold}
}

// Sample 返回当前资源状态(1秒内重复调用返回缓存结果)
func (rm *ResourceMonitor) Sample() ResourceStatus {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.lastSample.IsZero() && time.Since(rm.lastSample) < sampleCacheTTL {
		return rm.last
	}

	var status ResourceStatus

	vmStat, err := mem.VirtualMemory()
	if err != nil {
		log.Debug().Err(err).Msg("获取系统内存失败,使用默认值")
		status.TotalMemory = 4 * 1024 * 1024 * 1024
		status.AvailableMemory = status.TotalMemory / 2
	} else {
		status.TotalMemory = vmStat.Total
		status.AvailableMemory = vmStat.Available
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	status.ProcessAlloc = memStats.Alloc
	status.Goroutines = runtime.NumGoroutine()

	// perCPU=false 返回所有核心的平均使用率, 0间隔表示与上次调用比较
	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		status.CPUPercent = percentages[0]
	}

	availableMB := status.AvailableMemory / (1024 * 1024)
	switch {
	case availableMB < 200:
		status.MemoryPressure = "emergency"
	case availableMB < 300:
		status.MemoryPressure = "critical"
	case availableMB < 500:
		status.MemoryPressure = "warning"
	default:
		status.MemoryPressure = "normal"
	}

	rm.last = status
	rm.lastSample = time.Now()
	return status
}

// CalculateMaxPages 根据可用内存和CPU核数计算标签页上限,不超过limit
func (rm *ResourceMonitor) CalculateMaxPages(limit int) int {
	status := rm.Sample()

	maxByMemory := 1
	if status.AvailableMemory > safetyReserveMemory {
		maxByMemory = int((status.AvailableMemory - safetyReserveMemory) / pageMemoryUsage)
	}

	result := min(maxByMemory, runtime.NumCPU(), limit)
	if result < 1 {
		result = 1
	}
	return result
}

// CheckResourceAvailability 检查当前资源是否允许创建新标签页
func (rm *ResourceMonitor) CheckResourceAvailability() (canCreate bool, reason string) {
	status := rm.Sample()

	if status.MemoryPressure == "emergency" || status.MemoryPressure == "critical" {
		log.Warn().Msgf("可用内存不足(当前%dMB),标签页创建受限", status.AvailableMemory/(1024*1024))
		return false, fmt.Sprintf("内存不足(当前%dMB)", status.AvailableMemory/(1024*1024))
	}

	if rm.cpuLoadThreshold > 0 && rm.cpuLoadThreshold < 200 && status.CPUPercent > rm.cpuLoadThreshold {
		return false, fmt.Sprintf("CPU负载过高(当前%.1f%%)", status.CPUPercent)
	}

	return true, ""
}
