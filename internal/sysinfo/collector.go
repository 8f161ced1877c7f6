// 本文件用于采集网关主机与进程的资源快照
package sysinfo

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const defaultCacheTTL = 2 * time.Second

// Options 用于配置采集器的默认行为
type Options struct {
	CacheTTL time.Duration
	// DataDir 数据目录，磁盘占用按其所在分区统计
	DataDir string
}

type cpuSample struct {
	total float64
	idle  float64
}

// Collector 负责采集系统资源快照
type Collector struct {
	mu       sync.Mutex
	cacheTTL time.Duration
	dataDir  string
	started  time.Time

	lastSnapshot   SystemDashboard
	lastSnapshotAt time.Time
	lastCPU        cpuSample
}

// NewCollector 创建系统信息采集器
func NewCollector(opts Options) *Collector {
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	dataDir := strings.TrimSpace(opts.DataDir)
	if dataDir == "" {
		dataDir = "."
	}
	return &Collector{cacheTTL: cacheTTL, dataDir: dataDir, started: time.Now()}
}

// Snapshot 返回系统资源面板快照，缓存期内直接返回上次结果
func (c *Collector) Snapshot() SystemDashboard {
	now := time.Now()
	c.mu.Lock()
	if !c.lastSnapshotAt.IsZero() && now.Sub(c.lastSnapshotAt) < c.cacheTTL {
		snapshot := c.lastSnapshot
		c.mu.Unlock()
		return snapshot
	}
	prevCPU := c.lastCPU
	c.mu.Unlock()

	hostName, osName, kernel, uptime := collectHostInfo()
	loadLabel := collectLoadLabel()
	cpuUsage, sample := collectCPUUsage(prevCPU)

	cpuGauge := ResourceGauge{
		ID:         "cpu",
		Label:      "CPU 使用率",
		UsedPct:    cpuUsage,
		UsedLabel:  fmt.Sprintf("%.1f%%", cpuUsage),
		TotalLabel: fmt.Sprintf("%d 核", runtime.NumCPU()),
		SubLabel:   loadLabel,
		Tone:       usageTone(cpuUsage),
	}
	memGauge := collectMemoryGauge()
	diskGauge := collectDiskGauge(c.dataDir)

	dashboard := SystemDashboard{
		SystemOverview: Overview{
			Host:        hostName,
			OS:          osName,
			Kernel:      kernel,
			Uptime:      uptime,
			Load:        loadLabel,
			IP:          firstIPv4(),
			LastUpdated: now.Format("15:04:05"),
		},
		SystemGauges: []ResourceGauge{cpuGauge, memGauge, diskGauge},
		Process:      collectSelf(now.Sub(c.started)),
	}

	c.mu.Lock()
	c.lastSnapshot = dashboard
	c.lastSnapshotAt = now
	c.lastCPU = sample
	c.mu.Unlock()
	return dashboard
}

func collectHostInfo() (string, string, string, string) {
	info, err := host.Info()
	if err != nil {
		name, _ := os.Hostname()
		return fallbackString(name, placeholder), runtime.GOOS, placeholder, placeholder
	}
	osName := strings.TrimSpace(strings.Join([]string{info.Platform, info.PlatformVersion}, " "))
	if osName == "" {
		osName = runtime.GOOS
	}
	return fallbackString(info.Hostname, placeholder),
		osName,
		fallbackString(info.KernelVersion, placeholder),
		formatDurationCN(time.Duration(info.Uptime) * time.Second)
}

func collectLoadLabel() string {
	avg, err := load.Avg()
	if err != nil {
		return placeholder
	}
	return fmt.Sprintf("%.2f / %.2f / %.2f", avg.Load1, avg.Load5, avg.Load15)
}

// collectCPUUsage 基于两次采样的差值计算 CPU 使用率
func collectCPUUsage(prev cpuSample) (float64, cpuSample) {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return 0, cpuSample{}
	}
	t := times[0]
	curr := cpuSample{
		total: t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal,
		idle:  t.Idle + t.Iowait,
	}
	if prev.total <= 0 {
		// 首次采样用短间隔阻塞获取
		percents, err := cpu.Percent(120*time.Millisecond, false)
		if err == nil && len(percents) > 0 {
			return clampPct(percents[0]), curr
		}
		return 0, curr
	}
	deltaTotal := curr.total - prev.total
	if deltaTotal <= 0 {
		return 0, curr
	}
	return clampPct((deltaTotal - (curr.idle - prev.idle)) / deltaTotal * 100), curr
}

func collectMemoryGauge() ResourceGauge {
	gauge := ResourceGauge{ID: "memory", Label: "内存占用", UsedLabel: "--", TotalLabel: "总计 --", SubLabel: "--"}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return gauge
	}
	gauge.UsedPct = clampPct(vm.UsedPercent)
	gauge.UsedLabel = formatBytes(float64(vm.Used))
	gauge.TotalLabel = fmt.Sprintf("总计 %s", formatBytes(float64(vm.Total)))
	gauge.SubLabel = fmt.Sprintf("可用 %s", formatBytes(float64(vm.Available)))
	gauge.Tone = usageTone(gauge.UsedPct)
	return gauge
}

func collectDiskGauge(dir string) ResourceGauge {
	gauge := ResourceGauge{ID: "disk", Label: "数据盘占用", UsedLabel: "--", TotalLabel: "总计 --", SubLabel: dir}
	usage, err := disk.Usage(dir)
	if err != nil || usage.Total == 0 {
		return gauge
	}
	gauge.UsedPct = clampPct(usage.UsedPercent)
	gauge.UsedLabel = formatBytes(float64(usage.Used))
	gauge.TotalLabel = fmt.Sprintf("总计 %s", formatBytes(float64(usage.Total)))
	gauge.SubLabel = fmt.Sprintf("%s · 可用 %s", usage.Path, formatBytes(float64(usage.Free)))
	gauge.Tone = usageTone(gauge.UsedPct)
	return gauge
}

func collectSelf(uptime time.Duration) GatewayProcess {
	pid := int32(os.Getpid())
	out := GatewayProcess{
		PID:        pid,
		RSS:        placeholder,
		Goroutines: runtime.NumGoroutine(),
		Uptime:     formatDurationCN(uptime),
	}
	proc, err := process.NewProcess(pid)
	if err != nil {
		return out
	}
	if pct, err := proc.CPUPercent(); err == nil {
		out.CPU = pct
	}
	if info, err := proc.MemoryInfo(); err == nil && info != nil {
		out.RSS = formatBytes(float64(info.RSS))
	}
	if threads, err := proc.NumThreads(); err == nil {
		out.Threads = threads
	}
	return out
}
