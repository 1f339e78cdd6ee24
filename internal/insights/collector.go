package insights

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostFacts are the environment details included in a report.
type HostFacts struct {
	Runtime        string
	RuntimeVersion string
	OSName         string
	OSArch         string
	OSVersion      string
	KernelVersion  string
	CPUModel       string
	CPUCount       int
	MaxProcs       int
	MemoryTotal    uint64
	UptimeSeconds  uint64
	Timezone       string
}

// Collector gathers host facts. Facts that cannot be read are left empty.
type Collector struct {
	hostInfo  func(ctx context.Context) (*host.InfoStat, error)
	memory    func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	cpuInfo   func(ctx context.Context) ([]cpu.InfoStat, error)
	cpuCounts func(ctx context.Context, logical bool) (int, error)
}

// NewCollector creates a Collector reading the local host.
func NewCollector() *Collector {
	return &Collector{
		hostInfo:  host.InfoWithContext,
		memory:    mem.VirtualMemoryWithContext,
		cpuInfo:   cpu.InfoWithContext,
		cpuCounts: cpu.CountsWithContext,
	}
}

// Host collects the current host facts.
func (c *Collector) Host(ctx context.Context) HostFacts {
	zone, _ := time.Now().Zone()
	facts := HostFacts{
		Runtime:        "Go",
		RuntimeVersion: runtime.Version(),
		OSName:         runtime.GOOS,
		OSArch:         runtime.GOARCH,
		MaxProcs:       runtime.GOMAXPROCS(0),
		Timezone:       zone,
	}

	if info, err := c.hostInfo(ctx); err == nil && info != nil {
		if info.Platform != "" {
			facts.OSVersion = info.Platform + " " + info.PlatformVersion
		}
		facts.KernelVersion = info.KernelVersion
		facts.UptimeSeconds = info.Uptime
	}

	if vm, err := c.memory(ctx); err == nil && vm != nil {
		facts.MemoryTotal = vm.Total
	}

	if infos, err := c.cpuInfo(ctx); err == nil && len(infos) > 0 {
		facts.CPUModel = infos[0].ModelName
	}

	if n, err := c.cpuCounts(ctx, true); err == nil {
		facts.CPUCount = n
	}

	return facts
}
