package server

import (
	"expvar"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// systemVars is published once; collectors update its entries.
var systemVars = expvar.NewMap("nexusdb_system")

// SystemStats is one sample of host resource usage.
type SystemStats struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemPercent    float64   `json:"mem_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	DiskFreeBytes uint64    `json:"disk_free_bytes"`
	SampledAt     time.Time `json:"sampled_at"`
}

// SystemCollector is responsible for periodically collecting system-level metrics
// like CPU and Disk usage and publishing them via expvar.
type SystemCollector struct {
	cpuUsagePercent *expvar.Float
	memUsagePercent *expvar.Float
	diskUsage       *expvar.Float
	diskFree        *expvar.Int
	diskPath        string
	interval        time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *slog.Logger

	mu   sync.Mutex
	last SystemStats
}

// NewSystemCollector creates a new collector.
// diskPath should be the path of the disk to monitor (e.g., the data directory).
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	sc := &SystemCollector{
		cpuUsagePercent: new(expvar.Float),
		memUsagePercent: new(expvar.Float),
		diskUsage:       new(expvar.Float),
		diskFree:        new(expvar.Int),
		diskPath:        diskPath,
		interval:        interval,
		stopChan:        make(chan struct{}),
		logger:          logger.With("component", "SystemCollector"),
	}
	systemVars.Set("cpu_usage_percent", sc.cpuUsagePercent)
	systemVars.Set("mem_usage_percent", sc.memUsagePercent)
	systemVars.Set("disk_usage_percent", sc.diskUsage)
	systemVars.Set("disk_free_bytes", sc.diskFree)
	return sc
}

// Start takes a first sample and begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.Collect()
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

// Last returns the most recent sample.
func (sc *SystemCollector) Last() SystemStats {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.last
}

// Collect takes one sample. Readings that fail keep their previous value.
func (sc *SystemCollector) Collect() SystemStats {
	sc.mu.Lock()
	s := sc.last
	sc.mu.Unlock()

	// Non-blocking: usage since the previous call.
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
		sc.cpuUsagePercent.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemPercent = vm.UsedPercent
		sc.memUsagePercent.Set(vm.UsedPercent)
	}
	if du, err := disk.Usage(sc.diskPath); err == nil {
		s.DiskPercent = du.UsedPercent
		s.DiskFreeBytes = du.Free
		sc.diskUsage.Set(du.UsedPercent)
		sc.diskFree.Set(int64(du.Free))
	} else {
		sc.logger.Debug("Disk usage unavailable", "path", sc.diskPath, "error", err)
	}
	s.SampledAt = time.Now()

	sc.mu.Lock()
	sc.last = s
	sc.mu.Unlock()
	return s
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.Collect()
		case <-sc.stopChan:
			return
		}
	}
}
