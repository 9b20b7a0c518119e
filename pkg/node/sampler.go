package node

import (
	"context"
	"os"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/procfs"

	"github.com/cuemby/symphony/pkg/log"
	"github.com/cuemby/symphony/pkg/transport"
)

// StaticSample is the hello-time hardware description of this host.
type StaticSample struct {
	Hostname string
	CPU      transport.HelloCPU
	Memory   transport.HelloMemory
	Mounts   []transport.HelloMount
	GPUs     []transport.HelloGPU
}

// DynamicSample is the per-heartbeat usage view of this host.
type DynamicSample struct {
	CPU    transport.HeartbeatCPU
	Memory transport.HeartbeatMemory
	Mounts []transport.HeartbeatMount
	GPUs   []transport.HeartbeatGPU
}

// ResourceSampler supplies the agent's hello and heartbeat resource data.
// Implementations report ok=false until their first sample is ready; the
// agent polls for a warmed-up static sample before sending hello.
type ResourceSampler interface {
	Static() (StaticSample, bool)
	Dynamic() (DynamicSample, bool)
}

// ProcSampler reads CPU and memory usage from procfs and root-filesystem
// usage via statfs. It carries no GPU support; a GPU-capable sampler wraps
// this one and appends its own readings.
type ProcSampler struct {
	interval time.Duration

	mu      sync.Mutex
	static  StaticSample
	dynamic DynamicSample
	ready   bool

	prevTotal []float64
	prevIdle  []float64
}

// NewProcSampler creates a sampler that refreshes every interval (default
// 2s).
func NewProcSampler(interval time.Duration) *ProcSampler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &ProcSampler{interval: interval}
}

// Run samples in a loop until ctx is cancelled. The first two iterations
// establish the CPU usage baseline; Static and Dynamic report ok once the
// first full sample lands.
func (p *ProcSampler) Run(ctx context.Context) {
	logger := log.WithComponent("sampler")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.sample(); err != nil {
			logger.Debug().Err(err).Msg("resource sample failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Static returns the hello-time snapshot, ok=false until warmed up.
func (p *ProcSampler) Static() (StaticSample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.static, p.ready
}

// Dynamic returns the latest usage snapshot, ok=false until warmed up.
func (p *ProcSampler) Dynamic() (DynamicSample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dynamic, p.ready
}

func (p *ProcSampler) sample() error {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()

	var static StaticSample
	var dynamic DynamicSample
	static.Hostname = hostname
	static.CPU = transport.HelloCPU{
		LogicalCores:       runtime.NumCPU(),
		MaxMillicoresTotal: int64(runtime.NumCPU()) * 1000,
	}

	if mem, err := fs.Meminfo(); err == nil {
		total := kbToBytes(mem.MemTotal)
		avail := kbToBytes(mem.MemAvailable)
		free := kbToBytes(mem.MemFree)
		used := total - avail
		static.Memory = transport.HelloMemory{TotalBytes: total}
		var usedPct float64
		if total > 0 {
			usedPct = float64(used) / float64(total) * 100
		}
		dynamic.Memory = transport.HeartbeatMemory{
			UsedBytes:      used,
			AvailableBytes: avail,
			UsedPercent:    usedPct,
			FreeBytes:      free,
			BuffersBytes:   kbToBytes(mem.Buffers),
			CachedBytes:    kbToBytes(mem.Cached),
		}
	}

	if stat, err := fs.Stat(); err == nil {
		dynamic.CPU = p.cpuFromStat(&stat)
	}

	var sfs syscall.Statfs_t
	if err := syscall.Statfs("/", &sfs); err == nil {
		bsize := uint64(sfs.Bsize)
		total := sfs.Blocks * bsize
		avail := sfs.Bavail * bsize
		used := total - sfs.Bfree*bsize
		static.Mounts = []transport.HelloMount{{MountPoint: "/", FsType: "unknown", TotalBytes: total}}
		var usedPct float64
		if total > 0 {
			usedPct = float64(used) / float64(total) * 100
		}
		dynamic.Mounts = []transport.HeartbeatMount{{
			MountPoint: "/", UsedBytes: used, AvailBytes: avail, UsedPercent: usedPct,
		}}
	}

	p.mu.Lock()
	p.static = static
	p.dynamic = dynamic
	p.ready = true
	p.mu.Unlock()
	return nil
}

// cpuFromStat computes per-core busy percentages from consecutive
// /proc/stat samples. The first call has no baseline and reports zeros.
func (p *ProcSampler) cpuFromStat(stat *procfs.Stat) transport.HeartbeatCPU {
	cores := make([]int64, 0, len(stat.CPU))
	for id := range stat.CPU {
		cores = append(cores, id)
	}
	sort.Slice(cores, func(i, j int) bool { return cores[i] < cores[j] })

	totals := make([]float64, len(cores))
	idles := make([]float64, len(cores))
	for i, id := range cores {
		c := stat.CPU[id]
		idles[i] = c.Idle + c.Iowait
		totals[i] = c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
	}

	out := transport.HeartbeatCPU{}
	if p.prevTotal != nil && len(p.prevTotal) == len(totals) {
		var busySum, totalSum float64
		for i := range totals {
			dTotal := totals[i] - p.prevTotal[i]
			dIdle := idles[i] - p.prevIdle[i]
			var pct float64
			if dTotal > 0 {
				pct = (dTotal - dIdle) / dTotal * 100
			}
			out.PerCore = append(out.PerCore, transport.HeartbeatCPUCore{CoreID: int(cores[i]), UsedPercent: pct})
			busySum += dTotal - dIdle
			totalSum += dTotal
		}
		if totalSum > 0 {
			out.TotalPercent = busySum / totalSum * 100
		}
	}
	p.prevTotal = totals
	p.prevIdle = idles
	return out
}

func kbToBytes(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v * 1024
}
