package worker

import (
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// resourceUsage accumulates samples from the monitor goroutine. The
// executor reads a snapshot after the child exits.
type resourceUsage struct {
	mu       sync.Mutex
	peakRSS  uint64
	meanCPU  float64
	breached bool
}

func (u *resourceUsage) snapshot() (peakMB, meanCPU float64, breached bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return float64(u.peakRSS) / (1024 * 1024), u.meanCPU, u.breached
}

// monitor samples the child's RSS and CPU until done closes. Crossing
// the memory limit kills the whole process group; the sampler keeps
// running so the executor still sees the final peak.
func (e *Executor) monitor(pid int, limitBytes uint64, done <-chan struct{}) *resourceUsage {
	usage := &resourceUsage{}
	interval := e.cfg.GetMonitorInterval()

	go func() {
		proc, err := process.NewProcess(int32(pid))
		if err != nil {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}

			kill := false
			if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
				usage.mu.Lock()
				if mi.RSS > usage.peakRSS {
					usage.peakRSS = mi.RSS
				}
				if limitBytes > 0 && mi.RSS > limitBytes && !usage.breached {
					usage.breached = true
					kill = true
				}
				usage.mu.Unlock()
			}
			if pct, err := proc.CPUPercent(); err == nil {
				usage.mu.Lock()
				usage.meanCPU = pct
				usage.mu.Unlock()
			}
			if kill {
				e.log.Warn("memory limit breached, killing process group",
					zap.Int("pid", pid),
					zap.Uint64("limit_bytes", limitBytes))
				if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
					e.log.Warn("kill process group failed",
						zap.Int("pid", pid),
						zap.Error(err))
				}
			}
		}
	}()
	return usage
}
