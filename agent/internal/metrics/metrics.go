// Package metrics collects the health snapshot carried by agent:heartbeat
// frames: host CPU, child process memory, wrapper uptime, and command
// throughput counters maintained by the supervisor.
package metrics

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/onsembl/onsembl/shared/protocol"
)

// Collector accumulates command counters and samples resource usage on
// demand. Safe for concurrent use.
type Collector struct {
	start time.Time

	mu              sync.Mutex
	proc            *process.Process // supervised child, nil while stopped
	commands        uint64
	totalResponseMs float64
}

// NewCollector starts the uptime clock.
func NewCollector() *Collector {
	return &Collector{start: time.Now()}
}

// Watch points resource sampling at the child process. Pass 0 to detach
// (child stopped).
func (c *Collector) Watch(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pid <= 0 {
		c.proc = nil
		return
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		c.proc = nil
		return
	}
	c.proc = p
}

// CommandDone records one completed command and its wall-clock duration,
// feeding the average response time in heartbeats.
func (c *Collector) CommandDone(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands++
	c.totalResponseMs += float64(d.Milliseconds())
}

// Usage samples the child's current CPU percentage and resident memory.
// Used by the supervisor's health check against the configured bounds.
// Returns zeros when no child is being watched.
func (c *Collector) Usage() (cpuPercent float64, memoryBytes uint64) {
	c.mu.Lock()
	p := c.proc
	c.mu.Unlock()

	if p == nil {
		return 0, 0
	}
	if pct, err := p.CPUPercent(); err == nil {
		cpuPercent = pct
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		memoryBytes = mem.RSS
	}
	return cpuPercent, memoryBytes
}

// Snapshot builds the heartbeat payload. Host CPU is used when no child is
// running so dashboards still see a live signal.
func (c *Collector) Snapshot() protocol.HealthMetrics {
	cpuPct, mem := c.Usage()
	if cpuPct == 0 && mem == 0 {
		// No child: report host CPU so the metric is never silently flat.
		if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
			cpuPct = pcts[0]
		}
	}

	c.mu.Lock()
	commands := c.commands
	total := c.totalResponseMs
	c.mu.Unlock()

	avg := 0.0
	if commands > 0 {
		avg = total / float64(commands)
	}

	return protocol.HealthMetrics{
		CPUPercent:        cpuPct,
		MemoryBytes:       mem,
		UptimeSeconds:     int64(time.Since(c.start).Seconds()),
		CommandsProcessed: commands,
		AvgResponseTimeMs: avg,
	}
}
