package memory

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
)

// Probe reports container-aware memory usage as a percentage of the
// effective limit. Resolution order: cgroup v2, cgroup v1, host /proc.
// Advisory only: it never fails, returning 0 when no source is readable.
type Probe struct {
	cgroupRoot string
	procRoot   string
	logger     arbor.ILogger
	warnOnce   sync.Once
}

// NewProbe creates a probe reading the standard kernel paths
func NewProbe(logger arbor.ILogger) *Probe {
	return &Probe{
		cgroupRoot: "/sys/fs/cgroup",
		procRoot:   "/proc",
		logger:     logger,
	}
}

// NewProbeWithRoots creates a probe with overridden filesystem roots (tests)
func NewProbeWithRoots(cgroupRoot, procRoot string, logger arbor.ILogger) *Probe {
	return &Probe{
		cgroupRoot: cgroupRoot,
		procRoot:   procRoot,
		logger:     logger,
	}
}

// UsagePercent returns memory usage in [0,100]
func (p *Probe) UsagePercent() float64 {
	if pct, ok := p.cgroupV2(); ok {
		return pct
	}
	if pct, ok := p.cgroupV1(); ok {
		return pct
	}
	if pct, ok := p.hostPercent(); ok {
		return pct
	}
	p.warnOnce.Do(func() {
		p.logger.Warn().Msg("No memory source readable; reporting 0% usage")
	})
	return 0.0
}

// UsedMiB returns current memory usage in MiB, preferring the cgroup view
func (p *Probe) UsedMiB() float64 {
	if current, ok := p.readUint(filepath.Join(p.cgroupRoot, "memory.current")); ok {
		return float64(current) / (1024 * 1024)
	}
	if current, ok := p.readUint(filepath.Join(p.cgroupRoot, "memory", "memory.usage_in_bytes")); ok {
		return float64(current) / (1024 * 1024)
	}
	if total, avail, ok := p.hostMemInfo(); ok && total >= avail {
		return float64(total-avail) / 1024 // meminfo values are KiB
	}
	return 0.0
}

// cgroupV2 reads memory.current / memory.max. A "max" limit means the
// cgroup is unbounded, so the host total applies.
func (p *Probe) cgroupV2() (float64, bool) {
	current, ok := p.readUint(filepath.Join(p.cgroupRoot, "memory.current"))
	if !ok {
		return 0, false
	}

	raw, err := os.ReadFile(filepath.Join(p.cgroupRoot, "memory.max"))
	if err != nil {
		return 0, false
	}
	limitStr := strings.TrimSpace(string(raw))

	var limit uint64
	if limitStr == "max" {
		total, _, ok := p.hostMemInfo()
		if !ok {
			return 0, false
		}
		limit = total * 1024
	} else {
		limit, err = strconv.ParseUint(limitStr, 10, 64)
		if err != nil || limit == 0 {
			return 0, false
		}
	}

	return clampPercent(100 * float64(current) / float64(limit)), true
}

// cgroupV1 reads usage_in_bytes / limit_in_bytes. Limits beyond host RAM
// are the kernel's "unlimited" sentinel, so host RAM substitutes.
func (p *Probe) cgroupV1() (float64, bool) {
	current, ok := p.readUint(filepath.Join(p.cgroupRoot, "memory", "memory.usage_in_bytes"))
	if !ok {
		return 0, false
	}
	limit, ok := p.readUint(filepath.Join(p.cgroupRoot, "memory", "memory.limit_in_bytes"))
	if !ok || limit == 0 {
		return 0, false
	}

	if total, _, hostOK := p.hostMemInfo(); hostOK {
		hostBytes := total * 1024
		if limit > hostBytes {
			limit = hostBytes
		}
	}

	return clampPercent(100 * float64(current) / float64(limit)), true
}

// hostPercent computes used/total from /proc/meminfo
func (p *Probe) hostPercent() (float64, bool) {
	total, avail, ok := p.hostMemInfo()
	if !ok || total == 0 {
		return 0, false
	}
	used := total - avail
	return clampPercent(100 * float64(used) / float64(total)), true
}

// hostMemInfo returns MemTotal and MemAvailable in KiB
func (p *Probe) hostMemInfo() (total, available uint64, ok bool) {
	data, err := os.ReadFile(filepath.Join(p.procRoot, "meminfo"))
	if err != nil {
		return 0, 0, false
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemAvailable:":
			available, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}

	return total, available, total > 0
}

func (p *Probe) readUint(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func clampPercent(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
