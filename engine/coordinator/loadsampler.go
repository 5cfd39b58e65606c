package coordinator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// hostLoadSampler periodically samples host CPU/memory utilization in the
// background so Dispatch can consult it without ever blocking on a
// syscall. cpu.Percent(0, false) is non-blocking and reports usage since
// the previous call, which is exactly the shape a background ticker wants.
type hostLoadSampler struct {
	cpuPercentX1000 int64 // atomic, percent * 1000 for fractional precision without float atomics
	memPercentX1000 int64

	cpuThreshold float64
	memThreshold float64

	stopOnce sync.Once
	stop     chan struct{}
}

// defaultLoadThresholds are conservative: a host pinned above 90% CPU or
// memory is treated as overloaded for the purpose of shedding optional
// effect work.
const (
	defaultCPUThreshold = 90.0
	defaultMemThreshold = 90.0
)

func newHostLoadSampler(interval time.Duration) *hostLoadSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &hostLoadSampler{
		cpuThreshold: defaultCPUThreshold,
		memThreshold: defaultMemThreshold,
		stop:         make(chan struct{}),
	}
	go s.run(interval)
	return s
}

func (s *hostLoadSampler) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.sample()
	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-s.stop:
			return
		}
	}
}

func (s *hostLoadSampler) sample() {
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		atomic.StoreInt64(&s.cpuPercentX1000, int64(pcts[0]*1000))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		atomic.StoreInt64(&s.memPercentX1000, int64(vm.UsedPercent*1000))
	}
}

// Overloaded reports whether the most recent sample exceeded either
// threshold. A sampler with no successful sample yet (atomics still zero)
// reports false — never fail a request because of a transient sampling
// error at startup.
func (s *hostLoadSampler) Overloaded() bool {
	if s == nil {
		return false
	}
	cpuPct := float64(atomic.LoadInt64(&s.cpuPercentX1000)) / 1000
	memPct := float64(atomic.LoadInt64(&s.memPercentX1000)) / 1000
	return cpuPct >= s.cpuThreshold || memPct >= s.memThreshold
}

// Close stops the background sampling goroutine.
func (s *hostLoadSampler) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stop) })
}
