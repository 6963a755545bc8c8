package core

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"castor/internal/utils"
)

// perfHistorySize bounds the ring buffers to ten minutes of one-second
// samples.
const perfHistorySize = 600

// PerfSample is one point on the performance graphs.
type PerfSample struct {
	At            time.Time `json:"at"`
	DownloadRate  int64     `json:"download_rate"`
	UploadRate    int64     `json:"upload_rate"`
	MemoryPercent float64   `json:"memory_percent"`
	CPUPercent    float64   `json:"cpu_percent"`
}

// perfMonitor keeps a bounded ring of recent samples.
type perfMonitor struct {
	mu      sync.Mutex
	samples []PerfSample
	max     int
	logger  *utils.Logger
}

func newPerfMonitor(logger *utils.Logger) *perfMonitor {
	return &perfMonitor{
		samples: make([]PerfSample, 0, perfHistorySize),
		max:     perfHistorySize,
		logger:  logger,
	}
}

// collect appends a sample built from the given transfer rates plus the
// host's memory and CPU usage.
func (p *perfMonitor) collect(dlRate, ulRate int64) {
	sample := PerfSample{
		At:           time.Now(),
		DownloadRate: dlRate,
		UploadRate:   ulRate,
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemoryPercent = vm.UsedPercent
	} else {
		p.logger.Debug("Failed to read memory stats:", err)
	}
	// Percentage since the previous call; the first call returns the
	// since-boot average, which is close enough for a graph.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		sample.CPUPercent = percents[0]
	} else if err != nil {
		p.logger.Debug("Failed to read CPU stats:", err)
	}

	p.add(sample)
}

func (p *perfMonitor) add(sample PerfSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = append(p.samples, sample)
	if len(p.samples) > p.max {
		p.samples = p.samples[len(p.samples)-p.max:]
	}
}

// history returns the retained samples, oldest first.
func (p *perfMonitor) history() []PerfSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PerfSample, len(p.samples))
	copy(out, p.samples)
	return out
}
