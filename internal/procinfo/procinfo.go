// Package procinfo samples the daemon's own resource usage for the
// metrics gauges. It is pure observability: nothing here gates
// CONNECT admission or any other protocol decision (SPEC_FULL.md §6).
package procinfo

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/campinsights/yamsd/internal/metrics"
)

// Sampler periodically reads the daemon's own RSS and CPU usage via
// gopsutil and publishes them to a metrics.Registry.
type Sampler struct {
	proc     *process.Process
	registry *metrics.Registry
	logger   *zap.Logger
	interval time.Duration
}

// NewSampler builds a sampler for the current process.
func NewSampler(registry *metrics.Registry, logger *zap.Logger, interval time.Duration) (*Sampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("procinfo: lookup self pid: %w", err)
	}
	return &Sampler{proc: p, registry: registry, logger: logger, interval: interval}, nil
}

// Run samples on a ticker until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sampleOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Sampler) sampleOnce() {
	if memInfo, err := s.proc.MemoryInfo(); err == nil && memInfo != nil {
		s.registry.ProcessRSSBytes.Set(float64(memInfo.RSS))
	} else if err != nil {
		s.logger.Debug("procinfo: memory sample failed", zap.Error(err))
	}

	if cpuPercent, err := s.proc.CPUPercent(); err == nil {
		s.registry.ProcessCPURatio.Set(cpuPercent / 100)
	} else {
		s.logger.Debug("procinfo: cpu sample failed", zap.Error(err))
	}
}

// Alive reports whether the OS process identified by hostPID is still
// running. Used only for the supplemented liveness log line (the
// host-PID check in SPEC_FULL.md §4), never for admission control: a client whose process
// has already died is still accepted and only discovered dead when its
// private FIFO write fails.
func Alive(hostPID int) bool {
	running, err := process.PidExists(int32(hostPID))
	return err == nil && running
}
