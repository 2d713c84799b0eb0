package limits

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard enforces static admission limits: a hard connection cap
// and a CPU safety valve. Static configuration, no auto-tuning.
type ResourceGuard struct {
	maxConnections     int
	cpuRejectThreshold float64

	currentConns *int64       // pointer to the server's live count, read atomically
	currentCPU   atomic.Value // float64

	logger zerolog.Logger
}

func NewResourceGuard(maxConnections int, cpuRejectThreshold float64, currentConns *int64, logger zerolog.Logger) *ResourceGuard {
	rg := &ResourceGuard{
		maxConnections:     maxConnections,
		cpuRejectThreshold: cpuRejectThreshold,
		currentConns:       currentConns,
		logger:             logger.With().Str("component", "resource_guard").Logger(),
	}
	rg.currentCPU.Store(0.0)
	return rg
}

// ShouldAcceptConnection decides whether a new connection may be
// admitted. Returns the rejection reason when it may not.
func (rg *ResourceGuard) ShouldAcceptConnection() (bool, string) {
	conns := atomic.LoadInt64(rg.currentConns)
	if conns >= int64(rg.maxConnections) {
		return false, fmt.Sprintf("connection limit reached (%d/%d)", conns, rg.maxConnections)
	}

	if cpuPct, ok := rg.currentCPU.Load().(float64); ok && rg.cpuRejectThreshold > 0 && cpuPct > rg.cpuRejectThreshold {
		return false, fmt.Sprintf("CPU %.1f%% above reject threshold %.1f%%", cpuPct, rg.cpuRejectThreshold)
	}

	return true, ""
}

// CurrentCPU returns the last sampled CPU utilization percentage.
func (rg *ResourceGuard) CurrentCPU() float64 {
	v, _ := rg.currentCPU.Load().(float64)
	return v
}

// StartMonitoring samples CPU utilization on the given interval until the
// context is cancelled.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				percentages, err := cpu.Percent(0, false)
				if err != nil || len(percentages) == 0 {
					continue
				}
				rg.currentCPU.Store(percentages[0])
				if rg.cpuRejectThreshold > 0 && percentages[0] > rg.cpuRejectThreshold {
					rg.logger.Warn().
						Float64("cpu_pct", percentages[0]).
						Float64("threshold", rg.cpuRejectThreshold).
						Msg("CPU above reject threshold, new connections will be refused")
				}
			}
		}
	}()
}
