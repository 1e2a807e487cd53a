package pbx

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// GateConfig holds the admission limits. Zero disables a limit.
type GateConfig struct {
	MaxCalls int
	// MaxLoad is the highest 1-minute load average at which calls are
	// still admitted.
	MaxLoad float64
	// MinFreeMemMB is the least free memory, in megabytes, required to
	// admit a call.
	MinFreeMemMB int
	// MaxCallRate limits new calls per second; the burst equals the rate.
	MaxCallRate float64
}

// SystemStats reports host load for admission decisions.
type SystemStats interface {
	LoadAverage() (float64, error)
	FreeMemoryMB() (int, error)
}

// CallGate counts active calls and refuses new ones when a limit is hit.
type CallGate struct {
	cfg     GateConfig
	stats   SystemStats
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	active  int
	total   atomic.Uint64
	refused atomic.Uint64

	warnOnce sync.Once
}

// NewCallGate creates a gate. A nil stats uses the host probes.
func NewCallGate(cfg GateConfig, stats SystemStats, logger *slog.Logger) *CallGate {
	if stats == nil {
		stats = hostStats{}
	}
	g := &CallGate{
		cfg:    cfg,
		stats:  stats,
		logger: logger.With("subsystem", "call_gate"),
	}
	if cfg.MaxCallRate > 0 {
		burst := int(cfg.MaxCallRate)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.MaxCallRate), burst)
	}
	return g
}

// Acquire admits one call or returns a *CallLimitError. Every successful
// Acquire must be paired with Release.
func (g *CallGate) Acquire() error {
	if err := g.check(); err != nil {
		g.refused.Add(1)
		g.logger.Warn("call refused", "reason", err.Error(), "active_calls", g.Active())
		return err
	}
	return nil
}

func (g *CallGate) check() error {
	if g.cfg.MaxLoad > 0 {
		if load, err := g.stats.LoadAverage(); err != nil {
			g.warnProbe(err)
		} else if load > g.cfg.MaxLoad {
			return &CallLimitError{Reason: fmt.Sprintf("load average %.2f above %.2f", load, g.cfg.MaxLoad)}
		}
	}
	if g.cfg.MinFreeMemMB > 0 {
		if free, err := g.stats.FreeMemoryMB(); err != nil {
			g.warnProbe(err)
		} else if free < g.cfg.MinFreeMemMB {
			return &CallLimitError{Reason: fmt.Sprintf("free memory %dMB below %dMB", free, g.cfg.MinFreeMemMB)}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg.MaxCalls > 0 && g.active >= g.cfg.MaxCalls {
		return &CallLimitError{Reason: fmt.Sprintf("maximum of %d calls reached", g.cfg.MaxCalls)}
	}
	if g.limiter != nil && !g.limiter.Allow() {
		return &CallLimitError{Reason: "call rate exceeded"}
	}
	g.active++
	g.total.Add(1)
	return nil
}

func (g *CallGate) warnProbe(err error) {
	g.warnOnce.Do(func() {
		g.logger.Warn("system probe unavailable, ignoring limit", "error", err)
	})
}

// Release returns the slot taken by Acquire.
func (g *CallGate) Release() {
	g.mu.Lock()
	if g.active > 0 {
		g.active--
	}
	g.mu.Unlock()
}

// Active returns the number of admitted calls that have not been released.
func (g *CallGate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Total returns the number of calls admitted since start.
func (g *CallGate) Total() uint64 { return g.total.Load() }

// Refused returns the number of calls refused since start.
func (g *CallGate) Refused() uint64 { return g.refused.Load() }
