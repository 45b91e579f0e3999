package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/config"
	"tradecore/internal/core"
)

// GreeksStatus classifies the outcome of a Greeks check.
type GreeksStatus string

const (
	GreeksOK              GreeksStatus = "OK"
	GreeksDataUnavailable GreeksStatus = "DATA_UNAVAILABLE"
	GreeksDataStale       GreeksStatus = "DATA_STALE"
	GreeksHardBreach      GreeksStatus = "HARD_BREACH"
)

// GreeksSnapshot is the latest aggregated portfolio Greeks.
type GreeksSnapshot struct {
	Values  map[string]decimal.Decimal
	TakenAt time.Time
}

// GreeksCheckResult carries the full projection for audit.
type GreeksCheckResult struct {
	Status     GreeksStatus               `json:"status"`
	Current    map[string]decimal.Decimal `json:"current,omitempty"`
	Impact     map[string]decimal.Decimal `json:"impact,omitempty"`
	Projected  map[string]decimal.Decimal `json:"projected,omitempty"`
	Limits     map[string]float64         `json:"limits,omitempty"`
	BreachDims []string                   `json:"breach_dims,omitempty"`
	Detail     string                     `json:"detail,omitempty"`
}

// SnapshotProvider returns the latest aggregated snapshot, or ok=false when
// none exists. Must not block.
type SnapshotProvider func() (GreeksSnapshot, bool)

// ImpactEstimator computes the per-Greek impact of an order. Must not block.
type ImpactEstimator func(signal core.Signal) map[string]decimal.Decimal

// GreeksGate is the fail-closed plug-in check: a missing or stale snapshot
// rejects, a hard-limit breach on the projection rejects.
type GreeksGate struct {
	cfg      config.GreeksConfig
	snapshot SnapshotProvider
	impact   ImpactEstimator
	clock    core.IClock
}

func NewGreeksGate(cfg config.GreeksConfig, snapshot SnapshotProvider, impact ImpactEstimator, clock core.IClock) *GreeksGate {
	return &GreeksGate{cfg: cfg, snapshot: snapshot, impact: impact, clock: clock}
}

// Check evaluates the signal against the hard limits.
func (g *GreeksGate) Check(signal core.Signal) GreeksCheckResult {
	snap, ok := g.snapshot()
	if !ok {
		return GreeksCheckResult{
			Status: GreeksDataUnavailable,
			Limits: g.cfg.HardLimits,
			Detail: "no aggregated greeks snapshot available",
		}
	}
	age := g.clock.Now().Sub(snap.TakenAt)
	if age > time.Duration(g.cfg.MaxStalenessSeconds)*time.Second {
		return GreeksCheckResult{
			Status: GreeksDataStale,
			Limits: g.cfg.HardLimits,
			Detail: fmt.Sprintf("snapshot age %s exceeds %ds", age, g.cfg.MaxStalenessSeconds),
		}
	}

	impact := g.impact(signal)
	projected := make(map[string]decimal.Decimal, len(snap.Values))
	for k, v := range snap.Values {
		projected[k] = v
	}
	for k, v := range impact {
		projected[k] = projected[k].Add(v)
	}

	result := GreeksCheckResult{
		Status:    GreeksOK,
		Current:   snap.Values,
		Impact:    impact,
		Projected: projected,
		Limits:    g.cfg.HardLimits,
	}
	for dim, limit := range g.cfg.HardLimits {
		if projected[dim].Abs().GreaterThan(decimal.NewFromFloat(limit)) {
			result.BreachDims = append(result.BreachDims, dim)
		}
	}
	if len(result.BreachDims) > 0 {
		result.Status = GreeksHardBreach
		result.Detail = fmt.Sprintf("projected greeks exceed hard limits: %v", result.BreachDims)
	}
	return result
}
