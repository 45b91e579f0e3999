// Package risk implements the synchronous pre-trade check chain and the
// kill switch.
package risk

import (
	"context"
	"sync"
	"time"

	"tradecore/internal/alert"
	"tradecore/internal/core"
	"tradecore/pkg/telemetry"
)

// KillSwitch is a latching stop for all order flow. Once engaged it stays
// engaged until an operator releases it.
type KillSwitch struct {
	mu        sync.RWMutex
	active    bool
	reason    string
	engagedBy string
	engagedAt time.Time

	logger core.ILogger
	clock  core.IClock
	audit  core.IAuditSink
	alerts core.IAlertSink
}

// KillSwitchStatus is a snapshot of the switch.
type KillSwitchStatus struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	EngagedBy string    `json:"engaged_by,omitempty"`
	EngagedAt time.Time `json:"engaged_at,omitempty"`
}

func NewKillSwitch(logger core.ILogger, clock core.IClock, audit core.IAuditSink, alerts core.IAlertSink) *KillSwitch {
	return &KillSwitch{
		logger: logger.WithField("component", "kill_switch"),
		clock:  clock,
		audit:  audit,
		alerts: alerts,
	}
}

// Engage trips the switch. Idempotent: re-engaging keeps the first reason.
func (k *KillSwitch) Engage(ctx context.Context, by, reason string) {
	k.mu.Lock()
	if k.active {
		k.mu.Unlock()
		return
	}
	k.active = true
	k.reason = reason
	k.engagedBy = by
	k.engagedAt = k.clock.Now()
	k.mu.Unlock()

	k.logger.Error("kill switch engaged", "by", by, "reason", reason)
	telemetry.GetGlobalMetrics().SetKillSwitch(true)

	if k.audit != nil {
		err := k.audit.Append(ctx, core.AuditEvent{
			EventType:    "kill_switch_engaged",
			ActorID:      by,
			ActorType:    actorKind(by),
			ResourceType: "kill_switch",
			ResourceID:   "global",
			Source:       "risk",
			Severity:     core.Sev1,
			OldValue:     map[string]any{"active": false},
			NewValue:     map[string]any{"active": true, "reason": reason},
		})
		if err != nil {
			k.logger.Error("kill switch audit append failed", "error", err)
		}
	}
	if k.alerts != nil {
		k.alerts.Raise(ctx, alert.New(alert.TypeKillSwitchEngaged, core.Sev1,
			"kill switch engaged: "+reason))
	}
}

// Release clears the switch.
func (k *KillSwitch) Release(ctx context.Context, by string) {
	k.mu.Lock()
	if !k.active {
		k.mu.Unlock()
		return
	}
	k.active = false
	oldReason := k.reason
	k.reason = ""
	k.mu.Unlock()

	k.logger.Info("kill switch released", "by", by)
	telemetry.GetGlobalMetrics().SetKillSwitch(false)

	if k.audit != nil {
		err := k.audit.Append(ctx, core.AuditEvent{
			EventType:    "kill_switch_released",
			ActorID:      by,
			ActorType:    "operator",
			ResourceType: "kill_switch",
			ResourceID:   "global",
			Source:       "risk",
			Severity:     core.Sev1,
			OldValue:     map[string]any{"active": true, "reason": oldReason},
			NewValue:     map[string]any{"active": false},
		})
		if err != nil {
			k.logger.Error("kill switch audit append failed", "error", err)
		}
	}
	if k.alerts != nil {
		k.alerts.Raise(ctx, alert.New(alert.TypeKillSwitchReleased, core.Sev3,
			"kill switch released by "+by))
	}
}

// IsActive reports switch state.
func (k *KillSwitch) IsActive() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// Status returns a snapshot.
func (k *KillSwitch) Status() KillSwitchStatus {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return KillSwitchStatus{
		Active:    k.active,
		Reason:    k.reason,
		EngagedBy: k.engagedBy,
		EngagedAt: k.engagedAt,
	}
}

func actorKind(by string) string {
	if by == "risk_gate" || by == "system" {
		return "system"
	}
	return "operator"
}
