// Package state holds the two FSMs that gate every action: the operator-facing
// trading state and the health-driven system mode.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradecore/internal/alert"
	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

// TradingStateValue is the operator-facing state.
type TradingStateValue string

const (
	TradingRunning TradingStateValue = "RUNNING"
	TradingPaused  TradingStateValue = "PAUSED"
	TradingHalted  TradingStateValue = "HALTED"
)

// TradingStatus is a point-in-time view of the FSM.
type TradingStatus struct {
	State     TradingStateValue `json:"state"`
	Since     time.Time         `json:"since"`
	ChangedBy string            `json:"changed_by"`
	Reason    string            `json:"reason"`
	CanResume bool              `json:"can_resume"`
}

// TradingStateManager owns the RUNNING/PAUSED/HALTED FSM. HALTED is sticky:
// Resume succeeds only after an explicit EnableResume.
type TradingStateManager struct {
	mu        sync.RWMutex
	state     TradingStateValue
	since     time.Time
	changedBy string
	reason    string
	canResume bool

	logger core.ILogger
	clock  core.IClock
	audit  core.IAuditSink
	alerts core.IAlertSink
}

func NewTradingStateManager(logger core.ILogger, clock core.IClock, audit core.IAuditSink, alerts core.IAlertSink) *TradingStateManager {
	return &TradingStateManager{
		state:  TradingRunning,
		since:  clock.Now(),
		logger: logger.WithField("component", "trading_state"),
		clock:  clock,
		audit:  audit,
		alerts: alerts,
	}
}

// Pause moves to PAUSED. Close-only actions remain allowed.
func (m *TradingStateManager) Pause(ctx context.Context, by, reason string) error {
	m.mu.Lock()
	if m.state == TradingHalted {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot pause while HALTED", apperrors.ErrTradingNotAllowed)
	}
	old := m.state
	m.transitionLocked(TradingPaused, by, reason)
	m.mu.Unlock()

	m.record(ctx, "trading_paused", old, TradingPaused, by, reason)
	return nil
}

// Halt moves to HALTED and locks out resume until EnableResume.
func (m *TradingStateManager) Halt(ctx context.Context, by, reason string) error {
	m.mu.Lock()
	old := m.state
	m.transitionLocked(TradingHalted, by, reason)
	m.canResume = false
	m.mu.Unlock()

	m.record(ctx, "trading_halted", old, TradingHalted, by, reason)
	if m.alerts != nil {
		m.alerts.Raise(ctx, alert.New(alert.TypeTradingHalted, core.Sev1,
			"trading halted: "+reason))
	}
	return nil
}

// EnableResume arms resume. Valid only while HALTED.
func (m *TradingStateManager) EnableResume(ctx context.Context, by string) error {
	m.mu.Lock()
	if m.state != TradingHalted {
		m.mu.Unlock()
		return fmt.Errorf("%w: enable_resume requires HALTED state", apperrors.ErrTradingNotAllowed)
	}
	m.canResume = true
	m.changedBy = by
	m.mu.Unlock()

	m.record(ctx, "resume_enabled", TradingHalted, TradingHalted, by, "resume armed")
	return nil
}

// Resume moves back to RUNNING. From HALTED it requires a prior EnableResume.
func (m *TradingStateManager) Resume(ctx context.Context, by string) error {
	m.mu.Lock()
	if m.state == TradingHalted && !m.canResume {
		m.mu.Unlock()
		return fmt.Errorf("%w: resume from HALTED requires enable_resume first", apperrors.ErrTradingNotAllowed)
	}
	old := m.state
	m.transitionLocked(TradingRunning, by, "resumed")
	m.canResume = false
	m.mu.Unlock()

	m.record(ctx, "trading_resumed", old, TradingRunning, by, "resumed")
	if m.alerts != nil && old == TradingHalted {
		m.alerts.Raise(ctx, alert.New(alert.TypeTradingResumed, core.Sev3,
			"trading resumed by "+by))
	}
	return nil
}

func (m *TradingStateManager) transitionLocked(to TradingStateValue, by, reason string) {
	m.state = to
	m.since = m.clock.Now()
	m.changedBy = by
	m.reason = reason
}

func (m *TradingStateManager) record(ctx context.Context, eventType string, from, to TradingStateValue, by, reason string) {
	m.logger.Info("trading state transition", "from", from, "to", to, "by", by, "reason", reason)
	if m.audit == nil {
		return
	}
	err := m.audit.Append(ctx, core.AuditEvent{
		EventType:    eventType,
		ActorID:      by,
		ActorType:    "operator",
		ResourceType: "trading_state",
		ResourceID:   "global",
		Source:       "state_manager",
		Severity:     core.Sev1,
		OldValue:     map[string]any{"state": string(from)},
		NewValue:     map[string]any{"state": string(to), "reason": reason},
	})
	if err != nil {
		m.logger.Error("trading state audit append failed", "error", err)
	}
}

// IsTradingAllowed reports whether new opening orders may be placed.
func (m *TradingStateManager) IsTradingAllowed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == TradingRunning
}

// IsCloseAllowed reports whether close/reduce orders may be placed.
func (m *TradingStateManager) IsCloseAllowed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == TradingRunning || m.state == TradingPaused
}

// Status returns a snapshot of the FSM.
func (m *TradingStateManager) Status() TradingStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return TradingStatus{
		State:     m.state,
		Since:     m.since,
		ChangedBy: m.changedBy,
		Reason:    m.reason,
		CanResume: m.canResume,
	}
}
