package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradecore/internal/alert"
	"tradecore/internal/config"
	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
	"tradecore/pkg/telemetry"
)

// Mode is the health-driven degradation mode.
type Mode string

const (
	ModeNormal           Mode = "normal"
	ModeRecovering       Mode = "recovering"
	ModeDegraded         Mode = "degraded"
	ModeSafe             Mode = "safe_mode"
	ModeSafeDisconnected Mode = "safe_mode_disconnected"
	ModeHalt             Mode = "halt"
)

// modeRank orders modes by restrictiveness.
func modeRank(m Mode) int {
	switch m {
	case ModeNormal:
		return 0
	case ModeRecovering:
		return 1
	case ModeDegraded:
		return 2
	case ModeSafe:
		return 3
	case ModeSafeDisconnected:
		return 4
	case ModeHalt:
		return 5
	}
	return 5
}

// ValidMode reports whether m is a known mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeNormal, ModeRecovering, ModeDegraded, ModeSafe, ModeSafeDisconnected, ModeHalt:
		return true
	}
	return false
}

// ModeStatus is a point-in-time view of the degradation FSM.
type ModeStatus struct {
	Mode              Mode      `json:"mode"`
	Stage             string    `json:"stage"`
	Since             time.Time `json:"since"`
	IsForceOverride   bool      `json:"is_force_override"`
	OverrideExpiresAt time.Time `json:"override_expires_at,omitempty"`
	TrippedSources    []string  `json:"tripped_sources,omitempty"`
}

// TransitionRecorder persists mode transitions.
type TransitionRecorder interface {
	InsertTransition(ctx context.Context, from, to, stage, reason, changedBy string, at time.Time) error
}

// sourceHealth tracks one failure source's hysteresis window.
type sourceHealth struct {
	failMode    Mode
	failures    []time.Time
	tripped     bool
	lastFailure time.Time
}

// ModeManager owns the degradation FSM. Failure sources trip after
// accumulating enough failures inside the hysteresis window; recovery
// requires a stable success period, and a minimum dwell time in safe modes
// prevents flapping. An operator force-override pins the mode until its TTL.
type ModeManager struct {
	mu                sync.RWMutex
	mode              Mode
	stage             string
	since             time.Time
	forceOverride     bool
	overrideExpiresAt time.Time
	sources           map[string]*sourceHealth

	cfg      config.DegradationConfig
	logger   core.ILogger
	clock    core.IClock
	audit    core.IAuditSink
	alerts   core.IAlertSink
	bus      core.IBus
	recorder TransitionRecorder
}

func NewModeManager(cfg config.DegradationConfig, logger core.ILogger, clock core.IClock,
	audit core.IAuditSink, alerts core.IAlertSink, bus core.IBus, recorder TransitionRecorder) *ModeManager {
	return &ModeManager{
		mode:     ModeNormal,
		stage:    "steady",
		since:    clock.Now(),
		sources:  make(map[string]*sourceHealth),
		cfg:      cfg,
		logger:   logger.WithField("component", "mode_manager"),
		clock:    clock,
		audit:    audit,
		alerts:   alerts,
		bus:      bus,
		recorder: recorder,
	}
}

// RegisterSource declares a failure source and the mode it forces when
// tripped.
func (m *ModeManager) RegisterSource(name string, failMode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[name] = &sourceHealth{failMode: failMode}
}

// RecordFailure feeds one failure into the source's hysteresis window.
func (m *ModeManager) RecordFailure(ctx context.Context, source, reason string) {
	m.mu.Lock()
	sh, ok := m.sources[source]
	if !ok {
		sh = &sourceHealth{failMode: ModeDegraded}
		m.sources[source] = sh
	}
	now := m.clock.Now()
	sh.lastFailure = now
	window := time.Duration(m.cfg.FailThresholdSeconds) * time.Second
	sh.failures = append(sh.failures, now)
	pruned := sh.failures[:0]
	for _, t := range sh.failures {
		if now.Sub(t) <= window {
			pruned = append(pruned, t)
		}
	}
	sh.failures = pruned

	newlyTripped := false
	if !sh.tripped && len(sh.failures) >= m.cfg.FailThresholdCount {
		sh.tripped = true
		newlyTripped = true
	}
	m.mu.Unlock()

	if newlyTripped {
		m.logger.Warn("failure source tripped", "source", source, "reason", reason)
		m.recompute(ctx, fmt.Sprintf("source %s tripped: %s", source, reason), "health")
	}
}

// RecordSuccess feeds one success; a source recovers after a stable quiet
// period since its last failure.
func (m *ModeManager) RecordSuccess(ctx context.Context, source string) {
	m.mu.Lock()
	sh, ok := m.sources[source]
	if !ok {
		m.mu.Unlock()
		return
	}
	recovered := false
	stable := time.Duration(m.cfg.RecoveryStableSeconds) * time.Second
	if sh.tripped && m.clock.Now().Sub(sh.lastFailure) >= stable {
		sh.tripped = false
		sh.failures = nil
		recovered = true
	}
	m.mu.Unlock()

	if recovered {
		m.logger.Info("failure source recovered", "source", source)
		m.recompute(ctx, fmt.Sprintf("source %s recovered", source), "health")
	}
}

// Halt forces the halt mode immediately, bypassing hysteresis. Used for
// integrity failures and WAL overflow.
func (m *ModeManager) Halt(ctx context.Context, reason, by string) {
	m.setMode(ctx, ModeHalt, "forced_halt", reason, by, false)
}

// ForceOverride pins the mode until the TTL expires.
func (m *ModeManager) ForceOverride(ctx context.Context, mode Mode, ttl time.Duration, operator, reason string) error {
	if !ValidMode(mode) {
		return fmt.Errorf("%w: unknown mode %q", apperrors.ErrContractViolation, mode)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: override ttl must be positive", apperrors.ErrContractViolation)
	}
	m.mu.Lock()
	m.forceOverride = true
	m.overrideExpiresAt = m.clock.Now().Add(ttl)
	m.mu.Unlock()

	m.setMode(ctx, mode, "force_override", reason, operator, true)
	return nil
}

// Tick expires force-overrides and promotes recovering to normal after the
// stable period. Driven by the scheduled sweep.
func (m *ModeManager) Tick(ctx context.Context) {
	now := m.clock.Now()

	m.mu.Lock()
	expired := m.forceOverride && !now.Before(m.overrideExpiresAt)
	if expired {
		m.forceOverride = false
	}
	promote := !m.forceOverride && m.mode == ModeRecovering &&
		now.Sub(m.since) >= time.Duration(m.cfg.RecoveryStableSeconds)*time.Second
	m.mu.Unlock()

	if expired {
		m.logger.Info("force override expired")
		if m.cfg.UnknownOnTTLExpiry {
			// Health is unproven after an override; fall back to safe mode
			// until sources report in.
			m.setMode(ctx, ModeSafe, "post_override", "override expired, health unproven", "system", false)
			return
		}
		m.recompute(ctx, "override expired", "system")
		return
	}
	if promote {
		m.setMode(ctx, ModeNormal, "steady", "recovery stable period elapsed", "system", false)
	}
}

// recompute derives the mode from tripped sources, honoring overrides and
// the minimum dwell time in safe modes.
func (m *ModeManager) recompute(ctx context.Context, reason, by string) {
	m.mu.Lock()
	if m.forceOverride {
		m.mu.Unlock()
		return
	}
	target := ModeNormal
	for _, sh := range m.sources {
		if sh.tripped && modeRank(sh.failMode) > modeRank(target) {
			target = sh.failMode
		}
	}
	current := m.mode
	now := m.clock.Now()
	if target == ModeNormal && current != ModeNormal {
		minDwell := time.Duration(m.cfg.MinSafeModeSeconds) * time.Second
		if modeRank(current) >= modeRank(ModeSafe) && now.Sub(m.since) < minDwell {
			m.mu.Unlock()
			return
		}
		if current != ModeRecovering {
			target = ModeRecovering
		} else {
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()

	if target != current {
		m.setMode(ctx, target, "health", reason, by, false)
	}
}

func (m *ModeManager) setMode(ctx context.Context, to Mode, stage, reason, by string, override bool) {
	m.mu.Lock()
	from := m.mode
	if from == to && m.stage == stage {
		m.mu.Unlock()
		return
	}
	m.mode = to
	m.stage = stage
	m.since = m.clock.Now()
	at := m.since
	m.mu.Unlock()

	m.logger.Info("system mode transition", "from", from, "to", to, "stage", stage, "reason", reason, "by", by)
	telemetry.GetGlobalMetrics().SetSystemMode(string(to))

	if m.recorder != nil {
		if err := m.recorder.InsertTransition(ctx, string(from), string(to), stage, reason, by, at); err != nil {
			m.logger.Error("mode transition persist failed", "error", err)
		}
	}
	if m.audit != nil {
		eventType := "mode_changed"
		if override {
			eventType = "mode_force_override"
		}
		err := m.audit.Append(ctx, core.AuditEvent{
			EventType:    eventType,
			ActorID:      by,
			ActorType:    actorType(by),
			ResourceType: "system_mode",
			ResourceID:   "global",
			Source:       "mode_manager",
			Severity:     core.Sev1,
			OldValue:     map[string]any{"mode": string(from)},
			NewValue:     map[string]any{"mode": string(to), "stage": stage, "reason": reason},
		})
		if err != nil {
			m.logger.Error("mode transition audit append failed", "error", err)
		}
	}
	if m.bus != nil {
		m.bus.Publish(core.ChannelModeChanges, ModeStatus{Mode: to, Stage: stage, Since: at})
	}
	if m.alerts != nil {
		if modeRank(to) > modeRank(from) {
			sev := core.Sev2
			if to == ModeHalt {
				sev = core.Sev1
			}
			m.alerts.Raise(ctx, alert.New(alert.TypeModeDegraded, sev,
				fmt.Sprintf("system mode degraded %s -> %s: %s", from, to, reason)))
		} else if to == ModeNormal {
			m.alerts.Raise(ctx, alert.New(alert.TypeModeRecovered, core.Sev3,
				"system mode recovered to normal"))
		}
	}
}

func actorType(by string) string {
	if by == "health" || by == "system" {
		return "system"
	}
	return "operator"
}

// Mode returns the current mode.
func (m *ModeManager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Status returns a snapshot of the FSM.
func (m *ModeManager) Status() ModeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := ModeStatus{
		Mode:            m.mode,
		Stage:           m.stage,
		Since:           m.since,
		IsForceOverride: m.forceOverride,
	}
	if m.forceOverride {
		st.OverrideExpiresAt = m.overrideExpiresAt
	}
	for name, sh := range m.sources {
		if sh.tripped {
			st.TrippedSources = append(st.TrippedSources, name)
		}
	}
	return st
}
