// Package alert builds, deduplicates and delivers operational alerts.
package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"tradecore/internal/core"
)

// Alert types emitted by the core.
const (
	TypeKillSwitchEngaged  = "kill_switch_engaged"
	TypeKillSwitchReleased = "kill_switch_released"
	TypeTradingHalted      = "trading_halted"
	TypeTradingResumed     = "trading_resumed"
	TypeDailyLossLimit     = "daily_loss_limit"
	TypeDrawdownLimit      = "drawdown_limit"
	TypeReconDiscrepancy   = "reconciliation_discrepancy"
	TypeZombieOrder        = "zombie_order"
	TypeCloseFailed        = "position_close_failed"
	TypeOutboxStuck        = "outbox_stuck"
	TypeWALThreshold       = "wal_buffer_threshold"
	TypeModeDegraded       = "system_mode_degraded"
	TypeModeRecovered      = "system_mode_recovered"
	TypeBrokerUnhealthy    = "broker_unhealthy"
	TypeBrokerRecovered    = "broker_recovered"
	TypeOptionExpiring     = "option_expiring"
	TypeBusOverflow        = "bus_overflow"
	TypeDeliveryFailed     = "alert_delivery_failed"
)

// recoveryTypes announce a return to normal. They always notify; suppressing
// a recovery behind its own dedupe window would hide the state change.
var recoveryTypes = map[string]bool{
	TypeTradingResumed:     true,
	TypeModeRecovered:      true,
	TypeBrokerRecovered:    true,
	TypeKillSwitchReleased: true,
}

// Option mutates an alert under construction.
type Option func(*core.Alert)

func WithAccount(accountID string) Option {
	return func(a *core.Alert) { a.AccountID = accountID }
}

func WithSymbol(symbol string) Option {
	return func(a *core.Alert) { a.Symbol = symbol }
}

func WithStrategy(strategyID string) Option {
	return func(a *core.Alert) { a.StrategyID = strategyID }
}

func WithPosition(positionID int64) Option {
	return func(a *core.Alert) { a.PositionID = positionID }
}

// WithDetails attaches a JSON-serializable detail payload.
func WithDetails(details any) Option {
	return func(a *core.Alert) {
		data, err := json.Marshal(details)
		if err != nil {
			data = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
		}
		a.Details = data
	}
}

// WithPermanentThreshold dedupes forever per crossed threshold instead of per
// time bucket, so each escalation level fires exactly once.
func WithPermanentThreshold(n int) Option {
	return func(a *core.Alert) { a.DedupeKey = fmt.Sprintf("permanent:threshold_%d", n) }
}

// New builds an alert; fingerprint and dedupe key are filled in by the hub
// just before persistence.
func New(alertType string, severity core.Severity, summary string, opts ...Option) core.Alert {
	a := core.Alert{
		Type:     alertType,
		Severity: severity,
		Summary:  summary,
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// Fingerprint identifies the logical condition behind an alert: type plus
// scope. Option expiry is scoped per position so two expiring contracts on
// the same symbol do not collapse into one.
func Fingerprint(a *core.Alert) string {
	h := sha256.New()
	io.WriteString(h, a.Type)
	io.WriteString(h, "|")
	io.WriteString(h, a.AccountID)
	io.WriteString(h, "|")
	io.WriteString(h, a.StrategyID)
	io.WriteString(h, "|")
	if a.Type == TypeOptionExpiring {
		fmt.Fprintf(h, "position:%d", a.PositionID)
	} else {
		io.WriteString(h, a.Symbol)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// DedupeKey derives the suppression key for an alert whose fingerprint is
// already set. Recovery types get a unique key every time.
func DedupeKey(a *core.Alert, bucket time.Duration, now time.Time) string {
	if recoveryTypes[a.Type] {
		return fmt.Sprintf("%s:%d", a.Fingerprint, now.UnixNano())
	}
	if a.DedupeKey != "" {
		// Pre-set permanent threshold suffix from the factory.
		return a.Fingerprint + ":" + a.DedupeKey
	}
	bucketStart := now.Truncate(bucket)
	return fmt.Sprintf("%s:%d", a.Fingerprint, bucketStart.Unix())
}
