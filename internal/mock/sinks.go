package mock

import (
	"context"
	"sync"

	"tradecore/internal/core"
)

// CapturingAlertSink records raised alerts for assertions.
type CapturingAlertSink struct {
	mu     sync.Mutex
	alerts []core.Alert
}

func NewCapturingAlertSink() *CapturingAlertSink {
	return &CapturingAlertSink{}
}

func (s *CapturingAlertSink) Raise(ctx context.Context, alert core.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

// Alerts returns a copy of everything raised so far.
func (s *CapturingAlertSink) Alerts() []core.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

// ByType returns alerts with the given type.
func (s *CapturingAlertSink) ByType(alertType string) []core.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Alert
	for _, a := range s.alerts {
		if a.Type == alertType {
			out = append(out, a)
		}
	}
	return out
}

// CapturingAuditSink records appended audit events for assertions.
type CapturingAuditSink struct {
	mu     sync.Mutex
	events []core.AuditEvent
}

func NewCapturingAuditSink() *CapturingAuditSink {
	return &CapturingAuditSink{}
}

func (s *CapturingAuditSink) Append(ctx context.Context, event core.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything appended so far.
func (s *CapturingAuditSink) Events() []core.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}
