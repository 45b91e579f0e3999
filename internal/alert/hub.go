package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/pkg/concurrency"
	"tradecore/pkg/telemetry"
)

// Repository is the persistence surface the hub needs.
type Repository interface {
	Upsert(ctx context.Context, a *core.Alert) (int64, bool, error)
	InsertDelivery(ctx context.Context, d *core.AlertDelivery) error
	UpdateDelivery(ctx context.Context, id int64, status string, responseCode int, errMsg string) error
}

// Hub implements core.IAlertSink. Raise persists-then-routes: the alert row
// is written first so a delivery outage never loses the record, then each
// destination is dispatched on the worker pool.
type Hub struct {
	repo     Repository
	cfg      config.AlertsConfig
	logger   core.ILogger
	clock    core.IClock
	pool     *concurrency.WorkerPool
	channels map[string]Channel
}

func NewHub(repo Repository, cfg config.AlertsConfig, logger core.ILogger, clock core.IClock) *Hub {
	h := &Hub{
		repo:   repo,
		cfg:    cfg,
		logger: logger.WithField("component", "alert_hub"),
		clock:  clock,
		channels: map[string]Channel{
			"webhook": NewWebhookChannel(time.Duration(cfg.TimeoutMS) * time.Millisecond),
			"email":   NewEmailChannel(cfg.EmailFrom, cfg.EmailSMTPAddr),
		},
	}
	h.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "alert_delivery",
		MaxWorkers:  cfg.Workers,
		MaxCapacity: cfg.QueueSize,
		NonBlocking: true,
	}, logger)
	return h
}

// SetChannel replaces a delivery channel, used by tests and custom wiring.
func (h *Hub) SetChannel(name string, ch Channel) {
	h.channels[name] = ch
}

// Raise implements core.IAlertSink. It never blocks on delivery and never
// returns an error to the caller; alerting must not fail the operation that
// triggered it.
func (h *Hub) Raise(ctx context.Context, a core.Alert) {
	h.prepare(&a)

	id, isNew, err := h.repo.Upsert(ctx, &a)
	if err != nil {
		h.logger.Error("alert persistence failed", "type", a.Type, "error", err)
		return
	}
	if !isNew {
		telemetry.Inc(telemetry.GetGlobalMetrics().AlertsSuppressedTotal, ctx, 1)
		h.logger.Debug("alert suppressed by dedupe",
			"type", a.Type, "dedupe_key", a.DedupeKey, "suppressed_count", a.SuppressedCount)
		return
	}

	h.logger.Info("alert raised", "type", a.Type, "severity", a.Severity, "summary", a.Summary)
	for _, dest := range h.destinations(&a) {
		d := dest
		alert := a
		alert.ID = id
		if err := h.pool.Submit(func() { h.deliver(alert, d) }); err != nil {
			h.logger.Error("alert delivery queue full", "type", a.Type, "destination", d.name)
		}
	}
}

func (h *Hub) prepare(a *core.Alert) {
	now := h.clock.Now().UTC()
	if a.EventTimestamp.IsZero() {
		a.EventTimestamp = now
	}
	a.Fingerprint = Fingerprint(a)
	a.DedupeKey = DedupeKey(a, time.Duration(h.cfg.TimeBucketMin)*time.Minute, now)

	max := h.cfg.DetailsMaxKiB << 10
	if len(a.Details) > max {
		// Slicing would cut JSON mid-structure and fail the jsonb insert,
		// losing the alert. Replace the payload with a reference stub.
		a.Details = []byte(fmt.Sprintf(`{"truncated":true,"original_bytes":%d}`, len(a.Details)))
	}
}

type destination struct {
	name    string
	channel string
	address string
}

// destinations resolves routing: global recipients plus per-type routing,
// filtered by each channel's minimum severity.
func (h *Hub) destinations(a *core.Alert) []destination {
	names := make(map[string]bool)
	for _, n := range h.cfg.GlobalNames {
		names[n] = true
	}
	for _, n := range h.cfg.TypeRouting[a.Type] {
		names[n] = true
	}

	var out []destination
	for name := range names {
		addr, ok := h.cfg.Recipients[name]
		if !ok {
			h.logger.Warn("alert recipient not configured", "name", name)
			continue
		}
		ch := channelFor(addr)
		if !h.severityAllows(ch, a.Severity) {
			continue
		}
		out = append(out, destination{name: name, channel: ch, address: addr})
	}
	return out
}

func channelFor(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return "webhook"
	}
	return "email"
}

func sevRank(s core.Severity) int {
	switch s {
	case core.Sev1:
		return 1
	case core.Sev2:
		return 2
	default:
		return 3
	}
}

func (h *Hub) severityAllows(channel string, sev core.Severity) bool {
	min, ok := h.cfg.MinSeverity[channel]
	if !ok {
		return true
	}
	return sevRank(sev) <= sevRank(core.Severity(min))
}

// deliver performs one attempt and records it. A failed attempt raises an
// ALERT_DELIVERY_FAILED alert that is persisted but never dispatched, so a
// dead channel cannot recurse.
func (h *Hub) deliver(a core.Alert, dest destination) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(h.cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	rec := &core.AlertDelivery{
		AlertID:        a.ID,
		Channel:        dest.channel,
		DestinationKey: dest.name,
		Status:         "in_flight",
	}
	if err := h.repo.InsertDelivery(ctx, rec); err != nil {
		h.logger.Error("delivery record insert failed", "alert_id", a.ID, "error", err)
		return
	}

	ch, ok := h.channels[dest.channel]
	if !ok {
		_ = h.repo.UpdateDelivery(ctx, rec.ID, "failed", 0, "unknown channel "+dest.channel)
		return
	}

	code, err := ch.Send(ctx, a, dest.address)
	if err != nil {
		h.logger.Error("alert delivery failed",
			"alert_id", a.ID, "channel", dest.channel, "destination", dest.name, "error", err)
		_ = h.repo.UpdateDelivery(ctx, rec.ID, "failed", code, err.Error())
		h.recordDeliveryFailure(ctx, a, dest, err)
		return
	}
	_ = h.repo.UpdateDelivery(ctx, rec.ID, "sent", code, "")
}

func (h *Hub) recordDeliveryFailure(ctx context.Context, a core.Alert, dest destination, cause error) {
	if a.Type == TypeDeliveryFailed {
		return
	}
	fa := New(TypeDeliveryFailed, core.Sev2,
		"alert delivery failed: "+dest.channel+"/"+dest.name,
		WithAccount(a.AccountID),
		WithDetails(map[string]string{
			"failed_alert_type": a.Type,
			"destination":       dest.name,
			"error":             cause.Error(),
		}))
	h.prepare(&fa)
	if _, _, err := h.repo.Upsert(ctx, &fa); err != nil {
		h.logger.Error("delivery failure record failed", "error", err)
	}
}

// Stop drains in-flight deliveries.
func (h *Hub) Stop() {
	h.pool.Stop()
}
