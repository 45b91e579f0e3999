package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradecore/internal/core"
	"tradecore/pkg/telemetry"
)

// ChainStore is the persistence surface the chain writer needs.
type ChainStore interface {
	AppendChain(ctx context.Context, n int, build func(i int, seq int64, prev string) (*core.AuditEvent, error)) error
	ListRange(ctx context.Context, from, to int64) ([]core.AuditEvent, error)
}

// tier0Events must be durable before the triggering operation returns.
var tier0Events = map[string]bool{
	"trading_halted":       true,
	"trading_paused":       true,
	"trading_resumed":      true,
	"resume_enabled":       true,
	"kill_switch_engaged":  true,
	"kill_switch_released": true,
	"mode_changed":         true,
	"mode_force_override":  true,
	"close_requested":      true,
}

// Options tunes the chain writer.
type Options struct {
	MaxValueBytes int           // above this, values are stored by hash reference
	QueueSize     int           // async buffer for tier-1 events
	FlushInterval time.Duration // max latency before a partial batch is written
	BatchSize     int           // max events per transaction
}

func (o *Options) fill() {
	if o.MaxValueBytes <= 0 {
		o.MaxValueBytes = 16 << 10
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 200 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
}

// Chain is the audit sink. Critical event types are appended synchronously;
// everything else is queued and flushed in order by a single writer goroutine,
// so the chain never interleaves.
type Chain struct {
	store  ChainStore
	logger core.ILogger
	clock  core.IClock
	opts   Options

	queue  chan core.AuditEvent
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewChain creates the writer. Call Start before appending tier-1 events.
func NewChain(store ChainStore, logger core.ILogger, clock core.IClock, opts Options) *Chain {
	opts.fill()
	return &Chain{
		store:  store,
		logger: logger,
		clock:  clock,
		opts:   opts,
		queue:  make(chan core.AuditEvent, opts.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// Append implements core.IAuditSink. Tier-0 events block until committed;
// tier-1 events are queued, falling back to a synchronous write when the
// queue is full so nothing is ever dropped.
func (c *Chain) Append(ctx context.Context, event core.AuditEvent) error {
	c.prepare(&event)

	if tier0Events[event.EventType] {
		return c.appendBatch(ctx, []core.AuditEvent{event})
	}

	select {
	case c.queue <- event:
		return nil
	default:
		return c.appendBatch(ctx, []core.AuditEvent{event})
	}
}

// prepare redacts values, stamps the event and applies the size guard.
func (c *Chain) prepare(e *core.AuditEvent) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.clock.Now().UTC()
	}
	// timestamptz keeps microseconds; checksumming finer precision would make
	// a clean row fail verification after a database round-trip.
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)
	if e.ValueMode == "" {
		e.ValueMode = core.ValueModeDiff
	}
	e.OldValue = redactValue(e.EventType, e.OldValue)
	e.NewValue = redactValue(e.EventType, e.NewValue)

	combined := map[string]any{"old": e.OldValue, "new": e.NewValue}
	data, err := canonicalJSON(combined)
	if err != nil {
		c.logger.Error("audit value serialization failed", "event_type", e.EventType, "error", err)
		return
	}
	if len(data) > c.opts.MaxValueBytes {
		hash, err := checksumHex(combined)
		if err != nil {
			c.logger.Error("audit value hash failed", "event_type", e.EventType, "error", err)
			return
		}
		e.ValueMode = core.ValueModeReference
		e.ValueHash = hash
		e.OldValue = nil
		e.NewValue = nil
	}
}

// appendBatch writes events in order within one transaction, linking each to
// its predecessor.
func (c *Chain) appendBatch(ctx context.Context, events []core.AuditEvent) error {
	var lastSeq int64
	err := c.store.AppendChain(ctx, len(events), func(i int, seq int64, prev string) (*core.AuditEvent, error) {
		e := events[i]
		e.SequenceID = seq
		e.PrevChecksum = prev
		sum, err := EventChecksum(&e)
		if err != nil {
			return nil, err
		}
		e.Checksum = sum
		lastSeq = seq
		return &e, nil
	})
	if err != nil {
		return fmt.Errorf("audit append failed: %w", err)
	}
	telemetry.GetGlobalMetrics().SetAuditSequence(lastSeq)
	return nil
}

// EventChecksum hashes the canonical form of the event including its sequence
// id and predecessor checksum.
func EventChecksum(e *core.AuditEvent) (string, error) {
	payload := map[string]any{
		"sequence_id":   e.SequenceID,
		"prev_checksum": e.PrevChecksum,
		"event_type":    e.EventType,
		"actor_id":      e.ActorID,
		"actor_type":    e.ActorType,
		"resource_type": e.ResourceType,
		"resource_id":   e.ResourceID,
		"request_id":    e.RequestID,
		"source":        e.Source,
		"severity":      string(e.Severity),
		"old_value":     e.OldValue,
		"new_value":     e.NewValue,
		"value_mode":    string(e.ValueMode),
		"value_hash":    e.ValueHash,
		"created_at":    e.CreatedAt,
	}
	return checksumHex(payload)
}

// Start launches the tier-1 writer goroutine.
func (c *Chain) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop drains the queue and blocks until the last batch is committed.
func (c *Chain) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Chain) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	var pending []core.AuditEvent
	flush := func() {
		if len(pending) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.appendBatch(ctx, pending); err != nil {
			c.logger.Error("audit batch write failed", "count", len(pending), "error", err)
		}
		cancel()
		pending = pending[:0]
	}

	for {
		select {
		case e := <-c.queue:
			pending = append(pending, e)
			if len(pending) >= c.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-c.stopCh:
			for {
				select {
				case e := <-c.queue:
					pending = append(pending, e)
				default:
					flush()
					return
				}
			}
		}
	}
}
