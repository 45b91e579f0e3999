// Package bus is the in-process pub/sub channel fabric. Publishers never
// block; a full subscriber queue drops the oldest message and counts it.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"tradecore/internal/alert"
	"tradecore/internal/core"
	"tradecore/pkg/telemetry"
)

type subscriber struct {
	ch chan any
}

// Bus implements core.IBus.
type Bus struct {
	mu          sync.RWMutex
	subs        map[string][]*subscriber
	dropped     map[string]*atomic.Uint64
	defaultSize int
	logger      core.ILogger
	alerts      core.IAlertSink
	alertOnce   sync.Map // channel -> struct{}, one overflow alert per channel
}

func New(defaultSize int, logger core.ILogger, alerts core.IAlertSink) *Bus {
	if defaultSize <= 0 {
		defaultSize = 1024
	}
	return &Bus{
		subs:        make(map[string][]*subscriber),
		dropped:     make(map[string]*atomic.Uint64),
		defaultSize: defaultSize,
		logger:      logger.WithField("component", "bus"),
		alerts:      alerts,
	}
}

// Publish delivers msg to every subscriber of the channel. When a subscriber
// queue is full the oldest message is dropped to make room. The read lock is
// held across the sends; cancel closes subscriber channels under the write
// lock, so a send can never hit a closed channel.
func (b *Bus) Publish(channel string, msg any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subs[channel]
	counter := b.dropped[channel]

	for _, s := range subs {
		select {
		case s.ch <- msg:
			continue
		default:
		}
		// Queue full: evict the oldest, then retry once.
		select {
		case <-s.ch:
			if counter != nil {
				counter.Add(1)
			}
			b.noteOverflow(channel)
		default:
		}
		select {
		case s.ch <- msg:
		default:
			if counter != nil {
				counter.Add(1)
			}
			b.noteOverflow(channel)
		}
	}
}

func (b *Bus) noteOverflow(channel string) {
	telemetry.Inc(telemetry.GetGlobalMetrics().BusDroppedTotal, context.Background(), 1)
	if _, loaded := b.alertOnce.LoadOrStore(channel, struct{}{}); loaded {
		return
	}
	b.logger.Warn("bus channel overflow, dropping oldest", "channel", channel)
	if b.alerts != nil {
		b.alerts.Raise(context.Background(), alert.New(alert.TypeBusOverflow, core.Sev2,
			"bus channel overflow: "+channel))
	}
}

// Subscribe registers a bounded subscriber. The returned cancel removes the
// subscription and closes the channel.
func (b *Bus) Subscribe(channel string, buffer int) (<-chan any, func()) {
	if buffer <= 0 {
		buffer = b.defaultSize
	}
	s := &subscriber{ch: make(chan any, buffer)}

	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], s)
	if _, ok := b.dropped[channel]; !ok {
		b.dropped[channel] = &atomic.Uint64{}
	}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[channel]
		for i, cur := range list {
			if cur == s {
				// Copy instead of splicing in place: a slice header handed
				// out before this call must keep seeing the old elements.
				next := make([]*subscriber, 0, len(list)-1)
				next = append(next, list[:i]...)
				next = append(next, list[i+1:]...)
				b.subs[channel] = next
				close(s.ch)
				return
			}
		}
	}
	return s.ch, cancel
}

// Dropped returns the overflow count for a channel.
func (b *Bus) Dropped(channel string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if c, ok := b.dropped[channel]; ok {
		return c.Load()
	}
	return 0
}
