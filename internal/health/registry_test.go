package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tradecore/internal/mock"
)

type feedRecorder struct {
	mu        sync.Mutex
	failures  map[string][]string
	successes map[string]int
}

func newFeedRecorder() *feedRecorder {
	return &feedRecorder{failures: make(map[string][]string), successes: make(map[string]int)}
}

func (f *feedRecorder) RecordFailure(ctx context.Context, source, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[source] = append(f.failures[source], reason)
}

func (f *feedRecorder) RecordSuccess(ctx context.Context, source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes[source]++
}

func TestGetStatusReportsPerComponent(t *testing.T) {
	r := NewRegistry(mock.NewMockLogger(), nil, time.Second)
	r.Register("database", func() error { return nil })
	r.Register("broker", func() error { return errors.New("connection refused") })

	status := r.GetStatus()
	assert.Equal(t, "Healthy", status["database"])
	assert.Equal(t, "Unhealthy: connection refused", status["broker"])
	assert.False(t, r.IsHealthy())
}

func TestComponentLookup(t *testing.T) {
	r := NewRegistry(mock.NewMockLogger(), nil, time.Second)
	r.Register("database", func() error { return nil })

	got, ok := r.Component("database")
	assert.True(t, ok)
	assert.Equal(t, "Healthy", got)

	_, ok = r.Component("unknown")
	assert.False(t, ok)
}

func TestIsHealthyWithNoChecks(t *testing.T) {
	r := NewRegistry(mock.NewMockLogger(), nil, time.Second)
	assert.True(t, r.IsHealthy())
}

func TestProbeFeedsDegradation(t *testing.T) {
	feed := newFeedRecorder()
	r := NewRegistry(mock.NewMockLogger(), feed, time.Second)

	var brokerUp bool
	r.Register("database", func() error { return nil })
	r.Register("broker", func() error {
		if brokerUp {
			return nil
		}
		return errors.New("stream closed")
	})

	ctx := context.Background()
	r.Probe(ctx)
	assert.Equal(t, 1, feed.successes["database"])
	assert.Equal(t, []string{"stream closed"}, feed.failures["broker"])

	brokerUp = true
	r.Probe(ctx)
	assert.Equal(t, 1, feed.successes["broker"], "recovery reports success")
}
