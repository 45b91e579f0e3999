package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/mock"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New(8, mock.NewMockLogger(), nil)

	ch1, cancel1 := b.Subscribe("fills", 4)
	defer cancel1()
	ch2, cancel2 := b.Subscribe("fills", 4)
	defer cancel2()

	b.Publish("fills", "m1")

	assert.Equal(t, "m1", <-ch1)
	assert.Equal(t, "m1", <-ch2)
}

func TestOverflowDropsOldest(t *testing.T) {
	sink := mock.NewCapturingAlertSink()
	b := New(8, mock.NewMockLogger(), sink)

	ch, cancel := b.Subscribe("mode_changes", 2)
	defer cancel()

	b.Publish("mode_changes", 1)
	b.Publish("mode_changes", 2)
	b.Publish("mode_changes", 3) // evicts 1

	assert.Equal(t, 2, <-ch)
	assert.Equal(t, 3, <-ch)
	assert.Equal(t, uint64(1), b.Dropped("mode_changes"))
	require.Len(t, sink.Alerts(), 1, "overflow alerts once per channel")
}

func TestOverflowAlertsOncePerChannel(t *testing.T) {
	sink := mock.NewCapturingAlertSink()
	b := New(8, mock.NewMockLogger(), sink)

	_, cancel := b.Subscribe("fills", 1)
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish("fills", i)
	}

	assert.Equal(t, uint64(4), b.Dropped("fills"))
	assert.Len(t, sink.Alerts(), 1)
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New(8, mock.NewMockLogger(), nil)

	ch, cancel := b.Subscribe("fills", 4)
	cancel()

	b.Publish("fills", "late")

	_, open := <-ch
	assert.False(t, open, "cancel closes the subscriber channel")
}

func TestPublishDuringSubscriberChurn(t *testing.T) {
	b := New(4, mock.NewMockLogger(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20000; i++ {
			b.Publish("fills", i)
		}
	}()

	for i := 0; i < 2000; i++ {
		_, cancel := b.Subscribe("fills", 1)
		cancel()
	}
	<-done
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := New(8, mock.NewMockLogger(), nil)
	b.Publish("nobody", "msg")
	assert.Equal(t, uint64(0), b.Dropped("nobody"))
}
