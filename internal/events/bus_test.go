package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/models"
)

func testBus(buffer int) *Bus {
	logger := common.NewSilentLogger()
	return NewBus(logger, buffer)
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := testBus(16)
	defer bus.Close()

	ch, cancel := bus.Subscribe(nil)
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(models.NewEvent(models.EventJobCreated, fmt.Sprintf("job-%d", i), "duplicate-detection", nil))
	}

	for i := 0; i < 5; i++ {
		select {
		case evt := <-ch:
			assert.Equal(t, fmt.Sprintf("job-%d", i), evt.JobID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBusFilterRestrictsDelivery(t *testing.T) {
	bus := testBus(16)
	defer bus.Close()

	ch, cancel := bus.SubscribeTypes(models.EventJobFailed, models.EventRetryScheduled)
	defer cancel()

	bus.Publish(models.NewEvent(models.EventJobCreated, "a", "duplicate-detection", nil))
	bus.Publish(models.NewEvent(models.EventJobFailed, "b", "duplicate-detection", nil))
	bus.Publish(models.NewEvent(models.EventCacheHit, "", "", nil))
	bus.Publish(models.NewEvent(models.EventRetryScheduled, "c", "duplicate-detection", nil))

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			got = append(got, evt.JobID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for filtered events")
		}
	}
	assert.Equal(t, []string{"b", "c"}, got)

	select {
	case evt := <-ch:
		t.Fatalf("unexpected extra event %s", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusOverflowDropsOldest(t *testing.T) {
	bus := testBus(2)
	defer bus.Close()

	ch, cancel := bus.Subscribe(nil)
	defer cancel()

	// Nothing reads yet: buffer holds 2, further publishes evict the head.
	for i := 0; i < 5; i++ {
		bus.Publish(models.NewEvent(models.EventJobCreated, fmt.Sprintf("job-%d", i), "duplicate-detection", nil))
	}

	assert.Equal(t, int64(3), bus.Dropped())

	first := <-ch
	second := <-ch
	assert.Equal(t, "job-3", first.JobID)
	assert.Equal(t, "job-4", second.JobID)
}

func TestBusSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := testBus(1)
	defer bus.Close()

	_, cancelSlow := bus.Subscribe(nil) // never read
	defer cancelSlow()
	fast, cancelFast := bus.Subscribe(nil)
	defer cancelFast()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(models.NewEvent(models.EventJobStarted, fmt.Sprintf("job-%d", i), "duplicate-detection", nil))
			<-fast
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

func TestBusUnsubscribeClosesStream(t *testing.T) {
	bus := testBus(4)
	defer bus.Close()

	ch, cancel := bus.Subscribe(nil)
	require.Equal(t, 1, bus.SubscriberCount())

	cancel()
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Idempotent.
	cancel()
}

func TestBusCloseClosesAllStreams(t *testing.T) {
	bus := testBus(4)

	a, _ := bus.Subscribe(nil)
	b, _ := bus.Subscribe(nil)

	bus.Close()

	_, openA := <-a
	_, openB := <-b
	assert.False(t, openA)
	assert.False(t, openB)

	// Publish after close is a no-op.
	bus.Publish(models.NewEvent(models.EventJobCreated, "x", "duplicate-detection", nil))
	assert.Equal(t, int64(0), bus.Dropped())
}

func TestBusSubscribeAfterCloseReturnsClosedStream(t *testing.T) {
	bus := testBus(4)
	bus.Close()

	ch, cancel := bus.Subscribe(nil)
	defer cancel()

	_, open := <-ch
	assert.False(t, open)
}

func TestNewEventStampsSeverity(t *testing.T) {
	evt := models.NewEvent(models.EventJobFailed, "job-1", "duplicate-detection", nil)
	assert.Equal(t, models.SeverityError, evt.Severity)
	assert.False(t, evt.Timestamp.IsZero())

	warn := models.NewEvent(models.EventRetryScheduled, "job-1", "duplicate-detection", nil)
	assert.Equal(t, models.SeverityWarning, warn.Severity)

	info := models.NewEvent(models.EventJobCompleted, "job-1", "duplicate-detection", nil)
	assert.Equal(t, models.SeverityInfo, info.Severity)
}
