package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe("job_1")
	defer unsub()

	bus.Publish(Event{JobID: "job_1", Type: EventProgress, Message: "started"})
	bus.Publish(Event{JobID: "job_2", Type: EventProgress, Message: "other job"})

	ev := <-ch
	assert.Equal(t, "started", ev.Message)
	assert.Equal(t, "job_1", ev.JobID)
	assert.False(t, ev.Timestamp.IsZero(), "publish must stamp the event")

	select {
	case ev := <-ch:
		t.Fatalf("received event for another job: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBusOrderPreserved(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe("job_1")
	defer unsub()

	for i := 0; i < 10; i++ {
		bus.Publish(Event{JobID: "job_1", Type: EventProgress, Progress: i * 10})
	}
	for i := 0; i < 10; i++ {
		ev := <-ch
		assert.Equal(t, i*10, ev.Progress)
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe("job_1")
	defer unsub()

	// Overfill without draining; Publish must never block
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(Event{JobID: "job_1", Type: EventProgress, Progress: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestBusCloseJob(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe("job_1")

	bus.Publish(Event{JobID: "job_1", Type: EventCompleted, Message: "done"})
	bus.CloseJob("job_1")

	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, EventCompleted, ev.Type)

	_, ok = <-ch
	assert.False(t, ok, "channel must be closed after CloseJob")
}

func TestBusUnsubscribeIdempotent(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe("job_1")
	unsub()
	unsub() // Second call must not panic

	// Publishing after unsubscribe is a no-op
	bus.Publish(Event{JobID: "job_1", Type: EventProgress})
}
