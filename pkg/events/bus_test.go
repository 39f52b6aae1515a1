package events

import (
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToTypedAndWildcardSubscribers(t *testing.T) {
	clk := clock.NewMock()
	bus := NewBus(10, clk)
	defer bus.Close()

	var mu sync.Mutex
	var typed, all []Event
	done := make(chan struct{}, 3)

	bus.Subscribe(EventTaskRequeued, func(e Event) {
		mu.Lock()
		typed = append(typed, e)
		mu.Unlock()
		done <- struct{}{}
	})
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		all = append(all, e)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.Publish(EventTaskRequeued, map[string]interface{}{"taskId": "t1"})
	bus.Publish(EventLeaseExpired, map[string]interface{}{"leaseId": "l1"})

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, typed, 1)
	assert.Equal(t, "t1", typed[0].Data["taskId"])
	assert.Equal(t, clk.Now().UTC(), typed[0].Timestamp)
	assert.Len(t, all, 2)
}

func TestBusPublishDoesNotBlock(t *testing.T) {
	bus := NewBus(1, nil)
	defer bus.Close()

	block := make(chan struct{})
	bus.Subscribe(EventTaskCreated, func(Event) { <-block })

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(EventTaskCreated, nil)
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(block)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()

	got := make(chan Event, 10)
	unsubscribe := bus.Subscribe(EventTaskCreated, func(e Event) { got <- e })
	unsubscribe()
	bus.Publish(EventTaskCreated, nil)

	select {
	case <-got:
		t.Fatal("received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultiSkipsNilSinks(t *testing.T) {
	rec := &recorder{}
	Multi{nil, Nop{}, rec}.Publish(EventTaskCreated, map[string]interface{}{"taskId": "t"})
	assert.Equal(t, []EventType{EventTaskCreated}, rec.types)
}

type recorder struct {
	types []EventType
}

func (r *recorder) Publish(eventType EventType, _ map[string]interface{}) {
	r.types = append(r.types, eventType)
}
