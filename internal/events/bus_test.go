package events

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestBus_SubscribeAndEmit(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var receivedEvent *Event
	var receivedData map[string]interface{}
	var mu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(1)

	handler := func(event *Event) {
		mu.Lock()
		receivedEvent = event
		receivedData = event.Data
		mu.Unlock()
		wg.Done()
	}

	_ = bus.Subscribe(RequestStatusChanged, handler)

	data := map[string]interface{}{
		"request_id": "abc123",
		"status":     "running",
	}

	bus.Emit(RequestStatusChanged, "dispatcher", data)

	wg.Wait()

	mu.Lock()
	assert.NotNil(t, receivedEvent)
	assert.Equal(t, RequestStatusChanged, receivedEvent.Type)
	assert.Equal(t, "dispatcher", receivedEvent.Module)
	assert.Equal(t, "abc123", receivedData["request_id"])
	assert.Equal(t, "running", receivedData["status"])
	mu.Unlock()
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var callCount1, callCount2 int
	var mu1, mu2 sync.Mutex

	var wg sync.WaitGroup
	wg.Add(2)

	handler1 := func(*Event) {
		mu1.Lock()
		callCount1++
		mu1.Unlock()
		wg.Done()
	}
	handler2 := func(*Event) {
		mu2.Lock()
		callCount2++
		mu2.Unlock()
		wg.Done()
	}

	_ = bus.Subscribe(LockAcquired, handler1)
	_ = bus.Subscribe(LockAcquired, handler2)

	bus.Emit(LockAcquired, "lockmgr", map[string]interface{}{})

	wg.Wait()

	mu1.Lock()
	mu2.Lock()
	assert.Equal(t, 1, callCount1)
	assert.Equal(t, 1, callCount2)
	mu2.Unlock()
	mu1.Unlock()
}

func TestBus_NoSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	// Should not panic
	bus.Emit(LockAcquired, "lockmgr", map[string]interface{}{})
}

func TestBus_DifferentEventTypes(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var pipelineCount, compileCount int
	var mu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(2)

	_ = bus.Subscribe(PipelineTaskProgress, func(*Event) {
		mu.Lock()
		pipelineCount++
		mu.Unlock()
		wg.Done()
	})
	_ = bus.Subscribe(CompileJobProgress, func(*Event) {
		mu.Lock()
		compileCount++
		mu.Unlock()
		wg.Done()
	})

	bus.Emit(PipelineTaskProgress, "pipeline", map[string]interface{}{})
	bus.Emit(CompileJobProgress, "compile", map[string]interface{}{})

	wg.Wait()

	mu.Lock()
	assert.Equal(t, 1, pipelineCount)
	assert.Equal(t, 1, compileCount)
	mu.Unlock()
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var callCount int
	var mu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(1)

	sub := bus.Subscribe(DeviceMonitorPreempted, func(*Event) {
		mu.Lock()
		callCount++
		mu.Unlock()
		wg.Done()
	})

	bus.Emit(DeviceMonitorPreempted, "device", map[string]interface{}{})
	wg.Wait()

	bus.Unsubscribe(sub)

	bus.Emit(DeviceMonitorPreempted, "device", map[string]interface{}{})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, callCount, "handler should not be called after unsubscribe")
	mu.Unlock()
}
