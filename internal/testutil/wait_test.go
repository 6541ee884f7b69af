package testutil

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitForCondition(t *testing.T) {
	var counter int32
	go func() {
		time.Sleep(50 * time.Millisecond)
		atomic.StoreInt32(&counter, 1)
	}()

	result := WaitForCondition(t, time.Second, func() bool {
		return atomic.LoadInt32(&counter) == 1
	})
	assert.True(t, result, "Expected condition to become true")
}

func TestWaitForConditionTimeout(t *testing.T) {
	start := time.Now()
	result := WaitForCondition(t, 50*time.Millisecond, func() bool {
		return false
	})
	assert.False(t, result, "Expected condition to timeout")
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitForState(t *testing.T) {
	var state atomic.Value
	state.Store("starting")
	go func() {
		time.Sleep(20 * time.Millisecond)
		state.Store("running")
	}()

	WaitForState(t, time.Second, func() string { return state.Load().(string) }, "running")
}

func TestContextCancelledOnTimeout(t *testing.T) {
	ctx := Context(t, 10*time.Millisecond)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context never expired")
	}
}
