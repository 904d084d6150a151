package condition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusConditionTriggersOnlyWhenEnabled(t *testing.T) {
	sc := NewStatusCondition(DataAvailable)
	assert.False(t, sc.IsTriggered())

	sc.Trigger(DeadlineMissed)
	assert.False(t, sc.IsTriggered(), "deadline missed is not enabled")

	sc.Trigger(DataAvailable)
	assert.True(t, sc.IsTriggered())

	sc.ClearStatus(DataAvailable)
	assert.False(t, sc.IsTriggered())
}

func TestGuardConditionEdgeSensitive(t *testing.T) {
	gc := NewGuardCondition()
	assert.False(t, gc.IsTriggered())
	gc.SetTriggerValue(true)
	assert.True(t, gc.IsTriggered())
	gc.SetTriggerValue(false)
	assert.False(t, gc.IsTriggered())
}

func TestWaitSetTimesOutWithNoTrigger(t *testing.T) {
	ws := NewWaitSet()
	gc := NewGuardCondition()
	ws.Attach(gc)

	got := ws.Wait(20 * time.Millisecond)
	assert.Empty(t, got)
}

func TestWaitSetSeesAlreadyTriggeredCondition(t *testing.T) {
	ws := NewWaitSet()
	gc := NewGuardCondition()
	ws.Attach(gc)

	gc.SetTriggerValue(true)
	got := ws.Wait(time.Second)
	assert.Len(t, got, 1)
	assert.Same(t, gc, got[0])
}

func TestWaitSetWakesOnLateTrigger(t *testing.T) {
	ws := NewWaitSet()
	gc := NewGuardCondition()
	ws.Attach(gc)

	done := make(chan []Condition, 1)
	go func() {
		done <- ws.Wait(time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	gc.SetTriggerValue(true)

	select {
	case got := <-done:
		assert.Len(t, got, 1)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after guard condition was triggered")
	}
}

func TestWaitSetDetach(t *testing.T) {
	ws := NewWaitSet()
	gc := NewGuardCondition()
	ws.Attach(gc)
	ws.Detach(gc)

	gc.SetTriggerValue(true)
	got := ws.Wait(20 * time.Millisecond)
	assert.Empty(t, got)
}

func TestMultipleWaitSetsOnSameCondition(t *testing.T) {
	sc := NewStatusCondition(DataAvailable)
	ws1 := NewWaitSet()
	ws2 := NewWaitSet()
	ws1.Attach(sc)
	ws2.Attach(sc)

	sc.Trigger(DataAvailable)

	assert.Len(t, ws1.Wait(time.Second), 1)
	assert.Len(t, ws2.Wait(time.Second), 1)
}
