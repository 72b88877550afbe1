package timer

import (
	"testing"
	"time"

	"github.com/cuemby/raftkv/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerFires(t *testing.T) {
	out := make(chan Event, 4)
	tm := New("election", out)
	tm.Schedule(clock.Now().Add(10 * time.Millisecond))

	select {
	case ev := <-out:
		assert.Equal(t, "election", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestCancelSuppressesLateFiring(t *testing.T) {
	out := make(chan Event, 4)
	tm := New("heartbeat", out)
	tm.Schedule(clock.Now().Add(5 * time.Millisecond))
	tm.Cancel()

	select {
	case ev := <-out:
		t.Fatalf("cancelled timer still fired: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRescheduleDropsStaleGeneration(t *testing.T) {
	out := make(chan Event, 4)
	tm := New("commit", out)
	tm.Schedule(clock.Now().Add(2 * time.Millisecond))
	time.Sleep(time.Millisecond)
	tm.Schedule(clock.Now().Add(20 * time.Millisecond))

	select {
	case ev := <-out:
		assert.Equal(t, "commit", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("rescheduled timer never fired")
	}
	select {
	case ev := <-out:
		t.Fatalf("stale generation fired again: %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestPollForTimeoutConsumesOnce(t *testing.T) {
	out := make(chan Event, 1)
	tm := New("probe", out)
	tm.Schedule(clock.Now().Add(5 * time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	require.True(t, tm.PollForTimeout())
	assert.False(t, tm.PollForTimeout())
}
