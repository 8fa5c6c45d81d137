package coap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeSchedulerAdvanceRunsDueTasks(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))

	var fired []string
	sched.Schedule(1*time.Second, func() { fired = append(fired, "a") })
	sched.Schedule(2*time.Second, func() { fired = append(fired, "b") })
	sched.Schedule(3*time.Second, func() { fired = append(fired, "c") })

	sched.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, sched.Pending())

	sched.Advance(1 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, sched.Pending())
}

func TestFakeSchedulerCancelPreventsFiring(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	fired := false
	h := sched.Schedule(1*time.Second, func() { fired = true })
	h.Cancel()
	sched.Advance(5 * time.Second)
	assert.False(t, fired)
}

func TestFakeSchedulerFixedRateReschedules(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	count := 0
	h := sched.ScheduleAtFixedRate(1*time.Second, func() { count++ })
	sched.Advance(3500 * time.Millisecond)
	assert.Equal(t, 3, count)
	h.Cancel()
	sched.Advance(10 * time.Second)
	assert.Equal(t, 3, count, "cancelling a fixed-rate task must stop further firings")
}

func TestFakeSchedulerTaskScheduledDuringAdvanceRunsInSameWindow(t *testing.T) {
	sched := NewFakeScheduler(time.Unix(0, 0))
	var order []int
	sched.Schedule(1*time.Second, func() {
		order = append(order, 1)
		sched.Schedule(500*time.Millisecond, func() { order = append(order, 2) })
	})
	sched.Advance(2 * time.Second)
	assert.Equal(t, []int{1, 2}, order)
}

func TestRealSchedulerRunsAndShutsDown(t *testing.T) {
	sched := NewRealScheduler()
	done := make(chan struct{})
	sched.Schedule(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never fired")
	}
	sched.Shutdown()
	sched.Shutdown() // idempotent
}

func TestFakeSchedulerNowAdvances(t *testing.T) {
	t0 := time.Unix(1000, 0)
	sched := NewFakeScheduler(t0)
	require.Equal(t, t0, sched.Now())
	sched.Advance(5 * time.Second)
	assert.Equal(t, t0.Add(5*time.Second), sched.Now())
}
