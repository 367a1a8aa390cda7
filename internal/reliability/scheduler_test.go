package reliability

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduler(t *testing.T) {
	t.Run("runs task after delay", func(t *testing.T) {
		s := NewScheduler()
		done := make(chan time.Time, 1)
		start := time.Now()

		s.Schedule(30*time.Millisecond, func() { done <- time.Now() })
		assert.Equal(t, 1, s.Pending())

		select {
		case fired := <-done:
			assert.GreaterOrEqual(t, fired.Sub(start), 30*time.Millisecond)
		case <-time.After(time.Second):
			t.Fatal("task did not run")
		}

		assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("negative delay runs immediately", func(t *testing.T) {
		s := NewScheduler()
		var ran int32

		s.Schedule(-time.Second, func() { atomic.StoreInt32(&ran, 1) })

		assert.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, time.Millisecond)
	})

	t.Run("cancel drops pending tasks", func(t *testing.T) {
		s := NewScheduler()
		var ran int32

		s.Schedule(20*time.Millisecond, func() { atomic.AddInt32(&ran, 1) })
		s.Schedule(40*time.Millisecond, func() { atomic.AddInt32(&ran, 1) })
		assert.Equal(t, 2, s.Pending())

		s.Cancel()
		assert.Equal(t, 0, s.Pending())

		time.Sleep(80 * time.Millisecond)
		assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
	})

	t.Run("usable after cancel", func(t *testing.T) {
		s := NewScheduler()
		s.Cancel()

		var ran int32
		s.Schedule(time.Millisecond, func() { atomic.StoreInt32(&ran, 1) })

		assert.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, time.Millisecond)
	})

	t.Run("task may reschedule itself", func(t *testing.T) {
		s := NewScheduler()
		var runs int32

		var task func()
		task = func() {
			if atomic.AddInt32(&runs, 1) < 3 {
				s.Schedule(time.Millisecond, task)
			}
		}
		s.Schedule(time.Millisecond, task)

		assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 3 }, time.Second, time.Millisecond)
	})
}
