package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(zap.NewNop())
	t.Cleanup(s.Stop)
	return s
}

func TestAddTicker_Fires(t *testing.T) {
	s := newTestScheduler(t)
	var count int64
	s.AddTicker("tick", 10*time.Millisecond, func() {
		atomic.AddInt64(&count, 1)
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&count) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestAddTicker_ReplacesSameName(t *testing.T) {
	s := newTestScheduler(t)
	var old, replacement int64
	s.AddTicker("tick", 10*time.Millisecond, func() {
		atomic.AddInt64(&old, 1)
	})
	s.AddTicker("tick", 10*time.Millisecond, func() {
		atomic.AddInt64(&replacement, 1)
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&replacement) >= 2
	}, time.Second, 5*time.Millisecond)

	settled := atomic.LoadInt64(&old)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, atomic.LoadInt64(&old), "replaced ticker kept firing")
}

func TestRemove_StopsTicker(t *testing.T) {
	s := newTestScheduler(t)
	var count int64
	s.AddTicker("tick", 10*time.Millisecond, func() {
		atomic.AddInt64(&count, 1)
	})
	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&count) >= 1
	}, time.Second, 5*time.Millisecond)

	s.Remove("tick")
	assert.False(t, s.Has("tick"))
	settled := atomic.LoadInt64(&count)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, atomic.LoadInt64(&count))
}

func TestAddDelay_FiresOnce(t *testing.T) {
	s := newTestScheduler(t)
	var count int64
	s.AddDelay("once", 10*time.Millisecond, func() {
		atomic.AddInt64(&count, 1)
	})
	assert.True(t, s.Has("once"))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&count) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt64(&count))
	assert.False(t, s.Has("once"))
}

func TestTickerSurvivesPanic(t *testing.T) {
	s := newTestScheduler(t)
	var count int64
	s.AddTicker("panicky", 10*time.Millisecond, func() {
		atomic.AddInt64(&count, 1)
		panic("boom")
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&count) >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestHasAndListTickers(t *testing.T) {
	s := newTestScheduler(t)
	assert.False(t, s.Has("tick"))
	s.AddTicker("tick", time.Hour, func() {})
	assert.True(t, s.Has("tick"))
	assert.Equal(t, []string{"tick"}, s.ListTickers())
}

func TestStop_HaltsEverything(t *testing.T) {
	s := New(zap.NewNop())
	var count int64
	s.AddTicker("tick", 10*time.Millisecond, func() {
		atomic.AddInt64(&count, 1)
	})
	s.Stop()
	s.Stop() // second stop must not panic

	settled := atomic.LoadInt64(&count)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, atomic.LoadInt64(&count))
}
