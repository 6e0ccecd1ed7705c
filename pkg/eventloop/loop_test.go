package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunForOrdersByDeadline(t *testing.T) {
	l := New(Config{})
	var order []string

	l.After(300*time.Millisecond, func() { order = append(order, "c") })
	l.After(100*time.Millisecond, func() { order = append(order, "a") })
	l.After(200*time.Millisecond, func() { order = append(order, "b1") })
	l.After(200*time.Millisecond, func() { order = append(order, "b2") })

	l.RunFor(250 * time.Millisecond)
	assert.Equal(t, []string{"a", "b1", "b2"}, order)
	assert.Equal(t, Epoch.Add(250*time.Millisecond), l.Now())

	l.RunFor(time.Second)
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, order)
	assert.Equal(t, 0, l.Pending())
}

func TestCallbackSeesItsDeadline(t *testing.T) {
	l := New(Config{})
	var at time.Time
	l.After(time.Second, func() { at = l.Now() })
	l.RunFor(5 * time.Second)
	assert.Equal(t, Epoch.Add(time.Second), at)
}

func TestTimersScheduledFromCallbacks(t *testing.T) {
	l := New(Config{})
	count := 0
	var tick func()
	tick = func() {
		count++
		l.After(time.Second, tick)
	}
	l.After(time.Second, tick)

	l.RunFor(10 * time.Second)
	assert.Equal(t, 10, count)
}

func TestTimerStop(t *testing.T) {
	l := New(Config{})
	fired := false
	tm := l.After(time.Second, func() { fired = true })

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop(), "second stop reports not pending")
	l.RunFor(2 * time.Second)
	assert.False(t, fired)

	var nilTimer *Timer
	assert.False(t, nilTimer.Stop())
}

func TestPostRunsBeforeTimers(t *testing.T) {
	l := New(Config{})
	var order []string
	l.After(0, func() { order = append(order, "timer") })
	l.Post(func() { order = append(order, "posted") })
	l.RunFor(0)
	assert.Equal(t, []string{"posted", "timer"}, order)
}

func TestJitterBounds(t *testing.T) {
	l := New(Config{Seed: 7})
	for range 1000 {
		d := l.Jitter(time.Second, 0.25)
		require.GreaterOrEqual(t, d, 750*time.Millisecond)
		require.LessOrEqual(t, d, 1250*time.Millisecond)
	}
	assert.Equal(t, time.Second, l.Jitter(time.Second, 0))
}

func TestSeedDeterminism(t *testing.T) {
	a := New(Config{Seed: 42})
	b := New(Config{Seed: 42})
	for range 10 {
		assert.Equal(t, a.Rand().Uint64(), b.Rand().Uint64())
	}
}

func TestRunWithMockClock(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{Clock: mock})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	var fired atomic.Bool
	require.NoError(t, l.Call(ctx, func() {
		l.After(time.Second, func() { fired.Store(true) })
	}))

	require.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		return fired.Load()
	}, 2*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunRealClock(t *testing.T) {
	l := New(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	fired := make(chan time.Time, 1)
	l.Post(func() {
		l.After(20*time.Millisecond, func() { fired <- l.Now() })
	})

	select {
	case at := <-fired:
		assert.False(t, at.Before(Epoch.Add(20*time.Millisecond)))
	case <-ctx.Done():
		t.Fatal("timer did not fire")
	}
	cancel()
	<-done
}
