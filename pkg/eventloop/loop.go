package eventloop

import (
	"container/heap"
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrStopped is returned by Call when the loop has stopped running.
var ErrStopped = errors.New("event loop stopped")

// Epoch is the virtual start time used when Config.Start is zero.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Config configures a Loop.
type Config struct {
	// Start is the virtual time at creation.
	Start time.Time

	// Seed seeds the loop's random source.
	Seed uint64

	// Clock paces Run in real time. Defaults to the wall clock.
	Clock clock.Clock
}

// Loop is a single-threaded discrete event scheduler.
//
// Timers and posted functions always run on the goroutine that drives the
// loop (RunFor or Run), one at a time, in deadline order. Ties run in
// scheduling order. After and Post are safe to call from any goroutine.
type Loop struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	queue  timerQueue
	posted []func()

	clock clock.Clock
	rng   *rand.Rand
	wake  chan struct{}
}

// New creates a Loop.
func New(config Config) *Loop {
	if config.Start.IsZero() {
		config.Start = Epoch
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	return &Loop{
		now:   config.Start,
		clock: config.Clock,
		rng:   rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15)),
		wake:  make(chan struct{}, 1),
	}
}

// Now returns the current virtual time.
func (l *Loop) Now() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now
}

// Rand returns the loop's random source. It must only be used from loop
// callbacks.
func (l *Loop) Rand() *rand.Rand {
	return l.rng
}

// Jitter returns d scaled by a random factor in [1-frac, 1+frac].
// Must only be called from loop callbacks.
func (l *Loop) Jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	f := 1 + frac*(2*l.rng.Float64()-1)
	return time.Duration(float64(d) * f)
}

// After schedules fn to run once d has elapsed in virtual time.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	if d < 0 {
		d = 0
	}
	l.mu.Lock()
	l.seq++
	t := &Timer{
		loop: l,
		when: l.now.Add(d),
		seq:  l.seq,
		fn:   fn,
	}
	heap.Push(&l.queue, t)
	l.mu.Unlock()
	l.signal()
	return t
}

// Post queues fn to run on the loop as soon as possible.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.signal()
}

// Pending returns the number of scheduled timers.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}

// RunFor executes everything due within d of virtual time, then sets the
// clock to now+d. It must not be called concurrently with Run.
func (l *Loop) RunFor(d time.Duration) {
	l.RunUntil(l.Now().Add(d))
}

// RunUntil executes everything due up to deadline.
func (l *Loop) RunUntil(deadline time.Time) {
	for {
		l.drainPosted()
		t := l.popDue(deadline)
		if t == nil {
			break
		}
		t.fn()
	}
	l.drainPosted()
	l.mu.Lock()
	if deadline.After(l.now) {
		l.now = deadline
	}
	l.mu.Unlock()
}

// Run drives the loop in real time until ctx is done. Virtual time advances
// with the clock from the moment Run is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.drainPosted()

		l.mu.Lock()
		var next time.Time
		hasNext := l.queue.Len() > 0
		if hasNext {
			next = l.queue[0].when
		}
		now := l.now
		l.mu.Unlock()

		if hasNext && !next.After(now) {
			l.RunUntil(now)
			continue
		}

		var timer *clock.Timer
		var fire <-chan time.Time
		if hasNext {
			timer = l.clock.Timer(next.Sub(now))
			fire = timer.C
		}
		started := l.clock.Now()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-fire:
			l.RunUntil(next)
		case <-l.wake:
			if timer != nil {
				timer.Stop()
			}
			// Time passed while waiting still counts.
			elapsed := l.clock.Since(started)
			if hasNext {
				if limit := next.Sub(now); elapsed > limit {
					elapsed = limit
				}
			}
			l.RunUntil(now.Add(elapsed))
		}
	}
}

// Call runs fn on the loop and waits for it to finish. The loop must be
// driven by Run on another goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) drainPosted() {
	for {
		l.mu.Lock()
		batch := l.posted
		l.posted = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// popDue removes the earliest timer due at or before deadline and advances
// virtual time to its deadline.
func (l *Loop) popDue(deadline time.Time) *Timer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.queue.Len() == 0 || l.queue[0].when.After(deadline) {
		return nil
	}
	t := heap.Pop(&l.queue).(*Timer)
	if t.when.After(l.now) {
		l.now = t.when
	}
	return t
}

// Timer is a scheduled callback.
type Timer struct {
	loop  *Loop
	when  time.Time
	seq   uint64
	fn    func()
	index int
}

// Stop cancels the timer. It reports whether the timer was still pending.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.index < 0 || t.index >= l.queue.Len() || l.queue[t.index] != t {
		return false
	}
	heap.Remove(&l.queue, t.index)
	return true
}

// When returns the timer's deadline.
func (t *Timer) When() time.Time {
	return t.when
}

type timerQueue []*Timer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].when.Equal(q[j].when) {
		return q[i].seq < q[j].seq
	}
	return q[i].when.Before(q[j].when)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*Timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
