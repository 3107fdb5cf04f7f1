package queue

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0ot/ajaxchan/pkg/channel"
)

const waitTimeout = 2 * time.Second

// runLog records the order items ran in.
type runLog struct {
	mu    sync.Mutex
	order []string
	ran   chan string
}

func newRunLog() *runLog {
	return &runLog{ran: make(chan string, 32)}
}

func (r *runLog) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// item makes an item that records name, then waits for gate to close (if gate is not nil).
func (r *runLog) item(name string, c channel.Channel, gate <-chan struct{}) *Item {
	return &Item{
		ID:      name,
		Channel: c,
		Run: func(ctx context.Context) error {
			r.mu.Lock()
			r.order = append(r.order, name)
			r.mu.Unlock()
			r.ran <- name
			if gate != nil {
				<-gate
			}
			return nil
		},
	}
}

func (r *runLog) waitFor(t *testing.T, name string) {
	t.Helper()
	select {
	case got := <-r.ran:
		require.Equal(t, name, got)
	case <-time.After(waitTimeout):
		t.Fatalf("Timed out waiting for %s to run", name)
	}
}

func closeScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, s.Close(ctx))
}

func TestQueueRunsInArrivalOrder(t *testing.T) {
	s := New()
	r := newRunLog()
	x := channel.MustNew("x", channel.Queue)
	gate := make(chan struct{})

	o, err := s.Add(r.item("R1", x, gate))
	require.NoError(t, err)
	assert.Equal(t, Started, o)
	r.waitFor(t, "R1")

	for _, name := range []string{"R2", "R3"} {
		o, err := s.Add(r.item(name, x, nil))
		require.NoError(t, err)
		assert.Equal(t, Queued, o)
	}
	assert.Equal(t, []string{"R1"}, r.snapshot(), "queued items must wait for the running one")

	close(gate)
	r.waitFor(t, "R2")
	r.waitFor(t, "R3")
	closeScheduler(t, s)

	assert.Equal(t, []string{"R1", "R2", "R3"}, r.snapshot())
	stats := s.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "x|s", stats[0].Channel)
	assert.Equal(t, 3, stats[0].Submitted)
	assert.Equal(t, 3, stats[0].Completed)
	assert.False(t, stats[0].Busy)
}

func TestDropDiscardsWhileBusy(t *testing.T) {
	s := New()
	r := newRunLog()
	y := channel.MustNew("y", channel.Drop)
	gate := make(chan struct{})

	o, err := s.Add(r.item("R1", y, gate))
	require.NoError(t, err)
	assert.Equal(t, Started, o)
	r.waitFor(t, "R1")

	var dropped []string
	for _, name := range []string{"R2", "R3"} {
		item := r.item(name, y, nil)
		item.OnDrop = func(item *Item) { dropped = append(dropped, item.ID) }
		o, err := s.Add(item)
		require.NoError(t, err)
		assert.Equal(t, Dropped, o)
	}
	assert.Equal(t, []string{"R2", "R3"}, dropped)

	done := make(chan struct{})
	last := r.item("R1-done", y, nil)
	close(gate)
	// Once R1 finishes, the channel is idle again.
	require.Eventually(t, func() bool {
		st := s.Stats()
		return len(st) == 1 && !st[0].Busy
	}, waitTimeout, 5*time.Millisecond)
	last.OnSuccess = func(*Item) { close(done) }
	o, err = s.Add(last)
	require.NoError(t, err)
	assert.Equal(t, Started, o)
	r.waitFor(t, "R1-done")
	<-done

	closeScheduler(t, s)
	assert.Equal(t, []string{"R1", "R1-done"}, r.snapshot())
	assert.Equal(t, 2, s.Stats()[0].Dropped)
}

func TestChannelsAreIndependent(t *testing.T) {
	s := New()
	r := newRunLog()
	gate := make(chan struct{})
	defer close(gate)

	_, err := s.Add(r.item("a", channel.MustNew("a", channel.Queue), gate))
	require.NoError(t, err)
	r.waitFor(t, "a")

	o, err := s.Add(r.item("b", channel.MustNew("b", channel.Drop), gate))
	require.NoError(t, err)
	assert.Equal(t, Started, o)
	r.waitFor(t, "b")

	// Same name, different type, is a different channel.
	o, err = s.Add(r.item("a-drop", channel.MustNew("a", channel.Drop), gate))
	require.NoError(t, err)
	assert.Equal(t, Started, o)
	r.waitFor(t, "a-drop")
}

func TestDefaultChannel(t *testing.T) {
	s := New()
	r := newRunLog()
	item := r.item("R1", channel.Channel{}, nil)
	_, err := s.Add(item)
	require.NoError(t, err)
	r.waitFor(t, "R1")
	closeScheduler(t, s)

	assert.Equal(t, DefaultChannel, item.Channel)
	assert.Equal(t, "0|s", s.Stats()[0].Channel)
}

func TestGeneratesIDs(t *testing.T) {
	s := New()
	item := &Item{Run: func(context.Context) error { return nil }}
	_, err := s.Add(item)
	require.NoError(t, err)
	assert.Len(t, item.ID, 36)
	closeScheduler(t, s)
}

func TestRemovePrevious(t *testing.T) {
	s := New()
	r := newRunLog()
	x := channel.MustNew("x", channel.Queue)
	gate := make(chan struct{})

	_, err := s.Add(r.item("R1", x, gate))
	require.NoError(t, err)
	r.waitFor(t, "R1")

	var dropped []string
	onDrop := func(item *Item) { dropped = append(dropped, item.ID) }

	r2 := r.item("R2", x, nil)
	r2.Token, r2.OnDrop = "refresh", onDrop
	other := r.item("other", x, nil)
	other.Token = "unrelated"
	r3 := r.item("R3", x, nil)
	r3.Token, r3.RemovePrevious = "refresh", true

	for _, item := range []*Item{r2, other, r3} {
		_, err := s.Add(item)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"R2"}, dropped)

	close(gate)
	r.waitFor(t, "other")
	r.waitFor(t, "R3")
	closeScheduler(t, s)
	assert.Equal(t, []string{"R1", "other", "R3"}, r.snapshot())
	assert.Equal(t, 1, s.Stats()[0].Dropped)
}

func TestPreconditionSkipsItem(t *testing.T) {
	s := New()
	r := newRunLog()
	x := channel.MustNew("x", channel.Queue)
	gate := make(chan struct{})

	_, err := s.Add(r.item("R1", x, gate))
	require.NoError(t, err)
	r.waitFor(t, "R1")

	var skipErr error
	rejected := r.item("rejected", x, nil)
	rejected.Preconditions = []Precondition{
		func(*Item) bool { return true },
		func(*Item) bool { return false },
	}
	rejected.OnError = func(_ *Item, err error) { skipErr = err }
	panicking := r.item("panicking", x, nil)
	panicking.Preconditions = []Precondition{func(*Item) bool { panic("boom") }}

	for _, item := range []*Item{rejected, panicking, r.item("R2", x, nil)} {
		o, err := s.Add(item)
		require.NoError(t, err)
		assert.Equal(t, Queued, o)
	}

	close(gate)
	r.waitFor(t, "R2")
	closeScheduler(t, s)

	assert.Equal(t, []string{"R1", "R2"}, r.snapshot())
	assert.True(t, errors.Is(skipErr, ErrPrecondition))
	assert.Equal(t, 2, s.Stats()[0].Skipped)
}

func TestIdlePreconditionReturnsSkipped(t *testing.T) {
	s := New()
	item := &Item{
		Channel:       channel.MustNew("x", channel.Drop),
		Preconditions: []Precondition{func(*Item) bool { return false }},
		Run:           func(context.Context) error { return nil },
	}
	o, err := s.Add(item)
	require.NoError(t, err)
	assert.Equal(t, Skipped, o)
	closeScheduler(t, s)
}

func TestTimeoutSkipsItem(t *testing.T) {
	s := New(WithDefaultTimeouts(50*time.Millisecond, 50*time.Millisecond))
	r := newRunLog()
	x := channel.MustNew("x", channel.Queue)
	stuck := make(chan struct{})
	defer close(stuck)

	timedOut := make(chan error, 1)
	slow := r.item("slow", x, stuck)
	slow.OnError = func(_ *Item, err error) { timedOut <- err }
	slow.OnSuccess = func(*Item) { t.Errorf("A skipped item must not report success") }

	_, err := s.Add(slow)
	require.NoError(t, err)
	r.waitFor(t, "slow")
	o, err := s.Add(r.item("next", x, nil))
	require.NoError(t, err)
	assert.Equal(t, Queued, o)

	select {
	case err := <-timedOut:
		assert.True(t, errors.Is(err, ErrTimeout))
	case <-time.After(waitTimeout):
		t.Fatal("Slow item was never skipped")
	}
	r.waitFor(t, "next")
	assert.Equal(t, 1, s.Stats()[0].TimedOut)
}

func TestItemTimeoutOverridesDefault(t *testing.T) {
	s := New()
	item := &Item{RequestTimeout: time.Second}
	assert.Equal(t, time.Second+DefaultProcessingTimeout, item.timeout(s))
}

func TestFailureAndPanic(t *testing.T) {
	s := New()
	x := channel.MustNew("x", channel.Queue)
	errs := make(chan error, 2)
	onError := func(_ *Item, err error) { errs <- err }

	_, err := s.Add(&Item{
		Channel: x,
		Run:     func(context.Context) error { return errors.New("no such behavior") },
		OnError: onError,
	})
	require.NoError(t, err)
	_, err = s.Add(&Item{
		Channel: x,
		Run:     func(context.Context) error { panic("exploded") },
		OnError: onError,
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.Error(t, err)
		case <-time.After(waitTimeout):
			t.Fatal("Failure was not reported")
		}
	}
	closeScheduler(t, s)
	assert.Equal(t, 2, s.Stats()[0].Failed)
}

func TestThrottleDefersAndReplaces(t *testing.T) {
	s := New()
	r := newRunLog()
	x := channel.MustNew("x", channel.Queue)
	throttled := func(name string) *Item {
		item := r.item(name, x, nil)
		item.Token = "typing"
		item.Throttle = 50 * time.Millisecond
		return item
	}

	o, err := s.Add(throttled("first"))
	require.NoError(t, err)
	assert.Equal(t, Started, o)
	r.waitFor(t, "first")

	var dropped []string
	second := throttled("second")
	second.OnDrop = func(item *Item) { dropped = append(dropped, item.ID) }
	o, err = s.Add(second)
	require.NoError(t, err)
	assert.Equal(t, Throttled, o)

	o, err = s.Add(throttled("third"))
	require.NoError(t, err)
	assert.Equal(t, Throttled, o)
	assert.Equal(t, []string{"second"}, dropped)

	r.waitFor(t, "third")
	closeScheduler(t, s)
	assert.Equal(t, []string{"first", "third"}, r.snapshot())
	assert.Equal(t, 2, s.Stats()[0].Throttled)
	assert.Equal(t, 1, s.Stats()[0].Dropped)
}

// An item arriving after the throttle window expired runs at once, and the item
// still waiting on the throttle timer is dropped instead of lingering.
func TestThrottleExpiredWindowDropsWaitingItem(t *testing.T) {
	s := New()
	r := newRunLog()
	x := channel.MustNew("x", channel.Queue)
	window := 100 * time.Millisecond
	throttled := func(name string) *Item {
		item := r.item(name, x, nil)
		item.Token = "typing"
		item.Throttle = window
		return item
	}

	start := time.Now()
	o, err := s.Add(throttled("A"))
	require.NoError(t, err)
	require.Equal(t, Started, o)
	r.waitFor(t, "A")

	time.Sleep(30*time.Millisecond - time.Since(start))
	droppedCH := make(chan string, 1)
	b := throttled("B")
	b.OnDrop = func(item *Item) { droppedCH <- item.ID }
	o, err = s.Add(b)
	require.NoError(t, err)
	require.Equal(t, Throttled, o)

	// B's timer fires 130ms after A; A's execution time expires after 100ms.
	time.Sleep(115*time.Millisecond - time.Since(start))
	if time.Since(start) >= 130*time.Millisecond {
		t.Skip("Too slow to land between the window expiring and the timer firing")
	}
	o, err = s.Add(throttled("C"))
	require.NoError(t, err)
	assert.Equal(t, Started, o)
	r.waitFor(t, "C")

	select {
	case id := <-droppedCH:
		assert.Equal(t, "B", id)
	case <-time.After(waitTimeout):
		t.Fatal("B was neither run nor dropped")
	}
	time.Sleep(2 * window)
	closeScheduler(t, s)

	assert.Equal(t, []string{"A", "C"}, r.snapshot())
	stats := s.Stats()[0]
	assert.Equal(t, 1, stats.Throttled)
	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, 2, stats.Completed)
}

func TestThrottleMisconfigurationIsIgnored(t *testing.T) {
	s := New()
	r := newRunLog()
	x := channel.MustNew("x", channel.Queue)

	noToken := r.item("no-token", x, nil)
	noToken.Throttle = time.Hour
	o, err := s.Add(noToken)
	require.NoError(t, err)
	assert.Equal(t, Started, o)
	r.waitFor(t, "no-token")

	noThrottle := r.item("no-throttle", x, nil)
	noThrottle.Token, noThrottle.ThrottlePostpone = "t", true
	_, err = s.Add(noThrottle)
	require.NoError(t, err)
	r.waitFor(t, "no-throttle")
	closeScheduler(t, s)
}

func TestCloseDropsPending(t *testing.T) {
	s := New()
	r := newRunLog()
	x := channel.MustNew("x", channel.Queue)
	gate := make(chan struct{})

	_, err := s.Add(r.item("R1", x, gate))
	require.NoError(t, err)
	r.waitFor(t, "R1")

	droppedCH := make(chan string, 1)
	pending := r.item("R2", x, nil)
	pending.OnDrop = func(item *Item) { droppedCH <- item.ID }
	_, err = s.Add(pending)
	require.NoError(t, err)

	// A runs, B is replaced by C, and C waits on the throttle until Close.
	y := channel.MustNew("y", channel.Queue)
	var dropMu sync.Mutex
	var throttledDrops []string
	for _, name := range []string{"A", "B", "C"} {
		item := r.item(name, y, nil)
		item.Token, item.Throttle = "typing", time.Hour
		item.OnDrop = func(item *Item) {
			dropMu.Lock()
			throttledDrops = append(throttledDrops, item.ID)
			dropMu.Unlock()
		}
		_, err = s.Add(item)
		require.NoError(t, err)
	}
	r.waitFor(t, "A")

	closed := make(chan error, 1)
	go func() { closed <- s.Close(context.Background()) }()
	assert.Equal(t, "R2", <-droppedCH)
	close(gate)
	require.NoError(t, <-closed)

	dropMu.Lock()
	assert.Equal(t, []string{"B", "C"}, throttledDrops)
	dropMu.Unlock()
	stats := s.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, 1, stats[0].Dropped, "x")
	assert.Equal(t, 2, stats[1].Dropped, "y")
	assert.Equal(t, 2, stats[1].Throttled)
	assert.Equal(t, 1, stats[1].Completed)

	_, err = s.Add(r.item("late", x, nil))
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, []string{"R1", "A"}, r.snapshot())
	assert.NoError(t, s.Close(context.Background()), "Close is idempotent")
}

// A result that arrives as the deadline passes still counts as the item's result.
func TestAwaitPrefersWaitingResult(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	for i := 0; i < 100; i++ {
		result := make(chan error, 1)
		result <- nil
		err, timedOut := await(ctx, result)
		require.NoError(t, err)
		require.False(t, timedOut)
	}

	err, timedOut := await(ctx, make(chan error))
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.True(t, timedOut)

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	err, timedOut = await(cancelled, make(chan error))
	assert.Equal(t, context.Canceled, err)
	assert.False(t, timedOut, "cancellation is not a timeout")
}

func TestTimeoutIsCapped(t *testing.T) {
	s := New(WithDefaultTimeouts(time.Second, 2*time.Second))
	assert.Equal(t, 3*time.Second, (&Item{}).timeout(s))
	assert.Equal(t, 5*time.Second, (&Item{RequestTimeout: 3 * time.Second}).timeout(s))

	huge := &Item{RequestTimeout: math.MaxInt64, ProcessingTimeout: math.MaxInt64}
	assert.Equal(t, 2*MaxTimeout, huge.timeout(s))

	s = New(WithDefaultTimeouts(math.MaxInt64, math.MaxInt64))
	assert.Equal(t, 2*MaxTimeout, (&Item{}).timeout(s))
}

func TestCloseCancelsRunningItemsOnDeadline(t *testing.T) {
	s := New()
	started := make(chan struct{})
	_, err := s.Add(&Item{
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = s.Close(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestInvalidItem(t *testing.T) {
	s := New()
	_, err := s.Add(nil)
	assert.True(t, errors.Is(err, ErrInvalidItem))
	_, err = s.Add(&Item{})
	assert.True(t, errors.Is(err, ErrInvalidItem))
}

func TestObserver(t *testing.T) {
	var mu sync.Mutex
	seen := map[Outcome]int{}
	s := New(WithObserver(ObserverFunc(func(c channel.Channel, o Outcome) {
		mu.Lock()
		seen[o]++
		mu.Unlock()
	})))
	done := make(chan struct{})
	_, err := s.Add(&Item{
		Run:       func(context.Context) error { return nil },
		OnSuccess: func(*Item) { close(done) },
	})
	require.NoError(t, err)
	<-done
	closeScheduler(t, s)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen[Started])
	assert.Equal(t, 1, seen[Completed])
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "timed_out", TimedOut.String())
	assert.Equal(t, "Outcome(42)", Outcome(42).String())
}
