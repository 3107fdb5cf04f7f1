package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	fired chan string
}

func newRecorder() *recorder {
	return &recorder{fired: make(chan string, 16)}
}

func (r *recorder) fn(name string) func() {
	return func() {
		r.mu.Lock()
		r.calls = append(r.calls, name)
		r.mu.Unlock()
		r.fired <- name
	}
}

// discard records a discarded function as "-name".
func (r *recorder) discard(name string) func() {
	return r.fn("-" + name)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestThrottleRunsFirstCallImmediately(t *testing.T) {
	th := New(nil)
	defer th.Stop()
	r := newRecorder()

	th.Throttle("tok", time.Hour, r.fn("first"), nil, false)
	assert.Equal(t, []string{"first"}, r.snapshot())
	assert.False(t, th.Pending("tok"))
}

func TestThrottleKeepsOnlyLatestFunction(t *testing.T) {
	th := New(nil)
	defer th.Stop()
	r := newRecorder()
	window := 100 * time.Millisecond

	th.Throttle("tok", window, r.fn("first"), nil, false)
	th.Throttle("tok", window, r.fn("second"), nil, false)
	th.Throttle("tok", window, r.fn("third"), nil, false)
	require.True(t, th.Pending("tok"))

	<-r.fired // first
	select {
	case name := <-r.fired:
		assert.Equal(t, "third", name)
	case <-time.After(2 * time.Second):
		t.Fatal("Throttled function never ran")
	}
	assert.Equal(t, []string{"first", "third"}, r.snapshot())
	assert.False(t, th.Pending("tok"))
}

func TestThrottleTokensAreIndependent(t *testing.T) {
	th := New(nil)
	defer th.Stop()
	r := newRecorder()

	th.Throttle("a", time.Hour, r.fn("a"), nil, false)
	th.Throttle("b", time.Hour, r.fn("b"), nil, false)
	assert.Equal(t, []string{"a", "b"}, r.snapshot())
}

func TestThrottlePostponeRestartsTimer(t *testing.T) {
	th := New(nil)
	defer th.Stop()
	r := newRecorder()
	window := 150 * time.Millisecond

	start := time.Now()
	th.Throttle("tok", window, r.fn("first"), nil, true)
	assert.Empty(t, r.snapshot(), "postponed functions never run immediately")

	time.Sleep(window / 2)
	th.Throttle("tok", window, r.fn("second"), nil, true)

	select {
	case name := <-r.fired:
		assert.Equal(t, "second", name)
		assert.GreaterOrEqual(t, time.Since(start), window+window/2)
	case <-time.After(2 * time.Second):
		t.Fatal("Postponed function never ran")
	}
	assert.Equal(t, []string{"second"}, r.snapshot())
}

func TestThrottleWindowExpires(t *testing.T) {
	th := New(nil)
	defer th.Stop()
	r := newRecorder()
	window := 30 * time.Millisecond

	th.Throttle("tok", window, r.fn("first"), nil, false)
	time.Sleep(3 * window)
	th.Throttle("tok", window, r.fn("second"), nil, false)
	assert.Equal(t, []string{"first", "second"}, r.snapshot())
}

func TestStopCancelsPending(t *testing.T) {
	th := New(nil)
	r := newRecorder()
	window := 30 * time.Millisecond

	th.Throttle("tok", window, r.fn("first"), nil, false)
	th.Throttle("tok", window, r.fn("second"), nil, false)
	th.Stop()

	time.Sleep(4 * window)
	assert.Equal(t, []string{"first"}, r.snapshot())
}

func TestNonPositiveWindowRunsImmediately(t *testing.T) {
	th := New(nil)
	r := newRecorder()
	th.Throttle("tok", 0, r.fn("a"), nil, true)
	th.Throttle("tok", 0, r.fn("b"), nil, true)
	assert.Equal(t, []string{"a", "b"}, r.snapshot())
}

func TestThrottleReportsImmediateRuns(t *testing.T) {
	th := New(nil)
	defer th.Stop()
	r := newRecorder()

	assert.True(t, th.Throttle("tok", time.Hour, r.fn("first"), nil, false))
	assert.False(t, th.Throttle("tok", time.Hour, r.fn("second"), nil, false))
	assert.False(t, th.Throttle("other", time.Hour, r.fn("postponed"), nil, true))
	assert.True(t, th.Throttle("tok", 0, r.fn("unthrottled"), nil, false))
}

func TestThrottleDiscardsReplacedFunction(t *testing.T) {
	th := New(nil)
	defer th.Stop()
	r := newRecorder()

	th.Throttle("tok", time.Hour, r.fn("first"), r.discard("first"), false)
	th.Throttle("tok", time.Hour, r.fn("second"), r.discard("second"), false)
	th.Throttle("tok", time.Hour, r.fn("third"), r.discard("third"), false)
	assert.Equal(t, []string{"first", "-second"}, r.snapshot())

	th.Throttle("post", time.Hour, r.fn("a"), r.discard("a"), true)
	th.Throttle("post", time.Hour, r.fn("b"), r.discard("b"), true)
	assert.Equal(t, []string{"first", "-second", "-a"}, r.snapshot())
}

// A call arriving once the last execution has expired, while an older function still waits
// for its timer, runs immediately and discards the waiting one.
func TestThrottleImmediateRunDiscardsWaitingFunction(t *testing.T) {
	th := New(nil)
	defer th.Stop()
	r := newRecorder()
	window := 100 * time.Millisecond

	start := time.Now()
	require.True(t, th.Throttle("tok", window, r.fn("a"), r.discard("a"), false))
	time.Sleep(30 * time.Millisecond)
	require.False(t, th.Throttle("tok", window, r.fn("b"), r.discard("b"), false))

	// b's timer fires 130ms after start; the execution time of a expires after 100ms.
	time.Sleep(window + 15*time.Millisecond - time.Since(start))
	if time.Since(start) >= 130*time.Millisecond {
		t.Skip("Too slow to land between the window expiring and the timer firing")
	}
	require.True(t, th.Throttle("tok", window, r.fn("c"), r.discard("c"), false))

	time.Sleep(2 * window)
	assert.Equal(t, []string{"a", "-b", "c"}, r.snapshot())
	assert.False(t, th.Pending("tok"))
}

func TestStopDiscardsPending(t *testing.T) {
	th := New(nil)
	r := newRecorder()

	th.Throttle("tok", time.Hour, r.fn("first"), r.discard("first"), false)
	th.Throttle("tok", time.Hour, r.fn("second"), r.discard("second"), false)
	th.Stop()
	th.Stop()
	assert.Equal(t, []string{"first", "-second"}, r.snapshot())
}
