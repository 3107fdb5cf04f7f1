package metrics

import (
	"io"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/n0ot/ajaxchan/pkg/channel"
	"github.com/n0ot/ajaxchan/pkg/queue"
)

func TestObserve(t *testing.T) {
	m := New()
	var _ queue.Observer = m

	progress := channel.MustNew("progress", channel.Drop)
	m.Observe(progress, queue.Started)
	m.Observe(progress, queue.Dropped)
	m.Observe(progress, queue.Dropped)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("drop", "dropped")); got != 2 {
		t.Errorf("Wanted 2 dropped requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("drop", "started")); got != 1 {
		t.Errorf("Wanted 1 started request, got %v", got)
	}
}

func TestObserveIgnoresChannelNames(t *testing.T) {
	m := New()
	for i := 0; i < 500; i++ {
		m.Observe(channel.MustNew("chan-"+strconv.Itoa(i), channel.Queue), queue.Completed)
	}
	m.Observe(channel.MustNew("other", channel.Drop), queue.Dropped)

	if got := testutil.CollectAndCount(m.requests); got != 2 {
		t.Errorf("Wanted 2 series, got %d", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("queue", "completed")); got != 500 {
		t.Errorf("Wanted 500 completed requests, got %v", got)
	}
}

func TestClients(t *testing.T) {
	m := New()
	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()
	if got := testutil.ToFloat64(m.clients); got != 1 {
		t.Errorf("Wanted 1 client, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.Observe(channel.MustNew("upload", channel.Queue), queue.Completed)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	want := `ajaxchan_requests_total{outcome="completed",type="queue"} 1`
	if !strings.Contains(string(body), want) {
		t.Errorf("Metrics output does not contain %q:\n%s", want, body)
	}
}
