package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/buddhike/flotilla/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type recordingREST struct {
	mut     sync.Mutex
	calls   []string
	limited map[string]int
	failing map[string]error
}

func (r *recordingREST) Request(ctx context.Context, opts gateway.RequestOptions) (json.RawMessage, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.calls = append(r.calls, opts.Path)
	if r.limited[opts.Path] > 0 {
		r.limited[opts.Path]--
		return nil, &gateway.RateLimitError{Route: opts.Path, RetryAfter: 250 * time.Millisecond}
	}
	if err := r.failing[opts.Path]; err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"path": opts.Path})
}

func (r *recordingREST) paths() []string {
	r.mut.Lock()
	defer r.mut.Unlock()
	return append([]string(nil), r.calls...)
}

type outcome struct {
	path  string
	value json.RawMessage
	err   error
}

func enqueue(q *CentralQueue, out chan<- outcome, path string) {
	q.Enqueue(gateway.RequestOptions{Method: "GET", Path: path}, func(v json.RawMessage, err error) {
		out <- outcome{path: path, value: v, err: err}
	})
}

func awaitOutcome(t *testing.T, out <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-out:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply")
	}
	return outcome{}
}

func TestCentralQueueRunsInArrivalOrder(t *testing.T) {
	rest := &recordingREST{}
	q := NewCentralQueue(rest, rate.Inf, 1, time.Second, zap.NewNop())
	out := make(chan outcome, 8)
	for _, p := range []string{"/a", "/b", "/c"} {
		enqueue(q, out, p)
	}
	assert.Equal(t, 3, q.Len())

	q.Start()
	defer q.Stop()

	for _, want := range []string{"/a", "/b", "/c"} {
		o := awaitOutcome(t, out)
		require.NoError(t, o.err)
		assert.Equal(t, want, o.path)
		assert.JSONEq(t, `{"path":"`+want+`"}`, string(o.value))
	}
	assert.Equal(t, []string{"/a", "/b", "/c"}, rest.paths())
}

func TestCentralQueueRetriesRateLimitedCallFirst(t *testing.T) {
	rest := &recordingREST{limited: map[string]int{"/a": 1}}
	q := NewCentralQueue(rest, rate.Inf, 1, time.Second, zap.NewNop())
	var slept []time.Duration
	q.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	out := make(chan outcome, 8)
	enqueue(q, out, "/a")
	enqueue(q, out, "/b")

	q.Start()
	defer q.Stop()

	first := awaitOutcome(t, out)
	second := awaitOutcome(t, out)
	assert.Equal(t, "/a", first.path)
	assert.NoError(t, first.err)
	assert.Equal(t, "/b", second.path)
	assert.Equal(t, []string{"/a", "/a", "/b"}, rest.paths())
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, slept)
}

func TestCentralQueuePassesFailuresThrough(t *testing.T) {
	boom := errors.New("Missing Permissions")
	rest := &recordingREST{failing: map[string]error{"/x": boom}}
	q := NewCentralQueue(rest, rate.Inf, 1, time.Second, zap.NewNop())
	out := make(chan outcome, 1)
	q.Start()
	defer q.Stop()

	enqueue(q, out, "/x")
	o := awaitOutcome(t, out)
	assert.ErrorIs(t, o.err, boom)
}

func TestCentralQueueStop(t *testing.T) {
	q := NewCentralQueue(&recordingREST{}, rate.Inf, 1, time.Second, zap.NewNop())
	q.Start()
	q.Stop()
	q.Stop()
	select {
	case <-q.Done():
	case <-time.After(time.Second):
		t.Fatal("queue did not stop")
	}
}

// stallingREST holds every call until its context is cancelled.
type stallingREST struct {
	started chan string
}

func (r *stallingREST) Request(ctx context.Context, opts gateway.RequestOptions) (json.RawMessage, error) {
	r.started <- opts.Path
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCentralQueueFailsPendingCallsOnStop(t *testing.T) {
	rest := &stallingREST{started: make(chan string, 1)}
	q := NewCentralQueue(rest, rate.Inf, 1, time.Minute, zap.NewNop())
	out := make(chan outcome, 8)
	q.Start()

	enqueue(q, out, "/a")
	require.Equal(t, "/a", <-rest.started)
	enqueue(q, out, "/b")
	enqueue(q, out, "/c")

	q.Stop()
	got := map[string]error{}
	for i := 0; i < 3; i++ {
		o := awaitOutcome(t, out)
		got[o.path] = o.err
	}
	for _, p := range []string{"/a", "/b", "/c"} {
		assert.ErrorIs(t, got[p], ErrStopped, p)
	}

	<-q.Done()
	enqueue(q, out, "/late")
	o := awaitOutcome(t, out)
	assert.Equal(t, "/late", o.path)
	assert.ErrorIs(t, o.err, ErrStopped)
}
