package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/buddhike/flotilla/gateway"
	"github.com/buddhike/flotilla/primitives"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type job struct {
	seq   uint64
	opts  gateway.RequestOptions
	reply func(value json.RawMessage, err error)
}

// CentralQueue executes REST calls from every worker one at a time, in
// arrival order, under a single rate limiter. A call rejected with
// gateway.RateLimitError pauses the queue and is retried ahead of anything
// that arrived after it.
type CentralQueue struct {
	mut      *sync.Mutex
	rest     gateway.RequestHandler
	limiter  *rate.Limiter
	pending  *primitives.PriorityQueue[*job]
	seq      uint64
	stopped  bool
	timeout  time.Duration
	wake     chan struct{}
	stop     chan struct{}
	stopOnce *sync.Once
	done     chan struct{}
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

func NewCentralQueue(rest gateway.RequestHandler, limit rate.Limit, burst int, timeout time.Duration, logger *zap.Logger) *CentralQueue {
	return &CentralQueue{
		mut:      &sync.Mutex{},
		rest:     rest,
		limiter:  rate.NewLimiter(limit, burst),
		pending:  primitives.NewPriorityQueue[*job](false),
		timeout:  timeout,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopOnce: &sync.Once{},
		done:     make(chan struct{}),
		sleep:    sleep,
		logger:   logger.Named("centralqueue"),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules opts. reply is called exactly once, with ErrStopped if
// the queue stops before the call completes.
func (q *CentralQueue) Enqueue(opts gateway.RequestOptions, reply func(json.RawMessage, error)) {
	q.mut.Lock()
	if q.stopped {
		q.mut.Unlock()
		reply(nil, ErrStopped)
		return
	}
	q.seq++
	j := &job{seq: q.seq, opts: opts, reply: reply}
	q.pending.Push(j, float64(j.seq))
	q.mut.Unlock()
	q.signal()
}

func (q *CentralQueue) requeue(j *job) {
	q.mut.Lock()
	q.pending.Push(j, float64(j.seq))
	q.mut.Unlock()
}

func (q *CentralQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *CentralQueue) Len() int {
	q.mut.Lock()
	defer q.mut.Unlock()
	return q.pending.Len()
}

func (q *CentralQueue) pop() (*job, bool) {
	q.mut.Lock()
	defer q.mut.Unlock()
	return q.pending.Pop()
}

func (q *CentralQueue) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-q.stop
		cancel()
	}()
	go func() {
		defer close(q.done)
		defer q.drain()
		for {
			j, ok := q.pop()
			if !ok {
				select {
				case <-q.wake:
					continue
				case <-q.stop:
					return
				}
			}
			if err := q.limiter.Wait(ctx); err != nil {
				j.reply(nil, ErrStopped)
				return
			}
			if !q.execute(ctx, j) {
				return
			}
		}
	}()
}

// execute performs one call. It reports false once the queue is stopping.
func (q *CentralQueue) execute(ctx context.Context, j *job) bool {
	callCtx := ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	value, err := q.rest.Request(callCtx, j.opts)

	var rl *gateway.RateLimitError
	if errors.As(err, &rl) {
		q.logger.Warn("rate limited, pausing queue",
			zap.String("route", rl.Route),
			zap.Bool("global", rl.Global),
			zap.Duration("retry-after", rl.RetryAfter))
		q.requeue(j)
		return q.sleep(ctx, rl.RetryAfter) == nil
	}
	if ctx.Err() != nil {
		j.reply(nil, ErrStopped)
		return false
	}
	j.reply(value, err)
	return true
}

// drain fails every call still waiting once the dispatcher has exited.
func (q *CentralQueue) drain() {
	q.mut.Lock()
	q.stopped = true
	var jobs []*job
	for {
		j, ok := q.pending.Pop()
		if !ok {
			break
		}
		jobs = append(jobs, j)
	}
	q.mut.Unlock()
	for _, j := range jobs {
		j.reply(nil, ErrStopped)
	}
}

func (q *CentralQueue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
}

func (q *CentralQueue) Done() <-chan struct{} {
	return q.done
}
