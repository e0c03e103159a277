package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/buddhike/flotilla/messages"
	"github.com/google/uuid"
)

var (
	ErrRequestTimeout = errors.New("request timed out")
	ErrProcessGone    = errors.New("process gone")
)

type result struct {
	msg *messages.Message
	err error
}

type pendingRequest struct {
	target string
	reply  chan result
}

// Correlator turns a fire-and-forget channel into request/response pairs.
// Each pending request resolves at most once: on the first matching reply,
// on timeout or when its target is failed. Anything arriving later is
// dropped.
type Correlator struct {
	mut     *sync.Mutex
	pending map[string]*pendingRequest
	newID   func() string
}

func NewCorrelator() *Correlator {
	return &Correlator{
		mut:     &sync.Mutex{},
		pending: make(map[string]*pendingRequest),
		newID:   uuid.NewString,
	}
}

// Request registers a pending entry, invokes send with its id and waits for
// Resolve, the timeout or ctx. A zero timeout waits on ctx alone.
func (c *Correlator) Request(ctx context.Context, target string, timeout time.Duration, send func(id string) error) (*messages.Message, error) {
	id := c.newID()
	p := &pendingRequest{target: target, reply: make(chan result, 1)}

	c.mut.Lock()
	c.pending[id] = p
	c.mut.Unlock()

	if err := send(id); err != nil {
		c.remove(id)
		return nil, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case r := <-p.reply:
		return r.msg, r.err
	case <-expired:
		if c.remove(id) {
			return nil, fmt.Errorf("%w (>%dms)", ErrRequestTimeout, timeout.Milliseconds())
		}
	case <-ctx.Done():
		if c.remove(id) {
			return nil, ctx.Err()
		}
	}
	// Lost the race against Resolve or FailTarget, which already delivered.
	r := <-p.reply
	return r.msg, r.err
}

// Resolve completes the pending request id with msg. It reports false when
// no such request is waiting, which is the case for late or duplicate
// replies.
func (c *Correlator) Resolve(id string, msg *messages.Message) bool {
	if id == "" {
		return false
	}
	p, ok := c.take(id)
	if !ok {
		return false
	}
	var err error
	if msg != nil && msg.Error != nil {
		err = ReconstructError(*msg.Error)
	}
	p.reply <- result{msg: msg, err: err}
	return true
}

// FailTarget fails every pending request addressed to target with err and
// returns how many were failed.
func (c *Correlator) FailTarget(target string, err error) int {
	c.mut.Lock()
	var failed []*pendingRequest
	for id, p := range c.pending {
		if p.target == target {
			delete(c.pending, id)
			failed = append(failed, p)
		}
	}
	c.mut.Unlock()

	for _, p := range failed {
		p.reply <- result{err: err}
	}
	return len(failed)
}

func (c *Correlator) Pending() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.pending)
}

func (c *Correlator) take(id string) (*pendingRequest, bool) {
	c.mut.Lock()
	defer c.mut.Unlock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return p, ok
}

func (c *Correlator) remove(id string) bool {
	_, ok := c.take(id)
	return ok
}
