package ipc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/buddhike/flotilla/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestResolvedByMatchingReply(t *testing.T) {
	c := NewCorrelator()
	ids := make(chan string, 1)

	go func() {
		id := <-ids
		c.Resolve(id, &messages.Message{Op: messages.OpReturn, ID: id, Value: []byte(`"pong"`)})
	}()

	reply, err := c.Request(context.Background(), "cluster-0", time.Second, func(id string) error {
		ids <- id
		return nil
	})

	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(reply.Value))
	assert.Equal(t, 0, c.Pending())
}

func TestRequestTimesOutOnceAndDropsLateReply(t *testing.T) {
	c := NewCorrelator()
	var id string
	var calls int32

	start := time.Now()
	_, err := c.Request(context.Background(), "", 50*time.Millisecond, func(i string) error {
		id = i
		atomic.AddInt32(&calls, 1)
		return nil
	})

	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Contains(t, err.Error(), ">50ms")
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, c.Pending())

	late := c.Resolve(id, &messages.Message{Op: messages.OpReturn, ID: id})
	assert.False(t, late)
}

func TestDuplicateReplyIsDropped(t *testing.T) {
	c := NewCorrelator()
	ids := make(chan string, 1)
	matched := make(chan []bool, 1)

	go func() {
		id := <-ids
		m := &messages.Message{Op: messages.OpReturn, ID: id}
		matched <- []bool{c.Resolve(id, m), c.Resolve(id, m)}
	}()

	_, err := c.Request(context.Background(), "", time.Second, func(id string) error {
		ids <- id
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, <-matched)
}

func TestRequestFailsWhenSendFails(t *testing.T) {
	c := NewCorrelator()
	sendErr := errors.New("broken pipe")

	_, err := c.Request(context.Background(), "", time.Second, func(string) error {
		return sendErr
	})

	assert.ErrorIs(t, err, sendErr)
	assert.Equal(t, 0, c.Pending())
}

func TestFailTargetOnlyFailsRequestsForThatTarget(t *testing.T) {
	c := NewCorrelator()
	sent := make(chan string, 2)
	errs := make(chan error, 2)

	for _, target := range []string{"cluster-0", "cluster-1"} {
		target := target
		go func() {
			_, err := c.Request(context.Background(), target, 5*time.Second, func(id string) error {
				sent <- id
				return nil
			})
			errs <- err
		}()
	}
	<-sent
	<-sent

	n := c.FailTarget("cluster-1", ErrProcessGone)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, <-errs, ErrProcessGone)
	assert.Equal(t, 1, c.Pending())

	c.FailTarget("cluster-0", ErrProcessGone)
	assert.ErrorIs(t, <-errs, ErrProcessGone)
}

func TestRequestHonoursContextCancellation(t *testing.T) {
	c := NewCorrelator()
	ctx, cancel := context.WithCancel(context.Background())

	_, err := c.Request(ctx, "", 0, func(string) error {
		cancel()
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Pending())
}

func TestErrorReplyIsReconstructed(t *testing.T) {
	c := NewCorrelator()
	ids := make(chan string, 1)

	go func() {
		id := <-ids
		c.Resolve(id, ErrorReply(id, ErrProcessGone))
	}()

	_, err := c.Request(context.Background(), "", time.Second, func(id string) error {
		ids <- id
		return nil
	})

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "ProcessGoneError", re.Name)
	assert.ErrorIs(t, err, ErrProcessGone)
}
