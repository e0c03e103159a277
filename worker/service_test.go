package worker

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/buddhike/flotilla/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readyApp struct {
	ready chan error
}

func (a *readyApp) Ready() <-chan error {
	return a.ready
}

func startService(t *testing.T, name string, f Factory) *harness {
	h, r, w := newHarness(t)
	registry := NewRegistry()
	registry.Register(name, f)
	s := NewService(r, w, WithWorkerID(3), WithRegistry(registry), WithExit(h.exit))
	go s.Run()
	require.Equal(t, messages.OpLaunched, h.next().Op)
	return h
}

func TestServiceConnects(t *testing.T) {
	var setup *Setup
	h := startService(t, "svc", func(s *Setup) (any, error) {
		setup = s
		return &testApp{setup: s}, nil
	})

	h.send(&messages.Message{Op: messages.OpConnect, Service: &messages.ServiceAssignment{ServiceName: "svc"}})

	assert.Equal(t, messages.OpConnected, h.next().Op)
	assert.Equal(t, messages.OpCodeLoaded, h.next().Op)
	assert.Equal(t, "svc", setup.ServiceName)
	assert.Nil(t, setup.Client)

	h.send(&messages.Message{Op: messages.OpCommand, UUID: "c1", Command: &messages.CommandRequest{UUID: "c1", Receptive: true, Msg: json.RawMessage(`"x"`)}})
	assert.JSONEq(t, `{"echo":"x"}`, string(h.awaitReply("c1").Value))

	h.send(&messages.Message{Op: messages.OpCollectStats, UUID: "s1"})
	var stats messages.ServiceStats
	require.NoError(t, json.Unmarshal(h.awaitReply("s1").Stats, &stats))
	assert.Equal(t, "svc", stats.Name)
}

func TestServiceWithoutCommandHandler(t *testing.T) {
	h := startService(t, "plain", func(s *Setup) (any, error) {
		return &readyApp{ready: make(chan error, 1)}, nil
	})
	h.send(&messages.Message{Op: messages.OpCommand, UUID: "c1", Command: &messages.CommandRequest{UUID: "c1", Receptive: true}})
	assert.JSONEq(t, `{"err":"Service cannot handle commands!"}`, string(h.awaitReply("c1").Value))
}

func TestServiceNamedInCommandError(t *testing.T) {
	app := &readyApp{ready: make(chan error, 1)}
	app.ready <- nil
	h := startService(t, "plain", func(s *Setup) (any, error) { return app, nil })
	h.send(&messages.Message{Op: messages.OpConnect, Service: &messages.ServiceAssignment{ServiceName: "plain"}})
	h.awaitOp(messages.OpCodeLoaded)

	h.send(&messages.Message{Op: messages.OpCommand, UUID: "c1", Command: &messages.CommandRequest{UUID: "c1", Receptive: true}})
	assert.JSONEq(t, `{"err":"Service plain cannot handle commands!"}`, string(h.awaitReply("c1").Value))
}

func TestServiceReadiness(t *testing.T) {
	t.Run("timeout is fatal", func(t *testing.T) {
		h := startService(t, "slow", func(s *Setup) (any, error) {
			return &readyApp{ready: make(chan error)}, nil
		})
		h.send(&messages.Message{Op: messages.OpConnect, Service: &messages.ServiceAssignment{ServiceName: "slow", TimeoutMs: 30}})
		assert.Equal(t, 1, h.awaitExit())
		d := h.awaitDiagnostic(messages.OpError)
		assert.Equal(t, "Service slow failed to start", d.Msg)
	})

	t.Run("failure is fatal", func(t *testing.T) {
		app := &readyApp{ready: make(chan error, 1)}
		app.ready <- errors.New("no database")
		h := startService(t, "db", func(s *Setup) (any, error) { return app, nil })
		h.send(&messages.Message{Op: messages.OpConnect, Service: &messages.ServiceAssignment{ServiceName: "db"}})
		assert.Equal(t, 1, h.awaitExit())
	})

	t.Run("factory error is fatal", func(t *testing.T) {
		h := startService(t, "broken", func(s *Setup) (any, error) { return nil, errors.New("bad config") })
		h.send(&messages.Message{Op: messages.OpConnect, Service: &messages.ServiceAssignment{ServiceName: "broken"}})
		assert.Equal(t, 1, h.awaitExit())
	})
}

func TestServiceShutdownAcknowledges(t *testing.T) {
	h := startService(t, "svc", func(s *Setup) (any, error) { return &testApp{}, nil })
	h.send(&messages.Message{Op: messages.OpShutdown})
	h.awaitOp(messages.OpShutdown)
}
