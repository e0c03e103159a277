package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/buddhike/flotilla/gateway"
	"github.com/buddhike/flotilla/ipc"
	"github.com/buddhike/flotilla/messages"
)

// harness plays the orchestrator side of one worker's channel.
type harness struct {
	t     *testing.T
	orch  *ipc.Channel
	in    chan *messages.Message
	diag  chan *messages.Message
	exits chan int
}

func newHarness(t *testing.T) (*harness, io.Reader, io.Writer) {
	toWorkerR, toWorkerW := io.Pipe()
	toOrchR, toOrchW := io.Pipe()
	t.Cleanup(func() {
		toWorkerW.Close()
		toOrchW.Close()
	})
	h := &harness{
		t:     t,
		orch:  ipc.NewChannel(toOrchR, toWorkerW),
		in:    make(chan *messages.Message, 256),
		diag:  make(chan *messages.Message, 256),
		exits: make(chan int, 4),
	}
	go h.orch.Serve(func(m *messages.Message) {
		if m.Op.IsDiagnostic() {
			h.diag <- m
			return
		}
		h.in <- m
	})
	return h, toWorkerR, toOrchW
}

func (h *harness) exit(code int) {
	h.exits <- code
}

func (h *harness) send(m *messages.Message) {
	h.t.Helper()
	if err := h.orch.Send(m); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) next() *messages.Message {
	h.t.Helper()
	select {
	case m := <-h.in:
		return m
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for a message from the worker")
	}
	return nil
}

// await skips messages until one satisfies match.
func (h *harness) await(match func(m *messages.Message) bool) *messages.Message {
	h.t.Helper()
	for {
		if m := h.next(); match(m) {
			return m
		}
	}
}

func (h *harness) awaitOp(op messages.Op) *messages.Message {
	h.t.Helper()
	return h.await(func(m *messages.Message) bool { return m.Op == op })
}

func (h *harness) awaitReply(id string) *messages.Message {
	h.t.Helper()
	return h.await(func(m *messages.Message) bool {
		return (m.Op == messages.OpReturn || m.Op == messages.OpCollectStats) && m.ID == id
	})
}

func (h *harness) awaitExit() int {
	h.t.Helper()
	select {
	case code := <-h.exits:
		return code
	case <-time.After(2 * time.Second):
		h.t.Fatal("worker did not exit")
	}
	return 0
}

func (h *harness) awaitDiagnostic(op messages.Op) *messages.Message {
	h.t.Helper()
	for {
		select {
		case m := <-h.diag:
			if m.Op == op {
				return m
			}
		case <-time.After(2 * time.Second):
			h.t.Fatal("timed out waiting for a diagnostic")
			return nil
		}
	}
}

type testApp struct {
	setup      *Setup
	onShutdown func(done func())
}

func (a *testApp) HandleCommand(ctx context.Context, msg json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(msg, &v); err != nil {
		return nil, err
	}
	if v == "fail" {
		return nil, errors.New("command failed")
	}
	return map[string]any{"echo": v}, nil
}

func (a *testApp) RunEval(ctx context.Context, source string) (any, error) {
	if source == "throw" {
		return nil, errors.New("eval blew up")
	}
	return len(source), nil
}

func (a *testApp) Shutdown(done func()) {
	if a.onShutdown != nil {
		a.onShutdown(done)
		return
	}
	done()
}

// appRecorder builds testApps and remembers them.
type appRecorder struct {
	mut  sync.Mutex
	apps []*testApp
}

func (r *appRecorder) factory(s *Setup) (any, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	a := &testApp{setup: s}
	r.apps = append(r.apps, a)
	return a, nil
}

func (r *appRecorder) count() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.apps)
}

func (r *appRecorder) last() *testApp {
	r.mut.Lock()
	defer r.mut.Unlock()
	if len(r.apps) == 0 {
		return nil
	}
	return r.apps[len(r.apps)-1]
}

func seed(m *gateway.Memory) {
	m.AddUser(gateway.MemoryUser{ID: "1", Username: "alice"})
	m.AddUser(gateway.MemoryUser{ID: "2", Username: "bob"})
	m.AddChannel(gateway.MemoryChannel{ID: "c1", GuildID: "g0", Name: "general"})
	m.AddGuild(0, gateway.MemoryGuild{
		ID:          "g0",
		Name:        "zero",
		MemberCount: 10,
		Members:     map[string]gateway.MemoryMember{"1": {ID: "1", Nick: "al"}},
	})
	m.AddGuild(1, gateway.MemoryGuild{ID: "g1", Name: "one", MemberCount: 5, Large: true})
	m.AddGuild(7, gateway.MemoryGuild{ID: "g7", Name: "elsewhere", MemberCount: 100})
	m.SetVoiceConnections(1)
}

func clusterAssignment(id int) *messages.ClusterAssignment {
	return &messages.ClusterAssignment{
		ClusterID:           id,
		ClusterCount:        2,
		ShardRange:          messages.ShardRange{FirstShardID: 0, LastShardID: 1, ShardCount: 4},
		WorkerName:          "bot",
		LoadCodeImmediately: true,
	}
}

func valueOf(t *testing.T, m *messages.Message) map[string]any {
	t.Helper()
	var v map[string]any
	if err := json.Unmarshal(m.Value, &v); err != nil {
		t.Fatalf("reply value %s is not an object: %v", m.Value, err)
	}
	return v
}
