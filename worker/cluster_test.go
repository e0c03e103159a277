package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/buddhike/flotilla/gateway"
	"github.com/buddhike/flotilla/ipc"
	"github.com/buddhike/flotilla/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCluster(t *testing.T, rec *appRecorder, extra ...func(*Config)) *harness {
	h, r, w := newHarness(t)
	registry := NewRegistry()
	registry.Register("bot", rec.factory)
	opts := append([]func(*Config){
		WithWorkerID(7),
		WithRegistry(registry),
		WithGateway(gateway.NewMemoryFactory(nil, seed)),
		WithExit(h.exit),
	}, extra...)
	c := NewCluster(r, w, opts...)
	go c.Run()
	require.Equal(t, messages.OpLaunched, h.next().Op)
	return h
}

func TestClusterLifecycleWithImmediateLoad(t *testing.T) {
	rec := &appRecorder{}
	h := startCluster(t, rec)

	h.send(&messages.Message{Op: messages.OpConnect, Cluster: clusterAssignment(1)})

	var ops []messages.Op
	var updates []string
	for len(ops) == 0 || ops[len(ops)-1] != messages.OpConnected {
		m := h.next()
		ops = append(ops, m.Op)
		if m.Op == messages.OpShardUpdate {
			assert.Equal(t, 1, m.ClusterID)
			updates = append(updates, m.Type)
		}
	}

	assert.Equal(t, messages.OpCodeLoaded, ops[0])
	assert.Equal(t, []string{messages.ShardConnect, messages.ShardReady, messages.ShardConnect, messages.ShardReady}, updates)
	require.Equal(t, 1, rec.count())
	app := rec.last()
	assert.Equal(t, 1, app.setup.ClusterID)
	assert.Equal(t, 7, app.setup.WorkerID)
	assert.NotNil(t, app.setup.Client)
}

func TestClusterResharding(t *testing.T) {
	t.Run("defers code load until told", func(t *testing.T) {
		rec := &appRecorder{}
		h := startCluster(t, rec)
		a := clusterAssignment(0)
		a.Resharding = true

		h.send(&messages.Message{Op: messages.OpConnect, Cluster: a})
		h.awaitOp(messages.OpConnected)
		assert.Equal(t, 0, rec.count())

		h.send(&messages.Message{Op: messages.OpLoadCode})
		h.awaitOp(messages.OpCodeLoaded)
		assert.Equal(t, 1, rec.count())
	})
}

// holdingClient stays connected until the worker shuts down, like a real
// gateway session.
type holdingClient struct {
	*gateway.Memory
}

func (c *holdingClient) Connect(ctx context.Context) error {
	if err := c.Memory.Connect(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func holdingGateway(opts gateway.Options) (gateway.Client, error) {
	m := gateway.NewMemory(opts)
	seed(m)
	return &holdingClient{Memory: m}, nil
}

func TestLoadCodeWhileGatewayStaysConnected(t *testing.T) {
	t.Run("deferred load", func(t *testing.T) {
		rec := &appRecorder{}
		h := startCluster(t, rec, WithGateway(holdingGateway))
		a := clusterAssignment(0)
		a.LoadCodeImmediately = false

		h.send(&messages.Message{Op: messages.OpConnect, Cluster: a})
		h.awaitOp(messages.OpConnected)
		assert.Equal(t, 0, rec.count())

		h.send(&messages.Message{Op: messages.OpLoadCode})
		h.awaitOp(messages.OpCodeLoaded)
		assert.Equal(t, 1, rec.count())
	})

	t.Run("resharding", func(t *testing.T) {
		rec := &appRecorder{}
		h := startCluster(t, rec, WithGateway(holdingGateway))
		a := clusterAssignment(1)
		a.Resharding = true

		h.send(&messages.Message{Op: messages.OpConnect, Cluster: a})
		h.awaitOp(messages.OpConnected)
		h.send(&messages.Message{Op: messages.OpLoadCode})
		h.awaitOp(messages.OpCodeLoaded)
		assert.Equal(t, 1, rec.last().setup.ClusterID)
	})
}

func TestInvalidAssignmentIsFatal(t *testing.T) {
	h := startCluster(t, &appRecorder{})
	a := clusterAssignment(0)
	a.LastShardID = 4

	h.send(&messages.Message{Op: messages.OpConnect, Cluster: a})

	assert.Equal(t, 1, h.awaitExit())
	d := h.awaitDiagnostic(messages.OpError)
	assert.Equal(t, "invalid cluster assignment", d.Msg)
}

func TestAssignedFetchTimeoutApplies(t *testing.T) {
	rec := &appRecorder{}
	h := startCluster(t, rec)
	a := clusterAssignment(0)
	a.FetchTimeoutMs = 50
	h.send(&messages.Message{Op: messages.OpConnect, Cluster: a})
	h.awaitOp(messages.OpConnected)

	started := time.Now()
	_, _, err := rec.last().setup.IPC.FetchUser(context.Background(), "nobody")
	assert.ErrorIs(t, err, ipc.ErrRequestTimeout)
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestLoadCodeIsIdempotent(t *testing.T) {
	rec := &appRecorder{}
	h := startCluster(t, rec)
	a := clusterAssignment(0)
	a.LoadCodeImmediately = false

	h.send(&messages.Message{Op: messages.OpConnect, Cluster: a})
	h.awaitOp(messages.OpConnected)
	h.send(&messages.Message{Op: messages.OpLoadCode})
	h.send(&messages.Message{Op: messages.OpLoadCode})
	h.awaitOp(messages.OpCodeLoaded)

	h.send(&messages.Message{Op: messages.OpCollectStats, UUID: "sync"})
	h.await(func(m *messages.Message) bool {
		assert.NotEqual(t, messages.OpCodeLoaded, m.Op)
		return m.ID == "sync"
	})
	assert.Equal(t, 1, rec.count())
}

func TestFetchFromLocalCache(t *testing.T) {
	rec := &appRecorder{}
	h := startCluster(t, rec)
	h.send(&messages.Message{Op: messages.OpConnect, Cluster: clusterAssignment(0)})
	h.awaitOp(messages.OpConnected)

	t.Run("unknown user is noValue", func(t *testing.T) {
		h.send(&messages.Message{Op: messages.OpFetchUser, ID: "999", UUID: "f1"})
		reply := h.awaitReply("f1")
		assert.JSONEq(t, `{"id":"999","noValue":true}`, string(reply.Value))
		assert.Nil(t, reply.Error)
	})

	t.Run("known user", func(t *testing.T) {
		h.send(&messages.Message{Op: messages.OpFetchUser, ID: "1", UUID: "f2"})
		reply := h.awaitReply("f2")
		assert.Equal(t, "alice", valueOf(t, reply)["username"])
	})

	t.Run("guild on an unowned shard is noValue", func(t *testing.T) {
		h.send(&messages.Message{Op: messages.OpFetchGuild, ID: "g7", UUID: "f3"})
		assert.True(t, messages.IsNoValue(h.awaitReply("f3").Value))
	})

	t.Run("channel", func(t *testing.T) {
		h.send(&messages.Message{Op: messages.OpFetchChannel, ID: "c1", UUID: "f4"})
		assert.Equal(t, "general", valueOf(t, h.awaitReply("f4"))["name"])
	})

	t.Run("member carries the request key as id", func(t *testing.T) {
		key, _ := json.Marshal(messages.MemberKey{GuildID: "g0", MemberID: "1"})
		h.send(&messages.Message{Op: messages.OpFetchMember, ID: string(key), UUID: "f5"})
		v := valueOf(t, h.awaitReply("f5"))
		assert.Equal(t, string(key), v["id"])
		assert.Equal(t, "al", v["nick"])
	})
}

func TestCommandWithoutApp(t *testing.T) {
	rec := &appRecorder{}
	h := startCluster(t, rec)
	a := clusterAssignment(2)
	a.LoadCodeImmediately = false
	h.send(&messages.Message{Op: messages.OpConnect, Cluster: a})
	h.awaitOp(messages.OpConnected)

	h.send(&messages.Message{Op: messages.OpCommand, UUID: "quiet", Command: &messages.CommandRequest{UUID: "quiet", Msg: json.RawMessage(`"hi"`)}})
	h.send(&messages.Message{Op: messages.OpCommand, UUID: "loud", Command: &messages.CommandRequest{UUID: "loud", Receptive: true, Msg: json.RawMessage(`"hi"`)}})

	reply := h.await(func(m *messages.Message) bool {
		assert.NotEqual(t, "quiet", m.ID)
		return m.ID == "loud"
	})
	assert.JSONEq(t, `{"err":"Cluster 2 cannot handle commands!"}`, string(reply.Value))

	select {
	case m := <-h.in:
		assert.NotEqual(t, "quiet", m.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCommandDispatchedToApp(t *testing.T) {
	rec := &appRecorder{}
	h := startCluster(t, rec)
	h.send(&messages.Message{Op: messages.OpConnect, Cluster: clusterAssignment(0)})
	h.awaitOp(messages.OpConnected)

	h.send(&messages.Message{Op: messages.OpCommand, UUID: "c1", Command: &messages.CommandRequest{UUID: "c1", Receptive: true, Msg: json.RawMessage(`{"n":1}`)}})
	assert.JSONEq(t, `{"echo":{"n":1}}`, string(h.awaitReply("c1").Value))

	h.send(&messages.Message{Op: messages.OpCommand, UUID: "c2", Command: &messages.CommandRequest{UUID: "c2", Receptive: true, Msg: json.RawMessage(`"fail"`)}})
	assert.JSONEq(t, `{"err":"command failed"}`, string(h.awaitReply("c2").Value))
}

func TestEval(t *testing.T) {
	t.Run("not ready without app", func(t *testing.T) {
		h := startCluster(t, &appRecorder{})
		h.send(&messages.Message{Op: messages.OpEval, UUID: "e1", Request: &messages.EvalRequest{UUID: "e1", Receptive: true, StringToEvaluate: "1+1"}})
		assert.JSONEq(t, `{"err":"Cluster is not ready!"}`, string(h.awaitReply("e1").Value))
	})

	t.Run("failure keeps the channel alive", func(t *testing.T) {
		h := startCluster(t, &appRecorder{})
		h.send(&messages.Message{Op: messages.OpConnect, Cluster: clusterAssignment(0)})
		h.awaitOp(messages.OpConnected)

		h.send(&messages.Message{Op: messages.OpEval, UUID: "e2", Request: &messages.EvalRequest{UUID: "e2", Receptive: true, StringToEvaluate: "throw"}})
		assert.JSONEq(t, `{"err":"eval blew up"}`, string(h.awaitReply("e2").Value))

		h.send(&messages.Message{Op: messages.OpEval, UUID: "e3", Request: &messages.EvalRequest{UUID: "e3", Receptive: true, StringToEvaluate: "abcd"}})
		assert.JSONEq(t, `4`, string(h.awaitReply("e3").Value))
	})
}

func TestClusterStats(t *testing.T) {
	h := startCluster(t, &appRecorder{})
	h.send(&messages.Message{Op: messages.OpConnect, Cluster: clusterAssignment(3)})
	h.awaitOp(messages.OpConnected)

	h.send(&messages.Message{Op: messages.OpCollectStats, UUID: "s1"})
	reply := h.awaitReply("s1")
	require.Equal(t, messages.OpCollectStats, reply.Op)

	var stats messages.ClusterStats
	require.NoError(t, json.Unmarshal(reply.Stats, &stats))
	assert.Equal(t, 3, stats.ClusterID)
	assert.Equal(t, 2, stats.Guilds)
	assert.Equal(t, 15, stats.Members)
	assert.Equal(t, 2, stats.Users)
	assert.Equal(t, 1, stats.Voice)
	assert.Equal(t, 1, stats.LargeGuilds)
	assert.Greater(t, stats.RAM, 0.0)
	require.Len(t, stats.Shards, 2)
	assert.Equal(t, messages.ShardStats{ID: 0, Ready: true, Status: "ready", Guilds: 1, Users: 10, Members: 10}, stats.Shards[0])
	assert.Equal(t, 5, stats.Shards[1].Members)
}

func TestShutdownRunsHookBeforeDisconnect(t *testing.T) {
	rec := &appRecorder{}
	h := startCluster(t, rec)
	h.send(&messages.Message{Op: messages.OpConnect, Cluster: clusterAssignment(0)})
	h.awaitOp(messages.OpConnected)

	app := rec.last()
	client := app.setup.Client.(*gateway.Memory)
	var readyDuringHook bool
	app.onShutdown = func(done func()) {
		readyDuringHook = client.Shards()[0].Ready
		done()
	}

	h.send(&messages.Message{Op: messages.OpShutdown})
	h.awaitOp(messages.OpShutdown)

	assert.True(t, readyDuringHook)
	assert.False(t, client.Shards()[0].Ready)
}

func TestMissingBotWorkerIsFatal(t *testing.T) {
	h := startCluster(t, &appRecorder{})
	a := clusterAssignment(0)
	a.WorkerName = "missing"

	h.send(&messages.Message{Op: messages.OpConnect, Cluster: a})

	assert.Equal(t, 1, h.awaitExit())
	d := h.awaitDiagnostic(messages.OpError)
	assert.Equal(t, "failed to load bot worker", d.Msg)
}

func TestCentralRequestHandlerInstalled(t *testing.T) {
	rec := &appRecorder{}
	h := startCluster(t, rec)
	a := clusterAssignment(0)
	a.UseCentralRequestHandler = true
	a.RequestTimeoutMs = 1000
	h.send(&messages.Message{Op: messages.OpConnect, Cluster: a})
	h.awaitOp(messages.OpConnected)

	client := rec.last().setup.Client
	got := make(chan json.RawMessage, 1)
	go func() {
		v, err := client.Request(context.Background(), gateway.RequestOptions{Method: "GET", Path: "/users/@me"})
		assert.NoError(t, err)
		got <- v
	}()

	req := h.awaitOp(messages.OpCentralAPIRequest)
	opts, err := ipc.DecodeRequest(req.APIRequest.DataSerialized, req.APIRequest.FileStrings)
	require.NoError(t, err)
	assert.Equal(t, "/users/@me", opts.Path)

	res, err := ipc.EncodeCentralResult(json.RawMessage(`{"id":"bot"}`), nil)
	require.NoError(t, err)
	h.send(&messages.Message{Op: messages.OpCentralAPIResponse, ID: req.UUID, Value: res})

	select {
	case v := <-got:
		assert.JSONEq(t, `{"id":"bot"}`, string(v))
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}
}
