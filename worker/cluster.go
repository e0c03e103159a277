package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/buddhike/flotilla/gateway"
	"github.com/buddhike/flotilla/messages"
	"github.com/buddhike/flotilla/proxy"
	"go.uber.org/zap"
)

var errNoGateway = errors.New("no gateway factory configured")

// Cluster hosts one gateway client owning a contiguous shard range plus
// the bot app built on top of it.
type Cluster struct {
	*base
	assignment *messages.ClusterAssignment
	client     gateway.Client
	factory    Factory
	readyOnce  *sync.Once
	statusOnce *sync.Once
}

func NewCluster(r io.Reader, w io.Writer, opts ...func(*Config)) *Cluster {
	cfg := newConfig(opts)
	return &Cluster{
		base:       newBase(KindCluster, r, w, cfg),
		readyOnce:  &sync.Once{},
		statusOnce: &sync.Once{},
	}
}

// Run blocks until the orchestrator closes the channel.
func (c *Cluster) Run() error {
	return c.serve(c.handle)
}

func (c *Cluster) handle(m *messages.Message) {
	switch m.Op {
	case messages.OpConnect:
		c.connect(m.Cluster)
	case messages.OpLoadCode:
		c.loadCode()
	case messages.OpFetchUser, messages.OpFetchChannel, messages.OpFetchGuild, messages.OpFetchMember:
		c.fetch(m)
	case messages.OpCommand:
		c.command(m, c.name())
	case messages.OpEval:
		c.eval(m, c.name())
	case messages.OpCollectStats:
		c.collectStats(m)
	case messages.OpShutdown:
		c.shutdown(c.disconnect)
	default:
		c.log().Debug("ignoring message", zap.String("op", string(m.Op)))
	}
}

func (c *Cluster) name() string {
	a := c.currentAssignment()
	if a == nil {
		return "Cluster"
	}
	return fmt.Sprintf("Cluster %d", a.ClusterID)
}

func (c *Cluster) currentAssignment() *messages.ClusterAssignment {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.assignment
}

func (c *Cluster) currentClient() gateway.Client {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.client
}

func (c *Cluster) connect(a *messages.ClusterAssignment) {
	client := c.prepare(a)
	if client == nil {
		return
	}
	// Connect may run for the life of the gateway connection, so it must
	// not hold the lifecycle lock that loadCode needs.
	if err := client.Connect(c.ctx); err != nil {
		c.log().Error("gateway connect failed", zap.Error(err))
	}
}

// prepare applies the assignment and builds the gateway client. It returns
// nil when there is nothing to connect.
func (c *Cluster) prepare(a *messages.ClusterAssignment) gateway.Client {
	if a == nil {
		return nil
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.currentAssignment() != nil {
		c.log().Warn("ignoring second connect", zap.Int("cluster-id", a.ClusterID))
		return nil
	}
	c.identify(zap.Int("cluster-id", a.ClusterID))
	if err := a.Validate(); err != nil {
		c.fatal("invalid cluster assignment", err)
		return nil
	}

	whatToLog := a.WhatToLog
	if whatToLog == nil {
		whatToLog = messages.AllLogEvents
	}
	c.mut.Lock()
	c.assignment = a
	c.whatToLog = whatToLog
	c.mut.Unlock()
	if a.FetchTimeoutMs > 0 {
		c.ipc.setTimeout(time.Duration(a.FetchTimeoutMs) * time.Millisecond)
	}

	if c.logs(messages.LogClusterStart) {
		c.log().Info(fmt.Sprintf("Connecting with %d shard(s)", a.Shards()))
	}

	f, err := c.cfg.loader.Resolve(KindCluster, a.WorkerName, a.Path)
	if err != nil {
		c.fatal("failed to load bot worker", err)
		return nil
	}
	if c.cfg.Gateway == nil {
		c.fatal("failed to create gateway client", errNoGateway)
		return nil
	}
	client, err := c.cfg.Gateway(gateway.Options{
		ShardRange:    a.ShardRange,
		ClientOptions: a.ClientOptions,
		Handler:       c,
	})
	if err != nil {
		c.fatal("failed to create gateway client", err)
		return nil
	}
	if a.UseCentralRequestHandler {
		timeout := time.Duration(a.RequestTimeoutMs) * time.Millisecond
		client.SetRequestHandler(proxy.NewCentralRequestHandler(c.peer, timeout, c.log()))
	}

	c.mut.Lock()
	c.client = client
	c.factory = f
	c.mut.Unlock()

	if a.LoadCodeImmediately && !a.Resharding {
		c.loadCodeLocked()
	}
	return client
}

func (c *Cluster) loadCode() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.loadCodeLocked()
}

// loadCodeLocked constructs the app once. Later calls are no-ops.
func (c *Cluster) loadCodeLocked() {
	c.mut.Lock()
	loaded := c.app != nil
	f, client, a := c.factory, c.client, c.assignment
	c.mut.Unlock()
	if loaded || f == nil {
		return
	}

	app, err := c.setup(f, &Setup{
		Client:    client,
		IPC:       c.ipc,
		ClusterID: a.ClusterID,
		WorkerID:  c.cfg.WorkerID,
		Logger:    c.log(),
	})
	if err == nil && app == nil {
		err = errors.New("factory returned no app")
	}
	if err != nil {
		c.fatal("failed to construct bot worker", err)
		return
	}

	c.mut.Lock()
	c.app = app
	c.mut.Unlock()
	c.advance(messages.StateCodeLoaded)
	c.send(&messages.Message{Op: messages.OpCodeLoaded})
	c.advance(messages.StateReady)
}

func (c *Cluster) fetch(m *messages.Message) {
	id := m.UUID
	client := c.currentClient()
	if client == nil {
		c.reply(id, messages.NoValue{ID: m.ID, NoValue: true})
		return
	}
	var v any
	var ok bool
	switch m.Op {
	case messages.OpFetchUser:
		v, ok = client.User(m.ID)
	case messages.OpFetchChannel:
		v, ok = client.Channel(m.ID)
	case messages.OpFetchGuild:
		v, ok = client.Guild(m.ID)
	case messages.OpFetchMember:
		v, ok = c.member(client, m.ID)
	}
	if !ok {
		c.reply(id, messages.NoValue{ID: m.ID, NoValue: true})
		return
	}
	c.reply(id, v)
}

// member looks up a member by its composite key. The member's id is
// replaced by the key so the requester can match it.
func (c *Cluster) member(client gateway.Client, key string) (any, bool) {
	var k messages.MemberKey
	if err := json.Unmarshal([]byte(key), &k); err != nil {
		return nil, false
	}
	v, ok := client.Member(k.GuildID, k.MemberID)
	if !ok {
		return nil, false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	clean := map[string]any{}
	if err := json.Unmarshal(raw, &clean); err != nil {
		return nil, false
	}
	clean["id"] = key
	return clean, true
}

func (c *Cluster) collectStats(m *messages.Message) {
	client := c.currentClient()
	a := c.currentAssignment()
	if client == nil || a == nil {
		return
	}
	guilds := client.Guilds()
	perShard := make(map[int]*messages.ShardStats)
	stats := messages.ClusterStats{
		ClusterID:  a.ClusterID,
		Guilds:     len(guilds),
		Users:      client.UserCount(),
		Voice:      client.VoiceConnectionCount(),
		Uptime:     client.Uptime().Milliseconds(),
		RAM:        ramMB(),
		IPCLatency: nowMillis(),
	}
	for _, s := range client.Shards() {
		perShard[s.ID] = &messages.ShardStats{
			ID:      s.ID,
			Ready:   s.Ready,
			Latency: s.Latency.Milliseconds(),
			Status:  s.Status,
		}
	}
	for _, g := range guilds {
		if g.Large {
			stats.LargeGuilds++
		}
		stats.Members += g.MemberCount
		if s, ok := perShard[g.ShardID]; ok {
			s.Guilds++
			s.Users += g.MemberCount
			s.Members += g.MemberCount
		}
	}
	for id := a.FirstShardID; id <= a.LastShardID; id++ {
		if s, ok := perShard[id]; ok {
			stats.Shards = append(stats.Shards, *s)
		}
	}
	c.sendStats(m.UUID, stats)
}

func (c *Cluster) disconnect() {
	if client := c.currentClient(); client != nil {
		client.Disconnect()
	}
}

func (c *Cluster) shardUpdate(id int, typ string, err error) {
	a := c.currentAssignment()
	u := &messages.ShardUpdate{ShardID: id, ClusterID: a.ClusterID, Type: typ}
	if err != nil {
		u.Err = err.Error()
	}
	c.send(&messages.Message{Op: messages.OpShardUpdate, ShardUpdate: u})
}

func (c *Cluster) ShardConnect(id int) {
	c.shardUpdate(id, messages.ShardConnect, nil)
}

func (c *Cluster) ShardReady(id int) {
	c.statusOnce.Do(func() {
		a := c.currentAssignment()
		if a.StartingStatus == nil {
			return
		}
		if err := c.currentClient().EditStatus(*a.StartingStatus); err != nil {
			c.log().Warn("failed to set starting status", zap.Error(err))
		}
	})
	c.shardUpdate(id, messages.ShardReady, nil)
}

func (c *Cluster) ShardResume(id int) {
	c.shardUpdate(id, messages.ShardResume, nil)
}

func (c *Cluster) ShardDisconnect(id int, err error) {
	c.shardUpdate(id, messages.ShardDisconnect, err)
}

// Ready fires whenever every owned shard is ready. Only the first one
// moves the lifecycle forward.
func (c *Cluster) Ready() {
	a := c.currentAssignment()
	if c.logs(messages.LogClusterReady) {
		c.log().Info(fmt.Sprintf("Shards %d - %d are ready!", a.FirstShardID, a.LastShardID))
	}
	c.readyOnce.Do(func() {
		c.advance(messages.StateConnected)
		c.send(&messages.Message{Op: messages.OpConnected})
	})
}

func (c *Cluster) Warn(msg string, shardID int) {
	c.log().Warn(msg, zap.Int("shard-id", shardID))
}

func (c *Cluster) Error(err error, shardID int) {
	c.log().Error("gateway error", zap.Int("shard-id", shardID), zap.Error(err))
}
