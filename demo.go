package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/buddhike/flotilla/gateway"
	"github.com/buddhike/flotilla/worker"
	"go.uber.org/zap"
)

const (
	echoBot      = "echo"
	clockService = "clock"
)

func registry() *worker.Registry {
	r := worker.NewRegistry()
	r.Register(echoBot, newEchoBot)
	r.Register(clockService, newClock)
	return r
}

// demoGateway seeds every cluster with one guild per shard so stats and
// fetches have something to report.
func demoGateway() gateway.Factory {
	return gateway.NewMemoryFactory(nil, func(m *gateway.Memory) {
		r := m.Range()
		for id := r.FirstShardID; id <= r.LastShardID; id++ {
			gid := "guild-" + strconv.Itoa(id)
			m.AddGuild(id, gateway.MemoryGuild{
				ID:          gid,
				Name:        fmt.Sprintf("Guild %d", id),
				MemberCount: 50 * (id + 1),
				Large:       id%4 == 3,
			})
			m.AddChannel(gateway.MemoryChannel{ID: "channel-" + strconv.Itoa(id), GuildID: gid, Name: "general"})
		}
		m.AddUser(gateway.MemoryUser{ID: "user-" + strconv.Itoa(r.FirstShardID), Username: "demo"})
	})
}

type echoApp struct {
	setup *worker.Setup
}

func newEchoBot(s *worker.Setup) (any, error) {
	s.Logger.Info("echo bot loaded", zap.Int("cluster-id", s.ClusterID))
	return &echoApp{setup: s}, nil
}

type echoCommand struct {
	Say     string `json:"say"`
	Fetch   string `json:"fetch"`
	Channel string `json:"channel"`
}

func (b *echoApp) HandleCommand(ctx context.Context, msg json.RawMessage) (any, error) {
	var cmd echoCommand
	if err := json.Unmarshal(msg, &cmd); err != nil {
		return nil, err
	}
	switch {
	case cmd.Fetch != "":
		v, found, err := b.setup.IPC.FetchGuild(ctx, cmd.Fetch)
		if err != nil || !found {
			return map[string]any{"found": false}, err
		}
		return map[string]any{"found": true, "guild": v}, nil
	case cmd.Channel != "":
		return b.setup.Client.Request(ctx, gateway.RequestOptions{
			Method: "POST",
			Path:   "/channels/" + cmd.Channel + "/messages",
			JSON:   msg,
			Auth:   true,
		})
	}
	return map[string]any{"cluster": b.setup.ClusterID, "said": cmd.Say}, nil
}

func (b *echoApp) RunEval(ctx context.Context, source string) (any, error) {
	switch source {
	case "guilds":
		return len(b.setup.Client.Guilds()), nil
	case "shards":
		return b.setup.Client.Shards(), nil
	}
	return nil, fmt.Errorf("unknown expression %q", source)
}

func (b *echoApp) Shutdown(done func()) {
	b.setup.Logger.Info("echo bot shutting down")
	done()
}

// clock is a service that answers with its own time so clusters can
// measure skew.
type clock struct {
	setup *worker.Setup
	ready chan error
}

func newClock(s *worker.Setup) (any, error) {
	c := &clock{setup: s, ready: make(chan error, 1)}
	c.ready <- nil
	return c, nil
}

func (c *clock) Ready() <-chan error {
	return c.ready
}

func (c *clock) HandleCommand(ctx context.Context, msg json.RawMessage) (any, error) {
	return time.Now().UTC().Format(time.RFC3339Nano), nil
}

// localREST stands in for the bot's REST API. It answers the shard count
// query and acknowledges everything else.
func newLocalREST(logger *zap.Logger, shards int) gateway.RequestHandler {
	if shards <= 0 {
		shards = 4
	}
	logger = logger.Named("rest")
	return gateway.RequestHandlerFunc(func(ctx context.Context, opts gateway.RequestOptions) (json.RawMessage, error) {
		logger.Debug("request", zap.String("method", opts.Method), zap.String("path", opts.Path), zap.Int("files", len(opts.Files)))
		if opts.Path == "/gateway/bot" {
			return json.Marshal(map[string]any{"url": "wss://gateway.local", "shards": shards})
		}
		return json.Marshal(map[string]any{"ok": true, "path": opts.Path})
	})
}
