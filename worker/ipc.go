package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/buddhike/flotilla/ipc"
	"github.com/buddhike/flotilla/messages"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IPC is the handle apps use to reach the rest of the fleet. Every call
// goes through the orchestrator.
type IPC struct {
	peer    *ipc.Peer
	logger  *zap.Logger
	timeout atomic.Int64
}

func newIPC(peer *ipc.Peer, logger *zap.Logger, timeout time.Duration) *IPC {
	c := &IPC{peer: peer, logger: logger}
	c.setTimeout(timeout)
	return c
}

// setTimeout replaces the request timeout with the one the orchestrator
// assigned.
func (c *IPC) setTimeout(d time.Duration) {
	c.timeout.Store(int64(d))
}

func (c *IPC) requestTimeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// Logger forwards to the orchestrator's log.
func (c *IPC) Logger() *zap.Logger {
	return c.logger
}

func (c *IPC) Log(msg string, fields ...zap.Field) {
	c.logger.Info(msg, fields...)
}

func (c *IPC) Debug(msg string, fields ...zap.Field) {
	c.logger.Debug(msg, fields...)
}

func (c *IPC) Warn(msg string, fields ...zap.Field) {
	c.logger.Warn(msg, fields...)
}

func (c *IPC) Error(msg string, fields ...zap.Field) {
	c.logger.Error(msg, fields...)
}

// ClusterCommand sends msg to the app of cluster id. Non-receptive commands
// return immediately with a nil result.
func (c *IPC) ClusterCommand(ctx context.Context, clusterID int, msg any, receptive bool) (json.RawMessage, error) {
	return c.command(ctx, &messages.Target{Kind: messages.TargetCluster, ClusterID: clusterID}, msg, receptive)
}

func (c *IPC) ServiceCommand(ctx context.Context, serviceName string, msg any, receptive bool) (json.RawMessage, error) {
	return c.command(ctx, &messages.Target{Kind: messages.TargetService, ServiceName: serviceName}, msg, receptive)
}

func (c *IPC) command(ctx context.Context, target *messages.Target, msg any, receptive bool) (json.RawMessage, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	m := &messages.Message{
		Op:      messages.OpCommand,
		Target:  target,
		Command: &messages.CommandRequest{Receptive: receptive, Msg: raw},
	}
	if !receptive {
		m.Command.UUID = uuid.NewString()
		m.UUID = m.Command.UUID
		return nil, c.peer.Send(m)
	}
	reply, err := c.peer.Request(ctx, m, c.requestTimeout())
	if err != nil {
		return nil, err
	}
	return reply.Value, nil
}

func (c *IPC) ClusterEval(ctx context.Context, clusterID int, source string, receptive bool) (json.RawMessage, error) {
	return c.eval(ctx, &messages.Target{Kind: messages.TargetCluster, ClusterID: clusterID}, source, receptive)
}

func (c *IPC) ServiceEval(ctx context.Context, serviceName string, source string, receptive bool) (json.RawMessage, error) {
	return c.eval(ctx, &messages.Target{Kind: messages.TargetService, ServiceName: serviceName}, source, receptive)
}

func (c *IPC) eval(ctx context.Context, target *messages.Target, source string, receptive bool) (json.RawMessage, error) {
	m := &messages.Message{
		Op:      messages.OpEval,
		Target:  target,
		Request: &messages.EvalRequest{Receptive: receptive, StringToEvaluate: source},
	}
	if !receptive {
		m.Request.UUID = uuid.NewString()
		m.UUID = m.Request.UUID
		return nil, c.peer.Send(m)
	}
	reply, err := c.peer.Request(ctx, m, c.requestTimeout())
	if err != nil {
		return nil, err
	}
	return reply.Value, nil
}

// FetchUser looks the user up in every cluster's cache. The bool is false
// when no cluster has it.
func (c *IPC) FetchUser(ctx context.Context, id string) (json.RawMessage, bool, error) {
	return c.fetch(ctx, messages.OpFetchUser, id)
}

func (c *IPC) FetchChannel(ctx context.Context, id string) (json.RawMessage, bool, error) {
	return c.fetch(ctx, messages.OpFetchChannel, id)
}

func (c *IPC) FetchGuild(ctx context.Context, id string) (json.RawMessage, bool, error) {
	return c.fetch(ctx, messages.OpFetchGuild, id)
}

func (c *IPC) FetchMember(ctx context.Context, guildID, memberID string) (json.RawMessage, bool, error) {
	key, err := json.Marshal(messages.MemberKey{GuildID: guildID, MemberID: memberID})
	if err != nil {
		return nil, false, err
	}
	return c.fetch(ctx, messages.OpFetchMember, string(key))
}

func (c *IPC) fetch(ctx context.Context, op messages.Op, id string) (json.RawMessage, bool, error) {
	reply, err := c.peer.Request(ctx, &messages.Message{Op: op, ID: id}, c.requestTimeout())
	if err != nil {
		return nil, false, err
	}
	if messages.IsNoValue(reply.Value) {
		return nil, false, nil
	}
	return reply.Value, true, nil
}

// GetStats returns the orchestrator's most recent stats snapshot.
func (c *IPC) GetStats(ctx context.Context) (*messages.StatsSnapshot, error) {
	reply, err := c.peer.Request(ctx, &messages.Message{Op: messages.OpGetStats}, c.requestTimeout())
	if err != nil {
		return nil, err
	}
	var s messages.StatsSnapshot
	if err := json.Unmarshal(reply.Value, &s); err != nil {
		return nil, fmt.Errorf("malformed stats snapshot: %w", err)
	}
	return &s, nil
}

// Reshard asks the orchestrator to replace every cluster. Zero counts keep
// the current configuration.
func (c *IPC) Reshard(shardCount, clusterCount int) error {
	return c.peer.Send(&messages.Message{
		Op:      messages.OpReshard,
		Reshard: &messages.ReshardRequest{ShardCount: shardCount, ClusterCount: clusterCount},
	})
}
