package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/buddhike/flotilla/ipc"
	"github.com/buddhike/flotilla/messages"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const routeTTL = 10 * time.Minute

// route remembers who asked for a relayed request so the target's reply can
// be forwarded back.
type route struct {
	origin *proc
	target int
	at     time.Time
}

type brokenRoute struct {
	id     string
	origin *proc
}

func (o *Orchestrator) addRoute(id string, origin, target *proc) {
	o.mut.Lock()
	defer o.mut.Unlock()
	now := time.Now()
	for k, r := range o.routes {
		if now.Sub(r.at) > routeTTL {
			delete(o.routes, k)
		}
	}
	o.routes[id] = route{origin: origin, target: target.workerID, at: now}
}

func (o *Orchestrator) dropRoute(id string) (route, bool) {
	o.mut.Lock()
	defer o.mut.Unlock()
	r, ok := o.routes[id]
	delete(o.routes, id)
	return r, ok
}

// takeRoutes removes every route touching workerID and returns the ones
// whose origin is still waiting. Must be called with o.mut held.
func (o *Orchestrator) takeRoutes(workerID int) []brokenRoute {
	var broken []brokenRoute
	for id, r := range o.routes {
		switch {
		case r.origin.workerID == workerID:
			delete(o.routes, id)
		case r.target == workerID:
			delete(o.routes, id)
			broken = append(broken, brokenRoute{id: id, origin: r.origin})
		}
	}
	return broken
}

// resolve delivers a reply either to a local caller or back to the worker
// that originated the request.
func (o *Orchestrator) resolve(p *proc, m *messages.Message) {
	if o.correlator.Resolve(m.ID, m) {
		return
	}
	r, ok := o.dropRoute(m.ID)
	if !ok {
		p.logger.Debug("dropping late reply", zap.String("id", m.ID), zap.String("op", string(m.Op)))
		return
	}
	if err := r.origin.ch.Send(m); err != nil {
		r.origin.logger.Warn("failed to forward reply", zap.Error(err))
	}
}

func (o *Orchestrator) onRelay(p *proc, m *messages.Message) {
	switch {
	case m.Op == messages.OpCommand, m.Op == messages.OpEval:
		o.forward(p, m)
	case m.Op.IsFetch():
		o.relayFetch(p, m)
	case m.Op == messages.OpGetStats:
		o.relayStats(p, m)
	case m.Op == messages.OpReshard:
		o.relayReshard(p, m)
	case m.Op == messages.OpCentralAPIRequest:
		o.centralRequest(p, m)
	default:
		p.logger.Debug("ignoring message", zap.String("op", string(m.Op)))
	}
}

// forward passes a command or eval on to its target worker.
func (o *Orchestrator) forward(from *proc, m *messages.Message) {
	var receptive bool
	id := m.UUID
	switch {
	case m.Command != nil:
		receptive = m.Command.Receptive
		if id == "" {
			id = m.Command.UUID
		}
	case m.Request != nil:
		receptive = m.Request.Receptive
		if id == "" {
			id = m.Request.UUID
		}
	default:
		return
	}

	var target *proc
	var err error
	if m.Target == nil {
		err = fmt.Errorf("%w: %s has no target", ErrUnknownTarget, m.Op)
	} else {
		target, err = o.lookup(*m.Target)
	}
	if err != nil {
		from.logger.Warn("cannot relay", zap.String("op", string(m.Op)), zap.Error(err))
		if receptive {
			from.ch.Send(ipc.ErrorReply(id, err))
		}
		return
	}

	if receptive {
		o.addRoute(id, from, target)
	}
	fwd := *m
	fwd.Target = nil
	if err := target.ch.Send(&fwd); err != nil && receptive {
		if _, ok := o.dropRoute(id); ok {
			from.ch.Send(ipc.ErrorReply(id, fmt.Errorf("%w: %v", ipc.ErrProcessGone, err)))
		}
	}
}

func (o *Orchestrator) lookup(t messages.Target) (*proc, error) {
	o.mut.Lock()
	defer o.mut.Unlock()
	var p *proc
	switch t.Kind {
	case messages.TargetCluster:
		p = o.clusters[t.ClusterID]
	case messages.TargetService:
		p = o.services[t.ServiceName]
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s %d %s", ErrUnknownTarget, t.Kind, t.ClusterID, t.ServiceName)
	}
	return p, nil
}

func (o *Orchestrator) relayFetch(from *proc, m *messages.Message) {
	value, found, err := o.Fetch(context.Background(), m.Op, m.ID)
	switch {
	case err != nil:
		from.ch.Send(ipc.ErrorReply(m.UUID, err))
	case !found:
		reply, _ := ipc.ValueReply(messages.OpReturn, m.UUID, messages.NoValue{ID: m.ID, NoValue: true})
		from.ch.Send(reply)
	default:
		from.ch.Send(&messages.Message{Op: messages.OpReturn, ID: m.UUID, Value: value})
	}
}

func (o *Orchestrator) relayStats(from *proc, m *messages.Message) {
	s := o.LastStats()
	if s == nil {
		var err error
		if s, err = o.CollectStats(context.Background()); err != nil {
			from.ch.Send(ipc.ErrorReply(m.UUID, err))
			return
		}
	}
	reply, err := ipc.ValueReply(messages.OpReturn, m.UUID, s)
	if err != nil {
		reply = ipc.ErrorReply(m.UUID, err)
	}
	from.ch.Send(reply)
}

func (o *Orchestrator) relayReshard(from *proc, m *messages.Message) {
	var req messages.ReshardRequest
	if m.Reshard != nil {
		req = *m.Reshard
	}
	from.logger.Info("reshard requested by worker",
		zap.Int("shard-count", req.ShardCount),
		zap.Int("cluster-count", req.ClusterCount))
	if err := o.Reshard(context.Background(), req.ShardCount, req.ClusterCount); err != nil {
		from.logger.Error("reshard failed", zap.Error(err))
	}
}

var errCentralDisabled = errors.New("central request handler is disabled")

// centralRequest runs a worker's REST call through the shared queue and
// answers with a centralApiResponse.
func (o *Orchestrator) centralRequest(from *proc, m *messages.Message) {
	id := m.UUID
	respond := func(value json.RawMessage, callErr error) {
		res, err := ipc.EncodeCentralResult(value, callErr)
		if err != nil {
			from.ch.Send(ipc.ErrorReply(id, err))
			return
		}
		from.ch.Send(&messages.Message{Op: messages.OpCentralAPIResponse, ID: id, Value: res})
	}
	if m.APIRequest == nil {
		respond(nil, errors.New("centralApiRequest has no request"))
		return
	}
	if id == "" {
		id = m.APIRequest.UUID
	}
	if o.queue == nil {
		respond(nil, errCentralDisabled)
		return
	}
	opts, err := ipc.DecodeRequest(m.APIRequest.DataSerialized, m.APIRequest.FileStrings)
	if err != nil {
		respond(nil, err)
		return
	}
	o.queue.Enqueue(opts, respond)
}

func (o *Orchestrator) send(ctx context.Context, p *proc, m *messages.Message, receptive bool) (json.RawMessage, error) {
	if !receptive {
		m.UUID = uuid.NewString()
		setNestedID(m, m.UUID)
		return nil, p.ch.Send(m)
	}
	reply, err := o.correlator.Request(ctx, p.key(), o.cfg.FetchTimeout(), func(id string) error {
		m.UUID = id
		setNestedID(m, id)
		return p.ch.Send(m)
	})
	if err != nil {
		return nil, err
	}
	return reply.Value, nil
}

func setNestedID(m *messages.Message, id string) {
	switch {
	case m.Command != nil:
		m.Command.UUID = id
	case m.Request != nil:
		m.Request.UUID = id
	}
}

// Command delivers msg to the target's command handler. A non-receptive
// command returns as soon as it is sent.
func (o *Orchestrator) Command(ctx context.Context, t messages.Target, msg any, receptive bool) (json.RawMessage, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	p, err := o.lookup(t)
	if err != nil {
		return nil, err
	}
	m := &messages.Message{
		Op:      messages.OpCommand,
		Command: &messages.CommandRequest{Receptive: receptive, Msg: raw},
	}
	return o.send(ctx, p, m, receptive)
}

func (o *Orchestrator) Eval(ctx context.Context, t messages.Target, source string, receptive bool) (json.RawMessage, error) {
	p, err := o.lookup(t)
	if err != nil {
		return nil, err
	}
	m := &messages.Message{
		Op:      messages.OpEval,
		Request: &messages.EvalRequest{Receptive: receptive, StringToEvaluate: source},
	}
	return o.send(ctx, p, m, receptive)
}

// Fetch asks every active cluster for an entity and returns the first
// cached copy. found is false when no cluster has it. An error is returned
// only when no cluster answered at all.
func (o *Orchestrator) Fetch(ctx context.Context, op messages.Op, id string) (json.RawMessage, bool, error) {
	if !op.IsFetch() {
		return nil, false, fmt.Errorf("%s is not a fetch", op)
	}
	o.mut.Lock()
	targets := make([]*proc, 0, len(o.clusters))
	for _, c := range o.clusters {
		targets = append(targets, c)
	}
	o.mut.Unlock()
	if len(targets) == 0 {
		return nil, false, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	type answer struct {
		value json.RawMessage
		err   error
	}
	answers := make(chan answer, len(targets))
	for _, p := range targets {
		go func(p *proc) {
			reply, err := o.correlator.Request(ctx, p.key(), o.cfg.FetchTimeout(), func(rid string) error {
				return p.ch.Send(&messages.Message{Op: op, ID: id, UUID: rid})
			})
			if err != nil {
				answers <- answer{err: err}
				return
			}
			answers <- answer{value: reply.Value}
		}(p)
	}

	var firstErr error
	answered := 0
	for range targets {
		a := <-answers
		if a.err != nil {
			if firstErr == nil {
				firstErr = a.err
			}
			continue
		}
		answered++
		if !messages.IsNoValue(a.value) {
			return a.value, true, nil
		}
	}
	if answered == 0 {
		return nil, false, firstErr
	}
	return nil, false, nil
}
