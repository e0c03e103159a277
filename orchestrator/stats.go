package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/buddhike/flotilla/messages"
	"github.com/buddhike/flotilla/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func (o *Orchestrator) statsLoop() {
	t := time.NewTicker(o.cfg.StatsInterval())
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StatsInterval())
			if _, err := o.CollectStats(ctx); err != nil {
				o.logger.Warn("failed to collect stats", zap.Error(err))
			}
			cancel()
		case <-o.stop:
			return
		}
	}
}

type fragment struct {
	p          *proc
	stats      json.RawMessage
	receivedAt int64
	err        error
}

// CollectStats asks every active worker for its stats fragment and folds
// the answers into one snapshot. Workers that do not answer within the fetch
// timeout are listed in Missing and left out of the totals.
func (o *Orchestrator) CollectStats(ctx context.Context) (*messages.StatsSnapshot, error) {
	o.mut.Lock()
	if o.stopping {
		o.mut.Unlock()
		return nil, ErrStopped
	}
	targets := make([]*proc, 0, len(o.clusters)+len(o.services))
	for _, c := range o.clusters {
		targets = append(targets, c)
	}
	for _, s := range o.services {
		targets = append(targets, s)
	}
	o.mut.Unlock()

	// A worker that fails to answer is reported as missing, so the group
	// itself never fails.
	frags := make([]fragment, len(targets))
	g := &errgroup.Group{}
	for i, p := range targets {
		g.Go(func() error {
			reply, err := o.correlator.Request(ctx, p.key(), o.cfg.FetchTimeout(), func(id string) error {
				return p.ch.Send(&messages.Message{Op: messages.OpCollectStats, UUID: id})
			})
			frags[i] = fragment{p: p, err: err, receivedAt: time.Now().UnixMilli()}
			if err == nil {
				frags[i].stats = reply.Stats
			}
			return nil
		})
	}
	g.Wait()

	snap := &messages.StatsSnapshot{
		Clusters:    []messages.ClusterStats{},
		Services:    []messages.ServiceStats{},
		CollectedAt: time.Now(),
	}
	for _, f := range frags {
		if f.err != nil || len(f.stats) == 0 {
			snap.Missing = append(snap.Missing, f.p.name())
			continue
		}
		if f.p.kind == worker.KindCluster {
			var cs messages.ClusterStats
			if err := json.Unmarshal(f.stats, &cs); err != nil {
				f.p.logger.Warn("malformed stats fragment", zap.Error(err))
				snap.Missing = append(snap.Missing, f.p.name())
				continue
			}
			cs.IPCLatency = latency(f.receivedAt, cs.IPCLatency)
			snap.AddCluster(cs)
			continue
		}
		var ss messages.ServiceStats
		if err := json.Unmarshal(f.stats, &ss); err != nil {
			f.p.logger.Warn("malformed stats fragment", zap.Error(err))
			snap.Missing = append(snap.Missing, f.p.name())
			continue
		}
		ss.IPCLatency = latency(f.receivedAt, ss.IPCLatency)
		snap.AddService(ss)
	}
	sort.Slice(snap.Clusters, func(i, j int) bool { return snap.Clusters[i].ClusterID < snap.Clusters[j].ClusterID })
	sort.Slice(snap.Services, func(i, j int) bool { return snap.Services[i].Name < snap.Services[j].Name })
	sort.Strings(snap.Missing)
	snap.MasterRAM = ramMB()
	snap.TotalRAM += snap.MasterRAM

	o.mut.Lock()
	o.lastStats = snap
	o.mut.Unlock()

	if o.cfg.logs(messages.LogStatsUpdate) {
		o.logger.Info(fmt.Sprintf("Stats updated: %d guilds over %d shards", snap.Guilds, snap.ShardCount),
			zap.Int("clusters", len(snap.Clusters)),
			zap.Int("services", len(snap.Services)),
			zap.Strings("missing", snap.Missing))
	}
	if o.cfg.StatsPublisher != nil {
		if err := o.cfg.StatsPublisher.Publish(ctx, snap); err != nil {
			o.logger.Warn("failed to publish stats", zap.Error(err))
		}
	}
	return snap, nil
}

// latency turns the worker's send timestamp into a one-way delay.
func latency(receivedAt, sentAt int64) int64 {
	if sentAt <= 0 || receivedAt < sentAt {
		return 0
	}
	return receivedAt - sentAt
}

// LastStats returns the most recent snapshot, or nil before the first
// collection.
func (o *Orchestrator) LastStats() *messages.StatsSnapshot {
	o.mut.Lock()
	defer o.mut.Unlock()
	return o.lastStats
}

func ramMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys) / 1e6
}
