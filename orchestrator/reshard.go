package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/buddhike/flotilla/messages"
	"go.uber.org/zap"
)

// pendingReshard tracks a replacement cluster set that is connecting while
// the current set keeps serving.
type pendingReshard struct {
	shardCount   int
	clusterCount int
	completing   bool
	done         chan error
}

// Reshard brings up a new cluster set for shardCount shards over
// clusterCount clusters. Zero keeps the current value. The new set connects
// with its code unloaded; once every new cluster is connected the old set is
// shut down and the new one loads its code. Reshard returns when the
// handover is complete or ctx is done, whichever is first. Cancelling ctx
// does not abort the handover.
func (o *Orchestrator) Reshard(ctx context.Context, shardCount, clusterCount int) error {
	o.mut.Lock()
	if o.stopping {
		o.mut.Unlock()
		return ErrStopped
	}
	if o.reshard != nil {
		o.mut.Unlock()
		return ErrReshardInProgress
	}
	if shardCount <= 0 {
		shardCount = o.shardCount
	}
	if clusterCount <= 0 {
		clusterCount = o.clusterCount
	}
	ranges := PartitionShards(shardCount, clusterCount)
	if len(ranges) == 0 {
		o.mut.Unlock()
		return fmt.Errorf("cannot reshard to %d shards over %d clusters", shardCount, clusterCount)
	}
	pr := &pendingReshard{
		shardCount:   shardCount,
		clusterCount: len(ranges),
		done:         make(chan error, 1),
	}
	o.reshard = pr
	o.next = make(map[int]*proc)
	generation := o.generation + 1
	o.mut.Unlock()

	if o.cfg.logs(messages.LogReshardTransition) {
		o.logger.Info(fmt.Sprintf("Resharding to %d shards over %d clusters", shardCount, len(ranges)))
	}
	for i, r := range ranges {
		if err := o.spawn(o.newClusterProc(i, len(ranges), r, generation, true)); err != nil {
			o.abortReshard(pr)
			return err
		}
	}

	select {
	case err := <-pr.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abortReshard discards a partially spawned cluster set.
func (o *Orchestrator) abortReshard(pr *pendingReshard) {
	o.mut.Lock()
	if o.reshard != pr {
		o.mut.Unlock()
		return
	}
	next := o.next
	o.next = nil
	o.reshard = nil
	for _, p := range next {
		p.retired = true
	}
	o.mut.Unlock()

	for _, p := range next {
		p.process.Kill()
	}
	o.logger.Warn("reshard aborted")
}

// completeReshard swaps the new cluster set in and retires the old one.
func (o *Orchestrator) completeReshard() {
	o.mut.Lock()
	pr := o.reshard
	if pr == nil {
		o.mut.Unlock()
		return
	}
	old := o.clusters
	o.clusters = o.next
	o.next = nil
	o.reshard = nil
	o.generation++
	o.shardCount = pr.shardCount
	o.clusterCount = pr.clusterCount
	o.loadCodeSent = true
	o.allLaunched = true
	for _, p := range old {
		p.retired = true
	}
	current := make([]*proc, 0, len(o.clusters))
	for _, p := range o.clusters {
		current = append(current, p)
	}
	o.mut.Unlock()

	if o.cfg.logs(messages.LogReshardTransition) {
		o.logger.Info(fmt.Sprintf("New cluster set connected, retiring %d old cluster(s)", len(old)))
	}
	for _, p := range old {
		go o.retire(p)
	}
	for _, p := range current {
		o.loadCode(p)
	}
	pr.done <- nil
}

// retire asks p to shut down and kills it if it has not exited within the
// shutdown timeout.
func (o *Orchestrator) retire(p *proc) {
	if err := p.ch.Send(&messages.Message{Op: messages.OpShutdown}); err != nil {
		p.process.Kill()
		return
	}
	t := time.NewTimer(o.cfg.ShutdownTimeout())
	defer t.Stop()
	select {
	case <-p.gone:
	case <-t.C:
		p.logger.Warn("retired cluster did not shut down in time, killing", zap.Int("cluster-id", p.cluster.ClusterID))
		p.process.Kill()
	}
}
