// Package orchestrator owns the fleet. It partitions shards into clusters,
// spawns one worker process per cluster and service, supervises and
// respawns them, relays traffic between them and runs the central REST
// queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/buddhike/flotilla/ipc"
	"github.com/buddhike/flotilla/messages"
	"github.com/buddhike/flotilla/middleware"
	"github.com/buddhike/flotilla/worker"
	"go.uber.org/zap"
)

var (
	ErrUnknownTarget     = errors.New("unknown target")
	ErrReshardInProgress = errors.New("reshard already in progress")
	ErrStopped           = errors.New("orchestrator stopped")
)

// proc is one incarnation of a worker. A respawn creates a new proc; nothing
// is carried over from the previous one.
type proc struct {
	workerID   int
	kind       worker.Kind
	cluster    *messages.ClusterAssignment
	service    *messages.ServiceAssignment
	generation int
	state      messages.State
	shards     map[int]messages.ShardStatus
	retired    bool
	acked      bool
	process    Process
	ch         *ipc.Channel
	logger     *zap.Logger
	lifecycle  middleware.Handler
	relay      middleware.Handler
	gone       chan struct{}
}

// key identifies the proc in the correlator.
func (p *proc) key() string {
	return strconv.Itoa(p.workerID)
}

func (p *proc) name() string {
	if p.kind == worker.KindService {
		return "service " + p.service.ServiceName
	}
	return fmt.Sprintf("cluster %d", p.cluster.ClusterID)
}

type WorkerInfo struct {
	WorkerID    int
	Pid         int
	Kind        worker.Kind
	ClusterID   int
	ServiceName string
	Assignment  *messages.ClusterAssignment
	State       messages.State
	Generation  int
}

type Orchestrator struct {
	cfg          *Config
	mut          *sync.Mutex
	logger       *zap.Logger
	correlator   *ipc.Correlator
	procs        map[int]*proc
	clusters     map[int]*proc
	services     map[string]*proc
	generation   int
	next         map[int]*proc
	reshard      *pendingReshard
	routes       map[string]route
	nextWorkerID int
	shardCount   int
	clusterCount int
	loadCodeSent bool
	allLaunched  bool
	allServices  bool
	lastStats    *messages.StatsSnapshot
	queue        *CentralQueue
	stopping     bool
	stop         chan struct{}
	done         chan struct{}
	wg           *sync.WaitGroup
}

func New(opts ...func(*Config)) *Orchestrator {
	cfg := newConfig(opts)
	return &Orchestrator{
		cfg:        cfg,
		mut:        &sync.Mutex{},
		logger:     cfg.logger.Named("orchestrator").With(zap.String("name", cfg.Name)),
		correlator: ipc.NewCorrelator(),
		procs:      make(map[int]*proc),
		clusters:   make(map[int]*proc),
		services:   make(map[string]*proc),
		routes:     make(map[string]route),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		wg:         &sync.WaitGroup{},
	}
}

// Start resolves the shard layout and spawns every service and cluster.
// It does not wait for them to become ready.
func (o *Orchestrator) Start(ctx context.Context) error {
	cfg := o.cfg
	if cfg.Spawner == nil {
		cfg.Spawner = &ExecSpawner{}
	}
	shardCount := cfg.ShardCount
	if shardCount == 0 {
		n, err := recommendedShards(ctx, cfg.REST)
		if err != nil {
			return err
		}
		shardCount = n
	}
	clusterCount := cfg.ClusterCount
	if clusterCount == 0 {
		clusterCount = runtime.NumCPU()
	}
	ranges := PartitionShards(shardCount, clusterCount)

	o.mut.Lock()
	o.shardCount = shardCount
	o.clusterCount = len(ranges)
	o.mut.Unlock()

	if cfg.logs(messages.LogShardsSpread) {
		o.logger.Info(fmt.Sprintf("Spreading %d shards over %d clusters", shardCount, len(ranges)))
	}

	if cfg.UseCentralRequestHandler {
		if cfg.REST == nil {
			return errors.New("central request handler needs a REST handler")
		}
		o.queue = NewCentralQueue(cfg.REST, cfg.CentralRateLimit, cfg.CentralBurst, cfg.RequestTimeout(), o.logger)
		o.queue.Start()
	}

	for _, s := range cfg.Services {
		p := &proc{
			kind: worker.KindService,
			service: &messages.ServiceAssignment{
				ServiceName:    s.Name,
				Path:           s.Path,
				TimeoutMs:      s.TimeoutMs,
				FetchTimeoutMs: cfg.FetchTimeoutMs,
				WhatToLog:      cfg.WhatToLog,
			},
		}
		if err := o.spawn(p); err != nil {
			return err
		}
	}
	for i, r := range ranges {
		if err := o.spawn(o.newClusterProc(i, len(ranges), r, 0, false)); err != nil {
			return err
		}
	}

	if cfg.StatsInterval() > 0 {
		go o.statsLoop()
	}
	return nil
}

func (o *Orchestrator) newClusterProc(clusterID, clusterCount int, r messages.ShardRange, generation int, resharding bool) *proc {
	cfg := o.cfg
	return &proc{
		kind:       worker.KindCluster,
		generation: generation,
		cluster: &messages.ClusterAssignment{
			ClusterID:                clusterID,
			ClusterCount:             clusterCount,
			ShardRange:               r,
			Path:                     cfg.Path,
			WorkerName:               cfg.WorkerName,
			ClientOptions:            cfg.ClientOptions,
			WhatToLog:                cfg.WhatToLog,
			UseCentralRequestHandler: cfg.UseCentralRequestHandler,
			LoadCodeImmediately:      cfg.LoadCodeImmediately,
			Resharding:               resharding,
			StartingStatus:           cfg.StartingStatus,
			RequestTimeoutMs:         cfg.RequestTimeoutMs,
			FetchTimeoutMs:           cfg.FetchTimeoutMs,
		},
	}
}

func (o *Orchestrator) spawn(p *proc) error {
	o.mut.Lock()
	if o.stopping {
		o.mut.Unlock()
		return ErrStopped
	}
	o.nextWorkerID++
	p.workerID = o.nextWorkerID
	o.mut.Unlock()

	p.state = messages.StateSpawned
	p.shards = make(map[int]messages.ShardStatus)
	p.gone = make(chan struct{})
	if p.kind == worker.KindCluster {
		p.logger = o.logger.With(zap.Int("worker-id", p.workerID), zap.Int("cluster-id", p.cluster.ClusterID))
		for id := p.cluster.FirstShardID; id <= p.cluster.LastShardID; id++ {
			p.shards[id] = messages.ShardIdle
		}
		if o.cfg.logs(messages.LogClusterLaunch) {
			o.logger.Info(fmt.Sprintf("Launching cluster %d", p.cluster.ClusterID))
		}
	} else {
		p.logger = o.logger.With(zap.Int("worker-id", p.workerID), zap.String("service", p.service.ServiceName))
		if o.cfg.logs(messages.LogServiceLaunch) {
			o.logger.Info(fmt.Sprintf("Launching service %s", p.service.ServiceName))
		}
	}
	p.lifecycle = middleware.StateCritical(func(m *messages.Message) { o.onLifecycle(p, m) }, p.logger, o.cfg.Exit)
	p.relay = middleware.Recover(func(m *messages.Message) { o.onRelay(p, m) }, p.logger)

	process, err := o.cfg.Spawner.Spawn(p.kind, p.workerID)
	if err != nil {
		return fmt.Errorf("failed to spawn %s: %w", p.name(), err)
	}
	p.process = process
	p.ch = ipc.NewChannel(process, process)

	o.mut.Lock()
	if o.stopping {
		o.mut.Unlock()
		process.Kill()
		go process.Wait()
		return ErrStopped
	}
	o.procs[p.workerID] = p
	switch {
	case p.kind == worker.KindService:
		o.services[p.service.ServiceName] = p
	case p.generation == o.generation:
		o.clusters[p.cluster.ClusterID] = p
	case o.next != nil:
		o.next[p.cluster.ClusterID] = p
	}
	o.wg.Add(1)
	o.mut.Unlock()

	go o.supervise(p)
	return nil
}

// supervise reads from p until its channel closes, then reaps it.
func (o *Orchestrator) supervise(p *proc) {
	defer o.wg.Done()
	if err := p.ch.Serve(func(m *messages.Message) { o.dispatch(p, m) }); err != nil {
		p.logger.Error("worker channel failed", zap.Error(err))
		p.process.Kill()
	}
	o.exited(p, p.process.Wait())
}

// dispatch runs on p's reader goroutine. Lifecycle messages are handled in
// order; anything that may wait on another process gets its own goroutine.
func (o *Orchestrator) dispatch(p *proc, m *messages.Message) {
	switch {
	case m.Op.IsDiagnostic():
		ipc.Replay(p.logger, m)
	case m.Op == messages.OpReturn, m.Op == messages.OpCollectStats:
		o.resolve(p, m)
	case m.Op == messages.OpLaunched, m.Op == messages.OpConnected, m.Op == messages.OpCodeLoaded,
		m.Op == messages.OpShardUpdate, m.Op == messages.OpShutdown:
		p.lifecycle(m)
	default:
		go p.relay(m)
	}
}

func (o *Orchestrator) onLifecycle(p *proc, m *messages.Message) {
	switch m.Op {
	case messages.OpLaunched:
		o.advance(p, messages.StateLaunched)
		connect := &messages.Message{Op: messages.OpConnect, Cluster: p.cluster, Service: p.service}
		if err := p.ch.Send(connect); err != nil {
			p.logger.Error("failed to send assignment", zap.Error(err))
		}
	case messages.OpConnected:
		o.advance(p, messages.StateConnected)
		if p.kind == worker.KindCluster {
			for _, f := range o.clusterConnected(p) {
				f()
			}
		}
	case messages.OpCodeLoaded:
		o.advance(p, messages.StateCodeLoaded)
		o.advance(p, messages.StateReady)
		o.codeLoaded(p)
	case messages.OpShardUpdate:
		o.shardUpdate(p, m.ShardUpdate)
	case messages.OpShutdown:
		o.mut.Lock()
		p.acked = true
		o.mut.Unlock()
		p.process.Kill()
	}
}

func (o *Orchestrator) advance(p *proc, s messages.State) {
	o.mut.Lock()
	defer o.mut.Unlock()
	p.state.Advance(s)
}

// clusterConnected returns the sends to perform once the lock is released.
func (o *Orchestrator) clusterConnected(p *proc) []func() {
	o.mut.Lock()
	defer o.mut.Unlock()

	if p.generation > o.generation {
		if o.reshard != nil && !o.reshard.completing && o.allConnected(o.next, o.reshard.clusterCount) {
			o.reshard.completing = true
			return []func(){o.completeReshard}
		}
		return nil
	}
	if p.generation < o.generation {
		return nil
	}

	var after []func()
	all := o.allConnected(o.clusters, o.clusterCount)
	if all && !o.allLaunched {
		o.allLaunched = true
		if o.cfg.logs(messages.LogAllClustersLaunched) {
			o.logger.Info("All clusters have launched")
		}
	}
	if o.cfg.LoadCodeImmediately {
		return after
	}
	switch {
	case o.loadCodeSent:
		after = append(after, func() { o.loadCode(p) })
	case all:
		o.loadCodeSent = true
		for _, c := range o.clusters {
			c := c
			after = append(after, func() { o.loadCode(c) })
		}
	}
	return after
}

func (o *Orchestrator) allConnected(set map[int]*proc, expected int) bool {
	if len(set) != expected {
		return false
	}
	for _, c := range set {
		if c.state < messages.StateConnected {
			return false
		}
	}
	return true
}

func (o *Orchestrator) loadCode(p *proc) {
	if err := p.ch.Send(&messages.Message{Op: messages.OpLoadCode}); err != nil {
		p.logger.Warn("failed to send loadCode", zap.Error(err))
	}
}

func (o *Orchestrator) codeLoaded(p *proc) {
	if p.kind == worker.KindCluster {
		if o.cfg.logs(messages.LogClusterReady) {
			p.logger.Info(fmt.Sprintf("Cluster %d is ready", p.cluster.ClusterID))
		}
		return
	}
	if o.cfg.logs(messages.LogServiceReady) {
		p.logger.Info(fmt.Sprintf("Service %s is ready", p.service.ServiceName))
	}
	o.mut.Lock()
	defer o.mut.Unlock()
	if o.allServices || len(o.services) != len(o.cfg.Services) {
		return
	}
	for _, s := range o.services {
		if s.state < messages.StateReady {
			return
		}
	}
	o.allServices = true
	if o.cfg.logs(messages.LogAllServicesLaunched) {
		o.logger.Info("All services have launched")
	}
}

var shardEvents = map[string]messages.LogEvent{
	messages.ShardConnect:    messages.LogShardConnect,
	messages.ShardReady:      messages.LogShardReady,
	messages.ShardResume:     messages.LogShardResume,
	messages.ShardDisconnect: messages.LogShardDisconnect,
}

func (o *Orchestrator) shardUpdate(p *proc, u *messages.ShardUpdate) {
	if u == nil || p.kind != worker.KindCluster {
		return
	}
	if !p.cluster.Contains(u.ShardID) {
		p.logger.Warn("shard update for a shard the cluster does not own", zap.Int("shard-id", u.ShardID))
		return
	}
	o.mut.Lock()
	p.shards[u.ShardID] = messages.StatusFromUpdate(u.Type)
	o.mut.Unlock()

	if e, ok := shardEvents[u.Type]; ok && o.cfg.logs(e) {
		fields := []zap.Field{zap.Int("shard-id", u.ShardID), zap.String("type", u.Type)}
		if u.Err != "" {
			fields = append(fields, zap.String("err", u.Err))
		}
		p.logger.Info(fmt.Sprintf("Shard %d %s", u.ShardID, messages.StatusFromUpdate(u.Type)), fields...)
	}
}

// exited reaps p. Requests waiting on it fail with ipc.ErrProcessGone and,
// unless the exit was expected, a fresh incarnation is scheduled.
func (o *Orchestrator) exited(p *proc, err error) {
	o.mut.Lock()
	delete(o.procs, p.workerID)
	close(p.gone)
	current := o.isCurrent(p)
	respawn := current && !p.acked && !p.retired && !o.stopping
	broken := o.takeRoutes(p.workerID)
	o.mut.Unlock()

	gone := fmt.Errorf("%w: worker %d exited", ipc.ErrProcessGone, p.workerID)
	failed := o.correlator.FailTarget(p.key(), gone)
	for _, b := range broken {
		b.origin.ch.Send(ipc.ErrorReply(b.id, gone))
	}

	fields := []zap.Field{zap.Int("failed-requests", failed+len(broken))}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if !respawn {
		p.logger.Info("worker exited", fields...)
		return
	}
	p.logger.Warn("worker exited unexpectedly", fields...)
	o.scheduleRespawn(p)
}

// scheduleRespawn respawns p after the respawn delay unless the
// orchestrator stops first.
func (o *Orchestrator) scheduleRespawn(p *proc) {
	go func() {
		t := time.NewTimer(o.cfg.RespawnDelay())
		defer t.Stop()
		select {
		case <-t.C:
			o.respawn(p)
		case <-o.stop:
		}
	}()
}

func (o *Orchestrator) isCurrent(p *proc) bool {
	if p.kind == worker.KindService {
		return o.services[p.service.ServiceName] == p
	}
	return o.clusters[p.cluster.ClusterID] == p || o.next[p.cluster.ClusterID] == p
}

// respawn starts a new incarnation of p with the same assignment. A failed
// spawn leaves p registered and is retried after another delay.
func (o *Orchestrator) respawn(p *proc) {
	o.mut.Lock()
	stale := o.stopping || !o.isCurrent(p) || p.generation < o.generation
	resharding := p.generation > o.generation
	o.mut.Unlock()
	if stale {
		return
	}

	np := &proc{kind: p.kind, generation: p.generation}
	if p.kind == worker.KindCluster {
		a := *p.cluster
		a.Resharding = resharding
		np.cluster = &a
		if o.cfg.logs(messages.LogClusterRestart) {
			p.logger.Info(fmt.Sprintf("Restarting cluster %d", a.ClusterID))
		}
	} else {
		a := *p.service
		np.service = &a
		if o.cfg.logs(messages.LogServiceRestart) {
			p.logger.Info(fmt.Sprintf("Restarting service %s", a.ServiceName))
		}
	}
	if err := o.spawn(np); err != nil {
		if errors.Is(err, ErrStopped) {
			return
		}
		p.logger.Error("failed to respawn worker, retrying", zap.Error(err))
		o.scheduleRespawn(p)
	}
}

// Stop asks every worker to shut down, kills those that do not exit within
// the shutdown timeout and stops the central queue.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mut.Lock()
	if o.stopping {
		o.mut.Unlock()
		<-o.done
		return nil
	}
	o.stopping = true
	close(o.stop)
	if o.reshard != nil {
		o.reshard.done <- ErrStopped
		o.reshard = nil
		o.next = nil
	}
	procs := make([]*proc, 0, len(o.procs))
	for _, p := range o.procs {
		procs = append(procs, p)
	}
	o.mut.Unlock()

	for _, p := range procs {
		if err := p.ch.Send(&messages.Message{Op: messages.OpShutdown}); err != nil {
			p.process.Kill()
		}
	}

	var err error
	deadline := time.NewTimer(o.cfg.ShutdownTimeout())
	defer deadline.Stop()
	late := false
	for _, p := range procs {
		if !late {
			select {
			case <-p.gone:
				continue
			case <-deadline.C:
				late = true
			case <-ctx.Done():
				err = ctx.Err()
				late = true
			}
		}
		select {
		case <-p.gone:
			continue
		default:
		}
		p.logger.Warn("worker did not shut down in time, killing")
		p.process.Kill()
	}

	if o.queue != nil {
		o.queue.Stop()
	}
	o.wg.Wait()
	close(o.done)
	o.logger.Info("orchestrator stopped")
	return err
}

func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Workers lists live worker processes ordered by worker id.
func (o *Orchestrator) Workers() []WorkerInfo {
	o.mut.Lock()
	defer o.mut.Unlock()
	r := make([]WorkerInfo, 0, len(o.procs))
	for _, p := range o.procs {
		wi := WorkerInfo{
			WorkerID:   p.workerID,
			Pid:        p.process.Pid(),
			Kind:       p.kind,
			State:      p.state,
			Generation: p.generation,
		}
		if p.kind == worker.KindCluster {
			wi.ClusterID = p.cluster.ClusterID
			wi.Assignment = p.cluster
		} else {
			wi.ServiceName = p.service.ServiceName
		}
		r = append(r, wi)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].WorkerID < r[j].WorkerID })
	return r
}

// ShardStatuses reports the last known status of every shard owned by the
// active cluster set.
func (o *Orchestrator) ShardStatuses() map[int]messages.ShardStatus {
	o.mut.Lock()
	defer o.mut.Unlock()
	r := make(map[int]messages.ShardStatus)
	for _, c := range o.clusters {
		for id, s := range c.shards {
			r[id] = s
		}
	}
	return r
}

// Layout returns the current shard and cluster counts.
func (o *Orchestrator) Layout() (shardCount, clusterCount int) {
	o.mut.Lock()
	defer o.mut.Unlock()
	return o.shardCount, o.clusterCount
}
