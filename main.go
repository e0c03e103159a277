package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buddhike/flotilla/aws"
	"github.com/buddhike/flotilla/messages"
	"github.com/buddhike/flotilla/orchestrator"
	"github.com/buddhike/flotilla/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	name                string
	shardCount          int
	clusterCount        int
	pluginPath          string
	inProcess           bool
	centralRequests     bool
	loadCodeImmediately bool
	statsStream         string
	statsIntervalMs     int
	respawnDelayMs      int
	shutdownTimeoutMs   int
	verbose             bool
)

func init() {
	flag.StringVar(&name, "name", "flotilla", "fleet name, also the stats partition key")
	flag.IntVar(&shardCount, "shards", 0, "number of shards, 0 asks the REST API")
	flag.IntVar(&clusterCount, "clusters", 0, "number of clusters, 0 uses one per CPU")
	flag.StringVar(&pluginPath, "plugin", "", "bot worker plugin, empty uses the built in echo bot")
	flag.BoolVar(&inProcess, "in-process", false, "run workers as goroutines instead of child processes")
	flag.BoolVar(&centralRequests, "central-requests", true, "route REST calls through the orchestrator queue")
	flag.BoolVar(&loadCodeImmediately, "load-code-immediately", true, "load bot code before shards connect")
	flag.StringVar(&statsStream, "stats-stream", "", "Kinesis stream to publish stats to")
	flag.IntVar(&statsIntervalMs, "stats-interval-ms", 60000, "stats collection interval")
	flag.IntVar(&respawnDelayMs, "respawn-delay-ms", 5000, "delay before respawning a crashed worker")
	flag.IntVar(&shutdownTimeoutMs, "shutdown-timeout-ms", 10000, "how long workers get to shut down")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logs")
}

func main() {
	if worker.IsWorkerProcess() {
		if err := worker.Main(workerOptions()...); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	parseArgs()
	logger := newLogger()
	defer logger.Sync()

	// The registry is consulted before the plugin, so a plugin runs unnamed.
	workerName := echoBot
	if pluginPath != "" {
		workerName = ""
	}

	ctx := context.Background()
	opts := []func(*orchestrator.Config){
		orchestrator.WithName(name),
		orchestrator.WithShardCount(shardCount),
		orchestrator.WithClusterCount(clusterCount),
		orchestrator.WithWorkerName(workerName),
		orchestrator.WithPath(pluginPath),
		orchestrator.WithService(orchestrator.ServiceConfig{Name: clockService, TimeoutMs: 5000}),
		orchestrator.WithCentralRequestHandler(centralRequests),
		orchestrator.WithLoadCodeImmediately(loadCodeImmediately),
		orchestrator.WithStartingStatus(messages.StartingStatus{Status: "online", Activity: "the fleet"}),
		orchestrator.WithStatsIntervalMilliseconds(statsIntervalMs),
		orchestrator.WithRespawnDelayMilliseconds(respawnDelayMs),
		orchestrator.WithShutdownTimeoutMilliseconds(shutdownTimeoutMs),
		orchestrator.WithREST(newLocalREST(logger, shardCount)),
		orchestrator.WithLogger(logger),
	}
	if inProcess {
		opts = append(opts, orchestrator.WithSpawner(orchestrator.NewInProcessSpawner(orchestrator.WorkerRunner(workerOptions()...))))
	}
	if statsStream != "" {
		kds, err := aws.NewKinesis(ctx)
		if err != nil {
			logger.Fatal("failed to create kinesis client", zap.Error(err))
		}
		p := orchestrator.NewKinesisStatsPublisher(kds, statsStream, name)
		if err := p.Check(ctx); err != nil {
			logger.Fatal("stats stream is not usable", zap.Error(err))
		}
		opts = append(opts, orchestrator.WithStatsPublisher(p))
	} else {
		opts = append(opts, orchestrator.WithStatsPublisher(orchestrator.NewLogStatsPublisher(logger)))
	}

	o := orchestrator.New(opts...)
	stopchan := make(chan os.Signal, 1)
	signal.Notify(stopchan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-stopchan
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(shutdownTimeoutMs)*time.Millisecond*2)
		defer cancel()
		if err := o.Stop(ctx); err != nil {
			logger.Warn("unclean shutdown", zap.Error(err))
		}
	}()
	if err := o.Start(ctx); err != nil {
		logger.Fatal("failed to start fleet", zap.Error(err))
	}
	<-o.Done()
}

func parseArgs() {
	flag.Parse()
	if name == "" {
		fmt.Println("error: --name is required")
		flag.Usage()
		os.Exit(1)
	}
	if shardCount < 0 || clusterCount < 0 {
		fmt.Println("error: --shards and --clusters cannot be negative")
		flag.Usage()
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	if verbose {
		return zap.Must(zap.NewDevelopment())
	}
	return zap.Must(zap.NewProduction())
}

func workerOptions() []func(*worker.Config) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	return []func(*worker.Config){
		worker.WithRegistry(registry()),
		worker.WithGateway(demoGateway()),
		worker.WithLogLevel(level),
	}
}
