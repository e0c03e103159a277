package messages

import (
	"encoding/json"
	"fmt"
)

type ShardRange struct {
	FirstShardID int `json:"firstShardID"`
	LastShardID  int `json:"lastShardID"`
	ShardCount   int `json:"shardCount"`
}

func (r ShardRange) Shards() int {
	return r.LastShardID - r.FirstShardID + 1
}

func (r ShardRange) Contains(shardID int) bool {
	return shardID >= r.FirstShardID && shardID <= r.LastShardID
}

func (r ShardRange) Validate() error {
	if r.FirstShardID < 0 || r.FirstShardID > r.LastShardID || r.LastShardID >= r.ShardCount {
		return fmt.Errorf("invalid shard range %d-%d of %d", r.FirstShardID, r.LastShardID, r.ShardCount)
	}
	return nil
}

type StartingStatus struct {
	Status   string `json:"status"`
	Activity string `json:"activity,omitempty"`
}

// ClusterAssignment is sent once to a cluster worker as its connect message.
type ClusterAssignment struct {
	ClusterID    int `json:"clusterID"`
	ClusterCount int `json:"clusterCount"`
	ShardRange
	Path                     string          `json:"path,omitempty"`
	WorkerName               string          `json:"workerName,omitempty"`
	ClientOptions            json.RawMessage `json:"clientOptions,omitempty"`
	WhatToLog                []LogEvent      `json:"whatToLog,omitempty"`
	UseCentralRequestHandler bool            `json:"useCentralRequestHandler"`
	LoadCodeImmediately      bool            `json:"loadCodeImmediately"`
	Resharding               bool            `json:"resharding"`
	StartingStatus           *StartingStatus `json:"startingStatus,omitempty"`
	RequestTimeoutMs         int             `json:"requestTimeoutMs,omitempty"`
	FetchTimeoutMs           int             `json:"fetchTimeoutMs,omitempty"`
}

type ServiceAssignment struct {
	ServiceName    string     `json:"serviceName"`
	Path           string     `json:"path,omitempty"`
	TimeoutMs      int        `json:"timeoutMs"`
	FetchTimeoutMs int        `json:"fetchTimeoutMs,omitempty"`
	WhatToLog      []LogEvent `json:"whatToLog,omitempty"`
}

type LogEvent string

const (
	LogClusterLaunch       LogEvent = "cluster_launch"
	LogClusterStart        LogEvent = "cluster_start"
	LogClusterReady        LogEvent = "cluster_ready"
	LogClusterRestart      LogEvent = "cluster_restart"
	LogServiceLaunch       LogEvent = "service_launch"
	LogServiceStart        LogEvent = "service_start"
	LogServiceReady        LogEvent = "service_ready"
	LogServiceRestart      LogEvent = "service_restart"
	LogShardsSpread        LogEvent = "shards_spread"
	LogShardConnect        LogEvent = "shard_connect"
	LogShardReady          LogEvent = "shard_ready"
	LogShardResume         LogEvent = "shard_resume"
	LogShardDisconnect     LogEvent = "shard_disconnect"
	LogStatsUpdate         LogEvent = "stats_update"
	LogAllClustersLaunched LogEvent = "all_clusters_launched"
	LogAllServicesLaunched LogEvent = "all_services_launched"
	LogReshardTransition   LogEvent = "resharding_transition"
)

// AllLogEvents is the default WhatToLog.
var AllLogEvents = []LogEvent{
	LogClusterLaunch, LogClusterStart, LogClusterReady, LogClusterRestart,
	LogServiceLaunch, LogServiceStart, LogServiceReady, LogServiceRestart,
	LogShardsSpread, LogShardConnect, LogShardReady, LogShardResume, LogShardDisconnect,
	LogStatsUpdate, LogAllClustersLaunched, LogAllServicesLaunched, LogReshardTransition,
}

func Logs(events []LogEvent, e LogEvent) bool {
	for _, v := range events {
		if v == e {
			return true
		}
	}
	return false
}
