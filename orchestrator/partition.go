package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/buddhike/flotilla/gateway"
	"github.com/buddhike/flotilla/messages"
)

// PartitionShards splits [0, shardCount) into contiguous ranges whose sizes
// differ by at most one, earlier clusters taking the remainder. Clusters
// beyond shardCount get no range and are omitted from the result.
func PartitionShards(shardCount, clusterCount int) []messages.ShardRange {
	if shardCount <= 0 || clusterCount <= 0 {
		return nil
	}
	if clusterCount > shardCount {
		clusterCount = shardCount
	}
	size := shardCount / clusterCount
	rem := shardCount % clusterCount

	ranges := make([]messages.ShardRange, 0, clusterCount)
	first := 0
	for i := 0; i < clusterCount; i++ {
		n := size
		if i < rem {
			n++
		}
		ranges = append(ranges, messages.ShardRange{
			FirstShardID: first,
			LastShardID:  first + n - 1,
			ShardCount:   shardCount,
		})
		first += n
	}
	return ranges
}

var errNoREST = errors.New("shard count is 0 and no REST handler is configured")

type gatewayBot struct {
	Shards int `json:"shards"`
}

// recommendedShards asks the REST API how many shards the bot should run.
func recommendedShards(ctx context.Context, rest gateway.RequestHandler) (int, error) {
	if rest == nil {
		return 0, errNoREST
	}
	raw, err := rest.Request(ctx, gateway.RequestOptions{Method: "GET", Path: "/gateway/bot", Auth: true})
	if err != nil {
		return 0, fmt.Errorf("failed to get recommended shard count: %w", err)
	}
	var gb gatewayBot
	if err := json.Unmarshal(raw, &gb); err != nil {
		return 0, fmt.Errorf("malformed /gateway/bot response: %w", err)
	}
	if gb.Shards <= 0 {
		return 0, fmt.Errorf("invalid recommended shard count %d", gb.Shards)
	}
	return gb.Shards, nil
}
