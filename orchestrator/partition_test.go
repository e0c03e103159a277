package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/buddhike/flotilla/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionShards(t *testing.T) {
	cases := []struct {
		name     string
		shards   int
		clusters int
		want     [][2]int
	}{
		{"even", 4, 2, [][2]int{{0, 1}, {2, 3}}},
		{"remainder goes first", 10, 3, [][2]int{{0, 3}, {4, 6}, {7, 9}}},
		{"one cluster", 5, 1, [][2]int{{0, 4}}},
		{"more clusters than shards", 2, 5, [][2]int{{0, 0}, {1, 1}}},
		{"no shards", 0, 3, nil},
		{"no clusters", 3, 0, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ranges := PartitionShards(c.shards, c.clusters)
			require.Len(t, ranges, len(c.want))
			for i, r := range ranges {
				assert.Equal(t, c.want[i][0], r.FirstShardID)
				assert.Equal(t, c.want[i][1], r.LastShardID)
				assert.Equal(t, c.shards, r.ShardCount)
				assert.NoError(t, r.Validate())
			}
		})
	}
}

func TestPartitionCoversEveryShardOnce(t *testing.T) {
	for shards := 1; shards <= 40; shards++ {
		for clusters := 1; clusters <= 12; clusters++ {
			owners := make(map[int]int)
			ranges := PartitionShards(shards, clusters)
			lo, hi := shards, 0
			for i, r := range ranges {
				for id := r.FirstShardID; id <= r.LastShardID; id++ {
					_, dup := owners[id]
					require.False(t, dup, "shard %d assigned twice (%d/%d)", id, shards, clusters)
					owners[id] = i
				}
				if r.Shards() < lo {
					lo = r.Shards()
				}
				if r.Shards() > hi {
					hi = r.Shards()
				}
			}
			require.Len(t, owners, shards)
			require.LessOrEqual(t, hi-lo, 1)
		}
	}
}

func TestRecommendedShards(t *testing.T) {
	t.Run("reads shards from gateway/bot", func(t *testing.T) {
		var got gateway.RequestOptions
		rest := gateway.RequestHandlerFunc(func(ctx context.Context, opts gateway.RequestOptions) (json.RawMessage, error) {
			got = opts
			return json.RawMessage(`{"url":"wss://gateway","shards":6}`), nil
		})
		n, err := recommendedShards(context.Background(), rest)
		require.NoError(t, err)
		assert.Equal(t, 6, n)
		assert.Equal(t, "/gateway/bot", got.Path)
		assert.True(t, got.Auth)
	})

	t.Run("no REST handler", func(t *testing.T) {
		_, err := recommendedShards(context.Background(), nil)
		assert.ErrorIs(t, err, errNoREST)
	})

	t.Run("call fails", func(t *testing.T) {
		boom := errors.New("boom")
		rest := gateway.RequestHandlerFunc(func(ctx context.Context, opts gateway.RequestOptions) (json.RawMessage, error) {
			return nil, boom
		})
		_, err := recommendedShards(context.Background(), rest)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("zero shards", func(t *testing.T) {
		rest := gateway.RequestHandlerFunc(func(ctx context.Context, opts gateway.RequestOptions) (json.RawMessage, error) {
			return json.RawMessage(`{"shards":0}`), nil
		})
		_, err := recommendedShards(context.Background(), rest)
		assert.Error(t, err)
	})
}
