package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/buddhike/flotilla/aws"
	"github.com/buddhike/flotilla/messages"
	"go.uber.org/zap"
)

// StatsPublisher receives every snapshot the orchestrator collects.
type StatsPublisher interface {
	Publish(ctx context.Context, s *messages.StatsSnapshot) error
}

type LogStatsPublisher struct {
	logger *zap.Logger
}

func NewLogStatsPublisher(logger *zap.Logger) *LogStatsPublisher {
	return &LogStatsPublisher{logger: logger.Named("stats")}
}

func (p *LogStatsPublisher) Publish(ctx context.Context, s *messages.StatsSnapshot) error {
	p.logger.Info("fleet stats",
		zap.Int("guilds", s.Guilds),
		zap.Int("users", s.Users),
		zap.Int("members", s.Members),
		zap.Int("voice", s.Voice),
		zap.Int("large-guilds", s.LargeGuilds),
		zap.Int("shards", s.ShardCount),
		zap.Int("clusters", len(s.Clusters)),
		zap.Int("services", len(s.Services)),
		zap.Float64("total-ram-mb", s.TotalRAM),
		zap.Strings("missing", s.Missing))
	return nil
}

// KinesisStatsPublisher writes each snapshot as one JSON record. Records
// from one orchestrator share a partition key so they stay ordered.
type KinesisStatsPublisher struct {
	kds          aws.Kinesis
	streamName   string
	partitionKey string
}

func NewKinesisStatsPublisher(kds aws.Kinesis, streamName, partitionKey string) *KinesisStatsPublisher {
	return &KinesisStatsPublisher{
		kds:          kds,
		streamName:   streamName,
		partitionKey: partitionKey,
	}
}

// Check verifies the stream exists and can accept writes.
func (p *KinesisStatsPublisher) Check(ctx context.Context) error {
	out, err := p.kds.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{
		StreamName: &p.streamName,
	})
	if err != nil {
		return fmt.Errorf("failed to describe stream %s: %w", p.streamName, err)
	}
	if out.StreamDescriptionSummary == nil {
		return fmt.Errorf("stream %s has no description", p.streamName)
	}
	status := out.StreamDescriptionSummary.StreamStatus
	if status != types.StreamStatusActive && status != types.StreamStatusUpdating {
		return fmt.Errorf("stream %s is %s", p.streamName, status)
	}
	return nil
}

func (p *KinesisStatsPublisher) Publish(ctx context.Context, s *messages.StatsSnapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = p.kds.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   &p.streamName,
		PartitionKey: &p.partitionKey,
		Data:         data,
	})
	if err != nil {
		return fmt.Errorf("failed to put stats record: %w", err)
	}
	return nil
}
