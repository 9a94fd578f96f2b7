package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/infrastructure/postgres"
)

// Topics written by form-api.
const (
	TopicFormTransitions = "prescribing.form.transitions"
	TopicSubmitted       = postgres.TopicSubmitted
	TopicDeadLetter      = postgres.TopicDeadLetter
)

// TopicConfig describes one topic to create.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topics form-api needs.
func DefaultTopicConfigs() []TopicConfig {
	ptr := func(s string) *string { return &s }

	return []TopicConfig{
		{
			Name:              TopicFormTransitions,
			Partitions:        6,
			ReplicationFactor: 1,
			Configs: map[string]*string{
				"retention.ms":     ptr("259200000"), // 3 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("zstd"),
			},
		},
		{
			Name:              TopicSubmitted,
			Partitions:        6,
			ReplicationFactor: 1,
			Configs: map[string]*string{
				"retention.ms":     ptr("2592000000"), // 30 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("zstd"),
			},
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        1,
			ReplicationFactor: 1,
			Configs: map[string]*string{
				"retention.ms":   ptr("604800000"), // 7 days
				"cleanup.policy": ptr("delete"),
			},
		},
	}
}

// Admin creates and inspects topics.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// CreateTopics creates every topic in configs, skipping those that exist.
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) error {
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		}
		for _, r := range resp {
			if errors.Is(r.Err, kerr.TopicAlreadyExists) {
				a.logger.Debug("topic already exists", zap.String("topic", r.Topic))
				continue
			}
			if r.Err != nil {
				return fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// EnsureTopics creates DefaultTopicConfigs.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// GroupLag is the lag of one consumer group, per topic and partition.
type GroupLag struct {
	Group      string                     `json:"group"`
	Partitions map[string]map[int32]int64 `json:"partitions"`
	Total      int64                      `json:"total"`
}

// GetConsumerGroupLag returns the lag of groupID per topic and partition.
func (a *Admin) GetConsumerGroupLag(ctx context.Context, groupID string) (*GroupLag, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group lag: %w", err)
	}
	if err := described.Error(); err != nil {
		return nil, fmt.Errorf("failed to describe group %s: %w", groupID, err)
	}
	return groupLag(groupID, described), nil
}

func groupLag(groupID string, described kadm.DescribedGroupLags) *GroupLag {
	out := &GroupLag{Group: groupID, Partitions: make(map[string]map[int32]int64)}
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			if out.Partitions[topic] == nil {
				out.Partitions[topic] = make(map[int32]int64)
			}
			for partition, lag := range partitions {
				out.Partitions[topic][partition] = lag.Lag
				// -1 marks a partition whose offsets could not be read
				if lag.Lag > 0 {
					out.Total += lag.Lag
				}
			}
		}
	})
	return out
}

func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck pings the brokers.
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
