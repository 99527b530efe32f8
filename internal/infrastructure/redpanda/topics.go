// Topic provisioning for the medication order engine. The relay runs
// EnsureTopics at boot so a fresh cluster comes up without manual
// setup; in shared clusters the topics usually already exist.
package redpanda

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	TopicOrderEvents          = "medorder.order.events"
	TopicAdministrationEvents = "medorder.administration.events"
	TopicAdverseReactions     = "medorder.adverse.reactions"
	TopicAuditTrail           = "medorder.audit.trail"
	TopicDeadLetter           = "medorder.dead.letter"
)

const (
	weekMS  = "604800000"
	monthMS = "2592000000"
)

// topicSpec declares one topic's shape. Replication is 1 for local
// development; production clusters override it broker-side.
type topicSpec struct {
	name       string
	partitions int32
	retention  string
}

// Order and administration streams are keyed by order id, so they get
// more partitions than the lower-volume clinical streams. Audit and
// adverse-reaction retention is a month to cover pharmacy review
// windows.
var topicSpecs = []topicSpec{
	{TopicOrderEvents, 12, weekMS},
	{TopicAdministrationEvents, 12, weekMS},
	{TopicAdverseReactions, 6, monthMS},
	{TopicAuditTrail, 6, monthMS},
	{TopicDeadLetter, 3, weekMS},
}

// Admin creates and inspects topics through kadm.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin connects an admin client to the given brokers.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("redpanda admin client: %w", err)
	}
	return &Admin{client: kadm.NewClient(kgoClient), logger: logger}, nil
}

// EnsureTopics creates every engine topic that does not already
// exist.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	ptr := func(s string) *string { return &s }

	for _, spec := range topicSpecs {
		configs := map[string]*string{
			"retention.ms":     ptr(spec.retention),
			"cleanup.policy":   ptr("delete"),
			"compression.type": ptr("lz4"),
		}
		resp, err := a.client.CreateTopics(ctx, spec.partitions, 1, configs, spec.name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", spec.name, err)
		}
		for _, r := range resp {
			if r.Err != nil {
				if strings.Contains(r.Err.Error(), "TOPIC_ALREADY_EXISTS") {
					a.logger.Debug("topic exists", zap.String("topic", r.Topic))
					continue
				}
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", spec.partitions))
		}
	}
	return nil
}

// GroupLag reports per-partition lag for a consumer group, keyed by
// topic then partition.
func (a *Admin) GroupLag(ctx context.Context, groupID string) (map[string]map[int32]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("group lag %s: %w", groupID, err)
	}
	out := make(map[string]map[int32]int64)
	described.Each(func(g kadm.DescribedGroupLag) {
		for topic, partitions := range g.Lag {
			if out[topic] == nil {
				out[topic] = make(map[int32]int64)
			}
			for partition, lag := range partitions {
				out[topic][partition] = lag.Lag
			}
		}
	})
	return out, nil
}

// Close releases the underlying client.
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck pings the brokers with a short deadline.
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("redpanda client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("redpanda ping: %w", err)
	}
	return nil
}
