// Package redpanda provides the Kafka-compatible event streaming layer
// built on franz-go. The outbox relay publishes order and
// administration events here; the notify worker consumes them.
package redpanda

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig tunes the outbound client. The defaults favor
// durability over latency: order events must survive a broker loss,
// and the outbox relay retries anyway, so acks wait for all replicas.
type ProducerConfig struct {
	Brokers      []string
	Linger       time.Duration
	MaxBatch     int32
	MaxBuffered  int
	SendRetries  int
	RetryBackoff time.Duration
}

// DefaultProducerConfig returns the relay defaults.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Linger:       50 * time.Millisecond,
		MaxBatch:     16 * 1024 * 1024,
		MaxBuffered:  1_000_000,
		SendRetries:  3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// Producer publishes outbox entries to the broker, one traced,
// synchronously acknowledged record at a time.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer
}

// NewProducer connects a producing client.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.ProducerBatchMaxBytes(cfg.MaxBatch),
		kgo.MaxBufferedRecords(cfg.MaxBuffered),
		kgo.RecordRetries(cfg.SendRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return cfg.RetryBackoff * time.Duration(attempt+1)
		}),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}
	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// Publish sends one record and waits for the broker's acknowledgment.
// The outbox relay marks an entry delivered only after Publish
// returns nil, so a false success here would lose an event.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "redpanda.publish",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("key", key),
			attribute.Int("bytes", len(value)),
		))
	defer span.End()

	record := &kgo.Record{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: traceHeaders(ctx),
	}

	var sendErr error
	var wg sync.WaitGroup
	wg.Add(1)
	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		defer wg.Done()
		if err != nil {
			sendErr = err
			span.RecordError(err)
			p.logger.Error("publish failed",
				zap.String("topic", topic),
				zap.String("key", key),
				zap.Error(err))
			return
		}
		p.logger.Debug("record published",
			zap.String("topic", r.Topic),
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset))
	})
	wg.Wait()
	return sendErr
}

// Close flushes buffered records and releases the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("flush on close", zap.Error(err))
	}
	p.client.Close()
	return nil
}

// traceHeaders carries the current span across the broker so the
// notify worker's spans join the publishing trace.
func traceHeaders(ctx context.Context) []kgo.RecordHeader {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return []kgo.RecordHeader{{
		Key: "traceparent",
		Value: []byte(fmt.Sprintf("00-%s-%s-%02x",
			sc.TraceID().String(), sc.SpanID().String(), sc.TraceFlags())),
	}}
}
