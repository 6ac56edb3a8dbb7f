package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
)

type ProducerMetrics struct {
	PublishTotal   *prometheus.CounterVec
	PublishLatency prometheus.Histogram
	BatchSize      prometheus.Histogram
}

func NewProducerMetrics(registry *prometheus.Registry) *ProducerMetrics {
	m := &ProducerMetrics{
		PublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_publish_total",
				Help: "Total Kafka publish attempts.",
			},
			[]string{"topic", "status"},
		),
		PublishLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kafka_publish_latency_seconds",
				Help:    "Kafka publish latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kafka_publish_batch_messages",
				Help:    "Messages per Kafka batch publish.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
	}

	registry.MustRegister(m.PublishTotal, m.PublishLatency, m.BatchSize)
	return m
}

func (m *ProducerMetrics) observe(topic string, start time.Time, count int, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.PublishTotal.WithLabelValues(topic, status).Add(float64(count))
	m.PublishLatency.Observe(time.Since(start).Seconds())
}

// Message is a pre-encoded record.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers []sarama.RecordHeader
}

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

type BatchPublisher interface {
	PublishBatch(ctx context.Context, msgs []Message) error
}

type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
	metrics  *ProducerMetrics
}

func NewSyncProducer(brokers []string, logger *slog.Logger, metrics *ProducerMetrics) (*SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Compression = sarama.CompressionGZIP
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return NewSyncProducerFrom(producer, logger, metrics), nil
}

// NewSyncProducerFrom wraps an existing sarama producer.
func NewSyncProducerFrom(producer sarama.SyncProducer, logger *slog.Logger, metrics *ProducerMetrics) *SyncProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncProducer{
		producer: producer,
		logger:   logger,
		metrics:  metrics,
	}
}

func (p *SyncProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	default:
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal kafka payload: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}

	start := time.Now()
	partition, offset, err := p.producer.SendMessage(msg)
	p.metrics.observe(topic, start, 1, err)
	if err != nil {
		p.logger.Error("kafka publish failed", "topic", topic, "error", err)
		return 0, 0, fmt.Errorf("kafka publish failed: %w", err)
	}

	return partition, offset, nil
}

// PublishBatch sends msgs in one produce call. Messages sharing a key keep
// their relative order.
func (p *SyncProducer) PublishBatch(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	batch := make([]*sarama.ProducerMessage, 0, len(msgs))
	for _, m := range msgs {
		pm := &sarama.ProducerMessage{
			Topic:   m.Topic,
			Value:   sarama.ByteEncoder(m.Value),
			Headers: m.Headers,
		}
		if len(m.Key) > 0 {
			pm.Key = sarama.ByteEncoder(m.Key)
		}
		batch = append(batch, pm)
	}

	start := time.Now()
	err := p.producer.SendMessages(batch)
	if p.metrics != nil {
		p.metrics.BatchSize.Observe(float64(len(batch)))
	}
	p.metrics.observe(msgs[0].Topic, start, len(batch), err)
	if err != nil {
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) {
			p.logger.Error("kafka batch publish failed", "topic", msgs[0].Topic, "failed", len(perrs), "total", len(batch))
		} else {
			p.logger.Error("kafka batch publish failed", "topic", msgs[0].Topic, "error", err)
		}
		return fmt.Errorf("kafka batch publish failed: %w", err)
	}
	return nil
}

func (p *SyncProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
