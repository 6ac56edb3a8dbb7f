package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AfshinJalili/obsync/libs/kafka"
	"github.com/prometheus/client_golang/prometheus"
)

var ErrBatcherClosed = errors.New("batcher closed")

type BatcherOptions struct {
	MaxBatchMessages int
	MaxQueueMessages int
	FlushInterval    time.Duration
}

type BatcherMetrics struct {
	QueueDepth *prometheus.GaugeVec
	Dropped    *prometheus.CounterVec
	Requeued   *prometheus.CounterVec
}

func NewBatcherMetrics(registry *prometheus.Registry) *BatcherMetrics {
	m := &BatcherMetrics{
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "notify_queue_messages",
				Help: "Messages waiting to be flushed per topic.",
			},
			[]string{"topic"},
		),
		Dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notify_dropped_total",
				Help: "Messages dropped because the topic queue was full.",
			},
			[]string{"topic"},
		),
		Requeued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notify_requeued_total",
				Help: "Messages put back on the queue after a failed flush.",
			},
			[]string{"topic"},
		),
	}
	registry.MustRegister(m.QueueDepth, m.Dropped, m.Requeued)
	return m
}

// Batcher queues encoded records per topic and publishes them from a single
// flush goroutine. Enqueue never waits on delivery; a failed batch goes back
// to the head of its queue.
type Batcher struct {
	publisher kafka.BatchPublisher
	opts      BatcherOptions
	logger    *slog.Logger
	metrics   *BatcherMetrics

	mu      sync.Mutex
	queues  map[string][]kafka.Message
	topics  []string
	started bool
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func NewBatcher(publisher kafka.BatchPublisher, opts BatcherOptions, logger *slog.Logger, metrics *BatcherMetrics) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBatchMessages <= 0 {
		opts.MaxBatchMessages = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Millisecond
	}
	return &Batcher{
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
		queues:    make(map[string][]kafka.Message),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the flush loop until Close is called or ctx is done.
func (b *Batcher) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true
	go b.run(ctx)
}

func (b *Batcher) run(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-ticker.C:
		case <-b.wake:
		}
		if err := b.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn("notification flush failed, will retry", "error", err)
		}
	}
}

// Enqueue appends msgs to their topic queues in order.
func (b *Batcher) Enqueue(msgs ...kafka.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBatcherClosed
	}
	full := false
	for _, m := range msgs {
		q, ok := b.queues[m.Topic]
		if !ok {
			b.topics = append(b.topics, m.Topic)
		}
		q = append(q, m)
		if b.opts.MaxQueueMessages > 0 && len(q) > b.opts.MaxQueueMessages {
			drop := len(q) - b.opts.MaxQueueMessages
			q = q[drop:]
			b.observeDropped(m.Topic, drop)
		}
		b.queues[m.Topic] = q
		b.observeDepth(m.Topic, len(q))
		if len(q) >= b.opts.MaxBatchMessages {
			full = true
		}
	}
	b.mu.Unlock()

	if full {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush publishes every queued message once, one batch per topic at a time.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	topics := append([]string(nil), b.topics...)
	b.mu.Unlock()

	var errs []error
	for _, topic := range topics {
		if err := b.flushTopic(ctx, topic); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Batcher) flushTopic(ctx context.Context, topic string) error {
	for {
		b.mu.Lock()
		q := b.queues[topic]
		if len(q) == 0 {
			b.mu.Unlock()
			return nil
		}
		n := min(len(q), b.opts.MaxBatchMessages)
		batch := q[:n:n]
		b.queues[topic] = q[n:]
		b.mu.Unlock()

		if err := b.publisher.PublishBatch(ctx, batch); err != nil {
			b.requeue(topic, batch)
			return fmt.Errorf("flush %s: %w", topic, err)
		}

		b.mu.Lock()
		b.observeDepth(topic, len(b.queues[topic]))
		b.mu.Unlock()
	}
}

func (b *Batcher) requeue(topic string, batch []kafka.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := append(batch, b.queues[topic]...)
	if b.opts.MaxQueueMessages > 0 && len(q) > b.opts.MaxQueueMessages {
		drop := len(q) - b.opts.MaxQueueMessages
		q = q[drop:]
		b.observeDropped(topic, drop)
	}
	b.queues[topic] = q
	b.observeDepth(topic, len(q))
	if b.metrics != nil {
		b.metrics.Requeued.WithLabelValues(topic).Add(float64(len(batch)))
	}
}

// Pending reports queued messages across all topics.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, q := range b.queues {
		total += len(q)
	}
	return total
}

// Close stops the flush loop and drains the queues until they are empty or
// ctx is done.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	b.mu.Unlock()

	close(b.stop)
	if started {
		select {
		case <-b.done:
		case <-ctx.Done():
		}
	}

	for b.Pending() > 0 {
		if err := b.Flush(ctx); err != nil {
			select {
			case <-ctx.Done():
				return fmt.Errorf("drain notifications: %d left: %w", b.Pending(), err)
			case <-time.After(b.opts.FlushInterval):
			}
		}
	}
	return nil
}

func (b *Batcher) observeDepth(topic string, depth int) {
	if b.metrics == nil {
		return
	}
	b.metrics.QueueDepth.WithLabelValues(topic).Set(float64(depth))
}

func (b *Batcher) observeDropped(topic string, n int) {
	b.logger.Warn("notification queue full, dropping oldest", "topic", topic, "dropped", n)
	if b.metrics == nil {
		return
	}
	b.metrics.Dropped.WithLabelValues(topic).Add(float64(n))
}
