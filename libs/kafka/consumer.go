package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

const (
	defaultMaxAttempts  = 10
	defaultRetryWindow  = 10 * time.Minute
	defaultRetryBackoff = 100 * time.Millisecond
	maxRetryBackoff     = 5 * time.Second
)

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
	retryWindow  time.Duration
	backoff      time.Duration
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:       group,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		retryWindow: defaultRetryWindow,
		backoff:     defaultRetryBackoff,
	}, nil
}

// WithDLQ routes non-retryable and retry-exhausted messages to topic.
func (c *Consumer) WithDLQ(publisher Publisher, topic string) *Consumer {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
	return c
}

// WithRetry bounds in-place redelivery of retryable failures. maxAttempts <= 0
// retries until the session ends.
func (c *Consumer) WithRetry(maxAttempts int, window, backoff time.Duration) *Consumer {
	c.maxAttempts = maxAttempts
	if window > 0 {
		c.retryWindow = window
	}
	if backoff > 0 {
		c.backoff = backoff
	}
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: newRetryTracker(c.maxAttempts, c.retryWindow),
		backoff:      c.backoff,
	}

	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("kafka consumer group error", "error", err)
		}
	}()

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
	backoff      time.Duration
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim processes records strictly in partition order. A record is
// marked only once it succeeded or was dead-lettered; retryable failures hold
// the partition and are redelivered in place.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for msg := range claim.Messages() {
		if !h.process(ctx, msg) {
			return nil
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// process reports false when the session ended before msg was settled.
func (h *consumerGroupHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	key := recordKey(msg)
	for {
		err := h.handler.HandleMessage(ctx, msg)
		if err == nil {
			h.retryTracker.reset(key)
			return true
		}

		var dlqErr *DLQError
		if errors.As(err, &dlqErr) {
			h.logger.Warn("kafka message dropped", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "reason", dlqErr.Reason, "error", dlqErr.Err)
			h.deadLetter(ctx, msg, dlqErr, h.retryTracker.attempts(key)+1)
			h.retryTracker.reset(key)
			return true
		}

		attempts, exhausted := h.retryTracker.record(key)
		h.logger.Error("kafka message handler error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempt", attempts, "error", err)
		if exhausted {
			h.deadLetter(ctx, msg, &DLQError{Err: err, Reason: "max_retries"}, attempts)
			h.retryTracker.reset(key)
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(retryDelay(h.backoff, attempts)):
		}
	}
}

func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, err *DLQError, attempts int) {
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		return
	}
	payload := BuildDLQPayload(msg, err, attempts)
	if _, _, pubErr := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, payload.Key, payload); pubErr != nil {
		h.logger.Error("publish dlq failed", "topic", h.dlqTopic, "error", pubErr)
	}
}

func retryDelay(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return delay
}

func recordKey(msg *sarama.ConsumerMessage) string {
	return msg.Topic + "/" + strconv.Itoa(int(msg.Partition)) + "/" + strconv.FormatInt(msg.Offset, 10)
}

type retryEntry struct {
	attempts int
	first    time.Time
}

// retryTracker counts failed attempts per record within a sliding window.
type retryTracker struct {
	mu          sync.Mutex
	maxAttempts int
	window      time.Duration
	entries     map[string]retryEntry
	now         func() time.Time
}

func newRetryTracker(maxAttempts int, window time.Duration) *retryTracker {
	return &retryTracker{
		maxAttempts: maxAttempts,
		window:      window,
		entries:     make(map[string]retryEntry),
		now:         time.Now,
	}
}

func (t *retryTracker) record(key string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	entry, ok := t.entries[key]
	if !ok || (t.window > 0 && now.Sub(entry.first) > t.window) {
		entry = retryEntry{first: now}
	}
	entry.attempts++
	t.entries[key] = entry
	return entry.attempts, t.maxAttempts > 0 && entry.attempts >= t.maxAttempts
}

func (t *retryTracker) attempts(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[key].attempts
}

func (t *retryTracker) reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}
