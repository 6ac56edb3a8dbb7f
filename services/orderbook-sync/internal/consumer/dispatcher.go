package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/obsync/libs/kafka"
	"github.com/AfshinJalili/obsync/libs/logging"
	"github.com/AfshinJalili/obsync/libs/trace"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/events"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/handlers"
	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	tracerName = "orderbook-sync"

	statusSuccess    = "success"
	statusParseError = "parse_error"
	statusError      = "error"

	unknownType = "unknown"
)

// HandlerSet selects the handler for a decoded update.
type HandlerSet interface {
	For(update events.Update) (handlers.Handler, error)
}

// Enqueuer accepts outbound messages without waiting for delivery.
type Enqueuer interface {
	Enqueue(msgs ...kafka.Message) error
}

// Topics maps notification channels to Kafka topics.
type Topics struct {
	Subaccounts     string
	Orderbooks      string
	OffChainUpdates string
}

func (t Topics) forChannel(ch handlers.Channel) (string, error) {
	var topic string
	switch ch {
	case handlers.ChannelSubaccounts:
		topic = t.Subaccounts
	case handlers.ChannelOrderbooks:
		topic = t.Orderbooks
	case handlers.ChannelOffChainUpdates:
		topic = t.OffChainUpdates
	}
	if strings.TrimSpace(topic) == "" {
		return "", fmt.Errorf("no topic configured for channel %q", ch)
	}
	return topic, nil
}

// Dispatcher decodes off-chain updates, runs the matching handler and queues
// the resulting notifications in order.
type Dispatcher struct {
	handlers HandlerSet
	out      Enqueuer
	topics   Topics
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(set HandlerSet, out Enqueuer, topics Topics, metrics *Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: set,
		out:      out,
		topics:   topics,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleMessage implements kafka.MessageHandler. Malformed updates are
// dead-lettered; any other failure is returned for redelivery.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := d.now()
	if msg == nil || len(msg.Value) == 0 {
		d.metrics.observe(unknownType, statusParseError, 0)
		return kafka.DLQ(errors.New("empty kafka message"), "empty_message")
	}

	ctx, span := trace.StartConsumerSpan(ctx, tracerName, msg)
	defer span.End()

	headers := d.headers(msg, start)
	update, err := events.Decode(msg.Value)
	if err != nil {
		logging.Crit(ctx, d.logger, "malformed off-chain update",
			"at", "Dispatcher#decode",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"tx_hash", headers.TxHash,
			"error", err,
		)
		span.SetStatus(codes.Error, "decode")
		d.metrics.observe(unknownType, statusParseError, d.now().Sub(start))
		return kafka.DLQ(err, "parse")
	}
	updateType := update.Type()
	span.SetAttributes(attribute.String("obsync.update_type", updateType))

	handler, err := d.handlers.For(update)
	if err != nil {
		d.metrics.observe(updateType, statusParseError, d.now().Sub(start))
		return kafka.DLQ(err, "parse")
	}

	effects, err := handler.Handle(ctx, headers, update)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if handlers.IsParseError(err) {
			d.metrics.observe(updateType, statusParseError, d.now().Sub(start))
			return kafka.DLQ(err, "parse")
		}
		d.logger.Error("off-chain update handler failed",
			"type", updateType,
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"tx_hash", headers.TxHash,
			"error", err,
		)
		d.metrics.observe(updateType, statusError, d.now().Sub(start))
		return err
	}

	msgs, err := d.outbound(ctx, headers, updateType, effects)
	if err != nil {
		d.metrics.observe(updateType, statusError, d.now().Sub(start))
		return err
	}
	if err := d.out.Enqueue(msgs...); err != nil {
		d.metrics.observe(updateType, statusError, d.now().Sub(start))
		return fmt.Errorf("enqueue notifications: %w", err)
	}

	done := d.now()
	d.metrics.observe(updateType, statusSuccess, done.Sub(start))
	if received, ok := headers.ReceivedAt(); ok {
		d.metrics.observeLatency(updateType, done.Sub(received))
	}
	span.SetAttributes(attribute.Int("obsync.notifications", len(msgs)))
	return nil
}

// headers reads the optional metadata. A missing receipt time falls back to
// the record timestamp, then to now.
func (d *Dispatcher) headers(msg *sarama.ConsumerMessage, start time.Time) events.Headers {
	var h events.Headers
	h.TxHash, _ = kafka.Header(msg.Headers, events.HeaderTxHash)
	h.EventType, _ = kafka.Header(msg.Headers, events.HeaderEventType)
	ts, ok := kafka.Header(msg.Headers, events.HeaderMessageReceivedTimestamp)
	switch {
	case ok && ts != "":
		h.ReceivedTimestamp = ts
	case !msg.Timestamp.IsZero():
		h.ReceivedTimestamp = events.FormatTimestamp(msg.Timestamp)
	default:
		h.ReceivedTimestamp = events.FormatTimestamp(start)
	}
	return h
}

func (d *Dispatcher) outbound(ctx context.Context, headers events.Headers, updateType string, effects handlers.Effects) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(effects))
	for _, e := range effects {
		topic, err := d.topics.forChannel(e.Channel)
		if err != nil {
			return nil, err
		}
		hdrs := kafka.RecordHeaders(headers.Outbound(updateType))
		if headers.TxHash != "" {
			hdrs = append(hdrs, sarama.RecordHeader{Key: []byte(events.HeaderTxHash), Value: []byte(headers.TxHash)})
		}
		trace.Inject(ctx, &hdrs)
		msgs = append(msgs, kafka.Message{
			Topic:   topic,
			Key:     e.Key,
			Value:   e.Value,
			Headers: hdrs,
		})
	}
	return msgs, nil
}
