package trace

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// RecordHeaderCarrier exposes kafka record headers to an otel propagator.
type RecordHeaderCarrier []*sarama.RecordHeader

func (c RecordHeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c RecordHeaderCarrier) Set(string, string) {}

func (c RecordHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		if h != nil {
			keys = append(keys, string(h.Key))
		}
	}
	return keys
}

// ProducerHeaderCarrier injects trace context into outgoing record headers.
type ProducerHeaderCarrier struct {
	Headers *[]sarama.RecordHeader
}

func (c ProducerHeaderCarrier) Get(key string) string {
	for _, h := range *c.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c ProducerHeaderCarrier) Set(key, value string) {
	for i, h := range *c.Headers {
		if string(h.Key) == key {
			(*c.Headers)[i].Value = []byte(value)
			return
		}
	}
	*c.Headers = append(*c.Headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c ProducerHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.Headers))
	for _, h := range *c.Headers {
		keys = append(keys, string(h.Key))
	}
	return keys
}

// StartConsumerSpan continues the producer's trace for one consumed record.
func StartConsumerSpan(ctx context.Context, tracerName string, msg *sarama.ConsumerMessage) (context.Context, oteltrace.Span) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, RecordHeaderCarrier(msg.Headers))
	return otel.Tracer(tracerName).Start(ctx, msg.Topic+" process",
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer),
		oteltrace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.kafka.destination.partition", int(msg.Partition)),
			attribute.Int64("messaging.kafka.message.offset", msg.Offset),
		),
	)
}

// Inject writes the span context carried by ctx into headers.
func Inject(ctx context.Context, headers *[]sarama.RecordHeader) {
	otel.GetTextMapPropagator().Inject(ctx, ProducerHeaderCarrier{Headers: headers})
}

var _ propagation.TextMapCarrier = RecordHeaderCarrier(nil)
var _ propagation.TextMapCarrier = ProducerHeaderCarrier{}
