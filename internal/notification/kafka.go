package notification

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/peerpesa/settlement/internal/telemetry"
)

const defaultTopic = "settlement-outcomes"

// MessageWriter is the subset of *kafka.Writer the notifier uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the outcome topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaNotifier publishes outcome events as JSON keyed by transfer id.
type KafkaNotifier struct {
	writer MessageWriter
	topic  string
}

// NewKafkaWriter builds the writer used in production.
func NewKafkaWriter(cfg KafkaConfig) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}, nil
}

// NewKafkaNotifier wraps a writer. An empty topic uses settlement-outcomes.
func NewKafkaNotifier(writer MessageWriter, topic string) *KafkaNotifier {
	if strings.TrimSpace(topic) == "" {
		topic = defaultTopic
	}
	return &KafkaNotifier{writer: writer, topic: topic}
}

// Send implements Notifier.
func (n *KafkaNotifier) Send(ctx context.Context, message Message) error {
	ctx, span := otel.Tracer("settlement/notification").Start(ctx, "notification.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("notification.kind", message.Kind),
		attribute.String("transfer.id", message.TransferID),
	)

	payload, err := json.Marshal(message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	headers := []kafka.Header{{Key: "kind", Value: []byte(message.Kind)}}
	telemetry.InjectKafkaHeaders(ctx, &headers)

	err = n.writer.WriteMessages(ctx, kafka.Message{
		Topic:   n.topic,
		Key:     []byte(message.TransferID),
		Value:   payload,
		Headers: headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Close flushes and closes the writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
