package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/peerpesa/settlement/internal/logging"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaNotifierPublishesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	n := NewKafkaNotifier(w, "")

	msg := Message{Kind: KindPayoutFailed, TransferID: "tr-1", RecordID: "rec-1", Destination: "0xabc", Body: "payout failed"}
	if err := n.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(w.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(w.messages))
	}
	got := w.messages[0]
	if got.Topic != defaultTopic || string(got.Key) != "tr-1" {
		t.Fatalf("unexpected topic/key %s/%s", got.Topic, got.Key)
	}
	var decoded Message
	if err := json.Unmarshal(got.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != msg {
		t.Fatalf("expected %+v got %+v", msg, decoded)
	}
	if err := n.Close(); err != nil || !w.closed {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaNotifierPropagatesWriteErrors(t *testing.T) {
	boom := errors.New("broker down")
	n := NewKafkaNotifier(&fakeWriter{err: boom}, "outcomes")
	if err := n.Send(context.Background(), Message{Kind: KindChainFailed, TransferID: "tr-2"}); !errors.Is(err, boom) {
		t.Fatalf("expected write error, got %v", err)
	}
}

func TestNewKafkaWriterRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaWriter(KafkaConfig{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
	w, err := NewKafkaWriter(KafkaConfig{Brokers: []string{"localhost:9092"}})
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	w.Close()
}

func TestLoggerAndRecorder(t *testing.T) {
	if err := NewLoggerNotifier(logging.Discard()).Send(context.Background(), Message{Kind: KindTransferSettled}); err != nil {
		t.Fatalf("logger notifier: %v", err)
	}
	var nilNotifier *LoggerNotifier
	if err := nilNotifier.Send(context.Background(), Message{}); err != nil {
		t.Fatalf("nil notifier: %v", err)
	}

	r := &Recorder{}
	r.Send(context.Background(), Message{Kind: KindTransferPending, TransferID: "a"})
	if msgs := r.Messages(); len(msgs) != 1 || msgs[0].TransferID != "a" {
		t.Fatalf("unexpected recorded messages %+v", msgs)
	}
}
