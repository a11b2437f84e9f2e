package notification

import (
	"context"
	"log/slog"
	"sync"
)

const (
	// KindTransferSettled is sent when the payout reached the receiver.
	KindTransferSettled = "transfer_settled"
	// KindTransferPending is sent when the payout outcome awaits reconciliation.
	KindTransferPending = "transfer_pending"
	// KindChainFailed is sent when no funds left the user's wallet.
	KindChainFailed = "chain_failed"
	// KindPayoutFailed is sent when funds left the wallet but the payout failed.
	KindPayoutFailed = "payout_failed"
)

// Message describes a transfer outcome event.
type Message struct {
	Kind        string `json:"kind"`
	TransferID  string `json:"transfer_id"`
	RecordID    string `json:"record_id,omitempty"`
	Destination string `json:"destination"`
	Body        string `json:"body"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		slog.String("kind", message.Kind),
		slog.String("transfer_id", message.TransferID),
		slog.String("destination", message.Destination),
		slog.String("body", message.Body))
	return nil
}

// Recorder keeps every message in memory. Used by tests.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Send implements Notifier.
func (r *Recorder) Send(_ context.Context, message Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

// Messages returns the messages sent so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
