// Package notify delivers plain-text trading notifications. Delivery is
// fire-and-forget: failures are logged and never reach the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"wata/internal/util"
)

// Notifier sends a text notification.
type Notifier interface {
	Send(ctx context.Context, text string)
}

// LogNotifier writes notifications to the logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Send implements Notifier.
func (n LogNotifier) Send(ctx context.Context, text string) {
	util.OrDefault(n.Logger).InfoContext(ctx, "notification", "text", text)
}

// MessageWriter is the subset of *kafka.Writer used by KafkaNotifier.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes notifications to a Kafka topic.
type KafkaNotifier struct {
	writer  MessageWriter
	key     []byte
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafkaWriter returns a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
		BatchTimeout:           10 * time.Millisecond,
	}
}

// NewKafkaNotifier wraps w. Messages are keyed by key so they stay ordered
// on one partition.
func NewKafkaNotifier(w MessageWriter, key string, logger *slog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer:  w,
		key:     []byte(key),
		timeout: 5 * time.Second,
		logger:  util.OrDefault(logger),
	}
}

// Send implements Notifier.
func (n *KafkaNotifier) Send(ctx context.Context, text string) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	err := n.writer.WriteMessages(ctx, kafka.Message{
		Key:   n.key,
		Value: []byte(text),
		Time:  time.Now(),
	})
	if err != nil {
		n.logger.Error("failed to publish notification", "error", err, "text", text)
		return
	}
	n.logger.Debug("notification published", "bytes", len(text))
}

// Close closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

// Send implements Notifier.
func (m Multi) Send(ctx context.Context, text string) {
	for _, n := range m {
		n.Send(ctx, text)
	}
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []string
}

// Send implements Notifier.
func (r *Recorder) Send(_ context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, text)
}

// Messages returns a copy of the recorded notifications.
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	copy(out, r.messages)
	return out
}
