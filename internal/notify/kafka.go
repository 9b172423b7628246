package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaNotifier publishes lifecycle events to a Kafka topic, keyed by family
// so per-family ordering is preserved within a partition.
type KafkaNotifier struct {
	writer  *kafka.Writer
	logger  *zap.Logger
	timeout time.Duration
}

// NewKafkaNotifier creates a Kafka-backed sink.
func NewKafkaNotifier(brokers []string, topic string, logger *zap.Logger) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &KafkaNotifier{
		writer:  writer,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// Notify implements Notifier. Errors are logged and swallowed; the
// orchestrator never waits on or fails from the sink.
func (n *KafkaNotifier) Notify(_ context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("marshal notification", zap.Error(err))
		return
	}
	// Detach from the caller's deadline: a Submit call finishing must not
	// cancel the publish mid-flight.
	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		err := n.writer.WriteMessages(sendCtx, kafka.Message{
			Key:   []byte(event.FamilyID.String()),
			Value: payload,
		})
		if err != nil {
			n.logger.Warn("notification publish failed",
				zap.String("type", string(event.Type)),
				zap.String("family", event.Family),
				zap.Error(err))
		}
	}()
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
