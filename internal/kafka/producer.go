package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"ms-admission/internal/models"
)

type Producer struct {
	Writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: brokers,
		Topic:   topic,
	})
	return &Producer{Writer: writer}
}

// PublishScanEvent streams one scan decision to Kafka for the downstream
// fraud-scoring and notification collaborators. Callers treat failures as
// advisory: a scan response never waits on this.
func (p *Producer) PublishScanEvent(msg models.ScanEventMessage) error {
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := msg.TicketID
	if key == "" {
		key = msg.TraceID
	}

	fmt.Printf("Publishing to Kafka [scan_event]: %s\n", string(msgBytes))

	return p.Writer.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(key),
			Value: msgBytes,
		},
	)
}

// Close flushes and shuts down the writer.
func (p *Producer) Close() error {
	return p.Writer.Close()
}
