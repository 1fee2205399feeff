package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/segmentio/kafka-go"

	"ms-admission/internal/models"
)

type Consumer struct {
	reader *kafka.Reader
}

// NewConsumer creates a Kafka consumer for the given topic and group.
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: reader}
}

// StartFraudSignals consumes advisory fraud signals until the context is
// cancelled. Malformed messages are logged and skipped; a signal is never
// allowed to fail a scan.
func (c *Consumer) StartFraudSignals(ctx context.Context, handler func(msg models.FraudSignalMessage)) {
	fmt.Println("Fraud-signal consumer started")

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Error reading fraud signal: %v\n", err)
			continue
		}

		var signal models.FraudSignalMessage
		if err := json.Unmarshal(msg.Value, &signal); err != nil {
			log.Printf("Failed to unmarshal fraud signal: %v\n", err)
			continue
		}

		log.Printf("Received fraud signal: ticket=%s score=%.2f", signal.TicketID, signal.Score)
		handler(signal)
	}
}

// Close gracefully shuts down the Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
