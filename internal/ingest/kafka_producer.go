package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// LocationPublisher streams driver pings to the location topic consumed by
// cmd/consumer.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, ping models.LocationPing) error
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        false,
	}
	return &KafkaProducer{writer: w}
}

// PublishLocation keys messages by user id so one driver's pings stay ordered
// within a partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, ping models.LocationPing) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ping)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ping.UserID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeLocation parses a message produced by PublishLocation.
func DecodeLocation(msg kafka.Message) (models.LocationPing, error) {
	var p models.LocationPing
	err := json.Unmarshal(msg.Value, &p)
	if err == nil && p.UserID == "" {
		p.UserID = string(msg.Key)
	}
	return p, err
}
