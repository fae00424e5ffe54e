package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ambu-dispatch/internal/models"
)

// KafkaPublisher streams driver location samples and ride lifecycle events
// to the fleet analytics topic. Best-effort: dispatch never blocks on it.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.DriverID), Value: b})
}

// RideEvent publishes a lifecycle transition (accepted, START, ARRIVED,
// completed) keyed by ride so partitions preserve per-ride ordering.
func (k *KafkaPublisher) RideEvent(ctx context.Context, event string, ride models.Ride) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	payload := struct {
		Event string      `json:"event"`
		Ride  models.Ride `json:"ride"`
		At    time.Time   `json:"at"`
	}{Event: event, Ride: ride, At: time.Now()}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ride.ID), Value: b})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
