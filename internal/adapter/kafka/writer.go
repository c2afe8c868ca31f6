package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/tempmonitor/forecast-etl/internal/domain"
)

// message is the JSON value of a published reading.
type message struct {
	LocationID      string    `json:"location_id"`
	ObservationTime time.Time `json:"observation_time"`
	Temperature     int64     `json:"temperature"`
	IngestionTime   time.Time `json:"ingestion_time"`
}

// messageWriter is the subset of *kafkago.Writer used by Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes committed readings to a Kafka topic.
// It implements pipeline.Publisher.
type Writer struct {
	writer messageWriter
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for topic on the given brokers.
func NewWriter(brokers []string, topic string, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// Publish serializes the readings and writes them in a single
// WriteMessages call.
func (w *Writer) Publish(ctx context.Context, locationID string, readings []domain.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(readings))
	for i := range readings {
		msg, err := serializeToMessage(locationID, readings[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d readings: %w", len(msgs), err)
	}
	w.logger.Debug("readings published", "location_id", locationID, "count", len(msgs))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a reading into a Kafka message keyed by its
// observation time.
func serializeToMessage(locationID string, r domain.Reading) (kafkago.Message, error) {
	data, err := json.Marshal(message{
		LocationID:      locationID,
		ObservationTime: r.ObservationTime.UTC(),
		Temperature:     r.Temperature,
		IngestionTime:   r.IngestionTime.UTC(),
	})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize reading: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(r.ObservationTime.UTC().Format(time.RFC3339)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "ingestion_time", Value: []byte(r.IngestionTime.UTC().Format(time.RFC3339))},
			{Key: "location_id", Value: []byte(locationID)},
		},
	}, nil
}
