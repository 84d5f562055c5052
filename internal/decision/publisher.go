// Package decision emits terminal workflow decisions to downstream
// collaborators: order management, audit log, notification.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/quantfabric/locates/internal/model"
)

// Publisher emits one decision record per terminal workflow state.
type Publisher interface {
	Publish(ctx context.Context, rec model.DecisionRecord) error
	Close() error
}

// KafkaPublisher writes decisions to a kafka topic keyed by request id, so
// downstream consumers see one request's decisions in order.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher builds a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.CRC32Balancer{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, rec model.DecisionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal decision record: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.RequestID.String()),
		Value: data,
		Time:  rec.DecidedAt,
	})
	if err != nil {
		p.logger.Error("failed to publish decision",
			zap.Error(err),
			zap.String("request_id", rec.RequestID.String()),
			zap.String("outcome", rec.Outcome))
		return err
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// Nop discards decisions. Used in tests and when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, model.DecisionRecord) error { return nil }
func (Nop) Close() error                                        { return nil }
