package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/quantfabric/locates/internal/model"
)

// KafkaSourceConfig configures the inbound event stream consumer.
type KafkaSourceConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	GroupID string   `json:"group_id"`
	// MaxBytes bounds a single fetched message.
	MaxBytes int `json:"max_bytes"`
}

// DefaultKafkaSourceConfig returns defaults for local development.
func DefaultKafkaSourceConfig() KafkaSourceConfig {
	return KafkaSourceConfig{
		Brokers:  []string{"localhost:9092"},
		Topic:    "locates.events",
		GroupID:  "locates-calc",
		MaxBytes: 1048576,
	}
}

// KafkaSource consumes the ordered-per-partition inbound event feed and
// feeds it through the adapter. Delivery is at-least-once; the adapter's
// dedupe trackers absorb redeliveries.
type KafkaSource struct {
	cfg     KafkaSourceConfig
	adapter *Adapter
	logger  *zap.Logger
	reader  *kafka.Reader
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewKafkaSource builds a source over the given adapter.
func NewKafkaSource(cfg KafkaSourceConfig, adapter *Adapter, logger *zap.Logger) *KafkaSource {
	if len(cfg.Brokers) == 0 {
		cfg = DefaultKafkaSourceConfig()
	}
	return &KafkaSource{
		cfg:     cfg,
		adapter: adapter,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start launches the consume loop. Rejected events are logged by the adapter
// and never stall the feed.
func (s *KafkaSource) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  s.cfg.Brokers,
		Topic:    s.cfg.Topic,
		GroupID:  s.cfg.GroupID,
		MaxBytes: s.cfg.MaxBytes,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			s.logger.Sugar().Errorf(msg, args...)
		}),
	})

	go func() {
		defer close(s.done)
		defer s.reader.Close()
		for {
			msg, err := s.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("failed to read event message", zap.Error(err))
				continue
			}

			var raw model.RawEvent
			if err := json.Unmarshal(msg.Value, &raw); err != nil {
				s.logger.Warn("dropping undecodable event message",
					zap.Error(err),
					zap.Int64("offset", msg.Offset))
				continue
			}
			if raw.ReceivedAt.IsZero() {
				raw.ReceivedAt = time.Now()
			}

			// Classified rejections are already counted and logged.
			_ = s.adapter.Ingest(ctx, raw)
		}
	}()
}

// Stop halts the consume loop and waits for it to exit.
func (s *KafkaSource) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}
