// Package kafka parks dead letters on a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/edgeflare/mqtt2pg/pkg/deadletter"
	"go.uber.org/zap"
)

// Sink produces one Kafka message per letter, keyed by MQTT topic so letters
// of the same topic stay ordered within a partition.
type Sink struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// Connect creates a synchronous producer and, if configured, the topic.
func Connect(cfg Config, logger *zap.Logger) (*Sink, error) {
	cfg.setDefaults()
	saramaConfig, err := cfg.ToSaramaConfig()
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	if cfg.CreateTopic {
		admin, err := sarama.NewClusterAdmin(cfg.Brokers, saramaConfig)
		if err != nil {
			producer.Close()
			return nil, fmt.Errorf("failed to create cluster admin: %w", err)
		}
		defer admin.Close()

		if err := ensureTopic(admin, cfg, logger); err != nil {
			producer.Close()
			return nil, err
		}
	}

	return newSink(producer, cfg.Topic, logger), nil
}

func newSink(producer sarama.SyncProducer, topic string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{producer: producer, topic: topic, logger: logger}
}

func (s *Sink) Park(_ context.Context, letters []deadletter.Letter) error {
	if s.producer == nil {
		return errors.New("Kafka producer not initialized")
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(letters))
	for _, l := range letters {
		data, err := l.Marshal()
		if err != nil {
			return fmt.Errorf("marshal letter %s: %w", l.ID, err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: s.topic,
			Key:   sarama.StringEncoder(l.Topic),
			Value: sarama.ByteEncoder(data),
			Headers: []sarama.RecordHeader{
				{Key: []byte("reason"), Value: []byte(l.Reason)},
				{Key: []byte("id"), Value: []byte(l.ID)},
			},
		})
	}

	if err := s.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("failed to publish dead letters: %w", err)
	}
	s.logger.Debug("Dead letters published", zap.String("topic", s.topic), zap.Int("count", len(msgs)))
	return nil
}

func (s *Sink) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func ensureTopic(admin sarama.ClusterAdmin, cfg Config, logger *zap.Logger) error {
	topics, err := admin.ListTopics()
	if err != nil {
		return fmt.Errorf("failed to list topics: %w", err)
	}
	if _, exists := topics[cfg.Topic]; exists {
		return nil
	}

	retention := fmt.Sprintf("%d", cfg.RetentionMS)
	detail := &sarama.TopicDetail{
		NumPartitions:     cfg.Partitions,
		ReplicationFactor: cfg.Replicas,
		ConfigEntries:     map[string]*string{"retention.ms": &retention},
	}
	if err := admin.CreateTopic(cfg.Topic, detail, false); err != nil {
		return fmt.Errorf("failed to create topic %s: %w", cfg.Topic, err)
	}
	if logger != nil {
		logger.Info("Created dead-letter topic", zap.String("topic", cfg.Topic))
	}
	return nil
}

func init() {
	deadletter.Register(deadletter.KindKafka, func(config map[string]any, logger *zap.Logger) (deadletter.Sink, error) {
		var cfg Config
		if err := deadletter.Decode(config, &cfg); err != nil {
			return nil, fmt.Errorf("decode Kafka config: %w", err)
		}
		s, err := Connect(cfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}
