package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"taskexchange/pkg/events"
)

// Producer publishes event envelopes to Kafka.
type Producer struct {
	client   *kgo.Client
	logger   *logrus.Logger
	clientID string
	produced *prometheus.CounterVec
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, clientID string, logger *logrus.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client:   client,
		logger:   logger,
		clientID: clientID,
	}, nil
}

// WithMetrics attaches a counter for produced messages.
func (p *Producer) WithMetrics(produced *prometheus.CounterVec) *Producer {
	p.produced = produced
	return p
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// ProduceMessage publishes a raw message synchronously.
func (p *Producer) ProduceMessage(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}

	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{
			Key:   k,
			Value: []byte(v),
		})
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	if p.produced != nil {
		p.produced.WithLabelValues(topic).Inc()
	}

	return nil
}

// PublishEvent serializes an envelope and publishes it keyed by the owning
// entity's public id, so one entity's events stay ordered in one partition.
func (p *Producer) PublishEvent(ctx context.Context, topic, key string, env events.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s v%d: %w", env.Name, env.Version, err)
	}

	headers := map[string]string{
		"event_name":    env.Name,
		"event_version": fmt.Sprintf("%d", env.Version),
		"producer":      env.Producer,
	}

	if err := p.ProduceMessage(ctx, topic, []byte(key), value, headers); err != nil {
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"topic":   topic,
		"event":   env.Name,
		"version": env.Version,
		"key":     key,
	}).Debug("Event published")

	return nil
}

// HealthCheck pings the broker
func (p *Producer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// GetClient returns the underlying kgo.Client for health checks
func (p *Producer) GetClient() *kgo.Client {
	return p.client
}
