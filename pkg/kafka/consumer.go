package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message represents a generic Kafka message
type Message struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Handler is a function that processes a Kafka message
type Handler func(ctx context.Context, msg Message) error

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks a handler error as non-retryable: the message references
// something structurally absent and redelivery cannot fix it. The consumer
// routes such messages to the dead-letter topic and commits past them.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Consumer implements a group consumer that routes messages to per-topic
// handlers. Offsets are committed manually; a failing message blocks its
// partition so redelivery retries it, unless the failure is Permanent, in
// which case the message is parked on the dead-letter topic instead.
type Consumer struct {
	client       *kgo.Client
	dlq          *Producer
	dlqTopic     string
	logger       *logrus.Logger
	groupID      string
	name         string
	handlers     map[string]Handler
	mu           sync.RWMutex
	consumed     *prometheus.CounterVec
	deadLettered prometheus.Counter
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, groupID, clientID string, logger *logrus.Logger) (*Consumer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ClientID(clientID),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Consumer{
		client:   client,
		logger:   logger,
		groupID:  groupID,
		name:     clientID,
		handlers: make(map[string]Handler),
	}, nil
}

// WithDeadLetter attaches a producer and topic for parking permanently
// failed messages.
func (c *Consumer) WithDeadLetter(producer *Producer, topic string) *Consumer {
	c.dlq = producer
	c.dlqTopic = topic
	return c
}

// WithMetrics attaches counters for consumed and dead-lettered events.
func (c *Consumer) WithMetrics(consumed *prometheus.CounterVec, deadLettered prometheus.Counter) *Consumer {
	c.consumed = consumed
	c.deadLettered = deadLettered
	return c
}

func (c *Consumer) countConsumed(topic, outcome string) {
	if c.consumed != nil {
		c.consumed.WithLabelValues(topic, outcome).Inc()
	}
}

// AddHandler registers a handler for a specific topic and subscribes to it
func (c *Consumer) AddHandler(topic string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[topic] = handler
	c.client.AddConsumeTopics(topic)
}

// Close closes the underlying client
func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}

// Start polls for messages until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			fetches := c.client.PollFetches(ctx)
			if errs := fetches.Errors(); len(errs) > 0 {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Errorf("errors while polling: %v", errs)
				continue
			}

			iter := fetches.RecordIter()
			records := make([]*kgo.Record, 0)
			for !iter.Done() {
				records = append(records, iter.Next())
			}

			commitRecords := c.processRecords(ctx, records)
			if len(commitRecords) > 0 {
				if err := c.client.CommitRecords(ctx, commitRecords...); err != nil {
					c.logger.WithError(err).Error("failed to commit records")
				}
			}
		}
	}
}

func (c *Consumer) processRecords(ctx context.Context, records []*kgo.Record) []*kgo.Record {
	type topicPartition struct {
		topic     string
		partition int32
	}
	blocked := make(map[topicPartition]bool)
	lastSuccess := make(map[topicPartition]*kgo.Record)

	for _, record := range records {
		tp := topicPartition{topic: record.Topic, partition: record.Partition}
		if blocked[tp] {
			// A prior message in this topic/partition failed. We must not
			// process or commit later offsets, otherwise we'd skip the failed
			// message on restart.
			continue
		}

		c.mu.RLock()
		handler, exists := c.handlers[record.Topic]
		c.mu.RUnlock()

		if !exists {
			// No handler registered - still commit to avoid reprocessing
			c.logger.WithField("topic", record.Topic).Warn("No handler registered for topic")
			lastSuccess[tp] = record
			continue
		}

		hdrs := make(map[string]string, len(record.Headers))
		for _, h := range record.Headers {
			hdrs[h.Key] = string(h.Value)
		}

		msg := Message{
			Key:       record.Key,
			Value:     record.Value,
			Headers:   hdrs,
			Topic:     record.Topic,
			Partition: record.Partition,
			Offset:    record.Offset,
			Timestamp: record.Timestamp,
		}

		err := handler(ctx, msg)
		if err == nil {
			c.countConsumed(record.Topic, "ok")
			lastSuccess[tp] = record
			continue
		}

		if IsPermanent(err) {
			if dlqErr := c.deadLetter(ctx, msg, err); dlqErr == nil {
				// Parked; safe to commit past it.
				c.countConsumed(record.Topic, "dead_lettered")
				lastSuccess[tp] = record
				continue
			} else {
				c.logger.WithError(dlqErr).WithFields(logrus.Fields{
					"topic":     record.Topic,
					"partition": record.Partition,
					"offset":    record.Offset,
				}).Error("Failed to dead-letter message - will retry on restart")
				blocked[tp] = true
				continue
			}
		}

		c.logger.WithError(err).WithFields(logrus.Fields{
			"topic":     record.Topic,
			"partition": record.Partition,
			"offset":    record.Offset,
		}).Error("Failed to handle message - will retry on restart")
		c.countConsumed(record.Topic, "retry")
		// Block this partition to avoid committing offsets beyond the failed message.
		blocked[tp] = true
	}

	if len(lastSuccess) == 0 {
		return nil
	}

	commitRecords := make([]*kgo.Record, 0, len(lastSuccess))
	for _, record := range lastSuccess {
		commitRecords = append(commitRecords, record)
	}
	return commitRecords
}

func (c *Consumer) deadLetter(ctx context.Context, msg Message, cause error) error {
	if c.dlq == nil {
		return fmt.Errorf("no dead-letter producer configured")
	}

	payload, err := EncodeDLQMessage(msg, cause, c.name)
	if err != nil {
		return err
	}

	if err := c.dlq.ProduceMessage(ctx, c.dlqTopic, msg.Key, payload, nil); err != nil {
		return err
	}

	if c.deadLettered != nil {
		c.deadLettered.Inc()
	}

	c.logger.WithFields(logrus.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
		"cause":     cause.Error(),
	}).Warn("Message parked on dead-letter topic")

	return nil
}

// HealthCheck pings the broker
func (c *Consumer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// GetClient returns the underlying kgo.Client for health checks
func (c *Consumer) GetClient() *kgo.Client {
	return c.client
}
