// Package kafka carries admin-change events between the webhook ingress and
// the workers that apply them.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/Gopher0727/Orbo/config"
)

// Header keys attached to dead-lettered messages.
const (
	HeaderError         = "x-orbo-error"
	HeaderOriginalTopic = "x-orbo-original-topic"
)

// Producer sends messages to Kafka with synchronous acknowledgement.
type Producer struct {
	producer sarama.SyncProducer
	config   *config.KafkaConfig
}

// NewProducer connects to the configured brokers.
func NewProducer(config *config.KafkaConfig) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = config.Producer.MaxRetries
	saramaConfig.Producer.Retry.Backoff = time.Duration(config.Producer.RetryBackoffMs) * time.Millisecond
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	// keyed by chat id so one chat's events stay ordered within a partition
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1

	saramaConfig.Net.DialTimeout = 10 * time.Second
	saramaConfig.Net.ReadTimeout = 10 * time.Second
	saramaConfig.Net.WriteTimeout = 10 * time.Second
	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond
	saramaConfig.Metadata.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return newProducer(producer, config), nil
}

func newProducer(producer sarama.SyncProducer, config *config.KafkaConfig) *Producer {
	return &Producer{producer: producer, config: config}
}

// Produce sends one message. A nil key lets the partitioner pick freely.
func (p *Producer) Produce(ctx context.Context, topic string, key []byte, value []byte) (partition int32, offset int64, err error) {
	return p.send(ctx, &sarama.ProducerMessage{Topic: topic}, key, value)
}

func (p *Producer) send(ctx context.Context, msg *sarama.ProducerMessage, key, value []byte) (int32, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	msg.Value = sarama.ByteEncoder(value)
	if key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to send message to topic %s: %w", msg.Topic, err)
	}
	return partition, offset, nil
}

// ProduceWithRetry retries Produce with exponential backoff on top of the
// client's own retries. It gives up early when ctx is done.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, key []byte, value []byte, maxRetries int) (partition int32, offset int64, err error) {
	var lastErr error
	backoff := time.Duration(p.config.Producer.RetryBackoffMs) * time.Millisecond
	for attempt := 0; attempt <= maxRetries; attempt++ {
		partition, offset, err = p.Produce(ctx, topic, key, value)
		if err == nil {
			return partition, offset, nil
		}
		lastErr = err

		if attempt < maxRetries {
			if err := sleepCtx(ctx, backoff); err != nil {
				return 0, 0, err
			}
			backoff *= 2
		}
	}
	return 0, 0, fmt.Errorf("failed to send message after %d attempts: %w", maxRetries+1, lastErr)
}

// DeadLetter copies a failed message to the DLQ topic with the processing
// error and original topic as headers.
func (p *Producer) DeadLetter(ctx context.Context, message *sarama.ConsumerMessage, cause error) error {
	msg := &sarama.ProducerMessage{
		Topic: p.config.Topics.DLQ,
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderError), Value: []byte(cause.Error())},
			{Key: []byte(HeaderOriginalTopic), Value: []byte(message.Topic)},
		},
	}
	if _, _, err := p.send(ctx, msg, message.Key, message.Value); err != nil {
		return fmt.Errorf("failed to send message to DLQ: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (p *Producer) Close() error {
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			return fmt.Errorf("failed to close kafka producer: %w", err)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
