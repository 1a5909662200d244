package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/Gopher0727/Orbo/config"
	logger "github.com/Gopher0727/Orbo/middleware/log"
)

// MessageHandler processes one consumed message.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

type deadLetterer interface {
	DeadLetter(ctx context.Context, message *sarama.ConsumerMessage, cause error) error
	Close() error
}

// Consumer joins a consumer group, retries failing messages and dead-letters
// the ones that keep failing.
type Consumer struct {
	consumerGroup sarama.ConsumerGroup
	config        *config.KafkaConfig
	handler       MessageHandler
	dlq           deadLetterer
	topics        []string
	log           *logger.Logger

	ready     chan struct{}
	readyOnce sync.Once
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

type consumerGroupHandler struct {
	consumer *Consumer
}

// NewConsumer joins config.ConsumerGroup for topics.
func NewConsumer(config *config.KafkaConfig, topics []string, handler MessageHandler, log *logger.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V2_6_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	saramaConfig.Net.DialTimeout = 10 * time.Second
	saramaConfig.Net.ReadTimeout = 10 * time.Second
	saramaConfig.Net.WriteTimeout = 10 * time.Second
	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond
	saramaConfig.Metadata.Timeout = 10 * time.Second

	consumerGroup, err := sarama.NewConsumerGroup(config.Brokers, config.ConsumerGroup, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}

	dlqProducer, err := NewProducer(config)
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create DLQ producer: %w", err)
	}

	c := newConsumer(config, topics, handler, dlqProducer, log)
	c.consumerGroup = consumerGroup
	return c, nil
}

func newConsumer(config *config.KafkaConfig, topics []string, handler MessageHandler, dlq deadLetterer, log *logger.Logger) *Consumer {
	return &Consumer{
		config:  config,
		handler: handler,
		dlq:     dlq,
		topics:  topics,
		log:     log.Named("kafka-consumer"),
		ready:   make(chan struct{}),
	}
}

// Start consumes in the background and returns once the first session is
// set up or ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		handler := &consumerGroupHandler{consumer: c}
		for {
			if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
				c.log.ErrorContext(ctx, "consume session ended", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.log.WarnContext(ctx, "consumer group error", zap.Error(err))
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels consumption and closes the group and the DLQ producer.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if c.consumerGroup != nil {
		if err := c.consumerGroup.Close(); err != nil {
			return fmt.Errorf("failed to close kafka consumer group: %w", err)
		}
	}
	if err := c.dlq.Close(); err != nil {
		return fmt.Errorf("failed to close DLQ producer: %w", err)
	}
	return nil
}

// Ready is closed once the first session is set up.
func (c *Consumer) Ready() <-chan struct{} {
	return c.ready
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.readyOnce.Do(func() { close(h.consumer.ready) })
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.consumer.process(session.Context(), message)
			if session.Context().Err() != nil {
				// left uncommitted so the next session redelivers it
				return nil
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// process runs the handler with retries and dead-letters the message when
// every attempt failed. The message is committed either way.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) {
	err := c.processWithRetry(ctx, message)
	if err == nil || ctx.Err() != nil {
		return
	}
	fields := []zap.Field{
		zap.String("topic", message.Topic),
		zap.Int32("partition", message.Partition),
		zap.Int64("offset", message.Offset),
		zap.Error(err),
	}
	if dlqErr := c.dlq.DeadLetter(ctx, message, err); dlqErr != nil {
		c.log.ErrorContext(ctx, "message dropped, DLQ unavailable", append(fields, zap.NamedError("dlq_error", dlqErr))...)
		return
	}
	c.log.WarnContext(ctx, "message sent to DLQ", fields...)
}

func (c *Consumer) processWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	maxRetries := c.config.Consumer.MaxRetries
	backoff := time.Duration(c.config.Consumer.RetryBackoffMs) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.handler(ctx, message)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < maxRetries {
			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}
