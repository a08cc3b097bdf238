package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"log/slog"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
}

type ConsumerOption func(*Consumer)

// WithDLQ dead-letters messages whose handler keeps failing with a DLQError
// after maxAttempts deliveries.
func WithDLQ(publisher Publisher, topic string, maxAttempts int) ConsumerOption {
	return func(c *Consumer) {
		c.dlqPublisher = publisher
		c.dlqTopic = topic
		c.maxAttempts = maxAttempts
	}
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	c := &Consumer{
		group:  group,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: newRetryTracker(c.maxAttempts, 10*time.Minute),
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		err := h.handler.HandleMessage(session.Context(), msg)
		if err == nil {
			session.MarkMessage(msg, "")
			continue
		}

		var dlqErr *DLQError
		if errors.As(err, &dlqErr) && h.dlqPublisher != nil && h.dlqTopic != "" {
			attempts := h.retryTracker.record(msg)
			if h.retryTracker.exhausted(attempts) {
				payload := BuildDLQPayload(msg, dlqErr, attempts)
				if _, _, pubErr := h.dlqPublisher.PublishJSON(session.Context(), h.dlqTopic, string(msg.Key), payload); pubErr != nil {
					h.logger.Error("dead letter publish failed", "topic", h.dlqTopic, "error", pubErr)
					continue
				}
				h.retryTracker.forget(msg)
				session.MarkMessage(msg, "")
				continue
			}
			h.logger.Warn("kafka message handler failed, will retry", "topic", msg.Topic, "offset", msg.Offset, "attempts", attempts, "error", err)
			continue
		}

		h.logger.Error("kafka message handler error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
	}
	return nil
}

type retryTracker struct {
	mu          sync.Mutex
	maxAttempts int
	ttl         time.Duration
	attempts    map[string]retryEntry
}

type retryEntry struct {
	count   int
	expires time.Time
}

func newRetryTracker(maxAttempts int, ttl time.Duration) *retryTracker {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &retryTracker{
		maxAttempts: maxAttempts,
		ttl:         ttl,
		attempts:    make(map[string]retryEntry),
	}
}

func (t *retryTracker) record(msg *sarama.ConsumerMessage) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	key := retryKey(msg)
	entry, ok := t.attempts[key]
	if !ok || now.After(entry.expires) {
		entry = retryEntry{}
	}
	entry.count++
	entry.expires = now.Add(t.ttl)
	t.attempts[key] = entry
	return entry.count
}

func (t *retryTracker) exhausted(attempts int) bool {
	return attempts >= t.maxAttempts
}

func (t *retryTracker) forget(msg *sarama.ConsumerMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, retryKey(msg))
}

func retryKey(msg *sarama.ConsumerMessage) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}
