package events

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/cryptoshop/internal/config"
)

// KafkaConsumer relays payment events from the broker to a handler. Each API
// instance joins with its own group id so every instance sees every event.
type KafkaConsumer struct {
	consumerGroup sarama.ConsumerGroup
	handler       PaymentEventHandler
	logger        *logrus.Logger
	topics        []string
}

type consumerGroupHandler struct {
	handler PaymentEventHandler
	logger  *logrus.Logger
}

func NewKafkaConsumer(cfg config.KafkaConfig, groupID string, handler PaymentEventHandler, logger *logrus.Logger) (*KafkaConsumer, error) {
	saramaCfg := newSaramaConfig()
	saramaCfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	// Live updates only matter for events that happen while the instance is up.
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, groupID, saramaCfg)
	if err != nil {
		return nil, err
	}

	topic := cfg.Topic
	if topic == "" {
		topic = PaymentStatusChangedTopic
	}
	return &KafkaConsumer{
		consumerGroup: consumerGroup,
		handler:       handler,
		logger:        logger,
		topics:        []string{topic},
	}, nil
}

// Start consumes until ctx is cancelled.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	handler := &consumerGroupHandler{
		handler: c.handler,
		logger:  c.logger,
	}

	for {
		if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.WithError(err).Error("Error consuming from Kafka")
			return err
		}
		if ctx.Err() != nil {
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.consumerGroup.Close()
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Debug("Kafka consumer group session setup")
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Debug("Kafka consumer group session cleanup")
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			// Undecodable messages are marked too; a live-update relay has nothing to retry.
			if err := h.handleMessage(session.Context(), message); err != nil {
				h.logger.WithError(err).WithFields(logrus.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("Failed to handle payment event")
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *consumerGroupHandler) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	var event PaymentStatusChanged
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return err
	}

	h.logger.WithFields(logrus.Fields{
		"order_id": event.OrderID,
		"status":   string(event.Status),
	}).Debug("Relaying payment event")
	return h.handler.HandlePaymentStatusChanged(ctx, event)
}
