package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/cryptoshop/internal/circuitbreaker"
	"github.com/jogardn/cryptoshop/internal/config"
)

func newSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Version = sarama.V2_6_0_0
	return cfg
}

type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	breaker  *circuitbreaker.CircuitBreaker
	logger   *logrus.Logger
}

func NewKafkaPublisher(cfg config.KafkaConfig, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, newSaramaConfig())
	if err != nil {
		return nil, err
	}
	return newKafkaPublisher(producer, cfg.Topic, breaker, logger), nil
}

func newKafkaPublisher(producer sarama.SyncProducer, topic string, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) *KafkaPublisher {
	if topic == "" {
		topic = PaymentStatusChangedTopic
	}
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		breaker:  breaker,
		logger:   logger,
	}
}

// Publish sends the event keyed by order id, so events of one order stay in one partition.
func (p *KafkaPublisher) Publish(ctx context.Context, event PaymentStatusChanged) error {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.OrderID),
		Value: sarama.ByteEncoder(data),
	}

	var partition int32
	var offset int64
	err = p.breaker.Execute(ctx, func(context.Context) error {
		var sendErr error
		partition, offset, sendErr = p.producer.SendMessage(msg)
		return sendErr
	})
	if err != nil {
		p.logger.WithError(err).WithField("order_id", event.OrderID).Error("Failed to send payment event to Kafka")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"topic":     p.topic,
		"partition": partition,
		"offset":    offset,
		"order_id":  event.OrderID,
		"status":    string(event.Status),
	}).Info("Payment event published to Kafka")

	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
