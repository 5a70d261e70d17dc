package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/cryptoshop/internal/circuitbreaker"
	"github.com/jogardn/cryptoshop/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testBreaker(maxFailures int) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(circuitbreaker.Config{Name: "kafka", MaxFailures: maxFailures, Timeout: time.Minute}, testLogger())
}

func sampleEvent() PaymentStatusChanged {
	return PaymentStatusChanged{
		OrderID:      "ORD-20250301-0A1B2C3D",
		InvoiceID:    "4522625843",
		PaymentID:    7,
		Status:       models.PaymentStatusFinished,
		OrderStatus:  models.OrderStatusPaid,
		ActuallyPaid: decimal.NewNullDecimal(decimal.RequireFromString("0.005")),
		PayCurrency:  "btc",
	}
}

func TestKafkaPublisherPublish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != PaymentStatusChangedTopic {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "ORD-20250301-0A1B2C3D" {
			return fmt.Errorf("unexpected key %s", key)
		}
		value, _ := msg.Value.Encode()
		var event PaymentStatusChanged
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		if event.Status != models.PaymentStatusFinished || event.EventTime.IsZero() {
			return fmt.Errorf("unexpected event %s", value)
		}
		if !event.ActuallyPaid.Valid || event.ActuallyPaid.Decimal.String() != "0.005" {
			return fmt.Errorf("unexpected actually_paid %s", value)
		}
		return nil
	})

	publisher := newKafkaPublisher(producer, "", testBreaker(5), testLogger())
	if err := publisher.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := publisher.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestKafkaPublisherFailureOpensBreaker(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	brokerDown := errors.New("broker unavailable")
	producer.ExpectSendMessageAndFail(brokerDown)

	publisher := newKafkaPublisher(producer, "payments", testBreaker(1), testLogger())
	if err := publisher.Publish(context.Background(), sampleEvent()); !errors.Is(err, brokerDown) {
		t.Fatalf("Expected broker error, got %v", err)
	}
	if err := publisher.Publish(context.Background(), sampleEvent()); !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("Expected ErrOpen on second publish, got %v", err)
	}
	if err := publisher.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

type recordingBroadcaster struct {
	orderID     string
	messageType string
	data        interface{}
}

func (r *recordingBroadcaster) Broadcast(orderID, messageType string, data interface{}) {
	r.orderID, r.messageType, r.data = orderID, messageType, data
}

type recordingHandler struct {
	events []PaymentStatusChanged
}

func (r *recordingHandler) HandlePaymentStatusChanged(_ context.Context, event PaymentStatusChanged) error {
	r.events = append(r.events, event)
	return nil
}

func TestHubPublisher(t *testing.T) {
	hub := &recordingBroadcaster{}
	publisher := NewHubPublisher(hub)

	if err := publisher.HandlePaymentStatusChanged(context.Background(), sampleEvent()); err != nil {
		t.Fatal(err)
	}
	if hub.orderID != "ORD-20250301-0A1B2C3D" || hub.messageType != PaymentStatusMessage {
		t.Errorf("Unexpected broadcast %+v", hub)
	}
	if event, ok := hub.data.(PaymentStatusChanged); !ok || event.PaymentID != 7 {
		t.Errorf("Unexpected broadcast payload %#v", hub.data)
	}
}

func TestConsumerHandleMessage(t *testing.T) {
	handler := &recordingHandler{}
	h := &consumerGroupHandler{handler: handler, logger: testLogger()}

	value, _ := json.Marshal(sampleEvent())
	if err := h.handleMessage(context.Background(), &sarama.ConsumerMessage{Topic: PaymentStatusChangedTopic, Value: value}); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}
	if len(handler.events) != 1 || handler.events[0].InvoiceID != "4522625843" {
		t.Fatalf("Unexpected events %+v", handler.events)
	}

	if err := h.handleMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("garbage")}); err == nil {
		t.Error("Expected decode error for garbage message")
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Errorf("NopPublisher.Publish() error = %v", err)
	}
}
