package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/smallbiznis/settlement/internal/notification/domain"
)

func TestKafkaDeliverPublishesJSON(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var n domain.Notification
		if err := json.Unmarshal(val, &n); err != nil {
			return err
		}
		if n.Type != domain.TypePaymentConfirmed || n.OrderRef != "A-1" {
			return errors.New("unexpected notification body")
		}
		return nil
	})

	notifier := NewKafkaWithProducer(producer, "settlement.notifications")
	err := notifier.Deliver(context.Background(), domain.Notification{
		ID:       "01HZZ",
		Type:     domain.TypePaymentConfirmed,
		OrderRef: "A-1",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := notifier.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaDeliverWrapsProducerError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	notifier := NewKafkaWithProducer(producer, "settlement.notifications")
	err := notifier.Deliver(context.Background(), domain.Notification{Type: domain.TypeNewOrder})
	if !errors.Is(err, domain.ErrDeliveryFailed) {
		t.Fatalf("expected delivery failure, got %v", err)
	}
	_ = notifier.Close()
}

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSQSDeliverSendsToQueue(t *testing.T) {
	client := &fakeSQS{}
	notifier := NewSQSWithClient(client, "https://sqs.us-east-1.amazonaws.com/123/settlement")

	err := notifier.Deliver(context.Background(), domain.Notification{Type: domain.TypeRateAlert})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(client.inputs) != 1 {
		t.Fatalf("expected one message, got %d", len(client.inputs))
	}
	input := client.inputs[0]
	if aws.ToString(input.QueueUrl) != "https://sqs.us-east-1.amazonaws.com/123/settlement" {
		t.Fatalf("unexpected queue url %s", aws.ToString(input.QueueUrl))
	}
	if got := aws.ToString(input.MessageAttributes["notification_type"].StringValue); got != "rate_alert" {
		t.Fatalf("unexpected notification_type attribute %q", got)
	}
}

func TestSQSDeliverWrapsError(t *testing.T) {
	notifier := NewSQSWithClient(&fakeSQS{err: errors.New("throttled")}, "q")
	if err := notifier.Deliver(context.Background(), domain.Notification{}); !errors.Is(err, domain.ErrDeliveryFailed) {
		t.Fatalf("expected delivery failure, got %v", err)
	}
}
