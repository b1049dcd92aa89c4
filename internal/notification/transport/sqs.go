package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/smallbiznis/settlement/internal/notification/domain"
)

// SQSAPI is the part of the SQS client the notifier calls.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQS struct {
	client   SQSAPI
	queueURL string
}

func NewSQS(ctx context.Context, region, accessKey, secretKey, queueURL string) (*SQS, error) {
	if queueURL == "" {
		return nil, errors.New("sqs notifier requires a queue url")
	}
	opts := []func(*awsConfig.LoadOptions) error{awsConfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSWithClient(sqs.NewFromConfig(cfg), queueURL), nil
}

func NewSQSWithClient(client SQSAPI, queueURL string) *SQS {
	return &SQS{client: client, queueURL: queueURL}
}

func (s *SQS) Name() string { return "sqs" }

func (s *SQS) Deliver(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(data)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"notification_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(n.Type)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, err)
	}
	return nil
}
