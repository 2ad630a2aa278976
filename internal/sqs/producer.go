// Package sqs carries domain events from the planning backend to the
// notification engine over an SQS queue.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/guyghost/wakeve-sub012/internal/notify"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// DLQURL receives messages that exhausted MaxReceives. Empty drops them.
	DLQURL string
}

// Envelope is the message body on the queue.
type Envelope struct {
	Event      notify.DomainEvent `json:"event"`
	EnqueuedAt int64              `json:"enqueued_at"`
}

// Producer publishes domain events to the queue.
type Producer struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
}

// NewClient loads the default AWS config and creates an SQS client.
func NewClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// NewProducer creates a producer for queueURL.
func NewProducer(client *sqs.Client, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized",
		zap.String("queue_url", queueURL),
	)
	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Enqueue validates and publishes ev. Returns the SQS message ID.
func (p *Producer) Enqueue(ctx context.Context, ev notify.DomainEvent) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", fmt.Errorf("invalid domain event: %w", err)
	}

	body, err := json.Marshal(Envelope{Event: ev, EnqueuedAt: time.Now().UnixMilli()})
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(ev.Type)),
			},
		},
	})
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("type", string(ev.Type)),
			zap.String("event_id", ev.EventID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}
