package sqs

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/guyghost/wakeve-sub012/internal/metrics"
	"github.com/guyghost/wakeve-sub012/internal/notify"
)

// Handler applies a domain event. The engine implements it.
type Handler interface {
	Handle(ctx context.Context, ev notify.DomainEvent) error
}

// Deduper remembers consumed message IDs across redeliveries.
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// ConsumerConfig tunes the receive loop.
type ConsumerConfig struct {
	QueueURL string
	DLQURL   string
	// MaxReceives is the delivery count after which a failing message is
	// dead-lettered.
	MaxReceives int
	// DedupTTL bounds how long a consumed message ID is remembered.
	DedupTTL    time.Duration
	WaitSeconds int32
	BatchSize   int32
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

func (c *ConsumerConfig) withDefaults() {
	if c.MaxReceives <= 0 {
		c.MaxReceives = 5
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 24 * time.Hour
	}
	if c.WaitSeconds <= 0 {
		c.WaitSeconds = 20
	}
	if c.BatchSize <= 0 || c.BatchSize > 10 {
		c.BatchSize = 10
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
}

// Consumer long-polls the queue and hands each event to the engine.
type Consumer struct {
	client  sqsAPI
	cfg     ConsumerConfig
	handler Handler
	dedup   Deduper
	logger  *zap.Logger

	mu       sync.Mutex
	inFlight int
}

// NewConsumer creates a consumer. dedup may be nil.
func NewConsumer(client *sqs.Client, cfg ConsumerConfig, handler Handler, dedup Deduper, logger *zap.Logger) *Consumer {
	return newConsumer(client, cfg, handler, dedup, logger)
}

func newConsumer(client sqsAPI, cfg ConsumerConfig, handler Handler, dedup Deduper, logger *zap.Logger) *Consumer {
	cfg.withDefaults()
	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
		zap.Int("max_receives", cfg.MaxReceives),
	)
	return &Consumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		dedup:   dedup,
		logger:  logger,
	}
}

// Run polls until ctx is cancelled. A message whose handling fails stays on
// the queue and is redelivered after its visibility timeout.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("sqs consumer started")
	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopping")
			return nil
		}

		result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.cfg.QueueURL),
			MaxNumberOfMessages: c.cfg.BatchSize,
			WaitTimeSeconds:     c.cfg.WaitSeconds,
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("sqs receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.ErrorBackoff):
			}
			continue
		}

		for _, msg := range result.Messages {
			c.process(ctx, msg)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg types.Message) {
	c.track(1)
	defer c.track(-1)

	id := aws.ToString(msg.MessageId)
	logger := c.logger.With(zap.String("message_id", id))

	var env Envelope
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &env); err != nil {
		logger.Error("dropping malformed message", zap.Error(err))
		c.deadLetter(ctx, msg, "malformed body")
		return
	}
	if err := env.Event.Validate(); err != nil {
		logger.Error("dropping invalid domain event", zap.Error(err))
		c.deadLetter(ctx, msg, err.Error())
		return
	}

	dedupKey := "sqs-" + id
	if c.dedup != nil {
		fresh, err := c.dedup.Claim(ctx, dedupKey, c.cfg.DedupTTL)
		if err != nil {
			logger.Warn("dedup unavailable, processing anyway", zap.Error(err))
		} else if !fresh {
			logger.Debug("skipping redelivered message")
			c.delete(ctx, msg)
			return
		}
	}

	metrics.RecordDomainEvent(string(env.Event.Type), "sqs")

	if err := c.handler.Handle(ctx, env.Event); err != nil {
		if c.dedup != nil {
			if rerr := c.dedup.Release(ctx, dedupKey); rerr != nil {
				logger.Warn("failed to release dedup marker", zap.Error(rerr))
			}
		}
		if ctx.Err() != nil {
			return
		}

		receives := receiveCount(msg)
		logger.Error("failed to handle domain event",
			zap.Error(err),
			zap.String("type", string(env.Event.Type)),
			zap.String("event_id", env.Event.EventID),
			zap.Int("receive_count", receives),
		)
		if receives >= c.cfg.MaxReceives {
			c.deadLetter(ctx, msg, err.Error())
		}
		return
	}

	c.delete(ctx, msg)
}

func (c *Consumer) deadLetter(ctx context.Context, msg types.Message, reason string) {
	if c.cfg.DLQURL != "" {
		_, err := c.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(c.cfg.DLQURL),
			MessageBody: msg.Body,
			MessageAttributes: map[string]types.MessageAttributeValue{
				"reason": {
					DataType:    aws.String("String"),
					StringValue: aws.String(reason),
				},
			},
		})
		if err != nil {
			c.logger.Error("failed to dead-letter message, leaving it on the queue",
				zap.String("message_id", aws.ToString(msg.MessageId)),
				zap.Error(err),
			)
			return
		}
	}
	c.logger.Warn("message dead-lettered",
		zap.String("message_id", aws.ToString(msg.MessageId)),
		zap.String("reason", reason),
	)
	c.delete(ctx, msg)
}

func (c *Consumer) delete(ctx context.Context, msg types.Message) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		c.logger.Error("sqs delete failed",
			zap.String("message_id", aws.ToString(msg.MessageId)),
			zap.Error(err),
		)
	}
}

func (c *Consumer) track(delta int) {
	c.mu.Lock()
	c.inFlight += delta
	n := c.inFlight
	c.mu.Unlock()
	metrics.SetSQSMessagesInFlight(n)
}

func receiveCount(msg types.Message) int {
	n, err := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		return 1
	}
	return n
}
