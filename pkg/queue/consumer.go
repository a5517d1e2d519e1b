package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/flossfund/pkg/async"
	"github.com/platinummonkey/flossfund/pkg/observability"
	"github.com/platinummonkey/flossfund/pkg/retry"
)

// HandlerFunc processes one message. A nil return deletes the message.
type HandlerFunc func(ctx context.Context, msg Message) error

// ConsumerOptions tunes polling and batch execution
type ConsumerOptions struct {
	MaxMessages       int
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	Workers           int
	Timeout           time.Duration
	ErrorBackoff      time.Duration
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.MaxMessages <= 0 || o.MaxMessages > 10 {
		o.MaxMessages = 10
	}
	if o.WaitTime <= 0 {
		o.WaitTime = 20 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = o.MaxMessages
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Minute
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 5 * time.Second
	}
	return o
}

// BatchResult reports the outcome of one received batch
type BatchResult struct {
	Received  int
	Succeeded int
	Failures  map[string]error
}

// Consumer long-polls one queue and runs every received message as an
// independent task. Only messages whose handler succeeded are deleted; the rest
// become visible again for redelivery.
type Consumer struct {
	client   API
	queueURL string
	name     string
	handler  HandlerFunc
	opts     ConsumerOptions
	logger   logrus.FieldLogger
	metrics  *observability.Metrics
}

// NewConsumer creates a consumer for queueURL. name labels logs and metrics.
func NewConsumer(client API, queueURL, name string, handler HandlerFunc, opts ConsumerOptions,
	logger logrus.FieldLogger, metrics *observability.Metrics) *Consumer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		name:     name,
		handler:  handler,
		opts:     opts.withDefaults(),
		logger:   logger.WithField("queue", name),
		metrics:  metrics,
	}
}

// Run polls until ctx is canceled. Cancellation only stops receiving: a batch
// already handed to the handler runs to completion under opts.Timeout and its
// successes are acknowledged before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("queue consumer started")
	for {
		if ctx.Err() != nil {
			c.logger.Info("queue consumer stopped")
			return nil
		}

		if _, err := c.PollOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.WithError(err).Warn("failed to receive messages")
			if err := retry.Sleep(ctx, c.opts.ErrorBackoff); err != nil {
				continue
			}
		}
	}
}

// PollOnce receives one batch, processes it and deletes the successes
func (c *Consumer) PollOnce(ctx context.Context) (*BatchResult, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: int32(c.opts.MaxMessages),
		WaitTimeSeconds:     seconds(c.opts.WaitTime),
		VisibilityTimeout:   seconds(c.opts.VisibilityTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", c.name, err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, Message{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Attributes:    m.Attributes,
		})
	}
	return c.Process(ctx, messages), nil
}

// Process handles messages concurrently and acknowledges each success.
// Handlers are detached from ctx cancellation and bounded by opts.Timeout.
func (c *Consumer) Process(ctx context.Context, messages []Message) *BatchResult {
	result := &BatchResult{Received: len(messages), Failures: make(map[string]error)}
	if len(messages) == 0 {
		return result
	}

	// in-flight handlers outlive a canceled poll
	handlerCtx := context.WithoutCancel(ctx)
	errs := async.Batch(handlerCtx, messages, c.opts.Workers, c.name, c.opts.Timeout, func(ctx context.Context, msg Message) error {
		return c.handler(ctx, msg)
	})

	for i, msg := range messages {
		logger := c.logger.WithField("message_id", msg.ID)
		if errs[i] != nil {
			result.Failures[msg.ID] = errs[i]
			c.metrics.QueueMessagesTotal.WithLabelValues(c.name, "failed").Inc()
			logger.WithError(errs[i]).Error("message handler failed")
			continue
		}

		if err := c.ack(ctx, msg); err != nil {
			result.Failures[msg.ID] = err
			c.metrics.QueueMessagesTotal.WithLabelValues(c.name, "ack_failed").Inc()
			logger.WithError(err).Error("failed to delete processed message")
			continue
		}
		result.Succeeded++
		c.metrics.QueueMessagesTotal.WithLabelValues(c.name, "succeeded").Inc()
	}

	return result
}

func (c *Consumer) ack(ctx context.Context, msg Message) error {
	// a canceled poll context must not strand a processed message
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", msg.ID, err)
	}
	return nil
}
