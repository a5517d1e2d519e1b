package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/platinummonkey/flossfund/pkg/config"
)

// Message is one inbound queue message
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
	Attributes    map[string]string
}

// Decode unmarshals the message body into v
func (m Message) Decode(v interface{}) error {
	if err := json.Unmarshal([]byte(m.Body), v); err != nil {
		return fmt.Errorf("failed to decode message %s: %w", m.ID, err)
	}
	return nil
}

// Sender delivers a JSON payload to a destination queue
type Sender interface {
	Send(ctx context.Context, destination string, payload interface{}) error
}

// API is the subset of the SQS client used by this package
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// NewSQSClient builds an SQS client from queue settings
func NewSQSClient(ctx context.Context, cfg config.QueueConfig) (*sqs.Client, error) {
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsConfig, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// SQSSender sends messages where destination is a queue URL
type SQSSender struct {
	client API
}

// NewSQSSender creates a sender over client
func NewSQSSender(client API) *SQSSender {
	return &SQSSender{client: client}
}

// Send serializes payload as JSON and enqueues it
func (s *SQSSender) Send(ctx context.Context, destination string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(destination),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", destination, err)
	}
	return nil
}

func seconds(d time.Duration) int32 {
	return int32(d / time.Second)
}
