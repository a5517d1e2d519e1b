package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/flossfund/pkg/observability"
)

type mockSQS struct {
	mu         sync.Mutex
	sent       map[string][]string
	deleted    []string
	inbox      []types.Message
	receiveErr error
	deleteErr  error
	lastInput  *sqs.ReceiveMessageInput
}

func newMockSQS() *mockSQS {
	return &mockSQS{sent: make(map[string][]string)}
}

func (m *mockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url := aws.ToString(params.QueueUrl)
	m.sent[url] = append(m.sent[url], aws.ToString(params.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("sent-1")}, nil
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastInput = params
	if m.receiveErr != nil {
		return nil, m.receiveErr
	}
	msgs := m.inbox
	m.inbox = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (m *mockSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	m.deleted = append(m.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func sqsMessage(id, body string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		Body:          aws.String(body),
		ReceiptHandle: aws.String("rh-" + id),
	}
}

func TestSQSSender_Send(t *testing.T) {
	client := newMockSQS()
	sender := NewSQSSender(client)

	err := sender.Send(context.Background(), "https://sqs/weigh", map[string]string{"correlationId": "cid-1"})
	require.NoError(t, err)
	require.Len(t, client.sent["https://sqs/weigh"], 1)
	assert.JSONEq(t, `{"correlationId":"cid-1"}`, client.sent["https://sqs/weigh"][0])
}

func TestMessage_Decode(t *testing.T) {
	var payload struct {
		CorrelationID string `json:"correlationId"`
	}
	require.NoError(t, Message{ID: "1", Body: `{"correlationId":"x"}`}.Decode(&payload))
	assert.Equal(t, "x", payload.CorrelationID)

	assert.Error(t, Message{ID: "2", Body: "nope"}.Decode(&payload))
}

func TestConsumer_PollOnce_DeletesOnlySuccesses(t *testing.T) {
	client := newMockSQS()
	client.inbox = []types.Message{
		sqsMessage("ok-1", `{"n":1}`),
		sqsMessage("bad", `{"n":2}`),
		sqsMessage("ok-2", `{"n":3}`),
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	handler := func(ctx context.Context, msg Message) error {
		if msg.ID == "bad" {
			return errors.New("oracle unavailable")
		}
		return nil
	}
	consumer := NewConsumer(client, "https://sqs/donations", "donations", handler,
		ConsumerOptions{WaitTime: time.Second, VisibilityTimeout: 16 * time.Minute}, nil, metrics)

	result, err := consumer.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Received)
	assert.Equal(t, 2, result.Succeeded)
	require.Contains(t, result.Failures, "bad")
	assert.ErrorContains(t, result.Failures["bad"], "oracle unavailable")

	assert.ElementsMatch(t, []string{"rh-ok-1", "rh-ok-2"}, client.deleted)
	assert.Equal(t, int32(10), client.lastInput.MaxNumberOfMessages)
	assert.Equal(t, int32(1), client.lastInput.WaitTimeSeconds)
	assert.Equal(t, int32(960), client.lastInput.VisibilityTimeout)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.QueueMessagesTotal.WithLabelValues("donations", "succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.QueueMessagesTotal.WithLabelValues("donations", "failed")))
}

func TestConsumer_PanicIsIsolated(t *testing.T) {
	client := newMockSQS()
	client.inbox = []types.Message{sqsMessage("boom", "{}"), sqsMessage("fine", "{}")}

	handler := func(ctx context.Context, msg Message) error {
		if msg.ID == "boom" {
			panic("nil map")
		}
		return nil
	}
	consumer := NewConsumer(client, "q", "stage", handler, ConsumerOptions{}, nil, nil)

	result, err := consumer.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Contains(t, result.Failures, "boom")
	assert.Equal(t, []string{"rh-fine"}, client.deleted)
}

func TestConsumer_DeleteFailureIsReported(t *testing.T) {
	client := newMockSQS()
	client.inbox = []types.Message{sqsMessage("m1", "{}")}
	client.deleteErr = errors.New("receipt expired")

	consumer := NewConsumer(client, "q", "stage", func(context.Context, Message) error { return nil },
		ConsumerOptions{}, nil, nil)

	result, err := consumer.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Succeeded)
	assert.ErrorContains(t, result.Failures["m1"], "receipt expired")
}

func TestConsumer_ReceiveError(t *testing.T) {
	client := newMockSQS()
	client.receiveErr = errors.New("throttled")

	consumer := NewConsumer(client, "q", "stage", func(context.Context, Message) error { return nil },
		ConsumerOptions{}, nil, nil)

	_, err := consumer.PollOnce(context.Background())
	assert.ErrorContains(t, err, "throttled")
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	client := newMockSQS()
	consumer := NewConsumer(client, "q", "stage", func(context.Context, Message) error { return nil },
		ConsumerOptions{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumer_RunFinishesInFlightBatchOnCancel(t *testing.T) {
	client := newMockSQS()
	client.inbox = []types.Message{sqsMessage("m1", "{}")}

	started := make(chan struct{})
	var handlerErr error
	handler := func(ctx context.Context, msg Message) error {
		close(started)
		select {
		case <-ctx.Done():
			handlerErr = ctx.Err()
			return handlerErr
		case <-time.After(200 * time.Millisecond):
			return nil
		}
	}
	consumer := NewConsumer(client, "q", "distribute", handler, ConsumerOptions{WaitTime: time.Second}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	<-started
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	assert.NoError(t, handlerErr)
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, []string{"rh-m1"}, client.deleted)
}
