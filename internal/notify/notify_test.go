package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type mockSQS struct {
	input *sqs.SendMessageInput
	err   error
}

func (m *mockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.input = params
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSQSPublisher_Publish(t *testing.T) {
	client := &mockSQS{}
	p := NewSQSPublisher(client, "https://sqs.test/queue", slog.New(slog.NewTextHandler(io.Discard, nil)))

	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	err := p.Publish(context.Background(), Event{
		Type:     EventTagged,
		EntryID:  "house.mp4-1",
		Filename: "house.mp4",
		Tags:     "20240101_Kitchen.mp4",
		At:       at,
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if aws.ToString(client.input.QueueUrl) != "https://sqs.test/queue" {
		t.Errorf("QueueUrl = %q", aws.ToString(client.input.QueueUrl))
	}
	if got := aws.ToString(client.input.MessageAttributes["eventType"].StringValue); got != EventTagged {
		t.Errorf("eventType attribute = %q", got)
	}

	var got Event
	if err := json.Unmarshal([]byte(aws.ToString(client.input.MessageBody)), &got); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if got.EntryID != "house.mp4-1" || got.Tags != "20240101_Kitchen.mp4" || !got.At.Equal(at) {
		t.Errorf("decoded event = %+v", got)
	}
}

func TestSQSPublisher_DefaultsTimestamp(t *testing.T) {
	client := &mockSQS{}
	p := NewSQSPublisher(client, "q", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := p.Publish(context.Background(), Event{Type: EventRetagged, EntryID: "a"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	var got Event
	_ = json.Unmarshal([]byte(aws.ToString(client.input.MessageBody)), &got)
	if got.At.IsZero() {
		t.Error("At was not set")
	}
}

func TestSQSPublisher_Error(t *testing.T) {
	client := &mockSQS{err: errors.New("throttled")}
	p := NewSQSPublisher(client, "q", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := p.Publish(context.Background(), Event{Type: EventTagged}); err == nil {
		t.Error("Publish() expected error")
	}
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	if err := p.Publish(context.Background(), Event{}); err != nil {
		t.Errorf("Noop.Publish() error = %v", err)
	}
}
