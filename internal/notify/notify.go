// Package notify publishes tagging events for downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("revspot-notify")

// Event types.
const (
	EventTagged   = "video.tagged"
	EventRetagged = "video.retagged"
)

// Event announces that an entry received new tags.
type Event struct {
	Type         string    `json:"type"`
	EntryID      string    `json:"entryId"`
	Filename     string    `json:"filename"`
	Tags         string    `json:"tags"`
	RemoteFileID string    `json:"remoteFileId,omitempty"`
	At           time.Time `json:"at"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// SQSAPI is the subset of the SQS client used by SQSPublisher.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends each event as a JSON message to an SQS queue.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	log      *slog.Logger
}

// NewSQSPublisher creates a publisher for queueURL.
func NewSQSPublisher(client SQSAPI, queueURL string, log *slog.Logger) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL, log: log}
}

func (p *SQSPublisher) Publish(ctx context.Context, event Event) error {
	ctx, span := tracer.Start(ctx, "publish-event")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.type", event.Type),
		attribute.String("entry.id", event.EntryID),
	)

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"eventType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Type),
			},
		},
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}

	p.log.InfoContext(ctx, "Event published",
		"type", event.Type,
		"entryId", event.EntryID,
	)
	return nil
}
