package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/openkoi/koi/internal/common/mq"
	"github.com/openkoi/koi/internal/judge/model"
	pkgerrors "github.com/openkoi/koi/pkg/errors"
)

// EventPublisher emits terminal submission events for downstream
// consumers such as statistics and ranking pipelines.
type EventPublisher interface {
	PublishTerminal(ctx context.Context, event model.TerminalEvent) error
}

// KafkaEventPublisher publishes terminal events keyed by submission id
// so per-submission ordering survives partitioning.
type KafkaEventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewEventPublisher creates a Kafka-backed terminal event publisher.
func NewEventPublisher(producer mq.Producer, topic string) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer, topic: topic}
}

// PublishTerminal publishes one terminal event.
func (p *KafkaEventPublisher) PublishTerminal(ctx context.Context, event model.TerminalEvent) error {
	if p == nil || p.producer == nil {
		return pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("event publisher is not configured")
	}
	if p.topic == "" {
		return pkgerrors.ValidationError("topic", "required")
	}
	if event.SubmissionID <= 0 {
		return pkgerrors.ValidationError("submission_id", "required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal terminal event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = strconv.FormatInt(event.SubmissionID, 10)
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.EventPublishFailed, "publish terminal event failed")
	}
	return nil
}
