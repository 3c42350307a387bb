package service

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"gradeflow/internal/common/mq"
	"gradeflow/internal/grading/model"
	pkgerrors "gradeflow/pkg/errors"

	"github.com/google/uuid"
)

// Publisher enqueues grading jobs on the main topic.
type Publisher struct {
	producer mq.Producer
	topic    string
}

// NewPublisher creates a publisher for topic.
func NewPublisher(producer mq.Producer, topic string) *Publisher {
	return &Publisher{producer: producer, topic: topic}
}

// Enqueue publishes a grading job for a submission at the given attempt.
func (p *Publisher) Enqueue(ctx context.Context, submissionID int64, attempt int) error {
	if submissionID <= 0 {
		return pkgerrors.ValidationError("submission_id", "must be positive")
	}
	msg, err := newGradingMessage(submissionID, attempt, time.Time{})
	if err != nil {
		return err
	}
	if err := p.producer.Publish(ctx, p.topic, msg); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.QueuePublishFailed, "enqueue submission %d", submissionID)
	}
	return nil
}

// newGradingMessage builds a job message. A zero notBefore omits the header.
func newGradingMessage(submissionID int64, attempt int, notBefore time.Time) (*mq.Message, error) {
	body, err := json.Marshal(model.GradingMessage{SubmissionID: submissionID})
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.InternalServerError)
	}
	if attempt < 1 {
		attempt = 1
	}
	msg := mq.NewMessage(body)
	msg.ID = uuid.NewString()
	msg.SetHeader(model.HeaderDispatchAttempt, strconv.Itoa(attempt))
	if !notBefore.IsZero() {
		msg.SetHeader(model.HeaderNotBefore, notBefore.UTC().Format(time.RFC3339Nano))
	}
	return msg, nil
}
