package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gradeflow/internal/grading/model"
	pkgerrors "gradeflow/pkg/errors"

	"go.uber.org/zap"
)

const headerErrorCode = "x-error-code"

// handleFailure settles a run that produced no verdict: input errors fail
// the submission at once, system errors are retried until attempts run out.
// It returns an error only when the job has to stay on the queue.
func (s *Service) handleFailure(ctx context.Context, submissionID int64, attempt int, cause error) error {
	if ctx.Err() != nil || errors.Is(cause, context.Canceled) {
		s.log.Warn(ctx, "grading interrupted, leaving job on the queue", zap.Error(cause))
		return cause
	}
	code := pkgerrors.GetCode(cause)
	if !pkgerrors.IsRetryable(cause) {
		s.log.Warn(ctx, "submission cannot be graded", zap.Int("code", int(code)), zap.Error(cause))
		s.abandon(ctx, submissionID, code.Message())
		return nil
	}
	if attempt < s.maxAttempts {
		return s.scheduleRetry(ctx, submissionID, attempt, cause)
	}

	s.log.Error(ctx, "grading attempts exhausted",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", s.maxAttempts),
		zap.Error(cause))
	if !s.abandon(ctx, submissionID, internalErrorFeedback) {
		return nil
	}
	s.publishDeadLetter(ctx, submissionID, attempt, code)
	return nil
}

// scheduleRetry marks the submission retrying and republishes it to the
// retry topic, not to be picked up before the retry delay elapses.
func (s *Service) scheduleRetry(ctx context.Context, submissionID int64, attempt int, cause error) error {
	now := s.now().UTC()
	applied := false
	err := s.updateStatus(ctx, submissionID, func(ctx context.Context) error {
		ok, err := s.submissions.MarkRetrying(ctx, nil, submissionID, internalErrorFeedback, now)
		applied = ok
		return err
	})
	if err != nil {
		return err
	}
	if !applied {
		s.log.Info(ctx, "submission finalized before retry, dropping job")
		return nil
	}

	msg, err := newGradingMessage(submissionID, attempt+1, now.Add(s.retryDelay))
	if err != nil {
		return err
	}
	if err := s.producer.Publish(ctx, s.topics.Retry, msg); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.QueuePublishFailed, "publish retry of submission %d", submissionID)
	}
	s.log.Warn(ctx, "grading failed, retry scheduled",
		zap.Int("attempt", attempt),
		zap.Int("next_attempt", attempt+1),
		zap.Duration("delay", s.retryDelay),
		zap.Error(cause))
	return nil
}

// abandon fails the submission without a score. It reports whether the
// submission was still open.
func (s *Service) abandon(ctx context.Context, submissionID int64, feedback string) bool {
	sub, err := s.submissions.GetByID(ctx, nil, submissionID)
	if err != nil {
		if !pkgerrors.Is(err, pkgerrors.SubmissionNotFound) {
			s.log.Error(ctx, "load submission to mark failed", zap.Error(err))
		}
		return false
	}
	applied, err := s.finalize(ctx, sub, s.failVerdict(feedback), false)
	if err != nil {
		s.log.Error(ctx, "mark submission failed", zap.Error(err))
		return false
	}
	return applied
}

func (s *Service) publishDeadLetter(ctx context.Context, submissionID int64, attempt int, code pkgerrors.ErrorCode) {
	if s.topics.DeadLetter == "" {
		return
	}
	msg, err := newGradingMessage(submissionID, attempt, time.Time{})
	if err != nil {
		s.log.Error(ctx, "build dead letter message", zap.Error(err))
		return
	}
	msg.SetHeader(headerErrorCode, strconv.Itoa(int(code)))
	if err := s.producer.Publish(ctx, s.topics.DeadLetter, msg); err != nil {
		s.log.Error(ctx, "publish dead letter failed", zap.String("topic", s.topics.DeadLetter), zap.Error(err))
	}
}

// waitNotBefore blocks until the job's not-before time.
func (s *Service) waitNotBefore(ctx context.Context, headers map[string]string) error {
	raw, ok := headers[model.HeaderNotBefore]
	if !ok || raw == "" {
		return nil
	}
	notBefore, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		s.log.Warn(ctx, "ignoring malformed not-before header", zap.String("value", raw))
		return nil
	}
	delay := notBefore.Sub(s.now())
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseAttempt reads the dispatch attempt header; jobs without one are first attempts.
func parseAttempt(headers map[string]string) int {
	raw, ok := headers[model.HeaderDispatchAttempt]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
