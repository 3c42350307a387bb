package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"gradeflow/internal/common/mq"
	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/runner"
	pkgerrors "gradeflow/pkg/errors"
	"gradeflow/pkg/utils/contextkey"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HandleMessage consumes one grading job from the main or retry topic. It
// returns an error only when the job must stay on the queue.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return nil
	}
	ctx = context.WithValue(ctx, contextkey.MessageID, msg.ID)
	var payload model.GradingMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil || payload.SubmissionID <= 0 {
		s.log.Error(ctx, "dropping malformed grading message", zap.ByteString("body", msg.Body), zap.Error(err))
		return nil
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, payload.SubmissionID)
	attempt := parseAttempt(msg.Headers)

	if err := s.waitNotBefore(ctx, msg.Headers); err != nil {
		return err
	}
	if err := s.acquireSlot(ctx); err != nil {
		return err
	}
	defer s.releaseSlot()

	runErr := s.RunSubmissionTests(ctx, payload.SubmissionID)
	if runErr == nil {
		return nil
	}
	return s.handleFailure(ctx, payload.SubmissionID, attempt, runErr)
}

// RunSubmissionTests grades one submission and persists its verdict. Missing,
// already graded and concurrently locked submissions are skipped. A returned
// error means the run produced no verdict.
func (s *Service) RunSubmissionTests(ctx context.Context, submissionID int64) error {
	ctx = context.WithValue(ctx, contextkey.SubmissionID, submissionID)
	sub, err := s.submissions.GetByID(ctx, nil, submissionID)
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.SubmissionNotFound) {
			s.log.Warn(ctx, "submission not found, skipping run")
			return nil
		}
		return err
	}
	if sub.Status.IsTerminal() {
		s.log.Info(ctx, "submission already graded, skipping run", zap.String("status", string(sub.Status)))
		return nil
	}

	release, locked, err := s.lock(ctx, submissionID)
	if err != nil {
		return err
	}
	if !locked {
		s.log.Info(ctx, "submission is being graded elsewhere, skipping run")
		return nil
	}
	defer release()

	return s.grade(ctx, sub)
}

func (s *Service) grade(ctx context.Context, sub *model.Submission) error {
	task, err := s.plans.GetTask(ctx, sub.TaskID)
	if err != nil {
		return err
	}
	lastOrder, err := s.plans.LastTaskOrder(ctx, sub.ProjectID)
	if err != nil {
		return err
	}
	plan, err := s.plans.LoadPlan(ctx, sub.ProjectID, task.Order)
	if err != nil {
		return err
	}

	seq, target, err := s.selectRunner(ctx, sub)
	if err != nil {
		return err
	}
	s.log.Info(ctx, "grading started",
		zap.Int64("task_id", task.ID),
		zap.Int("task_order", task.Order),
		zap.Int("tasks", len(plan)))

	result, err := seq.Run(ctx, plan, target)
	if err != nil {
		return err
	}

	verdict := runner.BuildVerdict(sub.ID, result)
	verdict.CompletedAt = s.now().UTC()
	markFinished := verdict.Status == model.StatusPassed && task.Order == lastOrder
	applied, err := s.finalize(ctx, sub, verdict, markFinished)
	if err != nil {
		return err
	}
	if !applied {
		s.log.Info(ctx, "submission finalized concurrently, verdict discarded")
		return nil
	}
	s.log.Info(ctx, verdict.Feedback,
		zap.String("status", string(verdict.Status)),
		zap.Int("passed_tests", verdict.PassedTests),
		zap.Float64("passed_percentage", verdict.PassedPercentage))
	return nil
}

// selectRunner picks the console runner for console projects and the API
// runner otherwise, and validates the target it needs.
func (s *Service) selectRunner(ctx context.Context, sub *model.Submission) (*runner.Sequencer, runner.Target, error) {
	if sub.ProjectCategory == model.ConsoleCategory {
		if s.consoleRunner == nil {
			return nil, runner.Target{}, pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("console runner is not configured")
		}
		if strings.TrimSpace(sub.Code) == "" {
			return nil, runner.Target{}, pkgerrors.New(pkgerrors.SubmissionCodeMissing)
		}
		if !runner.SupportedLanguage(sub.Language) {
			return nil, runner.Target{}, pkgerrors.Newf(pkgerrors.LanguageNotSupported, "language %q is not supported", sub.Language)
		}
		return s.consoleRunner, runner.Target{Language: sub.Language, Code: sub.Code}, nil
	}

	baseURL := strings.TrimSpace(sub.DeploymentURL)
	if baseURL == "" {
		tp, err := s.teamProjects.Get(ctx, nil, sub.TeamID, sub.ProjectID)
		if err != nil && !pkgerrors.Is(err, pkgerrors.TeamProjectNotFound) {
			return nil, runner.Target{}, err
		}
		if tp != nil {
			baseURL = strings.TrimSpace(tp.DeploymentURL)
		}
	}
	if baseURL == "" {
		return nil, runner.Target{}, pkgerrors.New(pkgerrors.DeploymentURLMissing)
	}
	return s.apiRunner, runner.Target{BaseURL: baseURL}, nil
}

// lock takes the per-submission run lock. Without a lock backend every run proceeds.
func (s *Service) lock(ctx context.Context, submissionID int64) (func(), bool, error) {
	if s.locks == nil {
		return func() {}, true, nil
	}
	key := lockKeyPrefix + strconv.FormatInt(submissionID, 10)
	token := uuid.NewString()
	ok, err := s.locks.TryLock(ctx, key, token, s.lockTTL)
	if err != nil {
		return nil, false, pkgerrors.Wrapf(err, pkgerrors.LockFailed, "lock submission %d", submissionID)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		if err := s.locks.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn(ctx, "release submission lock failed", zap.Error(err))
		}
	}, true, nil
}

func (s *Service) acquireSlot(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) releaseSlot() {
	select {
	case <-s.sem:
	default:
	}
}
