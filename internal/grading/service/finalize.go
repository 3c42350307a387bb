package service

import (
	"context"

	"gradeflow/internal/common/db"
	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/repository"

	"go.uber.org/zap"
)

const internalErrorFeedback = "Internal Server Error"

// finalize persists a terminal verdict and, when markFinished is set, flags
// the team project finished in the same transaction. It reports false when
// the submission was already terminal.
func (s *Service) finalize(ctx context.Context, sub *model.Submission, verdict model.Verdict, markFinished bool) (bool, error) {
	applied := false
	err := s.updateStatus(ctx, sub.ID, func(ctx context.Context) error {
		return s.database.Transaction(ctx, func(tx db.Transaction) error {
			ok, err := s.submissions.Finalize(ctx, tx, sub.ID, verdict)
			if err != nil {
				return err
			}
			applied = ok
			if !ok || !markFinished {
				return nil
			}
			found, err := s.teamProjects.MarkFinished(ctx, tx, sub.TeamID, sub.ProjectID, verdict.CompletedAt)
			if err != nil {
				return err
			}
			if !found {
				s.log.Error(ctx, "team project not found, project completion not recorded",
					zap.Int64("team_id", sub.TeamID),
					zap.Int64("project_id", sub.ProjectID))
			}
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.archiveVerdict(ctx, sub, verdict)
	}
	return applied, nil
}

// failVerdict is the verdict of a run abandoned without a score.
func (s *Service) failVerdict(feedback string) model.Verdict {
	return model.Verdict{
		Status:        model.StatusFailed,
		ExecutionLogs: []model.ResultEntry{},
		Feedback:      feedback,
		CompletedAt:   s.now().UTC(),
	}
}

func (s *Service) updateStatus(ctx context.Context, submissionID int64, fn func(context.Context) error) error {
	if s.statusCache == nil {
		return fn(ctx)
	}
	return s.statusCache.Update(ctx, submissionID, fn)
}

func (s *Service) archiveVerdict(ctx context.Context, sub *model.Submission, verdict model.Verdict) {
	if s.archive == nil {
		return
	}
	key, err := s.archive.Archive(ctx, repository.ArchiveRecord{
		SubmissionID:     sub.ID,
		ProjectID:        sub.ProjectID,
		TaskID:           sub.TaskID,
		TeamID:           sub.TeamID,
		Status:           verdict.Status,
		PassedTests:      verdict.PassedTests,
		PassedPercentage: verdict.PassedPercentage,
		Feedback:         verdict.Feedback,
		ExecutionLogs:    verdict.ExecutionLogs,
		CompletedAt:      verdict.CompletedAt,
	})
	if err != nil {
		s.log.Warn(ctx, "archive execution logs failed", zap.Error(err))
		return
	}
	s.log.Debug(ctx, "execution logs archived", zap.String("key", key))
}
