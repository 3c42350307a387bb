package runner

import (
	"context"
	"fmt"

	"gradeflow/internal/grading/model"
	"gradeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

const skippedFeedback = "Skipped due to a critical failure in the same task."

// RunResult is the outcome of executing a plan.
type RunResult struct {
	Entries        []model.ResultEntry
	Failed         bool
	FailedTaskName string
	EarnedPoints   int
	TotalPoints    int
}

// Sequencer walks tasks in order and dispatches each test case to the
// executor registered for its kind.
type Sequencer struct {
	executors Registry
	log       *logger.Logger
}

func NewSequencer(executors Registry, log *logger.Logger) *Sequencer {
	return &Sequencer{executors: executors, log: log}
}

// Run executes plan against target. A failing task halts the run after that
// task. The returned error is a grading system failure; the run is then
// unscored.
func (s *Sequencer) Run(ctx context.Context, plan []model.TaskPlan, target Target) (*RunResult, error) {
	result := &RunResult{TotalPoints: TotalPoints(plan)}
	runCtx := NewContext()

	for _, tp := range plan {
		if len(tp.TestCases) == 0 {
			continue
		}
		taskFailed, err := s.runTask(ctx, tp, target, runCtx, result)
		if err != nil {
			return nil, err
		}
		if taskFailed {
			result.Failed = true
			result.FailedTaskName = tp.Task.Name
			break
		}
	}
	return result, nil
}

func (s *Sequencer) runTask(ctx context.Context, tp model.TaskPlan, target Target, runCtx *Context, result *RunResult) (bool, error) {
	failed := false
	for i, tc := range tp.TestCases {
		outcome, err := s.runCase(ctx, tc, target, runCtx)
		if err != nil {
			return false, fmt.Errorf("test case %d: %w", tc.ID, err)
		}
		entry := model.ResultEntry{
			TaskID:     tp.Task.ID,
			TaskName:   tp.Task.Name,
			TestCaseID: tc.ID,
			Name:       tc.Name,
			Passed:     outcome.Passed,
			Feedback:   outcome.Feedback,
		}
		if outcome.Passed {
			entry.PointsEarned = tc.Points
			result.EarnedPoints += tc.Points
		}
		result.Entries = append(result.Entries, entry)

		if outcome.Passed {
			continue
		}
		failed = true
		if tc.StopOnFailure {
			for _, skipped := range tp.TestCases[i+1:] {
				result.Entries = append(result.Entries, model.ResultEntry{
					TaskID:     tp.Task.ID,
					TaskName:   tp.Task.Name,
					TestCaseID: skipped.ID,
					Name:       skipped.Name,
					Feedback:   skippedFeedback,
				})
			}
			break
		}
	}
	return failed, nil
}

// runCase turns an executor panic into a failed outcome.
func (s *Sequencer) runCase(ctx context.Context, tc model.TestCase, target Target, runCtx *Context) (outcome Outcome, err error) {
	executor, ok := s.executors[tc.Kind]
	if !ok || executor == nil {
		return unsupportedOutcome(tc.Kind), nil
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(ctx, "critical error in test case",
				zap.Int64("test_case_id", tc.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			outcome = Outcome{Feedback: fmt.Sprintf("A critical error occurred: %v", r)}
			err = nil
		}
	}()
	return executor.Execute(ctx, tc, target, runCtx)
}
