package runner

import (
	"fmt"
	"math"

	"gradeflow/internal/grading/model"
)

// TotalPoints sums the points of every test case in plan, including tasks
// that a failure prevents from running.
func TotalPoints(plan []model.TaskPlan) int {
	total := 0
	for _, tp := range plan {
		for _, tc := range tp.TestCases {
			total += tc.Points
		}
	}
	return total
}

// Score is the persisted summary of a run.
type Score struct {
	Status           model.SubmissionStatus
	PassedTests      int
	PassedPercentage float64
}

// Summarize scores a run result.
func Summarize(r *RunResult) Score {
	score := Score{Status: model.StatusPassed}
	if r.Failed {
		score.Status = model.StatusFailed
	}
	for _, e := range r.Entries {
		if e.Passed {
			score.PassedTests++
		}
	}
	score.PassedPercentage = Percentage(r.EarnedPoints, r.TotalPoints)
	return score
}

// Percentage is earned/total*100 rounded to two decimals; 0 when total is 0.
func Percentage(earned, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(earned)/float64(total)*10000) / 100
}

// StatusMessage is the human summary stored as submission feedback.
func StatusMessage(submissionID int64, r *RunResult) string {
	if !r.Failed {
		return fmt.Sprintf("Submission %d passed successfully with %d points.", submissionID, r.EarnedPoints)
	}
	return fmt.Sprintf("Submission %d failed. Last task: '%s'. Points earned: %d out of %d.",
		submissionID, r.FailedTaskName, r.EarnedPoints, r.TotalPoints)
}

// BuildVerdict builds the finalization record for r.
func BuildVerdict(submissionID int64, r *RunResult) model.Verdict {
	score := Summarize(r)
	entries := r.Entries
	if entries == nil {
		entries = []model.ResultEntry{}
	}
	return model.Verdict{
		Status:           score.Status,
		PassedTests:      score.PassedTests,
		PassedPercentage: score.PassedPercentage,
		ExecutionLogs:    entries,
		Feedback:         StatusMessage(submissionID, r),
	}
}
