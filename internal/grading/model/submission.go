package model

import "time"

// SubmissionStatus is the lifecycle state of a submission.
type SubmissionStatus string

const (
	StatusPending  SubmissionStatus = "pending"
	StatusRetrying SubmissionStatus = "retrying"
	StatusPassed   SubmissionStatus = "passed"
	StatusFailed   SubmissionStatus = "failed"
)

// IsTerminal reports whether no further grading happens in this status.
func (s SubmissionStatus) IsTerminal() bool {
	return s == StatusPassed || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRetrying, StatusPassed, StatusFailed:
		return true
	}
	return false
}

// Submission is one learner attempt at a task.
type Submission struct {
	ID               int64
	ProjectID        int64
	TaskID           int64
	TeamID           int64
	UserID           int64
	DeploymentURL    string
	Language         string
	Code             string
	Status           SubmissionStatus
	PassedTests      int
	PassedPercentage float64
	ExecutionLogs    []ResultEntry
	Feedback         *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time

	// ProjectCategory is joined in when loading for a run.
	ProjectCategory string
}

// SubmissionSummary is the status view served over HTTP and cached in Redis.
type SubmissionSummary struct {
	ID               int64            `json:"id"`
	ProjectID        int64            `json:"project_id"`
	TaskID           int64            `json:"task_id"`
	TeamID           int64            `json:"team_id"`
	Status           SubmissionStatus `json:"status"`
	PassedTests      int              `json:"passed_tests"`
	PassedPercentage float64          `json:"passed_percentage"`
	Feedback         *string          `json:"feedback,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// Summary projects s onto its HTTP view.
func (s *Submission) Summary() *SubmissionSummary {
	if s == nil {
		return nil
	}
	return &SubmissionSummary{
		ID:               s.ID,
		ProjectID:        s.ProjectID,
		TaskID:           s.TaskID,
		TeamID:           s.TeamID,
		Status:           s.Status,
		PassedTests:      s.PassedTests,
		PassedPercentage: s.PassedPercentage,
		Feedback:         s.Feedback,
		CreatedAt:        s.CreatedAt,
		CompletedAt:      s.CompletedAt,
	}
}

// Verdict is what finalization persists for a graded or abandoned run.
type Verdict struct {
	Status           SubmissionStatus
	PassedTests      int
	PassedPercentage float64
	ExecutionLogs    []ResultEntry
	Feedback         string
	CompletedAt      time.Time
}
