package model

// ResultEntry is one execution log record.
type ResultEntry struct {
	TaskID       int64  `json:"task_id"`
	TaskName     string `json:"task_name"`
	TestCaseID   int64  `json:"test_case_id"`
	Name         string `json:"name"`
	Passed       bool   `json:"passed"`
	PointsEarned int    `json:"points_earned"`
	Feedback     string `json:"feedback"`
}
