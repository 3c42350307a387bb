package model

// GradingMessage is the queue payload requesting a grading run.
type GradingMessage struct {
	SubmissionID int64 `json:"submission_id"`
}

// Queue headers carried by grading messages.
const (
	HeaderDispatchAttempt = "x-dispatch-attempt"
	HeaderNotBefore       = "x-not-before"
)
