package controller

import (
	"context"
	"strconv"

	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/repository"
	pkgerrors "gradeflow/pkg/errors"
	"gradeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// StatusReader serves submission summaries.
type StatusReader interface {
	Get(ctx context.Context, id int64) (*model.SubmissionSummary, error)
}

// Enqueuer publishes grading jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, submissionID int64, attempt int) error
}

// StuckSweeper requeues abandoned submissions.
type StuckSweeper interface {
	RequeueStuckSubmissions(ctx context.Context) (int, error)
}

// GradingController handles grading HTTP endpoints.
type GradingController struct {
	status      StatusReader
	submissions repository.SubmissionRepository
	enqueuer    Enqueuer
	sweeper     StuckSweeper
}

// NewGradingController creates a new GradingController.
func NewGradingController(status StatusReader, submissions repository.SubmissionRepository, enqueuer Enqueuer, sweeper StuckSweeper) *GradingController {
	return &GradingController{
		status:      status,
		submissions: submissions,
		enqueuer:    enqueuer,
		sweeper:     sweeper,
	}
}

// GetSubmission returns the status summary of one submission.
func (h *GradingController) GetSubmission(c *gin.Context) {
	id, ok := submissionID(c)
	if !ok {
		return
	}
	summary, err := h.status.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, summary)
}

// GetLogs returns the execution log of one submission.
func (h *GradingController) GetLogs(c *gin.Context) {
	id, ok := submissionID(c)
	if !ok {
		return
	}
	sub, err := h.submissions.GetByID(c.Request.Context(), nil, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, LogsResponse{
		SubmissionID:  sub.ID,
		Status:        sub.Status,
		ExecutionLogs: sub.ExecutionLogs,
	})
}

// Dispatch enqueues a grading run for an open submission.
func (h *GradingController) Dispatch(c *gin.Context) {
	id, ok := submissionID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	summary, err := h.status.Get(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	if summary.Status.IsTerminal() {
		response.Error(c, pkgerrors.New(pkgerrors.SubmissionFinalized))
		return
	}
	if err := h.enqueuer.Enqueue(ctx, id, 1); err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, "Grading run queued", DispatchResponse{SubmissionID: id})
}

// RequeueStuck runs the stuck submission sweep once.
func (h *GradingController) RequeueStuck(c *gin.Context) {
	n, err := h.sweeper.RequeueStuckSubmissions(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, RequeueResponse{Requeued: n})
}

func submissionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "Invalid submission id")
		return 0, false
	}
	return id, true
}

// LogsResponse defines the execution log payload.
type LogsResponse struct {
	SubmissionID  int64                  `json:"submission_id"`
	Status        model.SubmissionStatus `json:"status"`
	ExecutionLogs []model.ResultEntry    `json:"execution_logs"`
}

// DispatchResponse defines the dispatch payload.
type DispatchResponse struct {
	SubmissionID int64 `json:"submission_id"`
}

// RequeueResponse defines the sweep payload.
type RequeueResponse struct {
	Requeued int `json:"requeued"`
}
