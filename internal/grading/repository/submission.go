package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"gradeflow/internal/common/db"
	"gradeflow/internal/grading/model"
	pkgerrors "gradeflow/pkg/errors"
)

// SubmissionRepository persists submissions and their verdicts.
type SubmissionRepository interface {
	// GetByID loads a submission joined with its project category.
	GetByID(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error)
	// Finalize writes a terminal verdict. It reports false when the
	// submission was already terminal and nothing changed.
	Finalize(ctx context.Context, tx db.Transaction, id int64, verdict model.Verdict) (bool, error)
	// MarkRetrying clears the logs of a non-terminal submission and flags it for retry.
	MarkRetrying(ctx context.Context, tx db.Transaction, id int64, feedback string, now time.Time) (bool, error)
	// ListStuck returns ids of pending submissions created before cutoff and
	// retrying submissions last touched before cutoff.
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]StuckSubmission, error)
}

// StuckSubmission identifies a submission the sweeper should requeue.
type StuckSubmission struct {
	ID     int64
	Status model.SubmissionStatus
}

// SQLSubmissionRepository implements SubmissionRepository over MySQL or SQLite.
type SQLSubmissionRepository struct {
	db db.Database
}

// NewSubmissionRepository creates a submission repository.
func NewSubmissionRepository(database db.Database) SubmissionRepository {
	return &SQLSubmissionRepository{db: database}
}

const submissionColumns = "s.id, s.project_id, s.task_id, s.team_id, s.user_id, s.status, s.passed_tests, " +
	"s.passed_percentage, s.execution_logs, s.feedback, s.deployment_url, s.language, s.code, " +
	"s.created_at, s.updated_at, s.completed_at, p.category"

const nonTerminalGuard = "status IN ('pending', 'retrying')"

// GetByID retrieves a submission by id.
func (r *SQLSubmissionRepository) GetByID(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error) {
	if id <= 0 {
		return nil, pkgerrors.ValidationError("submission_id", "must be positive")
	}
	query := "SELECT " + submissionColumns + " FROM submissions s LEFT JOIN projects p ON p.id = s.project_id WHERE s.id = ? LIMIT 1"
	row := db.GetQuerier(r.db, tx).QueryRow(ctx, query, id)

	var (
		sub         model.Submission
		status      string
		logs        sql.NullString
		feedback    sql.NullString
		deployURL   sql.NullString
		language    sql.NullString
		code        sql.NullString
		completedAt sql.NullTime
		category    sql.NullString
	)
	if err := row.Scan(
		&sub.ID,
		&sub.ProjectID,
		&sub.TaskID,
		&sub.TeamID,
		&sub.UserID,
		&status,
		&sub.PassedTests,
		&sub.PassedPercentage,
		&logs,
		&feedback,
		&deployURL,
		&language,
		&code,
		&sub.CreatedAt,
		&sub.UpdatedAt,
		&completedAt,
		&category,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, pkgerrors.Newf(pkgerrors.SubmissionNotFound, "submission %d not found", id)
		}
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "load submission %d", id)
	}

	sub.Status = model.SubmissionStatus(status)
	if !sub.Status.Valid() {
		return nil, pkgerrors.Newf(pkgerrors.SubmissionStatusInvalid, "submission %d has status %q", id, status)
	}
	entries, err := decodeLogs(logs)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.ExecutionLogCorrupted, "submission %d execution logs", id)
	}
	sub.ExecutionLogs = entries
	if feedback.Valid {
		sub.Feedback = &feedback.String
	}
	sub.DeploymentURL = deployURL.String
	sub.Language = language.String
	sub.Code = code.String
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		sub.CompletedAt = &at
	}
	sub.ProjectCategory = category.String
	return &sub, nil
}

// Finalize persists a terminal verdict unless the submission is already terminal.
func (r *SQLSubmissionRepository) Finalize(ctx context.Context, tx db.Transaction, id int64, verdict model.Verdict) (bool, error) {
	if !verdict.Status.IsTerminal() {
		return false, pkgerrors.Newf(pkgerrors.SubmissionStatusInvalid, "verdict status %q is not terminal", verdict.Status)
	}
	logs, err := encodeLogs(verdict.ExecutionLogs)
	if err != nil {
		return false, pkgerrors.Wrap(err, pkgerrors.InternalServerError)
	}
	completedAt := verdict.CompletedAt.UTC()
	query := `
		UPDATE submissions
		SET status = ?, passed_tests = ?, passed_percentage = ?, execution_logs = ?,
			feedback = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND ` + nonTerminalGuard
	res, err := db.GetQuerier(r.db, tx).Exec(ctx, query,
		string(verdict.Status),
		verdict.PassedTests,
		verdict.PassedPercentage,
		logs,
		verdict.Feedback,
		completedAt,
		completedAt,
		id,
	)
	if err != nil {
		return false, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "finalize submission %d", id)
	}
	return affected(res)
}

// MarkRetrying moves a non-terminal submission into the retrying state.
func (r *SQLSubmissionRepository) MarkRetrying(ctx context.Context, tx db.Transaction, id int64, feedback string, now time.Time) (bool, error) {
	query := `
		UPDATE submissions
		SET status = ?, passed_tests = 0, passed_percentage = 0, execution_logs = '[]',
			feedback = ?, completed_at = NULL, updated_at = ?
		WHERE id = ? AND ` + nonTerminalGuard
	res, err := db.GetQuerier(r.db, tx).Exec(ctx, query, string(model.StatusRetrying), feedback, now.UTC(), id)
	if err != nil {
		return false, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "mark submission %d retrying", id)
	}
	return affected(res)
}

// ListStuck returns ids of submissions that no worker appears to own.
func (r *SQLSubmissionRepository) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]StuckSubmission, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff = cutoff.UTC()
	query := `
		SELECT id, status FROM submissions
		WHERE (status = ? AND created_at <= ?) OR (status = ? AND updated_at <= ?)
		ORDER BY id ASC
		LIMIT ?`
	rows, err := r.db.Query(ctx, query, string(model.StatusPending), cutoff, string(model.StatusRetrying), cutoff, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.DatabaseError)
	}
	defer rows.Close()

	var stuck []StuckSubmission
	for rows.Next() {
		var (
			item   StuckSubmission
			status string
		)
		if err := rows.Scan(&item.ID, &status); err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.DatabaseError)
		}
		item.Status = model.SubmissionStatus(status)
		stuck = append(stuck, item)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.DatabaseError)
	}
	return stuck, nil
}

func affected(res db.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, pkgerrors.Wrap(err, pkgerrors.DatabaseError)
	}
	return n > 0, nil
}

func encodeLogs(entries []model.ResultEntry) (string, error) {
	if entries == nil {
		entries = []model.ResultEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeLogs(raw sql.NullString) ([]model.ResultEntry, error) {
	if !raw.Valid || raw.String == "" {
		return []model.ResultEntry{}, nil
	}
	var entries []model.ResultEntry
	if err := json.Unmarshal([]byte(raw.String), &entries); err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.ResultEntry{}
	}
	return entries, nil
}
