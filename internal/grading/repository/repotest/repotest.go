// Package repotest seeds an in-memory SQLite grading database for tests.
package repotest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"gradeflow/internal/common/db"
	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/repository"
)

// Fixture inserts catalogue and submission rows.
type Fixture struct {
	DB db.Database
	t  testing.TB
}

// New opens a migrated in-memory database closed at test cleanup.
func New(t testing.TB) *Fixture {
	t.Helper()
	ctx := context.Background()
	database, err := db.NewSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := repository.ApplySchema(ctx, database, repository.DialectSQLite); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return &Fixture{DB: database, t: t}
}

func (f *Fixture) insert(query string, args ...interface{}) int64 {
	f.t.Helper()
	res, err := f.DB.Exec(context.Background(), query, args...)
	if err != nil {
		f.t.Fatalf("insert: %v\n%s", err, query)
	}
	id, err := res.LastInsertId()
	if err != nil {
		f.t.Fatalf("last insert id: %v", err)
	}
	return id
}

// Project inserts a project.
func (f *Fixture) Project(name, category string) int64 {
	return f.insert("INSERT INTO projects (name, category) VALUES (?, ?)", name, category)
}

// Task inserts a task.
func (f *Fixture) Task(projectID int64, name string, order int) int64 {
	return f.insert("INSERT INTO tasks (project_id, name, slug, sort_order, duration_in_days) VALUES (?, ?, ?, ?, ?)",
		projectID, name, name, order, 7)
}

// Endpoint inserts an endpoint.
func (f *Fixture) Endpoint(taskID int64, method, path string) int64 {
	return f.insert("INSERT INTO endpoints (task_id, method, path) VALUES (?, ?, ?)", taskID, method, path)
}

// APICase describes an API-backed test case row.
type APICase struct {
	Name           string
	Kind           model.TestKind
	Points         int
	StopOnFailure  bool
	Order          int
	EndpointID     int64
	PathParams     map[string]interface{}
	Payload        string
	Headers        map[string]string
	ExpectedStatus int
	Schema         string
}

// APICase inserts a test case with its API details.
func (f *Fixture) APICase(taskID int64, c APICase) int64 {
	f.t.Helper()
	if c.Kind == "" {
		c.Kind = model.KindAPIRequest
	}
	id := f.insert("INSERT INTO test_cases (task_id, name, test_type, points, stop_on_failure, sort_order) VALUES (?, ?, ?, ?, ?, ?)",
		taskID, c.Name, string(c.Kind), c.Points, c.StopOnFailure, c.Order)
	f.insert(`INSERT INTO api_test_cases
		(test_case_id, endpoint_id, path_params, request_payload, request_headers, expected_status_code, expected_response_schema)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, c.EndpointID, f.json(c.PathParams), nullable(c.Payload), f.json(c.Headers), c.ExpectedStatus, nullable(c.Schema))
	return id
}

// ConsoleCase describes a console test case row.
type ConsoleCase struct {
	Name           string
	Points         int
	StopOnFailure  bool
	Order          int
	CommandArgs    string
	InputData      string
	ExpectedOutput string
}

// ConsoleCase inserts a console application test case.
func (f *Fixture) ConsoleCase(taskID int64, c ConsoleCase) int64 {
	return f.insert(`INSERT INTO test_cases
		(task_id, name, test_type, points, stop_on_failure, sort_order, command_args, input_data, expected_output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID, c.Name, string(model.KindConsoleApplication), c.Points, c.StopOnFailure, c.Order,
		nullable(c.CommandArgs), c.InputData, c.ExpectedOutput)
}

// Submission describes a submission row. Zero times default to now.
type Submission struct {
	ProjectID     int64
	TaskID        int64
	TeamID        int64
	UserID        int64
	Status        model.SubmissionStatus
	DeploymentURL string
	Language      string
	Code          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Submission inserts a submission.
func (f *Fixture) Submission(s Submission) int64 {
	if s.Status == "" {
		s.Status = model.StatusPending
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	if s.UserID == 0 {
		s.UserID = 1
	}
	return f.insert(`INSERT INTO submissions
		(project_id, task_id, team_id, user_id, status, execution_logs, deployment_url, language, code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '[]', ?, ?, ?, ?, ?)`,
		s.ProjectID, s.TaskID, s.TeamID, s.UserID, string(s.Status),
		nullable(s.DeploymentURL), nullable(s.Language), nullable(s.Code), s.CreatedAt.UTC(), s.UpdatedAt.UTC())
}

// TeamProject inserts an unfinished team enrollment.
func (f *Fixture) TeamProject(teamID, projectID int64, deploymentURL string) int64 {
	return f.insert("INSERT INTO team_projects (team_id, project_id, is_finished, deployment_url) VALUES (?, ?, ?, ?)",
		teamID, projectID, false, nullable(deploymentURL))
}

func (f *Fixture) json(v interface{}) interface{} {
	f.t.Helper()
	switch val := v.(type) {
	case map[string]interface{}:
		if val == nil {
			return nil
		}
	case map[string]string:
		if val == nil {
			return nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		f.t.Fatalf("marshal fixture: %v", err)
	}
	return string(data)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
