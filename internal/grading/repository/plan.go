package repository

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"gradeflow/internal/common/db"
	"gradeflow/internal/grading/model"
	pkgerrors "gradeflow/pkg/errors"
)

// PlanRepository reads the task and test case catalogue.
type PlanRepository interface {
	GetTask(ctx context.Context, taskID int64) (*model.Task, error)
	// LastTaskOrder returns the highest task order of a project.
	LastTaskOrder(ctx context.Context, projectID int64) (int, error)
	// LoadPlan returns the tasks of a project with order <= maxOrder, ascending,
	// each with its test cases ascending by order.
	LoadPlan(ctx context.Context, projectID int64, maxOrder int) ([]model.TaskPlan, error)
}

// SQLPlanRepository implements PlanRepository.
type SQLPlanRepository struct {
	db db.Database
}

// NewPlanRepository creates a plan repository.
func NewPlanRepository(database db.Database) PlanRepository {
	return &SQLPlanRepository{db: database}
}

const taskColumns = "id, project_id, name, slug, sort_order, duration_in_days"

// GetTask loads one task.
func (r *SQLPlanRepository) GetTask(ctx context.Context, taskID int64) (*model.Task, error) {
	row := r.db.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ? LIMIT 1", taskID)
	task := &model.Task{}
	if err := row.Scan(&task.ID, &task.ProjectID, &task.Name, &task.Slug, &task.Order, &task.DurationInDays); err != nil {
		if db.IsNoRows(err) {
			return nil, pkgerrors.Newf(pkgerrors.SubmittedTaskNotFound, "task %d not found", taskID)
		}
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "load task %d", taskID)
	}
	return task, nil
}

// LastTaskOrder returns the order of the final task of a project.
func (r *SQLPlanRepository) LastTaskOrder(ctx context.Context, projectID int64) (int, error) {
	var order sql.NullInt64
	if err := r.db.QueryRow(ctx, "SELECT MAX(sort_order) FROM tasks WHERE project_id = ?", projectID).Scan(&order); err != nil {
		return 0, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "load last task of project %d", projectID)
	}
	if !order.Valid {
		return 0, pkgerrors.Newf(pkgerrors.ProjectNotFound, "project %d has no tasks", projectID)
	}
	return int(order.Int64), nil
}

// LoadPlan loads tasks and their test cases in execution order.
func (r *SQLPlanRepository) LoadPlan(ctx context.Context, projectID int64, maxOrder int) ([]model.TaskPlan, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE project_id = ? AND sort_order <= ? ORDER BY sort_order ASC",
		projectID, maxOrder)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.DatabaseError)
	}
	var plan []model.TaskPlan
	index := make(map[int64]int)
	for rows.Next() {
		var task model.Task
		if err := rows.Scan(&task.ID, &task.ProjectID, &task.Name, &task.Slug, &task.Order, &task.DurationInDays); err != nil {
			rows.Close()
			return nil, pkgerrors.Wrap(err, pkgerrors.DatabaseError)
		}
		index[task.ID] = len(plan)
		plan = append(plan, model.TaskPlan{Task: task})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, pkgerrors.Wrap(err, pkgerrors.DatabaseError)
	}
	rows.Close()
	if len(plan) == 0 {
		return plan, nil
	}

	taskIDs := make([]interface{}, 0, len(plan))
	for _, p := range plan {
		taskIDs = append(taskIDs, p.Task.ID)
	}
	cases, err := r.loadTestCases(ctx, taskIDs)
	if err != nil {
		return nil, err
	}
	for _, tc := range cases {
		i, ok := index[tc.TaskID]
		if !ok {
			continue
		}
		plan[i].TestCases = append(plan[i].TestCases, tc)
	}
	return plan, nil
}

func (r *SQLPlanRepository) loadTestCases(ctx context.Context, taskIDs []interface{}) ([]model.TestCase, error) {
	query := fmt.Sprintf(`
		SELECT tc.id, tc.task_id, tc.name, tc.test_type, tc.points, tc.stop_on_failure, tc.sort_order,
			tc.command_args, tc.input_data, tc.expected_output,
			a.test_case_id, a.path_params, a.request_payload, a.request_headers,
			a.expected_status_code, a.expected_response_schema,
			e.id, e.task_id, e.method, e.path
		FROM test_cases tc
		LEFT JOIN api_test_cases a ON a.test_case_id = tc.id
		LEFT JOIN endpoints e ON e.id = a.endpoint_id
		WHERE tc.task_id IN (%s)
		ORDER BY tc.task_id ASC, tc.sort_order ASC`, db.Placeholders(len(taskIDs)))
	rows, err := r.db.Query(ctx, query, taskIDs...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.DatabaseError)
	}
	defer rows.Close()

	var cases []model.TestCase
	for rows.Next() {
		var (
			tc             model.TestCase
			kind           string
			commandArgs    sql.NullString
			inputData      sql.NullString
			expectedOutput sql.NullString
			apiCaseID      sql.NullInt64
			pathParams     sql.NullString
			payload        sql.NullString
			headers        sql.NullString
			expectedStatus sql.NullInt64
			schema         sql.NullString
			endpointID     sql.NullInt64
			endpointTask   sql.NullInt64
			method         sql.NullString
			path           sql.NullString
		)
		if err := rows.Scan(
			&tc.ID, &tc.TaskID, &tc.Name, &kind, &tc.Points, &tc.StopOnFailure, &tc.Order,
			&commandArgs, &inputData, &expectedOutput,
			&apiCaseID, &pathParams, &payload, &headers, &expectedStatus, &schema,
			&endpointID, &endpointTask, &method, &path,
		); err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.DatabaseError)
		}
		tc.Kind = model.TestKind(kind)

		if tc.Kind == model.KindConsoleApplication {
			tc.Console = &model.ConsoleTestCase{
				CommandArgs:    rawJSON(commandArgs),
				InputData:      inputData.String,
				ExpectedOutput: expectedOutput.String,
			}
		}
		if apiCaseID.Valid {
			api, err := decodeAPICase(pathParams, payload, headers, schema)
			if err != nil {
				return nil, pkgerrors.Wrapf(err, pkgerrors.TestCaseInvalid, "test case %d", tc.ID)
			}
			api.ExpectedStatusCode = int(expectedStatus.Int64)
			api.Endpoint = model.Endpoint{
				ID:     endpointID.Int64,
				TaskID: endpointTask.Int64,
				Method: strings.ToUpper(method.String),
				Path:   path.String,
			}
			tc.API = api
		}
		cases = append(cases, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.DatabaseError)
	}
	return cases, nil
}

func decodeAPICase(pathParams, payload, headers, schema sql.NullString) (*model.APITestCase, error) {
	api := &model.APITestCase{
		RequestPayload: rawJSON(payload),
		ExpectedSchema: rawJSON(schema),
	}
	if raw := rawJSON(pathParams); raw != nil {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var params map[string]interface{}
		if err := dec.Decode(&params); err != nil {
			return nil, fmt.Errorf("path_params: %w", err)
		}
		api.PathParams = params
	}
	if raw := rawJSON(headers); raw != nil {
		var values map[string]interface{}
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("request_headers: %w", err)
		}
		api.RequestHeaders = make(map[string]string, len(values))
		for k, v := range values {
			api.RequestHeaders[k] = headerValue(v)
		}
	}
	return api, nil
}

// rawJSON returns nil for NULL, empty and JSON null columns.
func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid {
		return nil
	}
	trimmed := strings.TrimSpace(s.String)
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return json.RawMessage(trimmed)
}

func headerValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}
