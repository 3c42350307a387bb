package controller_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"gradeflow/internal/common/http/middleware"
	"gradeflow/internal/grading/controller"
	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/repository"
	"gradeflow/internal/grading/repository/repotest"
	pkgerrors "gradeflow/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var adminCfg = middleware.ServiceTokenConfig{Secret: "test-secret", Issuer: "gradeflow"}

type fakeEnqueuer struct {
	ids []int64
	err error
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, id int64, _ int) error {
	if e.err != nil {
		return e.err
	}
	e.ids = append(e.ids, id)
	return nil
}

type fakeSweeper struct{ n int }

func (s *fakeSweeper) RequeueStuckSubmissions(context.Context) (int, error) { return s.n, nil }

type envelope struct {
	Code    pkgerrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
	Data    json.RawMessage     `json:"data"`
	TraceID string              `json:"trace_id"`
}

type testAPI struct {
	router   *gin.Engine
	fixture  *repotest.Fixture
	enqueuer *fakeEnqueuer
}

func newTestAPI(t *testing.T, checks map[string]controller.HealthCheck) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := repotest.New(t)
	subs := repository.NewSubmissionRepository(f.DB)
	enqueuer := &fakeEnqueuer{}
	grading := controller.NewGradingController(repository.NewStatusCache(nil, subs, 0), subs, enqueuer, &fakeSweeper{n: 4})
	router := gin.New()
	router.Use(middleware.TraceContextMiddleware())
	controller.RegisterRoutes(router, grading, controller.NewHealthController(checks), middleware.ServiceTokenMiddleware(adminCfg))
	return &testAPI{router: router, fixture: f, enqueuer: enqueuer}
}

func (a *testAPI) do(t *testing.T, method, path, token string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := middleware.IssueServiceToken(adminCfg, "ops", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (a *testAPI) seed(status model.SubmissionStatus) int64 {
	projectID := a.fixture.Project("Todo API", "")
	taskID := a.fixture.Task(projectID, "T0", 0)
	return a.fixture.Submission(repotest.Submission{ProjectID: projectID, TaskID: taskID, TeamID: 1, Status: status})
}

func TestGetSubmission(t *testing.T) {
	api := newTestAPI(t, nil)
	id := api.seed(model.StatusPending)

	rec, env := api.do(t, http.MethodGet, "/api/v1/grading/submissions/"+itoa(id), "")
	if rec.Code != http.StatusOK || env.Code != pkgerrors.Success {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	var summary model.SubmissionSummary
	if err := json.Unmarshal(env.Data, &summary); err != nil || summary.ID != id || summary.Status != model.StatusPending {
		t.Fatalf("unexpected summary %s", env.Data)
	}
	if env.TraceID == "" || rec.Header().Get("X-Trace-Id") != env.TraceID {
		t.Fatalf("expected trace id in body and header")
	}
}

func TestGetSubmissionErrors(t *testing.T) {
	api := newTestAPI(t, nil)
	tests := []struct {
		name   string
		path   string
		status int
		code   pkgerrors.ErrorCode
	}{
		{name: "missing", path: "/api/v1/grading/submissions/404", status: http.StatusNotFound, code: pkgerrors.SubmissionNotFound},
		{name: "bad id", path: "/api/v1/grading/submissions/abc", status: http.StatusBadRequest, code: pkgerrors.InvalidParams},
		{name: "negative id", path: "/api/v1/grading/submissions/-3/logs", status: http.StatusBadRequest, code: pkgerrors.InvalidParams},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rec, env := api.do(t, http.MethodGet, tt.path, "")
			if rec.Code != tt.status || env.Code != tt.code {
				t.Fatalf("expected %d/%d, got %d/%d", tt.status, tt.code, rec.Code, env.Code)
			}
		})
	}
}

func TestGetLogs(t *testing.T) {
	api := newTestAPI(t, nil)
	id := api.seed(model.StatusPending)
	if _, err := api.fixture.DB.Exec(context.Background(), "UPDATE submissions SET execution_logs = ? WHERE id = ?",
		`[{"task_id":1,"task_name":"T0","test_case_id":2,"name":"create","passed":true,"points_earned":5,"feedback":"ok"}]`, id); err != nil {
		t.Fatalf("seed logs: %v", err)
	}

	rec, env := api.do(t, http.MethodGet, "/api/v1/grading/submissions/"+itoa(id)+"/logs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	var logs controller.LogsResponse
	if err := json.Unmarshal(env.Data, &logs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logs.ExecutionLogs) != 1 || logs.ExecutionLogs[0].Name != "create" || !logs.ExecutionLogs[0].Passed {
		t.Fatalf("unexpected logs %+v", logs)
	}
}

func TestDispatchRequiresAdminToken(t *testing.T) {
	api := newTestAPI(t, nil)
	id := api.seed(model.StatusPending)
	path := "/api/v1/grading/admin/submissions/" + itoa(id) + "/dispatch"

	rec, env := api.do(t, http.MethodPost, path, "")
	if rec.Code != http.StatusUnauthorized || env.Code != pkgerrors.Unauthorized {
		t.Fatalf("expected 401, got %d %s", rec.Code, rec.Body.String())
	}
	rec, env = api.do(t, http.MethodPost, path, "garbage")
	if rec.Code != http.StatusUnauthorized || env.Code != pkgerrors.TokenInvalid {
		t.Fatalf("expected invalid token, got %d %s", rec.Code, rec.Body.String())
	}
	if len(api.enqueuer.ids) != 0 {
		t.Fatalf("expected nothing enqueued")
	}

	rec, env = api.do(t, http.MethodPost, path, adminToken(t))
	if rec.Code != http.StatusAccepted || env.Code != pkgerrors.Success {
		t.Fatalf("expected 202, got %d %s", rec.Code, rec.Body.String())
	}
	if len(api.enqueuer.ids) != 1 || api.enqueuer.ids[0] != id {
		t.Fatalf("expected submission enqueued, got %v", api.enqueuer.ids)
	}
}

func TestDispatchRejectsGradedAndFailingQueue(t *testing.T) {
	api := newTestAPI(t, nil)
	token := adminToken(t)

	graded := api.seed(model.StatusPassed)
	rec, env := api.do(t, http.MethodPost, "/api/v1/grading/admin/submissions/"+itoa(graded)+"/dispatch", token)
	if rec.Code != http.StatusConflict || env.Code != pkgerrors.SubmissionFinalized {
		t.Fatalf("expected 409, got %d %s", rec.Code, rec.Body.String())
	}

	api.enqueuer.err = pkgerrors.Wrap(errors.New("broker down"), pkgerrors.QueuePublishFailed)
	open := api.seed(model.StatusRetrying)
	rec, env = api.do(t, http.MethodPost, "/api/v1/grading/admin/submissions/"+itoa(open)+"/dispatch", token)
	if env.Code != pkgerrors.QueuePublishFailed || rec.Code < 500 {
		t.Fatalf("expected publish failure, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRequeueStuck(t *testing.T) {
	api := newTestAPI(t, nil)
	rec, env := api.do(t, http.MethodPost, "/api/v1/grading/admin/submissions/requeue-stuck", adminToken(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	var out controller.RequeueResponse
	if err := json.Unmarshal(env.Data, &out); err != nil || out.Requeued != 4 {
		t.Fatalf("unexpected payload %s", env.Data)
	}
}

func TestHealthz(t *testing.T) {
	healthy := newTestAPI(t, map[string]controller.HealthCheck{
		"database": func(context.Context) error { return nil },
	})
	rec, _ := healthy.do(t, http.MethodGet, "/api/v1/grading/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", rec.Code)
	}

	broken := newTestAPI(t, map[string]controller.HealthCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	rec, _ = broken.do(t, http.MethodGet, "/api/v1/grading/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Checks["redis"] != "connection refused" || body.Checks["database"] != "ok" {
		t.Fatalf("unexpected health body %s", rec.Body.String())
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
