package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"gradeflow/internal/common/cache"
	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/repository"
	"gradeflow/internal/grading/repository/repotest"
	"gradeflow/internal/grading/runner"
	"gradeflow/internal/grading/service"
	pkgerrors "gradeflow/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRunScoresFailedTaskAndSkipsRest(t *testing.T) {
	h := newHarness(t, byName("create"))
	projectID, _, t1 := twoTaskProject(h.fixture, "")
	h.fixture.TeamProject(9, projectID, "")
	id := h.fixture.Submission(repotest.Submission{
		ProjectID: projectID, TaskID: t1, TeamID: 9, DeploymentURL: "http://student.example",
	})

	if err := h.svc.RunSubmissionTests(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}

	sub := h.submission(t, id)
	if sub.Status != model.StatusFailed || sub.PassedTests != 1 || sub.PassedPercentage != 50 {
		t.Fatalf("unexpected verdict %+v", sub)
	}
	if len(sub.ExecutionLogs) != 3 {
		t.Fatalf("expected 3 entries, got %+v", sub.ExecutionLogs)
	}
	skipped := sub.ExecutionLogs[2]
	if skipped.Passed || skipped.PointsEarned != 0 || skipped.Feedback != "Skipped due to a critical failure in the same task." {
		t.Fatalf("unexpected skip entry %+v", skipped)
	}
	want := fmt.Sprintf("Submission %d failed. Last task: 'T1'. Points earned: 10 out of 20.", id)
	if sub.Feedback == nil || *sub.Feedback != want {
		t.Fatalf("expected feedback %q, got %v", want, sub.Feedback)
	}
	if sub.CompletedAt == nil || !sub.CompletedAt.Equal(fixedNow) {
		t.Fatalf("expected completed_at %v, got %v", fixedNow, sub.CompletedAt)
	}
	tp, err := h.teams.Get(context.Background(), nil, 9, projectID)
	if err != nil || tp.IsFinished {
		t.Fatalf("failed run must not finish the project: %+v, %v", tp, err)
	}
}

func TestPassingLastTaskFinishesTeamProject(t *testing.T) {
	h := newHarness(t, byName("create", "fetch", "fetch-again"))
	projectID, t0, t1 := twoTaskProject(h.fixture, "")
	h.fixture.TeamProject(9, projectID, "")
	ctx := context.Background()

	early := h.fixture.Submission(repotest.Submission{ProjectID: projectID, TaskID: t0, TeamID: 9, DeploymentURL: "http://s"})
	if err := h.svc.RunSubmissionTests(ctx, early); err != nil {
		t.Fatalf("run early: %v", err)
	}
	if sub := h.submission(t, early); sub.Status != model.StatusPassed || sub.PassedPercentage != 100 {
		t.Fatalf("expected early submission to pass, got %+v", sub)
	}
	if tp, _ := h.teams.Get(ctx, nil, 9, projectID); tp.IsFinished {
		t.Fatalf("passing an earlier task must not finish the project")
	}

	last := h.fixture.Submission(repotest.Submission{ProjectID: projectID, TaskID: t1, TeamID: 9, DeploymentURL: "http://s"})
	if err := h.svc.RunSubmissionTests(ctx, last); err != nil {
		t.Fatalf("run last: %v", err)
	}
	sub := h.submission(t, last)
	want := fmt.Sprintf("Submission %d passed successfully with 20 points.", last)
	if sub.Status != model.StatusPassed || *sub.Feedback != want {
		t.Fatalf("unexpected verdict %+v", sub)
	}
	tp, err := h.teams.Get(ctx, nil, 9, projectID)
	if err != nil || !tp.IsFinished || tp.FinishedAt == nil || !tp.FinishedAt.Equal(fixedNow) {
		t.Fatalf("expected finished team project, got %+v, %v", tp, err)
	}
}

func TestPassingWithoutTeamProjectStillFinalizes(t *testing.T) {
	h := newHarness(t, byName("create", "fetch", "fetch-again"))
	projectID, _, t1 := twoTaskProject(h.fixture, "")
	id := h.fixture.Submission(repotest.Submission{ProjectID: projectID, TaskID: t1, TeamID: 4, DeploymentURL: "http://s"})

	if err := h.svc.RunSubmissionTests(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sub := h.submission(t, id); sub.Status != model.StatusPassed {
		t.Fatalf("expected passed, got %s", sub.Status)
	}
}

func TestRunUsesTeamProjectDeploymentURL(t *testing.T) {
	var seen atomic.Value
	exec := runner.ExecutorFunc(func(_ context.Context, _ model.TestCase, target runner.Target, _ *runner.Context) (runner.Outcome, error) {
		seen.Store(target.BaseURL)
		return runner.Outcome{Passed: true}, nil
	})
	h := newHarness(t, exec)
	projectID, t0, _ := twoTaskProject(h.fixture, "")
	h.fixture.TeamProject(2, projectID, "http://team.example")
	id := h.fixture.Submission(repotest.Submission{ProjectID: projectID, TaskID: t0, TeamID: 2})

	if err := h.svc.RunSubmissionTests(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	if seen.Load() != "http://team.example" {
		t.Fatalf("expected team deployment url, got %v", seen.Load())
	}
}

func TestRunSkipsMissingAndTerminalSubmissions(t *testing.T) {
	var calls atomic.Int32
	exec := runner.ExecutorFunc(func(context.Context, model.TestCase, runner.Target, *runner.Context) (runner.Outcome, error) {
		calls.Add(1)
		return runner.Outcome{Passed: true}, nil
	})
	h := newHarness(t, exec)
	projectID, t0, _ := twoTaskProject(h.fixture, "")
	graded := h.fixture.Submission(repotest.Submission{
		ProjectID: projectID, TaskID: t0, TeamID: 1, Status: model.StatusPassed, DeploymentURL: "http://s",
	})

	if err := h.svc.RunSubmissionTests(context.Background(), 999); err != nil {
		t.Fatalf("missing submission should be skipped, got %v", err)
	}
	if err := h.svc.RunSubmissionTests(context.Background(), graded); err != nil {
		t.Fatalf("terminal submission should be skipped, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no executor calls, got %d", calls.Load())
	}
}

func TestHandleMessageSchedulesRetryOnSystemError(t *testing.T) {
	h := newHarness(t, failingExecutor(pkgerrors.Wrap(errBackend, pkgerrors.ExecutionBackendError)))
	projectID, t0, _ := twoTaskProject(h.fixture, "")
	id := h.fixture.Submission(repotest.Submission{ProjectID: projectID, TaskID: t0, TeamID: 1, DeploymentURL: "http://s"})
	if _, err := h.fixture.DB.Exec(context.Background(), "UPDATE submissions SET execution_logs = ? WHERE id = ?",
		`[{"task_id":1,"task_name":"T0","test_case_id":1,"name":"old","passed":true,"points_earned":10,"feedback":"ok"}]`, id); err != nil {
		t.Fatalf("seed logs: %v", err)
	}

	msg := gradingMessage(fmt.Sprintf(`{"submission_id":%d}`, id), nil)
	if err := h.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle message: %v", err)
	}

	sub := h.submission(t, id)
	if sub.Status != model.StatusRetrying || len(sub.ExecutionLogs) != 0 || sub.CompletedAt != nil {
		t.Fatalf("expected cleared retrying submission, got %+v", sub)
	}
	if sub.Feedback == nil || *sub.Feedback != "Internal Server Error" {
		t.Fatalf("unexpected feedback %v", sub.Feedback)
	}

	retries := h.producer.messages(testTopics.Retry)
	if len(retries) != 1 {
		t.Fatalf("expected one retry message, got %d", len(retries))
	}
	retry := retries[0]
	if attempt, _ := retry.GetHeader(model.HeaderDispatchAttempt); attempt != "2" {
		t.Fatalf("expected attempt 2, got %q", attempt)
	}
	notBefore, _ := retry.GetHeader(model.HeaderNotBefore)
	if notBefore != fixedNow.Add(time.Minute).Format(time.RFC3339Nano) {
		t.Fatalf("unexpected not-before %q", notBefore)
	}
	var payload model.GradingMessage
	if err := json.Unmarshal(retry.Body, &payload); err != nil || payload.SubmissionID != id {
		t.Fatalf("unexpected retry body %s", retry.Body)
	}
}

func TestHandleMessageExhaustsAttempts(t *testing.T) {
	h := newHarness(t, failingExecutor(errBackend))
	projectID, t0, _ := twoTaskProject(h.fixture, "")
	id := h.fixture.Submission(repotest.Submission{
		ProjectID: projectID, TaskID: t0, TeamID: 1, Status: model.StatusRetrying, DeploymentURL: "http://s",
	})

	msg := gradingMessage(fmt.Sprintf(`{"submission_id":%d}`, id), map[string]string{
		model.HeaderDispatchAttempt: "3",
		model.HeaderNotBefore:       fixedNow.Add(-time.Second).Format(time.RFC3339Nano),
	})
	if err := h.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle message: %v", err)
	}

	sub := h.submission(t, id)
	if sub.Status != model.StatusFailed || sub.CompletedAt == nil || len(sub.ExecutionLogs) != 0 {
		t.Fatalf("expected abandoned submission, got %+v", sub)
	}
	if *sub.Feedback != "Internal Server Error" {
		t.Fatalf("unexpected feedback %q", *sub.Feedback)
	}
	if n := len(h.producer.messages(testTopics.Retry)); n != 0 {
		t.Fatalf("expected no retry after exhaustion, got %d", n)
	}
	dead := h.producer.messages(testTopics.DeadLetter)
	if len(dead) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dead))
	}
	if code, _ := dead[0].GetHeader("x-error-code"); code != strconv.Itoa(int(pkgerrors.InternalServerError)) {
		t.Fatalf("unexpected error code header %q", code)
	}
}

func TestHandleMessageFailsUnrunnableSubmissionsWithoutRetry(t *testing.T) {
	console := runner.ExecutorFunc(func(context.Context, model.TestCase, runner.Target, *runner.Context) (runner.Outcome, error) {
		return runner.Outcome{Passed: true}, nil
	})
	h := newHarness(t, byName(), func(cfg *service.Config) { cfg.ConsoleExecutor = console })
	projectID := h.fixture.Project("CLI", model.ConsoleCategory)
	taskID := h.fixture.Task(projectID, "Hello", 0)
	h.fixture.ConsoleCase(taskID, repotest.ConsoleCase{Name: "greets", Points: 5, ExpectedOutput: "hi"})
	id := h.fixture.Submission(repotest.Submission{ProjectID: projectID, TaskID: taskID, TeamID: 1, Language: "cobol", Code: "x"})

	msg := gradingMessage(fmt.Sprintf(`{"submission_id":%d}`, id), nil)
	if err := h.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle message: %v", err)
	}
	sub := h.submission(t, id)
	if sub.Status != model.StatusFailed || sub.CompletedAt == nil {
		t.Fatalf("expected immediate failure, got %+v", sub)
	}
	if *sub.Feedback != pkgerrors.LanguageNotSupported.Message() {
		t.Fatalf("unexpected feedback %q", *sub.Feedback)
	}
	if n := len(h.producer.messages(testTopics.Retry)) + len(h.producer.messages(testTopics.DeadLetter)); n != 0 {
		t.Fatalf("expected nothing published, got %d", n)
	}
}

func TestHandleMessageRetriesMissingRelatedRows(t *testing.T) {
	tests := []struct {
		name string
		seed func(h *harness) int64
	}{
		{
			name: "task row missing",
			seed: func(h *harness) int64 {
				projectID, _, _ := twoTaskProject(h.fixture, "")
				return h.fixture.Submission(repotest.Submission{ProjectID: projectID, TaskID: 9999, TeamID: 1, DeploymentURL: "http://s"})
			},
		},
		{
			name: "deployment url missing",
			seed: func(h *harness) int64 {
				projectID, t0, _ := twoTaskProject(h.fixture, "")
				return h.fixture.Submission(repotest.Submission{ProjectID: projectID, TaskID: t0, TeamID: 1})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, byName("create"))
			id := tt.seed(h)

			msg := gradingMessage(fmt.Sprintf(`{"submission_id":%d}`, id), nil)
			if err := h.svc.HandleMessage(context.Background(), msg); err != nil {
				t.Fatalf("handle message: %v", err)
			}
			sub := h.submission(t, id)
			if sub.Status != model.StatusRetrying || sub.CompletedAt != nil {
				t.Fatalf("expected retrying submission, got %+v", sub)
			}
			if *sub.Feedback != "Internal Server Error" {
				t.Fatalf("unexpected feedback %q", *sub.Feedback)
			}
			retries := h.producer.messages(testTopics.Retry)
			if len(retries) != 1 {
				t.Fatalf("expected one retry message, got %d", len(retries))
			}
			if attempt, _ := retries[0].GetHeader(model.HeaderDispatchAttempt); attempt != "2" {
				t.Fatalf("expected attempt 2, got %q", attempt)
			}
			if n := len(h.producer.messages(testTopics.DeadLetter)); n != 0 {
				t.Fatalf("expected no dead letter, got %d", n)
			}
		})
	}
}

func TestHandleMessageDropsMalformedBodies(t *testing.T) {
	t.Parallel()
	h := newHarness(t, byName())
	for _, body := range []string{"not json", `{"submission_id":0}`, `{}`} {
		if err := h.svc.HandleMessage(context.Background(), gradingMessage(body, nil)); err != nil {
			t.Fatalf("body %q: expected drop, got %v", body, err)
		}
	}
}

func TestHandleMessageWaitsForNotBefore(t *testing.T) {
	t.Parallel()
	h := newHarness(t, byName())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg := gradingMessage(`{"submission_id":1}`, map[string]string{
		model.HeaderNotBefore: fixedNow.Add(time.Hour).Format(time.RFC3339Nano),
	})
	if err := h.svc.HandleMessage(ctx, msg); err == nil {
		t.Fatalf("expected the job to stay queued while waiting")
	}
}

func TestRetryPublishFailureKeepsJobQueued(t *testing.T) {
	h := newHarness(t, failingExecutor(errBackend))
	h.producer.err = fmt.Errorf("broker unavailable")
	projectID, t0, _ := twoTaskProject(h.fixture, "")
	id := h.fixture.Submission(repotest.Submission{ProjectID: projectID, TaskID: t0, TeamID: 1, DeploymentURL: "http://s"})

	err := h.svc.HandleMessage(context.Background(), gradingMessage(fmt.Sprintf(`{"submission_id":%d}`, id), nil))
	if !pkgerrors.Is(err, pkgerrors.QueuePublishFailed) {
		t.Fatalf("expected QueuePublishFailed, got %v", err)
	}
}

func TestConsoleProjectsUseConsoleRunner(t *testing.T) {
	var consoleCalls atomic.Int32
	console := runner.ExecutorFunc(func(_ context.Context, tc model.TestCase, target runner.Target, _ *runner.Context) (runner.Outcome, error) {
		consoleCalls.Add(1)
		if target.Language != "python" || target.Code == "" || tc.Console == nil {
			return runner.Outcome{Feedback: "bad target"}, nil
		}
		return runner.Outcome{Passed: true}, nil
	})
	h := newHarness(t, failingExecutor(errBackend), func(cfg *service.Config) { cfg.ConsoleExecutor = console })
	projectID := h.fixture.Project("CLI", model.ConsoleCategory)
	taskID := h.fixture.Task(projectID, "Hello", 0)
	h.fixture.ConsoleCase(taskID, repotest.ConsoleCase{Name: "greets", Points: 5, ExpectedOutput: "hi"})

	ok := h.fixture.Submission(repotest.Submission{ProjectID: projectID, TaskID: taskID, TeamID: 1, Language: "python", Code: "print('hi')"})
	if err := h.svc.RunSubmissionTests(context.Background(), ok); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sub := h.submission(t, ok); sub.Status != model.StatusPassed || consoleCalls.Load() != 1 {
		t.Fatalf("expected console pass, got %+v (calls %d)", sub, consoleCalls.Load())
	}

	unsupported := h.fixture.Submission(repotest.Submission{ProjectID: projectID, TaskID: taskID, TeamID: 1, Language: "cobol", Code: "x"})
	if err := h.svc.RunSubmissionTests(context.Background(), unsupported); !pkgerrors.Is(err, pkgerrors.LanguageNotSupported) {
		t.Fatalf("expected LanguageNotSupported, got %v", err)
	}
	missing := h.fixture.Submission(repotest.Submission{ProjectID: projectID, TaskID: taskID, TeamID: 1, Language: "python"})
	if err := h.svc.RunSubmissionTests(context.Background(), missing); !pkgerrors.Is(err, pkgerrors.SubmissionCodeMissing) {
		t.Fatalf("expected SubmissionCodeMissing, got %v", err)
	}
}

func TestLockedSubmissionIsSkipped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locks, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	h := newHarness(t, byName("create"), func(cfg *service.Config) { cfg.Locks = locks })
	projectID, t0, _ := twoTaskProject(h.fixture, "")
	id := h.fixture.Submission(repotest.Submission{ProjectID: projectID, TaskID: t0, TeamID: 1, DeploymentURL: "http://s"})

	key := "grading:lock:submission:" + strconv.FormatInt(id, 10)
	if ok, err := locks.TryLock(context.Background(), key, "other-worker", time.Minute); err != nil || !ok {
		t.Fatalf("pre-lock: %v, %v", ok, err)
	}
	if err := h.svc.RunSubmissionTests(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sub := h.submission(t, id); sub.Status != model.StatusPending {
		t.Fatalf("expected locked submission untouched, got %s", sub.Status)
	}

	if err := locks.Unlock(context.Background(), key, "other-worker"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := h.svc.RunSubmissionTests(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sub := h.submission(t, id); sub.Status != model.StatusPassed {
		t.Fatalf("expected graded submission, got %s", sub.Status)
	}
	if mr.Exists(key) {
		t.Fatalf("expected lock released after run")
	}
}

type recordingArchive struct {
	records []repository.ArchiveRecord
}

func (a *recordingArchive) Archive(_ context.Context, record repository.ArchiveRecord) (string, error) {
	a.records = append(a.records, record)
	return fmt.Sprintf("logs/%d", record.SubmissionID), nil
}

func (a *recordingArchive) Fetch(context.Context, string) (*repository.ArchiveRecord, error) {
	return nil, fmt.Errorf("not implemented")
}

func TestFinalizeArchivesAndInvalidatesStatus(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redisCache, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	archive := &recordingArchive{}
	var statusCache *repository.StatusCache
	h := newHarness(t, byName("create"), func(cfg *service.Config) {
		statusCache = repository.NewStatusCache(redisCache, cfg.Submissions, time.Minute)
		cfg.StatusCache = statusCache
		cfg.Archive = archive
	})
	projectID, t0, _ := twoTaskProject(h.fixture, "")
	id := h.fixture.Submission(repotest.Submission{ProjectID: projectID, TaskID: t0, TeamID: 1, DeploymentURL: "http://s"})
	ctx := context.Background()

	if summary, err := statusCache.Get(ctx, id); err != nil || summary.Status != model.StatusPending {
		t.Fatalf("prime cache: %+v, %v", summary, err)
	}
	if err := h.svc.RunSubmissionTests(ctx, id); err != nil {
		t.Fatalf("run: %v", err)
	}
	summary, err := statusCache.Get(ctx, id)
	if err != nil || summary.Status != model.StatusPassed {
		t.Fatalf("expected fresh passed summary, got %+v, %v", summary, err)
	}
	if len(archive.records) != 1 || archive.records[0].SubmissionID != id || len(archive.records[0].ExecutionLogs) != 1 {
		t.Fatalf("unexpected archive records %+v", archive.records)
	}

	// A second run of a graded submission neither rewrites nor re-archives.
	if err := h.svc.RunSubmissionTests(ctx, id); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if len(archive.records) != 1 {
		t.Fatalf("expected a single archive record, got %d", len(archive.records))
	}
}
