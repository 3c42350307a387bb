package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gradeflow/internal/common/mq"
	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/repository"
	"gradeflow/internal/grading/repository/repotest"
	"gradeflow/internal/grading/runner"
	"gradeflow/internal/grading/service"
)

var fixedNow = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type recordingProducer struct {
	mu        sync.Mutex
	published map[string][]*mq.Message
	err       error
}

func newRecordingProducer() *recordingProducer {
	return &recordingProducer{published: make(map[string][]*mq.Message)}
}

func (p *recordingProducer) Publish(_ context.Context, topic string, message *mq.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published[topic] = append(p.published[topic], message.Clone())
	return nil
}

func (p *recordingProducer) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	for _, m := range messages {
		if err := p.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *recordingProducer) messages(topic string) []*mq.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*mq.Message(nil), p.published[topic]...)
}

var testTopics = service.Topics{
	Main:       "grading.submissions",
	Retry:      "grading.submissions.retry",
	DeadLetter: "grading.submissions.dead",
}

type harness struct {
	fixture  *repotest.Fixture
	producer *recordingProducer
	subs     repository.SubmissionRepository
	teams    repository.TeamProjectRepository
	svc      *service.Service
}

type harnessOption func(*service.Config)

func newHarness(t *testing.T, api runner.Executor, opts ...harnessOption) *harness {
	t.Helper()
	f := repotest.New(t)
	producer := newRecordingProducer()
	subs := repository.NewSubmissionRepository(f.DB)
	teams := repository.NewTeamProjectRepository(f.DB)
	cfg := service.Config{
		Database:       f.DB,
		Submissions:    subs,
		Plans:          repository.NewPlanRepository(f.DB),
		TeamProjects:   teams,
		Producer:       producer,
		Topics:         testTopics,
		APIExecutor:    api,
		WorkerPoolSize: 2,
		Clock:          func() time.Time { return fixedNow },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	svc, err := service.NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &harness{fixture: f, producer: producer, subs: subs, teams: teams, svc: svc}
}

func (h *harness) submission(t *testing.T, id int64) *model.Submission {
	t.Helper()
	sub, err := h.subs.GetByID(context.Background(), nil, id)
	if err != nil {
		t.Fatalf("load submission %d: %v", id, err)
	}
	return sub
}

// byName passes every case whose name is in passing and fails the rest.
func byName(passing ...string) runner.ExecutorFunc {
	set := make(map[string]bool, len(passing))
	for _, name := range passing {
		set[name] = true
	}
	return func(_ context.Context, tc model.TestCase, _ runner.Target, _ *runner.Context) (runner.Outcome, error) {
		if set[tc.Name] {
			return runner.Outcome{Passed: true, Feedback: "ok"}, nil
		}
		return runner.Outcome{Feedback: "nope"}, nil
	}
}

func failingExecutor(err error) runner.ExecutorFunc {
	return func(context.Context, model.TestCase, runner.Target, *runner.Context) (runner.Outcome, error) {
		return runner.Outcome{}, err
	}
}

var errBackend = errors.New("backend down")

// twoTaskProject seeds T0 (one 10 point case) and T1 (two 5 point cases, the
// first stopping on failure) and returns the project and task ids.
func twoTaskProject(f *repotest.Fixture, category string) (projectID, t0, t1 int64) {
	projectID = f.Project("Todo API", category)
	t0 = f.Task(projectID, "T0", 0)
	t1 = f.Task(projectID, "T1", 1)
	create := f.Endpoint(t0, "POST", "/todos")
	fetch := f.Endpoint(t1, "GET", "/todos/1")
	f.APICase(t0, repotest.APICase{Name: "create", Points: 10, Order: 1, EndpointID: create, ExpectedStatus: 201})
	f.APICase(t1, repotest.APICase{Name: "fetch", Points: 5, Order: 1, StopOnFailure: true, EndpointID: fetch, ExpectedStatus: 200})
	f.APICase(t1, repotest.APICase{Name: "fetch-again", Points: 5, Order: 2, EndpointID: fetch, ExpectedStatus: 200})
	return projectID, t0, t1
}

func gradingMessage(body string, headers map[string]string) *mq.Message {
	msg := mq.NewMessage([]byte(body))
	for k, v := range headers {
		msg.SetHeader(k, v)
	}
	return msg
}
