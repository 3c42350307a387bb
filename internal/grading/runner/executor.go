package runner

import (
	"context"
	"fmt"

	"gradeflow/internal/grading/model"
)

// Target is what a run grades: a deployed base URL, submitted code, or both.
type Target struct {
	BaseURL  string
	Language string
	Code     string
}

// Outcome is the scored result of one test case.
type Outcome struct {
	Passed   bool
	Feedback string
}

// Executor runs one kind of test case. Test-level failures are Outcomes;
// a non-nil error means the grading system itself failed and the run must
// not be scored.
type Executor interface {
	Execute(ctx context.Context, tc model.TestCase, target Target, runCtx *Context) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, tc model.TestCase, target Target, runCtx *Context) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, tc model.TestCase, target Target, runCtx *Context) (Outcome, error) {
	return f(ctx, tc, target, runCtx)
}

// Registry maps each test kind to its executor.
type Registry map[model.TestKind]Executor

// Unsupported fails every case it receives with an explicit message.
var Unsupported Executor = ExecutorFunc(func(_ context.Context, tc model.TestCase, _ Target, _ *Context) (Outcome, error) {
	return unsupportedOutcome(tc.Kind), nil
})

func unsupportedOutcome(kind model.TestKind) Outcome {
	return Outcome{Feedback: fmt.Sprintf("Test type '%s' is not supported.", kind)}
}

// APIRegistry grades deployed services over HTTP.
func APIRegistry(api Executor) Registry {
	return Registry{
		model.KindAPIRequest:         api,
		model.KindJSONValidation:     Unsupported,
		model.KindConsoleApplication: Unsupported,
	}
}

// ConsoleRegistry grades submitted programs through the execution backend.
func ConsoleRegistry(console Executor) Registry {
	return Registry{
		model.KindAPIRequest:         Unsupported,
		model.KindJSONValidation:     Unsupported,
		model.KindConsoleApplication: console,
	}
}
