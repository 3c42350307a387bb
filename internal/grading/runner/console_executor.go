package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gradeflow/internal/grading/model"
	pkgerrors "gradeflow/pkg/errors"
	"gradeflow/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

var languageExtensions = map[string]string{
	"python":     "py",
	"javascript": "js",
	"java":       "java",
	"cpp":        "cpp",
	"c":          "c",
	"go":         "go",
	"rust":       "rs",
	"ruby":       "rb",
	"php":        "php",
	"csharp":     "cs",
}

// FileExtension maps a submission language to the source file extension.
func FileExtension(language string) string {
	if ext, ok := languageExtensions[strings.ToLower(language)]; ok {
		return ext
	}
	return "txt"
}

// SupportedLanguage reports whether language has a known runtime.
func SupportedLanguage(language string) bool {
	_, ok := languageExtensions[strings.ToLower(language)]
	return ok
}

// ConsoleExecutorConfig configures the code execution client.
type ConsoleExecutorConfig struct {
	// ExecuteURL is the Piston-compatible execute endpoint,
	// e.g. http://piston:2000/api/v2/execute
	ExecuteURL string
	// RunTimeout is forwarded as run_timeout in milliseconds. 0 uses the backend default.
	RunTimeout time.Duration
	// HTTPTimeout bounds the execute call. Default: 30s
	HTTPTimeout time.Duration
	Transport   http.RoundTripper
	Logger      *logger.Logger
}

// ConsoleExecutor runs submitted code with the test's stdin and arguments and
// compares stdout with the expected output.
type ConsoleExecutor struct {
	client     *http.Client
	executeURL string
	runTimeout time.Duration
	log        *logger.Logger
}

func NewConsoleExecutor(cfg ConsoleExecutorConfig) *ConsoleExecutor {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &ConsoleExecutor{
		client:     &http.Client{Timeout: cfg.HTTPTimeout, Transport: cfg.Transport},
		executeURL: cfg.ExecuteURL,
		runTimeout: cfg.RunTimeout,
		log:        cfg.Logger,
	}
}

type executeFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type executeRequest struct {
	Language   string        `json:"language"`
	Version    string        `json:"version"`
	Files      []executeFile `json:"files"`
	Stdin      string        `json:"stdin"`
	Args       []string      `json:"args"`
	RunTimeout int64         `json:"run_timeout,omitempty"`
}

type executeStage struct {
	Stdout string  `json:"stdout"`
	Stderr string  `json:"stderr"`
	Output string  `json:"output"`
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}

type executeResponse struct {
	Language string        `json:"language"`
	Version  string        `json:"version"`
	Run      executeStage  `json:"run"`
	Compile  *executeStage `json:"compile"`
	Message  string        `json:"message"`
}

func (e *ConsoleExecutor) Execute(ctx context.Context, tc model.TestCase, target Target, _ *Context) (Outcome, error) {
	console := tc.Console
	if console == nil {
		return Outcome{Feedback: fmt.Sprintf("A critical error occurred: test case %d has no console details", tc.ID)}, nil
	}
	args, err := ParseCommandArgs(console.CommandArgs)
	if err != nil {
		return Outcome{Feedback: fmt.Sprintf("A critical error occurred: %v", err)}, nil
	}

	payload := executeRequest{
		Language: strings.ToLower(target.Language),
		Version:  "*",
		Files:    []executeFile{{Name: "main." + FileExtension(target.Language), Content: target.Code}},
		Stdin:    console.InputData,
		Args:     args,
	}
	if e.runTimeout > 0 {
		payload.RunTimeout = e.runTimeout.Milliseconds()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, pkgerrors.Wrap(err, pkgerrors.JudgeSystemError)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.executeURL, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, pkgerrors.Wrapf(err, pkgerrors.ExecutionBackendError, "build execute request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return Outcome{}, pkgerrors.Wrapf(err, pkgerrors.ExecutionBackendError, "execution backend unreachable")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return Outcome{}, pkgerrors.Wrapf(err, pkgerrors.ExecutionBackendError, "read execution response")
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return Outcome{}, pkgerrors.Newf(pkgerrors.ExecutionBackendError, "execution backend returned %d", resp.StatusCode)
	}

	var result executeResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return Outcome{}, pkgerrors.Wrapf(err, pkgerrors.ExecutionBackendError, "decode execution response")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Outcome{Feedback: fmt.Sprintf("Execution request rejected: %s", result.Message)}, nil
	}

	e.log.Debug(ctx, "console test executed",
		zap.Int64("test_case_id", tc.ID),
		zap.String("language", result.Language),
		zap.String("version", result.Version))

	return judgeConsole(result, console.ExpectedOutput), nil
}

func judgeConsole(result executeResponse, expected string) Outcome {
	if c := result.Compile; c != nil && c.Code != nil && *c.Code != 0 {
		return Outcome{Feedback: "Compilation failed: " + firstNonEmpty(c.Stderr, c.Output)}
	}
	run := result.Run
	if run.Code != nil && *run.Code != 0 {
		return Outcome{Feedback: fmt.Sprintf("Runtime error (exit code %d): %s", *run.Code, run.Stderr)}
	}
	if run.Code == nil && run.Signal != nil && *run.Signal != "" {
		return Outcome{Feedback: fmt.Sprintf("Runtime error (signal %s): %s", *run.Signal, run.Stderr)}
	}
	actual := strings.TrimSpace(run.Stdout)
	want := strings.TrimSpace(expected)
	if actual != want {
		return Outcome{Feedback: fmt.Sprintf("Output Mismatch. Expected: '%s', but got: '%s'", want, actual)}
	}
	return Outcome{Passed: true, Feedback: "Test passed: Output matches the expected output."}
}

// ParseCommandArgs accepts a JSON list or a single shell-quoted string.
func ParseCommandArgs(raw json.RawMessage) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []string{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid command args: %w", err)
	}
	switch val := v.(type) {
	case string:
		args, err := shlex.Split(val)
		if err != nil {
			return nil, fmt.Errorf("invalid command args: %w", err)
		}
		if args == nil {
			args = []string{}
		}
		return args, nil
	case []interface{}:
		args := make([]string, 0, len(val))
		for _, item := range val {
			args = append(args, Stringify(item))
		}
		return args, nil
	default:
		return nil, fmt.Errorf("invalid command args: expected list or string")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
