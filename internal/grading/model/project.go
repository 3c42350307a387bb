package model

import (
	"encoding/json"
	"time"
)

// ConsoleCategory selects the console runner for a project.
const ConsoleCategory = "Console"

// Project groups ordered tasks.
type Project struct {
	ID       int64
	Name     string
	Category string
}

// Task is one ordered step of a project.
type Task struct {
	ID             int64
	ProjectID      int64
	Name           string
	Slug           string
	Order          int
	DurationInDays int
}

// TeamProject tracks a team's enrollment in a project.
type TeamProject struct {
	ID            int64
	TeamID        int64
	ProjectID     int64
	IsFinished    bool
	FinishedAt    *time.Time
	DeploymentURL string
}

// Endpoint is an HTTP method plus a path template with {name} placeholders.
type Endpoint struct {
	ID     int64
	TaskID int64
	Method string
	Path   string
}

// TestKind is the closed set of test case variants.
type TestKind string

const (
	KindAPIRequest         TestKind = "API_REQUEST"
	KindJSONValidation     TestKind = "JSON_VALIDATION"
	KindConsoleApplication TestKind = "CONSOLE_APPLICATION"
)

// TestCase is one scored check within a task.
type TestCase struct {
	ID            int64
	TaskID        int64
	Name          string
	Kind          TestKind
	Points        int
	StopOnFailure bool
	Order         int

	// API is set for HTTP-backed kinds.
	API *APITestCase
	// Console is set for console application cases.
	Console *ConsoleTestCase
}

// APITestCase describes the request sent and the response expected.
type APITestCase struct {
	Endpoint           Endpoint
	PathParams         map[string]interface{}
	RequestPayload     json.RawMessage
	RequestHeaders     map[string]string
	ExpectedStatusCode int
	// ExpectedSchema is a JSON Schema document. Empty, null or {} means none.
	ExpectedSchema json.RawMessage
}

// ConsoleTestCase describes one program execution.
type ConsoleTestCase struct {
	// CommandArgs is a JSON list of strings or a single shell-quoted string.
	CommandArgs    json.RawMessage
	InputData      string
	ExpectedOutput string
}

// TaskPlan is a task with its test cases in execution order.
type TaskPlan struct {
	Task      Task
	TestCases []TestCase
}
