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
	"gradeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultHTTPTimeout   = 10 * time.Second
	maxResponseBodyBytes = 4 << 20
)

// APIExecutorConfig configures the HTTP test executor.
type APIExecutorConfig struct {
	// Timeout bounds each request. Default: 10s
	Timeout time.Duration
	// MaxBodyBytes caps how much of a response is read. Default: 4 MiB
	MaxBodyBytes int64
	// Policy selects response values for the run context. Default: PostCreatedPolicy
	Policy ExtractionPolicy
	// Transport overrides the HTTP transport.
	Transport http.RoundTripper
	Logger    *logger.Logger
}

// APIExecutor sends one request per test case to the student's deployment
// and checks the status code and response schema.
type APIExecutor struct {
	client  *http.Client
	policy  ExtractionPolicy
	maxBody int64
	log     *logger.Logger
}

// NewAPIExecutor builds an executor that never follows redirects.
func NewAPIExecutor(cfg APIExecutorConfig) *APIExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.Policy == nil {
		cfg.Policy = PostCreatedPolicy{}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = maxResponseBodyBytes
	}
	return &APIExecutor{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		policy:  cfg.Policy,
		maxBody: cfg.MaxBodyBytes,
		log:     cfg.Logger,
	}
}

func (e *APIExecutor) Execute(ctx context.Context, tc model.TestCase, target Target, runCtx *Context) (Outcome, error) {
	api := tc.API
	if api == nil {
		return Outcome{Feedback: fmt.Sprintf("A critical error occurred: test case %d has no API details", tc.ID)}, nil
	}

	path, err := ResolvePath(api.Endpoint.Path, api.PathParams, runCtx)
	if err != nil {
		e.log.Warn(ctx, "path resolution failed",
			zap.Int64("test_case_id", tc.ID),
			zap.Strings("context_keys", runCtx.Keys()),
			zap.Error(err))
		return Outcome{Feedback: err.Error()}, nil
	}

	fullURL := strings.TrimRight(target.BaseURL, "/") + path
	method := strings.ToUpper(api.Endpoint.Method)
	req, err := buildRequest(ctx, method, fullURL, api)
	if err != nil {
		return Outcome{Feedback: fmt.Sprintf("Failed to connect to API at %s. Error: %v", fullURL, err)}, nil
	}

	e.log.Debug(ctx, "sending api test request",
		zap.Int64("test_case_id", tc.ID),
		zap.String("method", method),
		zap.String("url", fullURL))

	resp, err := e.client.Do(req)
	if err != nil {
		return Outcome{Feedback: fmt.Sprintf("Failed to connect to API at %s. Error: %v", fullURL, err)}, nil
	}
	defer resp.Body.Close()
	// One byte past the cap tells an oversized body from one that fits exactly.
	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody+1))
	if err != nil {
		return Outcome{Feedback: fmt.Sprintf("Failed to connect to API at %s. Error: %v", fullURL, err)}, nil
	}

	e.log.Debug(ctx, "received api test response",
		zap.Int64("test_case_id", tc.ID),
		zap.Int("status", resp.StatusCode),
		zap.Int("body_bytes", len(body)))
	tooLarge := int64(len(body)) > e.maxBody

	if resp.StatusCode != api.ExpectedStatusCode {
		if resp.StatusCode == http.StatusInternalServerError {
			return Outcome{Feedback: fmt.Sprintf("Status Code Mismatch. Expected %d, but got 500. Internal Server Error.",
				api.ExpectedStatusCode)}, nil
		}
		if tooLarge {
			return Outcome{Feedback: fmt.Sprintf("Status Code Mismatch. Expected %d, but got %d. Response too large: over %d bytes.",
				api.ExpectedStatusCode, resp.StatusCode, e.maxBody)}, nil
		}
		return Outcome{Feedback: fmt.Sprintf("Status Code Mismatch. Expected %d, but got %d. Response: %s",
			api.ExpectedStatusCode, resp.StatusCode, string(body))}, nil
	}

	if tooLarge {
		return Outcome{Feedback: fmt.Sprintf("Response too large: the API returned more than %d bytes.", e.maxBody)}, nil
	}

	instance, err := decodeBody(body)
	if err != nil {
		return Outcome{Feedback: "The API response was not valid JSON, although it was expected to be. Received: " + string(body)}, nil
	}

	if ok, msg := ValidateSchema(instance, api.ExpectedSchema); !ok {
		return Outcome{Feedback: msg + " Received response: " + compactJSON(body)}, nil
	}

	if extracted := e.policy.Extract(method, resp.StatusCode, instance); len(extracted) > 0 {
		runCtx.Merge(extracted)
		e.log.Debug(ctx, "context updated from response",
			zap.Int64("test_case_id", tc.ID),
			zap.Strings("context_keys", runCtx.Keys()))
	}

	return Outcome{Passed: true, Feedback: "Test passed: Status code and response schema are correct."}, nil
}

func buildRequest(ctx context.Context, method, url string, api *model.APITestCase) (*http.Request, error) {
	var body io.Reader
	hasBody := payloadPresent(api.RequestPayload)
	if hasBody {
		body = bytes.NewReader(api.RequestPayload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range api.RequestHeaders {
		req.Header.Set(k, v)
	}
	if hasBody && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func payloadPresent(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// decodeBody parses a response body. An empty body decodes to nil.
func decodeBody(body []byte) (interface{}, error) {
	if len(body) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return v, nil
}

func compactJSON(body []byte) string {
	if len(body) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return string(body)
	}
	return buf.String()
}
