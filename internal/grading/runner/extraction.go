package runner

import "net/http"

// ExtractionPolicy decides which response values enter the run context.
type ExtractionPolicy interface {
	Extract(method string, statusCode int, body interface{}) map[string]interface{}
}

// PostCreatedPolicy captures every top-level key of a non-empty JSON object
// returned by a POST answered with 201 Created.
type PostCreatedPolicy struct{}

func (PostCreatedPolicy) Extract(method string, statusCode int, body interface{}) map[string]interface{} {
	if method != http.MethodPost || statusCode != http.StatusCreated {
		return nil
	}
	obj, ok := body.(map[string]interface{})
	if !ok || len(obj) == 0 {
		return nil
	}
	return obj
}

// NoExtraction never captures anything.
type NoExtraction struct{}

func (NoExtraction) Extract(string, int, interface{}) map[string]interface{} { return nil }
