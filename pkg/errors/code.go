package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Authentication errors
// 13000-13999: Submission & Grading errors
// 14000-14999: Dispatch & Queue errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	CacheSetFailed ErrorCode = 10202
	LockFailed     ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Storage errors (10400-10499)
	StorageError ErrorCode = 10400

	// ========== Authentication Errors (11000-11999) ==========

	TokenExpired ErrorCode = 11003
	TokenInvalid ErrorCode = 11004

	// ========== Submission & Grading Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound      ErrorCode = 13000
	SubmissionFinalized     ErrorCode = 13001
	DeploymentURLMissing    ErrorCode = 13002
	LanguageNotSupported    ErrorCode = 13003
	SubmissionCodeMissing   ErrorCode = 13004
	TeamProjectNotFound     ErrorCode = 13005
	SubmittedTaskNotFound   ErrorCode = 13006
	ProjectNotFound         ErrorCode = 13007
	ExecutionLogCorrupted   ErrorCode = 13008
	SubmissionStatusInvalid ErrorCode = 13009

	// Grading (13100-13199)
	JudgeSystemError      ErrorCode = 13101
	ExecutionBackendError ErrorCode = 13102
	TestCaseInvalid       ErrorCode = 13103

	// ========== Dispatch & Queue Errors (14000-14999) ==========

	QueuePublishFailed    ErrorCode = 14000
	GradingRetryExhausted ErrorCode = 14001
	WorkerPoolFull        ErrorCode = 14002
	SubmissionLocked      ErrorCode = 14003
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache
	CacheError:     "Cache operation failed",
	CacheMiss:      "Cache miss",
	CacheSetFailed: "Failed to set cache",
	LockFailed:     "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Storage
	StorageError: "Object storage operation failed",

	// Authentication
	TokenExpired: "Token has expired",
	TokenInvalid: "Invalid token",

	// Submission
	SubmissionNotFound:      "Submission not found",
	SubmissionFinalized:     "Submission has already been graded",
	DeploymentURLMissing:    "Submission has no deployment url",
	LanguageNotSupported:    "Programming language not supported",
	SubmissionCodeMissing:   "Submission has no source code",
	TeamProjectNotFound:     "Team project registration not found",
	SubmittedTaskNotFound:   "Submitted task not found",
	ProjectNotFound:         "Project not found",
	ExecutionLogCorrupted:   "Execution log could not be decoded",
	SubmissionStatusInvalid: "Invalid submission status",

	// Grading
	JudgeSystemError:      "Grading system error",
	ExecutionBackendError: "Code execution service error",
	TestCaseInvalid:       "Invalid test case definition",

	// Dispatch
	QueuePublishFailed:    "Failed to publish grading job",
	GradingRetryExhausted: "Grading retries exhausted",
	WorkerPoolFull:        "Grading worker pool is full",
	SubmissionLocked:      "Submission is being graded by another worker",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == RecordNotFound, c == SubmissionNotFound, c == ProjectNotFound, c == TeamProjectNotFound:
		return 404
	case c == SubmissionFinalized, c == SubmissionLocked:
		return 409
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable, c == WorkerPoolFull:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams:
		return 400
	default:
		return 500
	}
}

// Retryable reports whether a failure with this code is worth another grading attempt.
// Missing related rows and deployment urls are retried since they may appear
// later; malformed jobs and console submissions that can never run are final.
func (c ErrorCode) Retryable() bool {
	switch c {
	case InvalidParams, ValidationFailed, InvalidFormat, InvalidValue, RequiredFieldEmpty,
		SubmissionNotFound, SubmissionFinalized, LanguageNotSupported, SubmissionCodeMissing:
		return false
	default:
		return true
	}
}
