package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Auth & User module errors
// 12000-12999: Submission module errors
// 13000-13999: Problem & Test-data module errors
// 14000-14999: Judging & Sandbox errors
// 15000-15999: Infrastructure errors (db/cache/queue/storage/mq)

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

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Auth & User Module Errors (11000-11999) ==========

	// Authentication (11000-11099)
	InvalidCredentials    ErrorCode = 11000
	UserNotFound          ErrorCode = 11001
	TokenExpired          ErrorCode = 11002
	TokenInvalid          ErrorCode = 11003
	TokenGenerationFailed ErrorCode = 11004
	RefreshTokenInvalid   ErrorCode = 11005

	// Registration (11100-11199)
	UsernameAlreadyExists ErrorCode = 11100
	EmailAlreadyExists    ErrorCode = 11101
	InvalidUsername       ErrorCode = 11102
	InvalidEmail          ErrorCode = 11103
	PasswordTooWeak       ErrorCode = 11104
	AccountDisabled       ErrorCode = 11105

	// ========== Submission Module Errors (12000-12999) ==========

	// Submission (12000-12099)
	SubmissionNotFound     ErrorCode = 12000
	SubmissionCreateFailed ErrorCode = 12001
	CodeTooLarge           ErrorCode = 12002
	LanguageNotFound       ErrorCode = 12003
	LanguageNotSupported   ErrorCode = 12004

	// ========== Problem & Test-Data Module Errors (13000-13999) ==========

	// Problem (13000-13099)
	ProblemNotFound ErrorCode = 13000

	// Test data (13100-13199)
	TestCaseNotFound     ErrorCode = 13100
	TestDataInvalid      ErrorCode = 13101
	TestDataTooLarge     ErrorCode = 13102
	TestDataImportFailed ErrorCode = 13103

	// ========== Judging & Sandbox Errors (14000-14999) ==========

	// Judging (14000-14099)
	JudgeSystemError  ErrorCode = 14000
	UnknownLanguage   ErrorCode = 14001
	WorkspaceFailed   ErrorCode = 14002
	BatchOutputBroken ErrorCode = 14003

	// Sandbox (14100-14199)
	SandboxError      ErrorCode = 14100
	SandboxStartError ErrorCode = 14101

	// ========== Infrastructure Errors (15000-15999) ==========

	// Database (15000-15099)
	DatabaseError     ErrorCode = 15000
	RecordNotFound    ErrorCode = 15001
	TransactionFailed ErrorCode = 15002

	// Cache (15100-15199)
	CacheError ErrorCode = 15100
	LockFailed ErrorCode = 15101

	// Queue & Channel (15200-15299)
	QueuePushFailed     ErrorCode = 15200
	QueuePopFailed      ErrorCode = 15201
	StatusPublishFailed ErrorCode = 15202

	// Storage & MQ (15300-15399)
	StorageError       ErrorCode = 15300
	EventPublishFailed ErrorCode = 15301
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

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Authentication
	InvalidCredentials:    "Invalid email or password",
	UserNotFound:          "User not found",
	TokenExpired:          "Token has expired",
	TokenInvalid:          "Invalid token",
	TokenGenerationFailed: "Failed to generate token",
	RefreshTokenInvalid:   "Invalid refresh token",

	// Registration
	UsernameAlreadyExists: "Username already exists",
	EmailAlreadyExists:    "Email already exists",
	InvalidUsername:       "Invalid username format",
	InvalidEmail:          "Invalid email format",
	PasswordTooWeak:       "Password is too weak",
	AccountDisabled:       "Account is disabled",

	// Submission
	SubmissionNotFound:     "Submission not found",
	SubmissionCreateFailed: "Failed to create submission",
	CodeTooLarge:           "Code is too large",
	LanguageNotFound:       "Language not found",
	LanguageNotSupported:   "Programming language not supported",

	// Problem
	ProblemNotFound: "Problem not found",

	// Test data
	TestCaseNotFound:     "Test case not found",
	TestDataInvalid:      "Invalid test data archive",
	TestDataTooLarge:     "Test data archive is too large",
	TestDataImportFailed: "Failed to import test data",

	// Judging
	JudgeSystemError:  "Judge system error",
	UnknownLanguage:   "Unknown execution language",
	WorkspaceFailed:   "Failed to prepare judging workspace",
	BatchOutputBroken: "Batch runner produced unparseable output",

	// Sandbox
	SandboxError:      "Sandbox execution failed",
	SandboxStartError: "Failed to start sandbox",

	// Database
	DatabaseError:     "Database operation failed",
	RecordNotFound:    "Record not found in database",
	TransactionFailed: "Database transaction failed",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Queue & Channel
	QueuePushFailed:     "Failed to push job onto judge queue",
	QueuePopFailed:      "Failed to pop job from judge queue",
	StatusPublishFailed: "Failed to publish status update",

	// Storage & MQ
	StorageError:       "Object storage operation failed",
	EventPublishFailed: "Failed to publish event",
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
	case c >= 11000 && c < 11100: // Authentication errors
		return 401
	case c == Unauthorized:
		return 401
	case c == Forbidden, c == AccountDisabled:
		return 403
	case c == NotFound, c == UserNotFound, c == ProblemNotFound,
		c == SubmissionNotFound, c == LanguageNotFound, c == TestCaseNotFound:
		return 404
	case c == UsernameAlreadyExists, c == EmailAlreadyExists:
		return 409
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == LanguageNotSupported, c == CodeTooLarge,
		c == TestDataInvalid, c == TestDataTooLarge:
		return 400
	default:
		return 500
	}
}
