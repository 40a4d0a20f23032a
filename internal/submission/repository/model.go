package repository

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a submission. Values are stored
// verbatim in the status column and in every published payload.
type Status string

const (
	StatusPending             Status = "pending"
	StatusRunning             Status = "running"
	StatusAccepted            Status = "accepted"
	StatusWrongAnswer         Status = "wrong_answer"
	StatusTimeLimitExceeded   Status = "time_limit_exceeded"
	StatusMemoryLimitExceeded Status = "memory_limit_exceeded"
	StatusRuntimeError        Status = "runtime_error"
	StatusCompilationError    Status = "compilation_error"
)

// Terminal reports whether s is a final verdict. Terminal rows are
// immutable and the live channel carries no messages after one.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusWrongAnswer, StatusTimeLimitExceeded,
		StatusMemoryLimitExceeded, StatusRuntimeError, StatusCompilationError:
		return true
	}
	return false
}

// Submission is one judging attempt. Created by the submission service,
// mutated only by the judge worker, never deleted.
//
// Results holds the per-test detail list exactly as the worker wrote it;
// it stays raw JSON because readers never interpret it, only relay it.
type Submission struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	ProblemID   int64           `json:"problem_id"`
	LanguageID  int64           `json:"language_id"`
	Code        string          `json:"code"`
	Status      Status          `json:"status"`
	Passed      bool            `json:"passed"`
	PassedCount int             `json:"passed_count"`
	TotalCount  int             `json:"total_count"`
	Results     json.RawMessage `json:"results"`
	CreatedAt   time.Time       `json:"created_at"`

	// UpdatedAt drives the recovery sweep's staleness check and stays
	// out of API responses.
	UpdatedAt time.Time `json:"-"`
}
