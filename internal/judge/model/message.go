package model

import "time"

// Status messages published on the live channel while a submission is
// being judged. Every payload carries submission_id so clients can
// multiplex several watches over one decoder.

// MessageTypeTestResult marks per-test progress payloads.
const MessageTypeTestResult = "test_result"

// StatusUpdate announces a transitional status change (pending -> running).
type StatusUpdate struct {
	SubmissionID int64  `json:"submission_id"`
	Status       string `json:"status"`
}

// TerminalUpdate announces the final verdict with aggregate counters.
type TerminalUpdate struct {
	SubmissionID int64  `json:"submission_id"`
	Status       string `json:"status"`
	Passed       bool   `json:"passed"`
	PassedCount  int    `json:"passed_count"`
	TotalCount   int    `json:"total_count"`
}

// TestProgress reports one classified test so live viewers see the
// counter advance while later tests are still running.
type TestProgress struct {
	SubmissionID int64  `json:"submission_id"`
	Type         string `json:"type"`
	TestIndex    int    `json:"test_index"`
	TestStatus   string `json:"test_status"`
	PassedSoFar  int    `json:"passed_so_far"`
	TotalSoFar   int    `json:"total_so_far"`
}

// NewTestProgress builds a progress payload with the type tag set.
func NewTestProgress(submissionID int64, index int, status string, passed, total int) TestProgress {
	return TestProgress{
		SubmissionID: submissionID,
		Type:         MessageTypeTestResult,
		TestIndex:    index,
		TestStatus:   status,
		PassedSoFar:  passed,
		TotalSoFar:   total,
	}
}

// TerminalEvent is the payload emitted to the event stream once a
// submission reaches a terminal status. Downstream consumers (stats,
// leaderboards) read these instead of polling the database.
type TerminalEvent struct {
	SubmissionID int64     `json:"submission_id"`
	UserID       int64     `json:"user_id"`
	ProblemID    int64     `json:"problem_id"`
	Status       string    `json:"status"`
	Passed       bool      `json:"passed"`
	PassedCount  int       `json:"passed_count"`
	TotalCount   int       `json:"total_count"`
	FinishedAt   time.Time `json:"finished_at"`
}
