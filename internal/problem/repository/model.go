package repository

import "time"

// Problem is the judge-facing view of a problem. FunctionName, when set,
// enables driver wrapping for function-call style problems.
type Problem struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	FunctionName *string   `json:"function_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TestCase is one input/expected-output pair of a problem. Order is stable
// per problem; hidden cases never expose their data to non-owners. The JSON
// shape doubles as the cached-list serialization, so ProblemID stays out.
type TestCase struct {
	ID             int64  `json:"id"`
	ProblemID      int64  `json:"-"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	Order          int    `json:"order"`
	IsHidden       bool   `json:"is_hidden"`
}

// Language is a submittable language row. The execution profile for a slug
// lives in the engine; rows here gate validation only.
type Language struct {
	ID       int64  `json:"id"`
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	IsActive bool   `json:"is_active"`
}
