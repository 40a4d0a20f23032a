// Package engine turns a submission into per-test verdicts by driving
// the sandbox: it writes the source, compiles when the language needs
// it, runs the tests batched or one by one, and classifies the results.
package engine

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openkoi/koi/internal/judge/sandbox"
)

//go:embed scripts/batch_runner.py
var batchRunnerScript string

// compileOutputLimit caps the compiler output surfaced to users.
const compileOutputLimit = 2000

// Status classifies one test run or a whole execution.
type Status string

const (
	StatusSuccess             Status = "success"
	StatusWrongAnswer         Status = "wrong_answer"
	StatusTimeLimitExceeded   Status = "time_limit_exceeded"
	StatusMemoryLimitExceeded Status = "memory_limit_exceeded"
	StatusRuntimeError        Status = "runtime_error"
	StatusCompilationError    Status = "compilation_error"
	StatusInternalError       Status = "internal_error"
)

// Request describes one submission to execute.
type Request struct {
	Code            string
	LanguageSlug    string
	Inputs          []string
	ExpectedOutputs []string

	// FunctionName, when set, wraps the code with the language's driver
	// stub for function-call style problems.
	FunctionName string
}

// TestResult is the classified outcome of one test case.
type TestResult struct {
	Index     int
	Status    Status
	Stdout    string
	Stderr    string
	ExitCode  int
	RuntimeMS float64
	MemoryKB  int64
}

// Result aggregates a whole execution.
type Result struct {
	Status            Status
	TestResults       []TestResult
	CompilationOutput string
	TotalRuntimeMS    float64
	PassedCount       int
	TotalCount        int
}

// Progress is called after each test is classified, in test order, so
// callers can fan out live updates while later tests still run.
type Progress func(result TestResult, passedSoFar, totalSoFar int)

// Config wires the engine.
type Config struct {
	Runner sandbox.Runner

	// Limits defaults to DefaultLimits when zero.
	Limits Limits

	// WorkRoot is the parent directory for per-run workspaces;
	// empty means the system temp dir.
	WorkRoot string
}

// Engine executes submissions. Safe for concurrent use; every execution
// gets its own workspace.
type Engine struct {
	runner   sandbox.Runner
	limits   Limits
	workRoot string
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("sandbox runner is required")
	}
	limits := cfg.Limits
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}
	return &Engine{
		runner:   cfg.Runner,
		limits:   limits,
		workRoot: cfg.WorkRoot,
	}, nil
}

// Execute runs the submission against all tests and classifies every
// outcome. Judging verdicts, including internal ones like an unknown
// language, come back inside the Result; the error return is reserved
// for infrastructure failures the caller should treat as a crashed run.
func (e *Engine) Execute(ctx context.Context, req Request, progress Progress) (Result, error) {
	profile, ok := LookupProfile(req.LanguageSlug)
	if !ok {
		return errorResult(fmt.Sprintf("unsupported language: %s", req.LanguageSlug), len(req.Inputs)), nil
	}

	start := time.Now()

	workDir, err := os.MkdirTemp(e.workRoot, "judge-")
	if err != nil {
		return Result{}, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(workDir)

	if err := writeSolution(workDir, profile, req.Code, req.FunctionName); err != nil {
		return Result{}, err
	}

	if profile.NeedsCompilation() {
		compiled, output, err := e.compile(ctx, workDir, profile)
		if err != nil {
			return Result{}, err
		}
		if !compiled {
			return Result{
				Status:            StatusCompilationError,
				TestResults:       []TestResult{},
				CompilationOutput: output,
				TotalRuntimeMS:    elapsedMS(start),
				TotalCount:        len(req.Inputs),
			}, nil
		}
	}

	run := &execution{
		engine:       e,
		profile:      profile,
		workDir:      workDir,
		req:          req,
		progress:     progress,
		totalTimeout: e.limits.totalTimeout(len(req.Inputs)),
	}

	var results []TestResult
	if profile.Strategy == StrategyBatch {
		results, err = run.batch(ctx)
	} else {
		results, err = run.individual(ctx)
	}
	if err != nil {
		return Result{}, err
	}

	return buildResult(results, elapsedMS(start)), nil
}

// compile runs the language's compile command with a writable mount.
// A compilation_error verdict is reserved for the compiler rejecting the
// code; a sandbox that fails to run at all is an infrastructure error
// and propagates up like any other crashed run.
func (e *Engine) compile(ctx context.Context, workDir string, profile Profile) (bool, string, error) {
	res, err := e.runner.Run(ctx, sandbox.RunSpec{
		Image:    profile.Image,
		WorkDir:  workDir,
		Command:  profile.CompileCommand,
		ReadOnly: false,
		Timeout:  e.limits.CompilationTimeout,
		Limits:   e.limits.sandboxLimits(),
	})
	if err != nil {
		return false, "", fmt.Errorf("compile sandbox run: %w", err)
	}
	if res.TimedOut {
		return false, "Compilation timed out", nil
	}
	if res.ExitCode != 0 {
		output := res.Stderr
		if output == "" {
			output = res.Stdout
		}
		if output == "" {
			output = "Compilation failed"
		}
		return false, truncate(output, compileOutputLimit), nil
	}
	return true, "", nil
}

// execution carries the per-run state shared by both strategies.
type execution struct {
	engine       *Engine
	profile      Profile
	workDir      string
	req          Request
	progress     Progress
	totalTimeout time.Duration
	passedSoFar  int
}

// emit records a classified test and notifies the progress callback.
func (x *execution) emit(result TestResult) TestResult {
	if result.Status == StatusSuccess {
		x.passedSoFar++
	}
	if x.progress != nil {
		x.progress(result, x.passedSoFar, len(x.req.Inputs))
	}
	return result
}

// batchInput is the JSON handed to the batch runner on stdin.
type batchInput struct {
	TestCases []string `json:"test_cases"`
	Timeout   float64  `json:"timeout"`
}

// rawBatchResult is one per-test record from the batch runner.
type rawBatchResult struct {
	Index     int     `json:"index"`
	Stdout    string  `json:"stdout"`
	Stderr    string  `json:"stderr"`
	ExitCode  int     `json:"exit_code"`
	RuntimeMS float64 `json:"runtime_ms"`
	MemoryKB  int64   `json:"memory_kb"`
}

// batch runs every test in one container through the runner script.
func (x *execution) batch(ctx context.Context) ([]TestResult, error) {
	runnerPath := filepath.Join(x.workDir, "runner.py")
	if err := os.WriteFile(runnerPath, []byte(batchRunnerScript), 0o644); err != nil {
		return nil, fmt.Errorf("write batch runner: %w", err)
	}

	payload, err := json.Marshal(batchInput{
		TestCases: x.req.Inputs,
		Timeout:   x.engine.limits.TimeoutPerTest.Seconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode batch input: %w", err)
	}

	res, err := x.engine.runner.Run(ctx, sandbox.RunSpec{
		Image:    x.profile.Image,
		WorkDir:  x.workDir,
		Command:  "python3 /app/runner.py",
		ReadOnly: true,
		Stdin:    string(payload),
		Timeout:  x.totalTimeout,
		Limits:   x.engine.limits.sandboxLimits(),
	})
	if err != nil {
		return nil, err
	}

	if res.TimedOut {
		return x.uniformResults(StatusTimeLimitExceeded, "Total time limit exceeded"), nil
	}
	if res.ExitCode != 0 {
		return x.uniformResults(StatusRuntimeError, truncate(res.Stderr, 500)), nil
	}

	var raws []rawBatchResult
	if err := json.Unmarshal([]byte(res.Stdout), &raws); err != nil {
		// The runner printed something that is not the result list, so
		// no per-test outcome is trustworthy.
		return x.uniformResults(StatusInternalError, truncate(res.Stderr, 500)), nil
	}
	return x.parseBatchResults(raws), nil
}

func (x *execution) parseBatchResults(raws []rawBatchResult) []TestResult {
	results := make([]TestResult, 0, len(raws))
	for _, raw := range raws {
		stdout := strings.TrimSpace(raw.Stdout)

		var status Status
		switch {
		case raw.ExitCode == sandbox.TimeoutExitCode:
			status = StatusTimeLimitExceeded
		case raw.ExitCode != 0:
			status = StatusRuntimeError
		case raw.Index >= len(x.req.ExpectedOutputs):
			// Extra record with nothing to compare against.
			status = StatusSuccess
		case outputsMatch(stdout, x.req.ExpectedOutputs[raw.Index]):
			status = StatusSuccess
		default:
			status = StatusWrongAnswer
		}

		results = append(results, x.emit(TestResult{
			Index:     raw.Index,
			Status:    status,
			Stdout:    truncate(stdout, x.engine.limits.MaxStdoutBytes),
			Stderr:    truncate(raw.Stderr, x.engine.limits.MaxStderrBytes),
			ExitCode:  raw.ExitCode,
			RuntimeMS: raw.RuntimeMS,
			MemoryKB:  raw.MemoryKB,
		}))
	}
	return results
}

// individual runs each test in its own container, spending down a
// shared wall-clock budget. Once the budget is gone the remaining tests
// are reported as timed out without being launched.
func (x *execution) individual(ctx context.Context) ([]TestResult, error) {
	results := make([]TestResult, 0, len(x.req.Inputs))
	remaining := x.totalTimeout

	for index, input := range x.req.Inputs {
		if remaining <= 0 {
			results = append(results, x.emit(TestResult{
				Index:    index,
				Status:   StatusTimeLimitExceeded,
				Stderr:   "Time limit exceeded",
				ExitCode: sandbox.TimeoutExitCode,
			}))
			continue
		}

		result, err := x.runSingle(ctx, index, input, remaining)
		if err != nil {
			return nil, err
		}
		results = append(results, x.emit(result))
		remaining -= time.Duration(result.RuntimeMS * float64(time.Millisecond))
	}
	return results, nil
}

func (x *execution) runSingle(ctx context.Context, index int, input string, remaining time.Duration) (TestResult, error) {
	// One second of slack over the per-test limit covers container
	// startup; the remaining budget wins when it is tighter.
	timeout := x.engine.limits.TimeoutPerTest + time.Second
	if remaining < timeout {
		timeout = remaining
	}

	res, err := x.engine.runner.Run(ctx, sandbox.RunSpec{
		Image:    x.profile.Image,
		WorkDir:  x.workDir,
		Command:  x.profile.RunCommand,
		ReadOnly: true,
		Stdin:    input,
		Timeout:  timeout,
		Limits:   x.engine.limits.sandboxLimits(),
	})
	if err != nil {
		return TestResult{}, err
	}

	if res.TimedOut {
		return TestResult{
			Index:     index,
			Status:    StatusTimeLimitExceeded,
			Stderr:    "Time limit exceeded",
			ExitCode:  sandbox.TimeoutExitCode,
			RuntimeMS: x.engine.limits.TimeoutPerTest.Seconds() * 1000,
		}, nil
	}

	stdout := strings.TrimSpace(res.Stdout)
	var expected string
	if index < len(x.req.ExpectedOutputs) {
		expected = x.req.ExpectedOutputs[index]
	}

	var status Status
	switch {
	case res.ExitCode == sandbox.TimeoutExitCode:
		status = StatusTimeLimitExceeded
	case res.ExitCode != 0:
		status = StatusRuntimeError
	case outputsMatch(stdout, expected):
		status = StatusSuccess
	default:
		status = StatusWrongAnswer
	}

	return TestResult{
		Index:     index,
		Status:    status,
		Stdout:    truncate(stdout, x.engine.limits.MaxStdoutBytes),
		Stderr:    truncate(res.Stderr, x.engine.limits.MaxStderrBytes),
		ExitCode:  res.ExitCode,
		RuntimeMS: float64(res.ElapsedMS),
		MemoryKB:  res.MemoryKB,
	}, nil
}

// uniformResults classifies every test identically, for failures that
// take down the whole batch container.
func (x *execution) uniformResults(status Status, message string) []TestResult {
	results := make([]TestResult, 0, len(x.req.Inputs))
	for index := range x.req.Inputs {
		results = append(results, x.emit(TestResult{
			Index:    index,
			Status:   status,
			Stderr:   message,
			ExitCode: 1,
		}))
	}
	return results
}

// writeSolution writes the source under the language's filename,
// appending the driver stub for function-call style problems.
func writeSolution(workDir string, profile Profile, code, functionName string) error {
	source := code
	if functionName != "" {
		if driver, ok := DriverFor(profile.Slug, functionName); ok {
			source = code + "\n" + driver
		}
	}
	path := filepath.Join(workDir, profile.Filename())
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return fmt.Errorf("write solution: %w", err)
	}
	return nil
}

// buildResult aggregates per-test outcomes by severity:
// TLE beats runtime error beats wrong answer.
func buildResult(results []TestResult, totalRuntimeMS float64) Result {
	passed := 0
	for _, r := range results {
		if r.Status == StatusSuccess {
			passed++
		}
	}

	var status Status
	switch {
	case passed == len(results):
		status = StatusSuccess
	case hasStatus(results, StatusTimeLimitExceeded):
		status = StatusTimeLimitExceeded
	case hasStatus(results, StatusInternalError):
		status = StatusInternalError
	case hasStatus(results, StatusRuntimeError):
		status = StatusRuntimeError
	default:
		status = StatusWrongAnswer
	}

	return Result{
		Status:         status,
		TestResults:    results,
		TotalRuntimeMS: totalRuntimeMS,
		PassedCount:    passed,
		TotalCount:     len(results),
	}
}

// errorResult reports a failure that prevented any test from running.
func errorResult(message string, testCount int) Result {
	return Result{
		Status:            StatusInternalError,
		TestResults:       []TestResult{},
		CompilationOutput: message,
		TotalCount:        testCount,
	}
}

func hasStatus(results []TestResult, status Status) bool {
	for _, r := range results {
		if r.Status == status {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
