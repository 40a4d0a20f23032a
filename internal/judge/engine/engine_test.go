package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openkoi/koi/internal/judge/sandbox"
)

// fakeRunner scripts sandbox responses and records every spec it saw.
type fakeRunner struct {
	script func(call int, spec sandbox.RunSpec) (sandbox.RunResult, error)
	specs  []sandbox.RunSpec
}

func (r *fakeRunner) Run(_ context.Context, spec sandbox.RunSpec) (sandbox.RunResult, error) {
	call := len(r.specs)
	r.specs = append(r.specs, spec)
	return r.script(call, spec)
}

func newTestEngine(t *testing.T, runner sandbox.Runner, limits Limits) *Engine {
	t.Helper()
	eng, err := NewEngine(Config{Runner: runner, Limits: limits, WorkRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	return eng
}

func batchOutput(t *testing.T, records []rawBatchResult) string {
	t.Helper()
	data, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("encode batch output: %v", err)
	}
	return string(data)
}

func TestExecuteBatchMixedVerdicts(t *testing.T) {
	runner := &fakeRunner{script: func(_ int, spec sandbox.RunSpec) (sandbox.RunResult, error) {
		if !spec.ReadOnly {
			t.Fatalf("batch run must mount read-only")
		}
		var input batchInput
		if err := json.Unmarshal([]byte(spec.Stdin), &input); err != nil {
			t.Fatalf("decode batch stdin: %v", err)
		}
		if len(input.TestCases) != 3 {
			t.Fatalf("expected 3 test cases on stdin, got %d", len(input.TestCases))
		}
		return sandbox.RunResult{Stdout: batchOutput(t, []rawBatchResult{
			{Index: 0, Stdout: "3", RuntimeMS: 5},
			{Index: 1, Stdout: "999", RuntimeMS: 5},
			{Index: 2, ExitCode: sandbox.TimeoutExitCode, RuntimeMS: 2000},
		})}, nil
	}}
	eng := newTestEngine(t, runner, Limits{})

	var progressCalls int
	res, err := eng.Execute(context.Background(), Request{
		Code:            "print(sum(map(int, input().split())))",
		LanguageSlug:    "python3",
		Inputs:          []string{"1 2", "3 4", "5 6"},
		ExpectedOutputs: []string{"3", "7", "11"},
	}, func(result TestResult, passedSoFar, totalSoFar int) {
		progressCalls++
		if totalSoFar != 3 {
			t.Fatalf("total must stay 3, got %d", totalSoFar)
		}
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// TLE outranks the wrong answer in the aggregate.
	if res.Status != StatusTimeLimitExceeded {
		t.Fatalf("expected time_limit_exceeded, got %s", res.Status)
	}
	if res.PassedCount != 1 || res.TotalCount != 3 {
		t.Fatalf("unexpected counters: %d/%d", res.PassedCount, res.TotalCount)
	}
	if progressCalls != 3 {
		t.Fatalf("expected 3 progress calls, got %d", progressCalls)
	}
	if res.TestResults[1].Status != StatusWrongAnswer {
		t.Fatalf("second test must be wrong_answer, got %s", res.TestResults[1].Status)
	}
	if len(runner.specs) != 1 {
		t.Fatalf("batch strategy must use one container, got %d", len(runner.specs))
	}
}

func TestExecuteBatchContainerTimeout(t *testing.T) {
	runner := &fakeRunner{script: func(int, sandbox.RunSpec) (sandbox.RunResult, error) {
		return sandbox.RunResult{TimedOut: true, ExitCode: sandbox.TimeoutExitCode}, nil
	}}
	eng := newTestEngine(t, runner, Limits{})

	res, err := eng.Execute(context.Background(), Request{
		Code:            "while True: pass",
		LanguageSlug:    "python3",
		Inputs:          []string{"a", "b"},
		ExpectedOutputs: []string{"a", "b"},
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusTimeLimitExceeded || res.PassedCount != 0 {
		t.Fatalf("whole-container timeout must fail every test: %+v", res)
	}
	for _, tr := range res.TestResults {
		if tr.Status != StatusTimeLimitExceeded {
			t.Fatalf("expected uniform TLE, got %s", tr.Status)
		}
	}
}

func TestExecuteBatchGarbageOutput(t *testing.T) {
	runner := &fakeRunner{script: func(int, sandbox.RunSpec) (sandbox.RunResult, error) {
		return sandbox.RunResult{Stdout: "Traceback (most recent call last): ..."}, nil
	}}
	eng := newTestEngine(t, runner, Limits{})

	res, err := eng.Execute(context.Background(), Request{
		Code:            "x",
		LanguageSlug:    "python3",
		Inputs:          []string{"a"},
		ExpectedOutputs: []string{"a"},
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusInternalError {
		t.Fatalf("unparseable batch output must be internal_error, got %s", res.Status)
	}
}

func TestExecuteUnknownLanguage(t *testing.T) {
	runner := &fakeRunner{script: func(int, sandbox.RunSpec) (sandbox.RunResult, error) {
		t.Fatalf("unknown language must never reach the sandbox")
		return sandbox.RunResult{}, nil
	}}
	eng := newTestEngine(t, runner, Limits{})

	res, err := eng.Execute(context.Background(), Request{
		Code:         "x",
		LanguageSlug: "cobol",
		Inputs:       []string{"a"},
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusInternalError || res.TotalCount != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(res.CompilationOutput, "unsupported language") {
		t.Fatalf("expected the reason in output, got %q", res.CompilationOutput)
	}
}

func TestExecuteCompilationFailure(t *testing.T) {
	runner := &fakeRunner{script: func(call int, spec sandbox.RunSpec) (sandbox.RunResult, error) {
		if call != 0 {
			t.Fatalf("no tests run after a failed compile")
		}
		if spec.ReadOnly {
			t.Fatalf("compile step needs a writable mount")
		}
		return sandbox.RunResult{ExitCode: 1, Stderr: strings.Repeat("e", 3000)}, nil
	}}
	eng := newTestEngine(t, runner, Limits{})

	res, err := eng.Execute(context.Background(), Request{
		Code:            "class Solution {}",
		LanguageSlug:    "java",
		Inputs:          []string{"a"},
		ExpectedOutputs: []string{"a"},
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusCompilationError {
		t.Fatalf("expected compilation_error, got %s", res.Status)
	}
	if len(res.CompilationOutput) != compileOutputLimit {
		t.Fatalf("compiler output must be capped at %d, got %d", compileOutputLimit, len(res.CompilationOutput))
	}
	if len(res.TestResults) != 0 || res.TotalCount != 1 {
		t.Fatalf("unexpected results after failed compile: %+v", res)
	}
}

func TestExecuteCompileSandboxFailure(t *testing.T) {
	runner := &fakeRunner{script: func(int, sandbox.RunSpec) (sandbox.RunResult, error) {
		return sandbox.RunResult{}, errors.New("docker daemon unreachable")
	}}
	eng := newTestEngine(t, runner, Limits{})

	// A sandbox that cannot run is not the user's build breaking: the
	// error must propagate instead of minting a compilation_error verdict
	// with infrastructure noise as compiler output.
	_, err := eng.Execute(context.Background(), Request{
		Code:            "class Solution {}",
		LanguageSlug:    "java",
		Inputs:          []string{"a"},
		ExpectedOutputs: []string{"a"},
	}, nil)
	if err == nil {
		t.Fatal("expected an error from a failed compile sandbox run")
	}
	if !strings.Contains(err.Error(), "docker daemon unreachable") {
		t.Fatalf("error must carry the sandbox failure, got %v", err)
	}
	if len(runner.specs) != 1 {
		t.Fatalf("no tests may run after a failed compile sandbox, got %d runs", len(runner.specs))
	}
}

func TestExecuteIndividualBudgetExhaustion(t *testing.T) {
	limits := DefaultLimits()
	limits.TimeoutPerTest = 10 * time.Millisecond
	limits.MaxTotalTimeout = 50 * time.Millisecond

	runner := &fakeRunner{script: func(call int, spec sandbox.RunSpec) (sandbox.RunResult, error) {
		switch {
		case strings.HasPrefix(spec.Command, "gcc"):
			return sandbox.RunResult{}, nil
		default:
			// The only launched test burns the whole budget.
			return sandbox.RunResult{Stdout: "a", ElapsedMS: 100}, nil
		}
	}}
	eng := newTestEngine(t, runner, limits)

	res, err := eng.Execute(context.Background(), Request{
		Code:            "int main(){}",
		LanguageSlug:    "c",
		Inputs:          []string{"a", "b", "c"},
		ExpectedOutputs: []string{"a", "b", "c"},
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// compile + exactly one test container.
	if len(runner.specs) != 2 {
		t.Fatalf("expected 2 sandbox runs, got %d", len(runner.specs))
	}
	if res.TestResults[0].Status != StatusSuccess {
		t.Fatalf("first test should pass, got %s", res.TestResults[0].Status)
	}
	for _, tr := range res.TestResults[1:] {
		if tr.Status != StatusTimeLimitExceeded || tr.ExitCode != sandbox.TimeoutExitCode {
			t.Fatalf("unlaunched tests must report TLE, got %+v", tr)
		}
	}
	if res.Status != StatusTimeLimitExceeded {
		t.Fatalf("aggregate must be TLE, got %s", res.Status)
	}
}

func TestExecuteIndividualRuntimeError(t *testing.T) {
	runner := &fakeRunner{script: func(call int, spec sandbox.RunSpec) (sandbox.RunResult, error) {
		if strings.HasPrefix(spec.Command, "gcc") {
			return sandbox.RunResult{}, nil
		}
		if spec.Stdin == "boom" {
			return sandbox.RunResult{ExitCode: 139, Stderr: "segmentation fault"}, nil
		}
		return sandbox.RunResult{Stdout: spec.Stdin}, nil
	}}
	eng := newTestEngine(t, runner, Limits{})

	res, err := eng.Execute(context.Background(), Request{
		Code:            "int main(){}",
		LanguageSlug:    "c",
		Inputs:          []string{"ok", "boom"},
		ExpectedOutputs: []string{"ok", "fine"},
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusRuntimeError {
		t.Fatalf("runtime error outranks wrong answer, got %s", res.Status)
	}
	if res.TestResults[1].Stderr != "segmentation fault" {
		t.Fatalf("stderr must be preserved: %+v", res.TestResults[1])
	}
}

func TestExecuteAppendsDriverStub(t *testing.T) {
	var sawStdin string
	runner := &fakeRunner{script: func(_ int, spec sandbox.RunSpec) (sandbox.RunResult, error) {
		sawStdin = spec.Stdin
		return sandbox.RunResult{Stdout: batchOutput(t, []rawBatchResult{{Index: 0, Stdout: "[0,1]"}})}, nil
	}}
	eng := newTestEngine(t, runner, Limits{})

	res, err := eng.Execute(context.Background(), Request{
		Code:            "class Solution:\n    def twoSum(self, nums, target):\n        return [0,1]",
		LanguageSlug:    "python3",
		Inputs:          []string{"[2,7,11,15]\n9"},
		ExpectedOutputs: []string{"[0, 1]"},
		FunctionName:    "twoSum",
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", res.Status)
	}
	if sawStdin == "" {
		t.Fatalf("batch stdin must carry the test payload")
	}
}
