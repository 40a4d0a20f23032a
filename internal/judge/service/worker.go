// Package service drives queued submissions through the execution
// engine: the worker pops ids from the job queue, judges each one to a
// terminal verdict, and publishes progress along the way.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openkoi/koi/internal/judge/engine"
	"github.com/openkoi/koi/internal/judge/model"
	"github.com/openkoi/koi/internal/judge/repository"
	problemrepo "github.com/openkoi/koi/internal/problem/repository"
	subrepo "github.com/openkoi/koi/internal/submission/repository"
	"github.com/openkoi/koi/pkg/utils/logger"
)

const (
	// popBackoff spaces retries when the queue itself is failing, so a
	// dead Redis does not spin the loop.
	popBackoff = time.Second

	// visibleFieldCap bounds the input/output excerpts stored for
	// visible test cases.
	visibleFieldCap = 500

	// compileOutputCap bounds the compiler output stored in results.
	compileOutputCap = 2000
)

// Config wires the worker's dependencies.
type Config struct {
	// ID identifies this worker in logs.
	ID string

	Queue         repository.JobQueue
	StatusChannel repository.StatusChannel
	Submissions   subrepo.SubmissionRepository
	Problems      problemrepo.ProblemRepository
	Languages     problemrepo.LanguageRepository
	TestCases     problemrepo.TestCaseRepository
	Engine        *engine.Engine

	// Events is optional; when set, terminal verdicts are also emitted
	// onto the event stream.
	Events repository.EventPublisher

	// JobTimeout bounds one submission end to end. Zero means no bound
	// beyond the engine's own limits.
	JobTimeout time.Duration
}

// Worker consumes submission ids from the job queue and judges them.
// Each worker runs one submission at a time; run several workers for
// parallelism.
type Worker struct {
	id            string
	queue         repository.JobQueue
	statusChannel repository.StatusChannel
	submissions   subrepo.SubmissionRepository
	problems      problemrepo.ProblemRepository
	languages     problemrepo.LanguageRepository
	testCases     problemrepo.TestCaseRepository
	engine        *engine.Engine
	events        repository.EventPublisher
	jobTimeout    time.Duration
}

func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if cfg.StatusChannel == nil {
		return nil, fmt.Errorf("status channel is required")
	}
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Problems == nil {
		return nil, fmt.Errorf("problem repository is required")
	}
	if cfg.Languages == nil {
		return nil, fmt.Errorf("language repository is required")
	}
	if cfg.TestCases == nil {
		return nil, fmt.Errorf("test case repository is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("execution engine is required")
	}
	id := cfg.ID
	if id == "" {
		id = "worker"
	}
	return &Worker{
		id:            id,
		queue:         cfg.Queue,
		statusChannel: cfg.StatusChannel,
		submissions:   cfg.Submissions,
		problems:      cfg.Problems,
		languages:     cfg.Languages,
		testCases:     cfg.TestCases,
		engine:        cfg.Engine,
		events:        cfg.Events,
		jobTimeout:    cfg.JobTimeout,
	}, nil
}

// Run consumes jobs until ctx is canceled. The bounded queue pop keeps
// shutdown latency within the pop timeout; a job already popped is
// judged to completion before the loop exits, so cancellation never
// strands a claimed submission.
func (w *Worker) Run(ctx context.Context) error {
	logger.Info(ctx, "judge worker started", zap.String("worker_id", w.id))
	for {
		if ctx.Err() != nil {
			logger.Info(ctx, "judge worker stopped", zap.String("worker_id", w.id))
			return nil
		}

		submissionID, ok, err := w.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info(ctx, "judge worker stopped", zap.String("worker_id", w.id))
				return nil
			}
			logger.Warn(ctx, "queue pop failed",
				zap.String("worker_id", w.id), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(popBackoff):
			}
			continue
		}
		if !ok {
			continue
		}

		// The job survives shutdown: judge on a context detached from
		// the loop's cancellation.
		w.Judge(context.WithoutCancel(ctx), submissionID)
	}
}

// Judge takes one submission from pending to a terminal state. Safe to
// call with ids that were already judged or never existed; duplicate
// queue deliveries fall through the guards without rework.
func (w *Worker) Judge(ctx context.Context, submissionID int64) {
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	sub, err := w.submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, subrepo.ErrSubmissionNotFound) {
			logger.Warn(ctx, "queued submission does not exist",
				zap.String("worker_id", w.id), zap.Int64("submission_id", submissionID))
			return
		}
		logger.Warn(ctx, "load submission failed",
			zap.String("worker_id", w.id), zap.Int64("submission_id", submissionID), zap.Error(err))
		return
	}
	if sub.Status != subrepo.StatusPending {
		logger.Info(ctx, "skipping submission not in pending state",
			zap.String("worker_id", w.id), zap.Int64("submission_id", submissionID),
			zap.String("status", string(sub.Status)))
		return
	}

	claimed, err := w.submissions.ClaimPending(ctx, submissionID)
	if err != nil {
		logger.Warn(ctx, "claim submission failed",
			zap.String("worker_id", w.id), zap.Int64("submission_id", submissionID), zap.Error(err))
		return
	}
	if !claimed {
		logger.Info(ctx, "submission claimed by another worker",
			zap.String("worker_id", w.id), zap.Int64("submission_id", submissionID))
		return
	}

	w.publish(ctx, submissionID, model.StatusUpdate{
		SubmissionID: submissionID,
		Status:       string(subrepo.StatusRunning),
	})

	logger.Info(ctx, "judging submission",
		zap.String("worker_id", w.id), zap.Int64("submission_id", submissionID),
		zap.Int64("problem_id", sub.ProblemID), zap.Int64("language_id", sub.LanguageID))
	start := time.Now()

	status, passedCount, totalCount, err := w.judge(ctx, sub)
	if err != nil {
		w.failSubmission(ctx, sub, err)
		return
	}

	logger.Info(ctx, "submission judged",
		zap.String("worker_id", w.id), zap.Int64("submission_id", submissionID),
		zap.String("status", string(status)),
		zap.Int("passed_count", passedCount), zap.Int("total_count", totalCount),
		zap.Duration("elapsed", time.Since(start)))
}

// judge runs the submission through the engine and persists the
// verdict. Any returned error means the row is still running and must
// go through the failure path.
func (w *Worker) judge(ctx context.Context, sub *subrepo.Submission) (subrepo.Status, int, int, error) {
	tests, err := w.testCases.GetTestCases(ctx, sub.ProblemID, false)
	if err != nil {
		return "", 0, 0, fmt.Errorf("load test cases: %w", err)
	}

	// A problem without tests has nothing to fail.
	if len(tests) == 0 {
		if err := w.finish(ctx, sub, subrepo.StatusAccepted, true, 0, 0, json.RawMessage("[]")); err != nil {
			return "", 0, 0, err
		}
		return subrepo.StatusAccepted, 0, 0, nil
	}

	problem, err := w.problems.GetByID(ctx, sub.ProblemID)
	if err != nil {
		return "", 0, 0, fmt.Errorf("load problem: %w", err)
	}
	language, err := w.languages.GetByID(ctx, sub.LanguageID)
	if err != nil {
		return "", 0, 0, fmt.Errorf("load language: %w", err)
	}

	inputs := make([]string, len(tests))
	expected := make([]string, len(tests))
	for i, tc := range tests {
		inputs[i] = tc.Input
		expected[i] = tc.ExpectedOutput
	}
	functionName := ""
	if problem.FunctionName != nil {
		functionName = *problem.FunctionName
	}

	progress := func(result engine.TestResult, passedSoFar, totalSoFar int) {
		w.publish(ctx, sub.ID, model.NewTestProgress(
			sub.ID, result.Index, string(result.Status), passedSoFar, totalSoFar))
	}

	execRes, err := w.engine.Execute(ctx, engine.Request{
		Code:            sub.Code,
		LanguageSlug:    language.Slug,
		Inputs:          inputs,
		ExpectedOutputs: expected,
		FunctionName:    functionName,
	}, progress)
	if err != nil {
		return "", 0, 0, fmt.Errorf("execute submission: %w", err)
	}

	status := submissionStatus(execRes.Status)
	results, err := buildResults(tests, execRes)
	if err != nil {
		return "", 0, 0, err
	}
	passed := execRes.Status == engine.StatusSuccess

	if err := w.finish(ctx, sub, status, passed, execRes.PassedCount, execRes.TotalCount, results); err != nil {
		return "", 0, 0, err
	}
	return status, execRes.PassedCount, execRes.TotalCount, nil
}

// finish persists the terminal verdict, publishes it, and emits the
// terminal event. Publish and event failures are logged, not fatal: the
// row is already terminal and that is the source of truth.
func (w *Worker) finish(ctx context.Context, sub *subrepo.Submission, status subrepo.Status, passed bool, passedCount, totalCount int, results json.RawMessage) error {
	if err := w.submissions.UpdateTerminal(ctx, sub.ID, status, passed, passedCount, totalCount, results); err != nil {
		return fmt.Errorf("persist verdict: %w", err)
	}

	w.publish(ctx, sub.ID, model.TerminalUpdate{
		SubmissionID: sub.ID,
		Status:       string(status),
		Passed:       passed,
		PassedCount:  passedCount,
		TotalCount:   totalCount,
	})

	if w.events != nil {
		event := model.TerminalEvent{
			SubmissionID: sub.ID,
			UserID:       sub.UserID,
			ProblemID:    sub.ProblemID,
			Status:       string(status),
			Passed:       passed,
			PassedCount:  passedCount,
			TotalCount:   totalCount,
			FinishedAt:   time.Now().UTC(),
		}
		if err := w.events.PublishTerminal(ctx, event); err != nil {
			logger.Warn(ctx, "publish terminal event failed",
				zap.Int64("submission_id", sub.ID), zap.Error(err))
		}
	}
	return nil
}

// failSubmission is the catch-all: whatever went wrong, the row must
// not stay running. The verdict becomes runtime_error with the failure
// message as the sole results entry.
func (w *Worker) failSubmission(ctx context.Context, sub *subrepo.Submission, cause error) {
	logger.Error(ctx, "judging failed",
		zap.String("worker_id", w.id), zap.Int64("submission_id", sub.ID), zap.Error(cause))

	results, err := json.Marshal([]map[string]string{{"error": cause.Error()}})
	if err != nil {
		results = json.RawMessage(`[{"error":"judging failed"}]`)
	}
	if err := w.finish(ctx, sub, subrepo.StatusRuntimeError, false, 0, sub.TotalCount, results); err != nil {
		// Leave the row running; the stale-run sweep re-queues it.
		logger.Error(ctx, "persist failure verdict failed",
			zap.String("worker_id", w.id), zap.Int64("submission_id", sub.ID), zap.Error(err))
	}
}

// publish pushes a payload onto the status channel. Viewers are an
// observability surface; losing an update never fails judging.
func (w *Worker) publish(ctx context.Context, submissionID int64, payload interface{}) {
	if err := w.statusChannel.Publish(ctx, submissionID, payload); err != nil {
		logger.Warn(ctx, "publish status failed",
			zap.Int64("submission_id", submissionID), zap.Error(err))
	}
}

// submissionStatus maps an engine verdict onto the submission state
// machine. Internal failures surface to users as runtime errors.
func submissionStatus(status engine.Status) subrepo.Status {
	switch status {
	case engine.StatusSuccess:
		return subrepo.StatusAccepted
	case engine.StatusWrongAnswer:
		return subrepo.StatusWrongAnswer
	case engine.StatusTimeLimitExceeded:
		return subrepo.StatusTimeLimitExceeded
	case engine.StatusMemoryLimitExceeded:
		return subrepo.StatusMemoryLimitExceeded
	case engine.StatusRuntimeError:
		return subrepo.StatusRuntimeError
	case engine.StatusCompilationError:
		return subrepo.StatusCompilationError
	default:
		return subrepo.StatusRuntimeError
	}
}

// testDetail is one per-test record in the stored results document.
// The excerpt fields are pointers so hidden cases omit them entirely
// while visible cases keep them even when empty.
type testDetail struct {
	TestCaseID     int64   `json:"test_case_id"`
	Order          int     `json:"order"`
	IsHidden       bool    `json:"is_hidden"`
	Status         string  `json:"status"`
	RuntimeMS      float64 `json:"runtime_ms"`
	MemoryKB       int64   `json:"memory_kb"`
	ExitCode       int     `json:"exit_code"`
	Input          *string `json:"input,omitempty"`
	ExpectedOutput *string `json:"expected_output,omitempty"`
	ActualOutput   *string `json:"actual_output,omitempty"`
	Stderr         string  `json:"stderr,omitempty"`
}

type compileErrorDetail struct {
	CompilationError string `json:"compilation_error"`
}

// buildResults renders the per-test verdicts into the stored results
// document. Hidden cases expose only classification and resource usage;
// visible cases add capped input/output excerpts, and stderr when the
// run produced any. Compiler output, when present, is prepended as its
// own record.
func buildResults(tests []problemrepo.TestCase, execRes engine.Result) (json.RawMessage, error) {
	records := make([]interface{}, 0, len(execRes.TestResults)+1)

	if execRes.CompilationOutput != "" {
		records = append(records, compileErrorDetail{
			CompilationError: truncate(execRes.CompilationOutput, compileOutputCap),
		})
	}

	for i, tr := range execRes.TestResults {
		if i >= len(tests) {
			break
		}
		tc := tests[i]
		detail := testDetail{
			TestCaseID: tc.ID,
			Order:      tc.Order,
			IsHidden:   tc.IsHidden,
			Status:     string(tr.Status),
			RuntimeMS:  tr.RuntimeMS,
			MemoryKB:   tr.MemoryKB,
			ExitCode:   tr.ExitCode,
		}
		if !tc.IsHidden {
			detail.Input = capped(tc.Input)
			detail.ExpectedOutput = capped(tc.ExpectedOutput)
			detail.ActualOutput = capped(tr.Stdout)
			if tr.Stderr != "" {
				detail.Stderr = truncate(tr.Stderr, visibleFieldCap)
			}
		}
		records = append(records, detail)
	}

	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}
	return data, nil
}

func capped(s string) *string {
	v := truncate(s, visibleFieldCap)
	return &v
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
