package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	judgerepo "github.com/openkoi/koi/internal/judge/repository"
	problemrepo "github.com/openkoi/koi/internal/problem/repository"
	"github.com/openkoi/koi/internal/submission/repository"
	pkgerrors "github.com/openkoi/koi/pkg/errors"
	"github.com/openkoi/koi/pkg/utils/logger"
)

const (
	// maxCodeBytes matches the TEXT column holding the source.
	maxCodeBytes = 64 * 1024

	defaultListLimit = 20
	maxListLimit     = 100
)

// Config wires the submission service's dependencies.
type Config struct {
	Submissions repository.SubmissionRepository
	Problems    problemrepo.ProblemRepository
	Languages   problemrepo.LanguageRepository
	TestCases   problemrepo.TestCaseRepository
	Queue       judgerepo.JobQueue
}

// SubmissionService creates submissions and hands them to the judge
// workers through the job queue.
type SubmissionService struct {
	submissions repository.SubmissionRepository
	problems    problemrepo.ProblemRepository
	languages   problemrepo.LanguageRepository
	testCases   problemrepo.TestCaseRepository
	queue       judgerepo.JobQueue
}

func NewSubmissionService(cfg Config) (*SubmissionService, error) {
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
	if cfg.Queue == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	return &SubmissionService{
		submissions: cfg.Submissions,
		problems:    cfg.Problems,
		languages:   cfg.Languages,
		testCases:   cfg.TestCases,
		queue:       cfg.Queue,
	}, nil
}

// CreateRequest carries one submission attempt.
type CreateRequest struct {
	ProblemID  int64
	LanguageID int64
	Code       string
}

// Create validates the request, inserts a pending row sized to the
// problem's current test count, and enqueues the id for judging.
//
// Insert and enqueue are deliberately not atomic: a failed enqueue
// leaves a pending row that the recovery sweep re-enqueues, so the
// caller still gets a usable submission back.
func (s *SubmissionService) Create(ctx context.Context, userID int64, req CreateRequest) (*repository.Submission, error) {
	if userID <= 0 || req.ProblemID <= 0 || req.LanguageID <= 0 {
		return nil, pkgerrors.New(pkgerrors.InvalidParams)
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, pkgerrors.ValidationError("code", "must not be empty")
	}
	if len(req.Code) > maxCodeBytes {
		return nil, pkgerrors.New(pkgerrors.CodeTooLarge)
	}

	if _, err := s.problems.GetByID(ctx, req.ProblemID); err != nil {
		if errors.Is(err, problemrepo.ErrProblemNotFound) {
			return nil, pkgerrors.New(pkgerrors.ProblemNotFound)
		}
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "load problem")
	}

	language, err := s.languages.GetByID(ctx, req.LanguageID)
	if err != nil {
		if errors.Is(err, problemrepo.ErrLanguageNotFound) {
			return nil, pkgerrors.New(pkgerrors.LanguageNotFound)
		}
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "load language")
	}
	if !language.IsActive {
		return nil, pkgerrors.New(pkgerrors.LanguageNotSupported)
	}

	tests, err := s.testCases.GetTestCases(ctx, req.ProblemID, false)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "load test cases")
	}

	sub := &repository.Submission{
		UserID:     userID,
		ProblemID:  req.ProblemID,
		LanguageID: req.LanguageID,
		Code:       req.Code,
		Status:     repository.StatusPending,
		TotalCount: len(tests),
	}
	if err := s.submissions.Create(ctx, sub); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "insert submission")
	}

	if err := s.queue.Push(ctx, sub.ID); err != nil {
		// The pending row stays judgeable: the recovery sweep re-enqueues
		// it, so the submission itself succeeded.
		logger.Warn(ctx, "enqueue failed, leaving submission for sweep",
			zap.Int64("submission_id", sub.ID), zap.Error(err))
	}
	return sub, nil
}

// Get returns one submission scoped to its owner.
func (s *SubmissionService) Get(ctx context.Context, id, userID int64) (*repository.Submission, error) {
	if id <= 0 || userID <= 0 {
		return nil, pkgerrors.New(pkgerrors.InvalidParams)
	}
	sub, err := s.submissions.GetForUser(ctx, id, userID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return nil, pkgerrors.New(pkgerrors.SubmissionNotFound)
		}
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "load submission")
	}
	return sub, nil
}

// List returns the user's submissions, most recent first.
func (s *SubmissionService) List(ctx context.Context, userID int64, limit, offset int) ([]repository.Submission, error) {
	if userID <= 0 {
		return nil, pkgerrors.New(pkgerrors.InvalidParams)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	subs, err := s.submissions.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "list submissions")
	}
	return subs, nil
}
