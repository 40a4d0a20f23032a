package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openkoi/koi/internal/common/db"
	problemrepo "github.com/openkoi/koi/internal/problem/repository"
	"github.com/openkoi/koi/internal/submission/repository"
	pkgerrors "github.com/openkoi/koi/pkg/errors"
)

type stubSubmissions struct {
	created   []*repository.Submission
	createErr error
	byID      map[int64]*repository.Submission
}

func (s *stubSubmissions) Create(_ context.Context, sub *repository.Submission) error {
	if s.createErr != nil {
		return s.createErr
	}
	sub.ID = int64(len(s.created) + 1)
	s.created = append(s.created, sub)
	return nil
}

func (s *stubSubmissions) GetByID(_ context.Context, id int64) (*repository.Submission, error) {
	if sub, ok := s.byID[id]; ok {
		return sub, nil
	}
	return nil, repository.ErrSubmissionNotFound
}

func (s *stubSubmissions) GetForUser(_ context.Context, id, userID int64) (*repository.Submission, error) {
	sub, ok := s.byID[id]
	if !ok || sub.UserID != userID {
		return nil, repository.ErrSubmissionNotFound
	}
	return sub, nil
}

func (s *stubSubmissions) ListByUser(_ context.Context, _ int64, limit, _ int) ([]repository.Submission, error) {
	// Echo the effective limit back through the result size so tests can
	// observe clamping.
	return make([]repository.Submission, limit), nil
}

func (s *stubSubmissions) ClaimPending(context.Context, int64) (bool, error) { return false, nil }

func (s *stubSubmissions) UpdateTerminal(context.Context, int64, repository.Status, bool, int, int, json.RawMessage) error {
	return nil
}

func (s *stubSubmissions) ListStale(context.Context, repository.Status, time.Time, int) ([]int64, error) {
	return nil, nil
}

func (s *stubSubmissions) ResetToPending(context.Context, int64) (bool, error) { return false, nil }

type stubProblems struct{ known map[int64]bool }

func (s *stubProblems) GetByID(_ context.Context, id int64) (*problemrepo.Problem, error) {
	if !s.known[id] {
		return nil, problemrepo.ErrProblemNotFound
	}
	return &problemrepo.Problem{ID: id}, nil
}

func (s *stubProblems) Invalidate(context.Context, int64) error { return nil }

type stubLanguages struct{ byID map[int64]*problemrepo.Language }

func (s *stubLanguages) GetByID(_ context.Context, id int64) (*problemrepo.Language, error) {
	if l, ok := s.byID[id]; ok {
		return l, nil
	}
	return nil, problemrepo.ErrLanguageNotFound
}

func (s *stubLanguages) GetBySlug(context.Context, string) (*problemrepo.Language, error) {
	return nil, problemrepo.ErrLanguageNotFound
}

func (s *stubLanguages) List(context.Context, bool) ([]problemrepo.Language, error) { return nil, nil }

type stubTestCases struct{ count int }

func (s *stubTestCases) GetTestCases(context.Context, int64, bool) ([]problemrepo.TestCase, error) {
	return make([]problemrepo.TestCase, s.count), nil
}

func (s *stubTestCases) Invalidate(context.Context, int64) error { return nil }

func (s *stubTestCases) ReplaceAll(context.Context, db.Transaction, int64, []problemrepo.TestCase) error {
	return nil
}

type stubQueue struct {
	pushed  []int64
	pushErr error
}

func (q *stubQueue) Push(_ context.Context, id int64) error {
	if q.pushErr != nil {
		return q.pushErr
	}
	q.pushed = append(q.pushed, id)
	return nil
}

func (q *stubQueue) Pop(context.Context) (int64, bool, error) { return 0, false, nil }
func (q *stubQueue) Len(context.Context) (int64, error)       { return 0, nil }

type serviceFixture struct {
	svc         *SubmissionService
	submissions *stubSubmissions
	queue       *stubQueue
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	submissions := &stubSubmissions{byID: map[int64]*repository.Submission{}}
	queue := &stubQueue{}
	svc, err := NewSubmissionService(Config{
		Submissions: submissions,
		Problems:    &stubProblems{known: map[int64]bool{100: true}},
		Languages: &stubLanguages{byID: map[int64]*problemrepo.Language{
			1: {ID: 1, Slug: "python3", IsActive: true},
			2: {ID: 2, Slug: "rust", IsActive: false},
		}},
		TestCases: &stubTestCases{count: 4},
		Queue:     queue,
	})
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	return &serviceFixture{svc: svc, submissions: submissions, queue: queue}
}

func TestCreateInsertsPendingAndEnqueues(t *testing.T) {
	f := newServiceFixture(t)

	sub, err := f.svc.Create(context.Background(), 10, CreateRequest{
		ProblemID:  100,
		LanguageID: 1,
		Code:       "print(1)",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.ID == 0 || sub.Status != repository.StatusPending {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	if sub.TotalCount != 4 {
		t.Fatalf("total count must reflect the test list, got %d", sub.TotalCount)
	}
	if len(f.queue.pushed) != 1 || f.queue.pushed[0] != sub.ID {
		t.Fatalf("submission must be enqueued, got %v", f.queue.pushed)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		userID int64
		req    CreateRequest
		code   pkgerrors.ErrorCode
	}{
		{"missing user", 0, CreateRequest{ProblemID: 100, LanguageID: 1, Code: "x"}, pkgerrors.InvalidParams},
		{"blank code", 10, CreateRequest{ProblemID: 100, LanguageID: 1, Code: "   \n"}, pkgerrors.ValidationFailed},
		{"oversized code", 10, CreateRequest{ProblemID: 100, LanguageID: 1, Code: strings.Repeat("a", 64*1024+1)}, pkgerrors.CodeTooLarge},
		{"unknown problem", 10, CreateRequest{ProblemID: 999, LanguageID: 1, Code: "x"}, pkgerrors.ProblemNotFound},
		{"unknown language", 10, CreateRequest{ProblemID: 100, LanguageID: 999, Code: "x"}, pkgerrors.LanguageNotFound},
		{"inactive language", 10, CreateRequest{ProblemID: 100, LanguageID: 2, Code: "x"}, pkgerrors.LanguageNotSupported},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.userID, tc.req)
			if !pkgerrors.Is(err, tc.code) {
				t.Fatalf("expected code %d, got %v", tc.code, err)
			}
		})
	}
	if len(f.submissions.created) != 0 {
		t.Fatalf("invalid requests must not insert rows")
	}
}

func TestCreateSurvivesEnqueueFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.queue.pushErr = errors.New("redis down")

	sub, err := f.svc.Create(context.Background(), 10, CreateRequest{
		ProblemID:  100,
		LanguageID: 1,
		Code:       "print(1)",
	})
	if err != nil {
		t.Fatalf("create must succeed despite the enqueue failure, got %v", err)
	}
	if sub.Status != repository.StatusPending {
		t.Fatalf("row must stay pending for the sweep, got %s", sub.Status)
	}
}

func TestGetScopedToOwner(t *testing.T) {
	f := newServiceFixture(t)
	f.submissions.byID[5] = &repository.Submission{ID: 5, UserID: 10}

	if _, err := f.svc.Get(context.Background(), 5, 10); err != nil {
		t.Fatalf("owner read: %v", err)
	}
	_, err := f.svc.Get(context.Background(), 5, 11)
	if !pkgerrors.Is(err, pkgerrors.SubmissionNotFound) {
		t.Fatalf("foreign submission must read as not found, got %v", err)
	}
}

func TestListClampsLimit(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	subs, err := f.svc.List(ctx, 10, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 20 {
		t.Fatalf("zero limit must default to 20, got %d", len(subs))
	}

	subs, err = f.svc.List(ctx, 10, 1000, -5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 100 {
		t.Fatalf("limit must cap at 100, got %d", len(subs))
	}
}
