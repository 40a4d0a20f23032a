package service

import (
	"context"
	"errors"
	"testing"
	"time"

	subrepo "github.com/openkoi/koi/internal/submission/repository"
)

func TestSweepResetsAndRequeuesStaleRunning(t *testing.T) {
	submissions := newFakeSubmissions()
	submissions.rows[1] = &subrepo.Submission{ID: 1, Status: subrepo.StatusRunning}
	submissions.rows[2] = &subrepo.Submission{ID: 2, Status: subrepo.StatusRunning}
	submissions.stale[subrepo.StatusRunning] = []int64{1, 2}
	queue := &fakeQueue{}

	NewSweeper(submissions, queue, 5*time.Minute, time.Minute).SweepOnce(context.Background())

	if len(submissions.resetCalls) != 2 {
		t.Fatalf("expected 2 reset attempts, got %d", len(submissions.resetCalls))
	}
	if len(queue.pushed) != 2 || queue.pushed[0] != 1 || queue.pushed[1] != 2 {
		t.Fatalf("expected both ids re-enqueued, got %v", queue.pushed)
	}
	if submissions.rows[1].Status != subrepo.StatusPending {
		t.Fatalf("reclaimed row must be pending again, got %s", submissions.rows[1].Status)
	}
}

func TestSweepSkipsRowsThatMovedOn(t *testing.T) {
	submissions := newFakeSubmissions()
	submissions.rows[1] = &subrepo.Submission{ID: 1, Status: subrepo.StatusAccepted}
	submissions.stale[subrepo.StatusRunning] = []int64{1}
	submissions.resetDenied[1] = true
	queue := &fakeQueue{}

	NewSweeper(submissions, queue, 0, 0).SweepOnce(context.Background())

	if len(queue.pushed) != 0 {
		t.Fatalf("a row that moved on must not be re-enqueued, got %v", queue.pushed)
	}
}

func TestSweepRequeuesStalePending(t *testing.T) {
	submissions := newFakeSubmissions()
	submissions.rows[7] = &subrepo.Submission{ID: 7, Status: subrepo.StatusPending}
	submissions.stale[subrepo.StatusPending] = []int64{7}
	queue := &fakeQueue{}

	NewSweeper(submissions, queue, 0, 0).SweepOnce(context.Background())

	if len(queue.pushed) != 1 || queue.pushed[0] != 7 {
		t.Fatalf("stale pending row must be re-enqueued, got %v", queue.pushed)
	}
	if len(submissions.resetCalls) != 0 {
		t.Fatalf("pending rows are never reset, got %v", submissions.resetCalls)
	}
}

func TestSweepSurvivesQueueFailure(t *testing.T) {
	submissions := newFakeSubmissions()
	submissions.rows[1] = &subrepo.Submission{ID: 1, Status: subrepo.StatusRunning}
	submissions.stale[subrepo.StatusRunning] = []int64{1}
	queue := &fakeQueue{pushErr: errors.New("redis down")}

	NewSweeper(submissions, queue, 0, 0).SweepOnce(context.Background())

	// The row stays pending and is retried on the next pass.
	if submissions.rows[1].Status != subrepo.StatusPending {
		t.Fatalf("row must stay pending after a failed push, got %s", submissions.rows[1].Status)
	}
}

func TestSweepSurvivesListFailure(t *testing.T) {
	submissions := newFakeSubmissions()
	submissions.listStaleErr = errors.New("db down")
	queue := &fakeQueue{}

	NewSweeper(submissions, queue, 0, 0).SweepOnce(context.Background())

	if len(queue.pushed) != 0 {
		t.Fatalf("nothing must be enqueued when listing fails")
	}
}
