package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/openkoi/koi/internal/common/db"
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")

	// ErrAlreadyTerminal is returned when a write would touch a row that
	// has reached a final verdict. Terminal rows never change.
	ErrAlreadyTerminal = errors.New("submission already terminal")
)

// SubmissionRepository persists submissions. Reads are uncached: the row
// mutates while the worker judges it, and every reader needs the
// authoritative state.
type SubmissionRepository interface {
	// Create inserts a new pending submission and fills in its id.
	Create(ctx context.Context, sub *Submission) error

	// GetByID loads one submission regardless of owner.
	GetByID(ctx context.Context, id int64) (*Submission, error)

	// GetForUser loads one submission scoped to its owner. A foreign
	// submission id reports ErrSubmissionNotFound, not a permission error.
	GetForUser(ctx context.Context, id, userID int64) (*Submission, error)

	// ListByUser returns the user's submissions, most recent first.
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]Submission, error)

	// ClaimPending flips one row from pending to running. Returns false
	// when the row was already claimed or is past running, which makes
	// duplicate queue deliveries harmless.
	ClaimPending(ctx context.Context, id int64) (bool, error)

	// UpdateTerminal writes the final verdict in one statement, guarded
	// so a terminal row is never overwritten.
	UpdateTerminal(ctx context.Context, id int64, status Status, passed bool, passedCount, totalCount int, results json.RawMessage) error

	// ListStale returns ids in the given status untouched since before,
	// oldest first. Feeds the recovery sweep.
	ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]int64, error)

	// ResetToPending returns a stuck running row to the queue-eligible
	// state. Returns false when the row moved on in the meantime.
	ResetToPending(ctx context.Context, id int64) (bool, error)
}

type MySQLSubmissionRepository struct {
	db db.Database
}

func NewSubmissionRepository(database db.Database) SubmissionRepository {
	return &MySQLSubmissionRepository{db: database}
}

func (r *MySQLSubmissionRepository) Create(ctx context.Context, sub *Submission) error {
	query := `INSERT INTO submissions (user_id, problem_id, language_id, code, status, passed, passed_count, total_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.Exec(ctx, query,
		sub.UserID, sub.ProblemID, sub.LanguageID, sub.Code,
		string(sub.Status), sub.Passed, sub.PassedCount, sub.TotalCount)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	sub.ID = id
	return nil
}

func (r *MySQLSubmissionRepository) GetByID(ctx context.Context, id int64) (*Submission, error) {
	query := "SELECT " + submissionColumns + " FROM submissions WHERE id = ?"
	return scanSubmission(r.db.QueryRow(ctx, query, id))
}

func (r *MySQLSubmissionRepository) GetForUser(ctx context.Context, id, userID int64) (*Submission, error) {
	query := "SELECT " + submissionColumns + " FROM submissions WHERE id = ? AND user_id = ?"
	return scanSubmission(r.db.QueryRow(ctx, query, id, userID))
}

func (r *MySQLSubmissionRepository) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]Submission, error) {
	query := "SELECT " + submissionColumns + ` FROM submissions
		WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Submission
	for rows.Next() {
		sub, err := scanSubmissionRow(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *MySQLSubmissionRepository) ClaimPending(ctx context.Context, id int64) (bool, error) {
	query := "UPDATE submissions SET status = ?, updated_at = NOW() WHERE id = ? AND status = ?"
	res, err := r.db.Exec(ctx, query, string(StatusRunning), id, string(StatusPending))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *MySQLSubmissionRepository) UpdateTerminal(ctx context.Context, id int64, status Status, passed bool, passedCount, totalCount int, results json.RawMessage) error {
	if !status.Terminal() {
		return errors.New("status " + string(status) + " is not terminal")
	}
	query := `UPDATE submissions
		SET status = ?, passed = ?, passed_count = ?, total_count = ?, results = ?, updated_at = NOW()
		WHERE id = ? AND status IN (?, ?)`
	res, err := r.db.Exec(ctx, query,
		string(status), passed, passedCount, totalCount, resultsValue(results),
		id, string(StatusPending), string(StatusRunning))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyTerminal
	}
	return nil
}

func (r *MySQLSubmissionRepository) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]int64, error) {
	query := `SELECT id FROM submissions
		WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC LIMIT ?`
	rows, err := r.db.Query(ctx, query, string(status), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *MySQLSubmissionRepository) ResetToPending(ctx context.Context, id int64) (bool, error) {
	query := "UPDATE submissions SET status = ?, updated_at = NOW() WHERE id = ? AND status = ?"
	res, err := r.db.Exec(ctx, query, string(StatusPending), id, string(StatusRunning))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

const submissionColumns = "id, user_id, problem_id, language_id, code, status, passed, passed_count, total_count, results, created_at, updated_at"

func scanSubmission(row db.Row) (*Submission, error) {
	return scanSubmissionRow(row)
}

func scanSubmissionRow(scanner db.Scanner) (*Submission, error) {
	var (
		sub     Submission
		status  string
		results sql.NullString
	)
	err := scanner.Scan(&sub.ID, &sub.UserID, &sub.ProblemID, &sub.LanguageID,
		&sub.Code, &status, &sub.Passed, &sub.PassedCount, &sub.TotalCount,
		&results, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	sub.Status = Status(status)
	if results.Valid {
		sub.Results = json.RawMessage(results.String)
	}
	return &sub, nil
}

// resultsValue maps an unset results list to SQL NULL so the column
// stays nullable instead of storing an empty string.
func resultsValue(results json.RawMessage) interface{} {
	if len(results) == 0 {
		return nil
	}
	return string(results)
}
