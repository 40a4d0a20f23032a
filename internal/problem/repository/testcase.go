package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/openkoi/koi/internal/common/cache"
	"github.com/openkoi/koi/internal/common/db"
)

const (
	testCasesKeyPrefix       = "cache:testcases:"
	defaultTestCasesTTL      = 1 * time.Hour
	defaultTestCasesEmptyTTL = 5 * time.Minute
)

// TestCaseRepository serves the ordered test-case list of a problem. Reads
// go through a Redis-backed cache; the relational store stays authoritative.
type TestCaseRepository interface {
	GetTestCases(ctx context.Context, problemID int64, forceRefresh bool) ([]TestCase, error)
	Invalidate(ctx context.Context, problemID int64) error
	ReplaceAll(ctx context.Context, tx db.Transaction, problemID int64, cases []TestCase) error
}

type MySQLTestCaseRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

func NewTestCaseRepository(database db.Database, cacheClient cache.Cache) TestCaseRepository {
	return NewTestCaseRepositoryWithTTL(database, cacheClient, defaultTestCasesTTL, defaultTestCasesEmptyTTL)
}

func NewTestCaseRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) TestCaseRepository {
	if ttl <= 0 {
		ttl = defaultTestCasesTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultTestCasesEmptyTTL
	}
	return &MySQLTestCaseRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

func (r *MySQLTestCaseRepository) GetTestCases(ctx context.Context, problemID int64, forceRefresh bool) ([]TestCase, error) {
	if r.cache == nil {
		return r.listFromDB(ctx, problemID)
	}
	if forceRefresh {
		cases, err := r.listFromDB(ctx, problemID)
		if err != nil {
			return nil, err
		}
		r.setCache(ctx, problemID, cases)
		return cases, nil
	}
	return cache.GetWithCached[[]TestCase](
		ctx,
		r.cache,
		testCasesKey(problemID),
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(cases []TestCase) bool { return len(cases) == 0 },
		marshalTestCases,
		unmarshalTestCases,
		func(ctx context.Context) ([]TestCase, error) {
			return r.listFromDB(ctx, problemID)
		},
	)
}

func (r *MySQLTestCaseRepository) Invalidate(ctx context.Context, problemID int64) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Del(ctx, testCasesKey(problemID))
}

// ReplaceAll swaps every test case of a problem inside the given
// transaction. Callers invalidate the cache after commit.
func (r *MySQLTestCaseRepository) ReplaceAll(ctx context.Context, tx db.Transaction, problemID int64, cases []TestCase) error {
	if problemID <= 0 {
		return errors.New("problem id is required")
	}
	querier := db.GetQuerier(r.db, tx)
	if _, err := querier.Exec(ctx, "DELETE FROM test_cases WHERE problem_id = ?", problemID); err != nil {
		return err
	}
	query := `
		INSERT INTO test_cases (problem_id, input, expected_output, order_index, is_hidden)
		VALUES (?, ?, ?, ?, ?)`
	for i := range cases {
		cases[i].ProblemID = problemID
		result, err := querier.Exec(ctx, query,
			problemID, cases[i].Input, cases[i].ExpectedOutput, cases[i].Order, cases[i].IsHidden)
		if err != nil {
			return err
		}
		id, err := result.LastInsertId()
		if err != nil {
			return err
		}
		cases[i].ID = id
	}
	return nil
}

func (r *MySQLTestCaseRepository) listFromDB(ctx context.Context, problemID int64) ([]TestCase, error) {
	query := `
		SELECT id, problem_id, input, expected_output, order_index, is_hidden
		FROM test_cases
		WHERE problem_id = ?
		ORDER BY order_index ASC`

	rows, err := r.db.Query(ctx, query, problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []TestCase
	for rows.Next() {
		var tc TestCase
		if err := rows.Scan(&tc.ID, &tc.ProblemID, &tc.Input, &tc.ExpectedOutput, &tc.Order, &tc.IsHidden); err != nil {
			return nil, err
		}
		cases = append(cases, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cases, nil
}

func (r *MySQLTestCaseRepository) setCache(ctx context.Context, problemID int64, cases []TestCase) {
	if r.cache == nil {
		return
	}
	if len(cases) == 0 {
		_ = r.cache.Set(ctx, testCasesKey(problemID), cache.NullCacheValue, cache.JitterTTL(r.emptyTTL))
		return
	}
	_ = r.cache.Set(ctx, testCasesKey(problemID), marshalTestCases(cases), cache.JitterTTL(r.ttl))
}

func testCasesKey(problemID int64) string {
	return testCasesKeyPrefix + fmtInt64(problemID)
}

func marshalTestCases(cases []TestCase) string {
	payload, err := json.Marshal(cases)
	if err != nil {
		return ""
	}
	return string(payload)
}

func unmarshalTestCases(data string) ([]TestCase, error) {
	if data == "" {
		return nil, nil
	}
	var cases []TestCase
	if err := json.Unmarshal([]byte(data), &cases); err != nil {
		return nil, err
	}
	return cases, nil
}
