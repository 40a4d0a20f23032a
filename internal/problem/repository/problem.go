package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/openkoi/koi/internal/common/cache"
	"github.com/openkoi/koi/internal/common/db"
)

const (
	problemKeyPrefix       = "cache:problem:"
	defaultProblemTTL      = 5 * time.Minute
	defaultProblemEmptyTTL = 1 * time.Minute
)

var ErrProblemNotFound = errors.New("problem not found")

type ProblemRepository interface {
	GetByID(ctx context.Context, problemID int64) (*Problem, error)
	Invalidate(ctx context.Context, problemID int64) error
}

type MySQLProblemRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

func NewProblemRepository(database db.Database, cacheClient cache.Cache) ProblemRepository {
	return NewProblemRepositoryWithTTL(database, cacheClient, defaultProblemTTL, defaultProblemEmptyTTL)
}

func NewProblemRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) ProblemRepository {
	if ttl <= 0 {
		ttl = defaultProblemTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultProblemEmptyTTL
	}
	return &MySQLProblemRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

func (r *MySQLProblemRepository) GetByID(ctx context.Context, problemID int64) (*Problem, error) {
	if r.cache != nil {
		problem, err := cache.GetWithCached[*Problem](
			ctx,
			r.cache,
			problemKey(problemID),
			cache.JitterTTL(r.ttl),
			cache.JitterTTL(r.emptyTTL),
			func(p *Problem) bool { return p == nil },
			marshalProblem,
			unmarshalProblem,
			func(ctx context.Context) (*Problem, error) {
				p, err := r.getByIDFromDB(ctx, problemID)
				if err != nil {
					if errors.Is(err, ErrProblemNotFound) {
						return nil, nil
					}
					return nil, err
				}
				return p, nil
			},
		)
		if err != nil {
			return nil, err
		}
		if problem == nil {
			return nil, ErrProblemNotFound
		}
		return problem, nil
	}
	return r.getByIDFromDB(ctx, problemID)
}

func (r *MySQLProblemRepository) Invalidate(ctx context.Context, problemID int64) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Del(ctx, problemKey(problemID))
}

func (r *MySQLProblemRepository) getByIDFromDB(ctx context.Context, problemID int64) (*Problem, error) {
	query := `
		SELECT id, title, function_name, created_at, updated_at
		FROM problems
		WHERE id = ?`

	row := r.db.QueryRow(ctx, query, problemID)
	problem, err := scanProblem(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrProblemNotFound
		}
		return nil, err
	}
	return problem, nil
}

func problemKey(problemID int64) string {
	return problemKeyPrefix + fmtInt64(problemID)
}

func marshalProblem(problem *Problem) string {
	payload, err := json.Marshal(problem)
	if err != nil {
		return ""
	}
	return string(payload)
}

func unmarshalProblem(data string) (*Problem, error) {
	if data == "" {
		return nil, nil
	}
	var problem Problem
	if err := json.Unmarshal([]byte(data), &problem); err != nil {
		return nil, err
	}
	return &problem, nil
}

func scanProblem(scanner db.Scanner) (*Problem, error) {
	var problem Problem
	var functionName sql.NullString
	err := scanner.Scan(
		&problem.ID,
		&problem.Title,
		&functionName,
		&problem.CreatedAt,
		&problem.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if functionName.Valid {
		problem.FunctionName = &functionName.String
	}
	return &problem, nil
}

func fmtInt64(value int64) string {
	return strconv.FormatInt(value, 10)
}
