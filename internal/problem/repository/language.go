package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/openkoi/koi/internal/common/db"
)

var ErrLanguageNotFound = errors.New("language not found")

// LanguageRepository reads the languages table. The table is a handful of
// rows read per submission, so it goes straight to MySQL without a cache.
type LanguageRepository interface {
	GetByID(ctx context.Context, languageID int64) (*Language, error)
	GetBySlug(ctx context.Context, slug string) (*Language, error)
	List(ctx context.Context, onlyActive bool) ([]Language, error)
}

type MySQLLanguageRepository struct {
	db db.Database
}

func NewLanguageRepository(database db.Database) LanguageRepository {
	return &MySQLLanguageRepository{db: database}
}

func (r *MySQLLanguageRepository) GetByID(ctx context.Context, languageID int64) (*Language, error) {
	query := "SELECT " + languageColumns + " FROM languages WHERE id = ?"
	row := r.db.QueryRow(ctx, query, languageID)
	return scanLanguage(row)
}

func (r *MySQLLanguageRepository) GetBySlug(ctx context.Context, slug string) (*Language, error) {
	query := "SELECT " + languageColumns + " FROM languages WHERE slug = ?"
	row := r.db.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(slug)))
	return scanLanguage(row)
}

func (r *MySQLLanguageRepository) List(ctx context.Context, onlyActive bool) ([]Language, error) {
	query := "SELECT " + languageColumns + " FROM languages"
	if onlyActive {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY id ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var languages []Language
	for rows.Next() {
		var lang Language
		if err := rows.Scan(&lang.ID, &lang.Slug, &lang.Name, &lang.Version, &lang.IsActive); err != nil {
			return nil, err
		}
		languages = append(languages, lang)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return languages, nil
}

const languageColumns = "id, slug, name, version, is_active"

func scanLanguage(scanner db.Scanner) (*Language, error) {
	var lang Language
	err := scanner.Scan(&lang.ID, &lang.Slug, &lang.Name, &lang.Version, &lang.IsActive)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrLanguageNotFound
		}
		return nil, err
	}
	return &lang, nil
}
