// This file implements the SQLite-backed store for forms and responses.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/formweaver/formweaver/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database
// directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateForm(ctx context.Context, form *models.Form) error {
	prepareForm(form, time.Now())
	fieldsJSON, err := json.Marshal(form.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode form fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO forms (id, title, description, fields, owner, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		form.ID, form.Title, nilIfEmpty(form.Description), string(fieldsJSON), form.Owner, form.CreatedAt, form.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateForm failed", "error", err, "formID", form.ID)
		return fmt.Errorf("failed to insert form %s: %w", form.ID, err)
	}
	slog.Debug("SQLiteStore CreateForm succeeded", "formID", form.ID, "owner", form.Owner)
	return nil
}

func (s *SQLiteStore) GetForm(ctx context.Context, formID string) (models.Form, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, fields, owner, created_at, updated_at FROM forms WHERE id = ?`, formID)
	form, err := scanForm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Form{}, models.ErrFormNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetForm failed", "error", err, "formID", formID)
		return models.Form{}, fmt.Errorf("failed to get form %s: %w", formID, err)
	}
	return form, nil
}

func (s *SQLiteStore) GetOwnedForm(ctx context.Context, formID, owner string) (models.Form, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, fields, owner, created_at, updated_at FROM forms WHERE id = ? AND owner = ?`,
		formID, owner)
	form, err := scanForm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Form{}, models.ErrFormNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetOwnedForm failed", "error", err, "formID", formID)
		return models.Form{}, fmt.Errorf("failed to get form %s: %w", formID, err)
	}
	return form, nil
}

func (s *SQLiteStore) ListForms(ctx context.Context, owner string) ([]models.Form, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, description, fields, owner, created_at, updated_at FROM forms WHERE owner = ? ORDER BY created_at DESC`,
		owner)
	if err != nil {
		slog.Error("SQLiteStore ListForms query failed", "error", err, "owner", owner)
		return nil, fmt.Errorf("failed to query forms: %w", err)
	}
	defer rows.Close()

	var forms []models.Form
	for rows.Next() {
		form, err := scanForm(rows)
		if err != nil {
			slog.Error("SQLiteStore ListForms scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan form row: %w", err)
		}
		forms = append(forms, form)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate form rows: %w", err)
	}
	slog.Debug("SQLiteStore ListForms succeeded", "owner", owner, "count", len(forms))
	return forms, nil
}

func (s *SQLiteStore) AddResponse(ctx context.Context, response *models.FormResponse) error {
	if _, err := s.GetForm(ctx, response.FormID); err != nil {
		return err
	}
	prepareResponse(response, time.Now())
	answersJSON, err := json.Marshal(response.Answers)
	if err != nil {
		return fmt.Errorf("failed to encode response answers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO responses (id, form_id, submitter_id, answers, created_at) VALUES (?, ?, ?, ?, ?)`,
		response.ID, response.FormID, nilIfEmpty(response.SubmitterID), string(answersJSON), response.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddResponse failed", "error", err, "formID", response.FormID)
		return fmt.Errorf("failed to insert response for form %s: %w", response.FormID, err)
	}
	slog.Debug("SQLiteStore AddResponse succeeded", "formID", response.FormID, "responseID", response.ID)
	return nil
}

func (s *SQLiteStore) ListResponses(ctx context.Context, formID string) ([]models.FormResponse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, form_id, submitter_id, answers, created_at FROM responses WHERE form_id = ? ORDER BY created_at DESC`,
		formID)
	if err != nil {
		slog.Error("SQLiteStore ListResponses query failed", "error", err, "formID", formID)
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer rows.Close()

	var responses []models.FormResponse
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			slog.Error("SQLiteStore ListResponses scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan response row: %w", err)
		}
		responses = append(responses, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate response rows: %w", err)
	}
	return responses, nil
}

func (s *SQLiteStore) ListOwnerResponses(ctx context.Context, owner string) ([]models.OwnerResponse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.form_id, f.title, f.fields, r.submitter_id, r.answers, r.created_at
		 FROM responses r JOIN forms f ON r.form_id = f.id
		 WHERE f.owner = ? ORDER BY r.created_at DESC`, owner)
	if err != nil {
		slog.Error("SQLiteStore ListOwnerResponses query failed", "error", err, "owner", owner)
		return nil, fmt.Errorf("failed to query owner responses: %w", err)
	}
	defer rows.Close()

	out := []models.OwnerResponse{}
	for rows.Next() {
		r, err := scanOwnerResponse(rows)
		if err != nil {
			slog.Error("SQLiteStore ListOwnerResponses scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan owner response row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate owner response rows: %w", err)
	}
	return out, nil
}

// DashboardStats aggregates the owner's forms and responses. The by-month
// buckets use SQLite's strftime; the remaining aggregates are computed from
// the owner's form and response sets.
func (s *SQLiteStore) DashboardStats(ctx context.Context, owner string, now time.Time) (models.DashboardStats, error) {
	forms, err := s.ListForms(ctx, owner)
	if err != nil {
		return models.DashboardStats{}, err
	}
	responses, err := s.ListOwnerResponses(ctx, owner)
	if err != nil {
		return models.DashboardStats{}, err
	}

	stats := aggregateDashboard(forms, responses)

	cutoff := now.AddDate(0, -DashboardMonths, 0)
	stats.FormsByMonth, err = s.monthCounts(ctx,
		`SELECT strftime('%Y-%m', created_at) AS month, COUNT(*) FROM forms
		 WHERE owner = ? AND created_at >= ? GROUP BY month ORDER BY month`, owner, cutoff)
	if err != nil {
		return models.DashboardStats{}, err
	}
	stats.ResponsesByMonth, err = s.monthCounts(ctx,
		`SELECT strftime('%Y-%m', r.created_at) AS month, COUNT(*) FROM responses r
		 JOIN forms f ON r.form_id = f.id
		 WHERE f.owner = ? AND r.created_at >= ? GROUP BY month ORDER BY month`, owner, cutoff)
	if err != nil {
		return models.DashboardStats{}, err
	}
	return stats, nil
}

func (s *SQLiteStore) monthCounts(ctx context.Context, query string, args ...interface{}) ([]models.MonthCount, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore monthCounts query failed", "error", err)
		return nil, fmt.Errorf("failed to query month counts: %w", err)
	}
	defer rows.Close()

	out := []models.MonthCount{}
	for rows.Next() {
		var mc models.MonthCount
		if err := rows.Scan(&mc.Month, &mc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan month count row: %w", err)
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

// Close closes the underlying SQLite connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("SQLiteStore Close invoked")
	return s.db.Close()
}
