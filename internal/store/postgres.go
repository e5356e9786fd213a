// This file implements the PostgreSQL-backed store for forms and responses.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/formweaver/formweaver/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run PostgreSQL migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateForm(ctx context.Context, form *models.Form) error {
	prepareForm(form, time.Now())
	fieldsJSON, err := json.Marshal(form.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode form fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO forms (id, title, description, fields, owner, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		form.ID, form.Title, nilIfEmpty(form.Description), string(fieldsJSON), form.Owner, form.CreatedAt, form.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateForm failed", "error", err, "formID", form.ID)
		return fmt.Errorf("failed to insert form %s: %w", form.ID, err)
	}
	slog.Debug("PostgresStore CreateForm succeeded", "formID", form.ID, "owner", form.Owner)
	return nil
}

func (s *PostgresStore) GetForm(ctx context.Context, formID string) (models.Form, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, fields, owner, created_at, updated_at FROM forms WHERE id = $1`, formID)
	form, err := scanForm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Form{}, models.ErrFormNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetForm failed", "error", err, "formID", formID)
		return models.Form{}, fmt.Errorf("failed to get form %s: %w", formID, err)
	}
	return form, nil
}

func (s *PostgresStore) GetOwnedForm(ctx context.Context, formID, owner string) (models.Form, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, fields, owner, created_at, updated_at FROM forms WHERE id = $1 AND owner = $2`,
		formID, owner)
	form, err := scanForm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Form{}, models.ErrFormNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetOwnedForm failed", "error", err, "formID", formID)
		return models.Form{}, fmt.Errorf("failed to get form %s: %w", formID, err)
	}
	return form, nil
}

func (s *PostgresStore) ListForms(ctx context.Context, owner string) ([]models.Form, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, description, fields, owner, created_at, updated_at FROM forms WHERE owner = $1 ORDER BY created_at DESC`,
		owner)
	if err != nil {
		slog.Error("PostgresStore ListForms query failed", "error", err, "owner", owner)
		return nil, fmt.Errorf("failed to query forms: %w", err)
	}
	defer rows.Close()

	var forms []models.Form
	for rows.Next() {
		form, err := scanForm(rows)
		if err != nil {
			slog.Error("PostgresStore ListForms scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan form row: %w", err)
		}
		forms = append(forms, form)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate form rows: %w", err)
	}
	slog.Debug("PostgresStore ListForms succeeded", "owner", owner, "count", len(forms))
	return forms, nil
}

func (s *PostgresStore) AddResponse(ctx context.Context, response *models.FormResponse) error {
	if _, err := s.GetForm(ctx, response.FormID); err != nil {
		return err
	}
	prepareResponse(response, time.Now())
	answersJSON, err := json.Marshal(response.Answers)
	if err != nil {
		return fmt.Errorf("failed to encode response answers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO responses (id, form_id, submitter_id, answers, created_at) VALUES ($1, $2, $3, $4, $5)`,
		response.ID, response.FormID, nilIfEmpty(response.SubmitterID), string(answersJSON), response.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddResponse failed", "error", err, "formID", response.FormID)
		return fmt.Errorf("failed to insert response for form %s: %w", response.FormID, err)
	}
	slog.Debug("PostgresStore AddResponse succeeded", "formID", response.FormID, "responseID", response.ID)
	return nil
}

func (s *PostgresStore) ListResponses(ctx context.Context, formID string) ([]models.FormResponse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, form_id, submitter_id, answers, created_at FROM responses WHERE form_id = $1 ORDER BY created_at DESC`,
		formID)
	if err != nil {
		slog.Error("PostgresStore ListResponses query failed", "error", err, "formID", formID)
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer rows.Close()

	var responses []models.FormResponse
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			slog.Error("PostgresStore ListResponses scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan response row: %w", err)
		}
		responses = append(responses, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate response rows: %w", err)
	}
	return responses, nil
}

func (s *PostgresStore) ListOwnerResponses(ctx context.Context, owner string) ([]models.OwnerResponse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.form_id, f.title, f.fields, r.submitter_id, r.answers, r.created_at
		 FROM responses r JOIN forms f ON r.form_id = f.id
		 WHERE f.owner = $1 ORDER BY r.created_at DESC`, owner)
	if err != nil {
		slog.Error("PostgresStore ListOwnerResponses query failed", "error", err, "owner", owner)
		return nil, fmt.Errorf("failed to query owner responses: %w", err)
	}
	defer rows.Close()

	out := []models.OwnerResponse{}
	for rows.Next() {
		r, err := scanOwnerResponse(rows)
		if err != nil {
			slog.Error("PostgresStore ListOwnerResponses scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan owner response row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate owner response rows: %w", err)
	}
	return out, nil
}

// DashboardStats aggregates the owner's forms and responses. By-month buckets
// use PostgreSQL's to_char.
func (s *PostgresStore) DashboardStats(ctx context.Context, owner string, now time.Time) (models.DashboardStats, error) {
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
		`SELECT to_char(created_at, 'YYYY-MM') AS month, COUNT(*) FROM forms
		 WHERE owner = $1 AND created_at >= $2 GROUP BY month ORDER BY month`, owner, cutoff)
	if err != nil {
		return models.DashboardStats{}, err
	}
	stats.ResponsesByMonth, err = s.monthCounts(ctx,
		`SELECT to_char(r.created_at, 'YYYY-MM') AS month, COUNT(*) FROM responses r
		 JOIN forms f ON r.form_id = f.id
		 WHERE f.owner = $1 AND r.created_at >= $2 GROUP BY month ORDER BY month`, owner, cutoff)
	if err != nil {
		return models.DashboardStats{}, err
	}
	return stats, nil
}

func (s *PostgresStore) monthCounts(ctx context.Context, query string, args ...interface{}) ([]models.MonthCount, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore monthCounts query failed", "error", err)
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

// Close closes the underlying PostgreSQL connection.
func (s *PostgresStore) Close() error {
	slog.Debug("PostgresStore Close invoked")
	return s.db.Close()
}
