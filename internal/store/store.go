// Package store provides persistence backends for forms and responses.
//
// It includes an in-memory store for tests and development, plus SQLite and
// PostgreSQL stores selected by DSN. Sessions are not stored here; transcript
// persistence belongs to the session package.
package store

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/formweaver/formweaver/internal/models"
)

// Dashboard window and listing limits.
const (
	// DashboardMonths is the by-month aggregation window.
	DashboardMonths = 6
	// RecentFormsLimit caps the recent-forms dashboard listing.
	RecentFormsLimit = 5
	// RecentResponsesLimit caps the recent-responses dashboard listing.
	RecentResponsesLimit = 10
)

// Store is the persistence contract for forms and responses.
type Store interface {
	CreateForm(ctx context.Context, form *models.Form) error
	GetForm(ctx context.Context, formID string) (models.Form, error)
	GetOwnedForm(ctx context.Context, formID, owner string) (models.Form, error)
	ListForms(ctx context.Context, owner string) ([]models.Form, error)
	AddResponse(ctx context.Context, response *models.FormResponse) error
	ListResponses(ctx context.Context, formID string) ([]models.FormResponse, error)
	ListOwnerResponses(ctx context.Context, owner string) ([]models.OwnerResponse, error)
	DashboardStats(ctx context.Context, owner string, now time.Time) (models.DashboardStats, error)
	Close() error
}

// Opts holds configuration for store construction.
type Opts struct {
	DSN string
}

// Option configures store construction.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". PostgreSQL DSNs
// use URI or key=value form; everything else is treated as a SQLite path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// prepareForm fills identity and timestamps before insertion.
func prepareForm(form *models.Form, now time.Time) {
	if form.ID == "" {
		form.ID = uuid.NewString()
	}
	if form.CreatedAt.IsZero() {
		form.CreatedAt = now
	}
	form.UpdatedAt = now
}

// prepareResponse fills identity and timestamp before insertion.
func prepareResponse(response *models.FormResponse, now time.Time) {
	if response.ID == "" {
		response.ID = uuid.NewString()
	}
	if response.CreatedAt.IsZero() {
		response.CreatedAt = now
	}
}

// monthKey formats a timestamp as the YYYY-MM bucket used by the dashboard.
func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// roundTwoDecimals matches the dashboard's averageFieldsPerForm precision.
func roundTwoDecimals(v float64) float64 {
	return math.Round(v*100) / 100
}

// InMemoryStore is a thread-safe in-memory store for tests and development.
type InMemoryStore struct {
	mu        sync.RWMutex
	forms     map[string]models.Form
	responses []models.FormResponse
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{forms: make(map[string]models.Form)}
}

// CreateForm persists a new form, assigning id and timestamps.
func (s *InMemoryStore) CreateForm(ctx context.Context, form *models.Form) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prepareForm(form, time.Now())
	s.forms[form.ID] = *form
	return nil
}

// GetForm returns a form by id regardless of owner (public fetch).
func (s *InMemoryStore) GetForm(ctx context.Context, formID string) (models.Form, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	form, ok := s.forms[formID]
	if !ok {
		return models.Form{}, models.ErrFormNotFound
	}
	return form, nil
}

// GetOwnedForm returns a form only when it belongs to owner.
func (s *InMemoryStore) GetOwnedForm(ctx context.Context, formID, owner string) (models.Form, error) {
	form, err := s.GetForm(ctx, formID)
	if err != nil || form.Owner != owner {
		return models.Form{}, models.ErrFormNotFound
	}
	return form, nil
}

// ListForms returns the owner's forms, newest first.
func (s *InMemoryStore) ListForms(ctx context.Context, owner string) ([]models.Form, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var forms []models.Form
	for _, form := range s.forms {
		if form.Owner == owner {
			forms = append(forms, form)
		}
	}
	sort.Slice(forms, func(i, j int) bool { return forms[i].CreatedAt.After(forms[j].CreatedAt) })
	return forms, nil
}

// AddResponse persists a submitted response.
func (s *InMemoryStore) AddResponse(ctx context.Context, response *models.FormResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.forms[response.FormID]; !ok {
		return models.ErrFormNotFound
	}
	prepareResponse(response, time.Now())
	s.responses = append(s.responses, *response)
	return nil
}

// ListResponses returns all responses for one form, newest first.
func (s *InMemoryStore) ListResponses(ctx context.Context, formID string) ([]models.FormResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FormResponse
	for _, r := range s.responses {
		if r.FormID == formID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListOwnerResponses returns every response across the owner's forms, with
// form context attached, newest first.
func (s *InMemoryStore) ListOwnerResponses(ctx context.Context, owner string) ([]models.OwnerResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.OwnerResponse{}
	for _, r := range s.responses {
		form, ok := s.forms[r.FormID]
		if !ok || form.Owner != owner {
			continue
		}
		out = append(out, models.OwnerResponse{
			ResponseID:  r.ID,
			FormID:      r.FormID,
			FormTitle:   form.Title,
			FormFields:  form.Fields,
			SubmitterID: r.SubmitterID,
			Answers:     r.Answers,
			CreatedAt:   r.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// DashboardStats aggregates the owner's activity.
func (s *InMemoryStore) DashboardStats(ctx context.Context, owner string, now time.Time) (models.DashboardStats, error) {
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
	formMonths := map[string]int{}
	for _, form := range forms {
		if !form.CreatedAt.Before(cutoff) {
			formMonths[monthKey(form.CreatedAt)]++
		}
	}
	responseMonths := map[string]int{}
	for _, r := range responses {
		if !r.CreatedAt.Before(cutoff) {
			responseMonths[monthKey(r.CreatedAt)]++
		}
	}
	stats.FormsByMonth = sortedMonthCounts(formMonths)
	stats.ResponsesByMonth = sortedMonthCounts(responseMonths)
	return stats, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// aggregateDashboard computes totals, recent listings, the field average,
// and the most active form from an owner's forms and responses. Forms and
// responses must already be sorted newest first. By-month buckets are filled
// in by each backend.
func aggregateDashboard(forms []models.Form, responses []models.OwnerResponse) models.DashboardStats {
	stats := models.DashboardStats{
		TotalForms:       len(forms),
		TotalResponses:   len(responses),
		RecentForms:      []models.FormSummary{},
		RecentResponses:  []models.ResponseSummary{},
		FormsByMonth:     []models.MonthCount{},
		ResponsesByMonth: []models.MonthCount{},
	}

	for _, form := range forms {
		stats.TotalFields += len(form.Fields)
		if len(stats.RecentForms) < RecentFormsLimit {
			stats.RecentForms = append(stats.RecentForms, models.FormSummary{
				FormID:      form.ID,
				Title:       form.Title,
				Description: form.Description,
				CreatedAt:   form.CreatedAt,
				FieldCount:  len(form.Fields),
			})
		}
	}
	if stats.TotalForms > 0 {
		stats.AverageFieldsPerForm = roundTwoDecimals(float64(stats.TotalFields) / float64(stats.TotalForms))
	}

	responsesPerForm := map[string]int{}
	titles := map[string]string{}
	for _, r := range responses {
		responsesPerForm[r.FormID]++
		titles[r.FormID] = r.FormTitle
		if len(stats.RecentResponses) < RecentResponsesLimit {
			stats.RecentResponses = append(stats.RecentResponses, models.ResponseSummary{
				ResponseID:  r.ResponseID,
				FormTitle:   r.FormTitle,
				CreatedAt:   r.CreatedAt,
				AnswerCount: len(r.Answers),
			})
		}
	}

	var best string
	for formID, count := range responsesPerForm {
		if best == "" || count > responsesPerForm[best] || (count == responsesPerForm[best] && formID < best) {
			best = formID
		}
	}
	if best != "" {
		stats.MostActiveForm = &models.ActiveForm{
			FormID:        best,
			Title:         titles[best],
			ResponseCount: responsesPerForm[best],
		}
	}
	return stats
}

// sortedMonthCounts flattens a month->count map into chronologically sorted
// buckets.
func sortedMonthCounts(months map[string]int) []models.MonthCount {
	out := make([]models.MonthCount, 0, len(months))
	for month, count := range months {
		out = append(out, models.MonthCount{Month: month, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out
}
